package cmd

import (
	"context"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ukrobotics/dispenselib/d2"
	"github.com/ukrobotics/dispenselib/protocol"
)

var (
	protocolID    string
	protocolCSV   string
	plateTypeGUID string
)

// dispenseCmd represents the dispense command
var dispenseCmd = &cobra.Command{
	Use:   "dispense",
	Short: "Run a dispense protocol onto a plate",
	Long: `Runs a full dispense: fetches the plate type, compiles the protocol
against the device's active calibration, positions the head and clamps the
plate, then streams the run to the device and waits for it to finish.
Ctrl-C aborts the device and releases the plate.`,
	Run: func(cmd *cobra.Command, args []string) {
		src := protocolSource()
		c := openController()
		defer func() {
			if err := c.Close(); err != nil {
				logger.Error("closing comms", zap.Error(err))
			}
		}()
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		if err := c.RunDispense(ctx, src, plateTypeGUID); err != nil {
			logger.Fatal("dispense failed", zap.Error(err))
		}
		logger.Info("dispense complete")
	},
}

func protocolSource() d2.ProtocolSource {
	switch {
	case protocolCSV != "":
		f, err := os.Open(protocolCSV)
		if err != nil {
			logger.Fatal("opening protocol csv", zap.Error(err))
		}
		defer f.Close()
		p, err := protocol.ImportCSV(f, protocolCSV)
		if err != nil {
			logger.Fatal("reading protocol csv", zap.Error(err))
		}
		return d2.ProtocolData(p)
	case protocolID != "":
		return d2.ProtocolID(protocolID)
	default:
		logger.Fatal("pass --protocol or --csv")
		return nil
	}
}

func init() {
	dispenseCmd.Flags().StringVar(&protocolID, "protocol", "", "protocol id to fetch from the data service")
	dispenseCmd.Flags().StringVar(&protocolCSV, "csv", "", "protocol CSV file to dispense")
	dispenseCmd.Flags().StringVar(&plateTypeGUID, "plate", "", "plate type GUID")
	_ = dispenseCmd.MarkFlagRequired("plate")
	rootCmd.AddCommand(dispenseCmd)
}
