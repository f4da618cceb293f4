package cmd

import (
	"context"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	flushValve    int
	flushVolumeUl float64
)

// flushCmd represents the flush command
var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Prime a valve by firing a flush volume through it",
	Run: func(cmd *cobra.Command, args []string) {
		c := openController()
		defer func() {
			if err := c.Close(); err != nil {
				logger.Error("closing comms", zap.Error(err))
			}
		}()
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		if err := c.Flush(ctx, flushValve, flushVolumeUl); err != nil {
			logger.Fatal("flush failed", zap.Error(err))
		}
		logger.Info("flush complete", zap.Int("valve", flushValve))
	},
}

func init() {
	flushCmd.Flags().IntVar(&flushValve, "valve", 1, "valve channel to flush")
	flushCmd.Flags().Float64Var(&flushVolumeUl, "volume", 250, "flush volume in microlitres")
	rootCmd.AddCommand(flushCmd)
}
