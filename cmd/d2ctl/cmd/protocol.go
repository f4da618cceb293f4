package cmd

import (
	"context"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ukrobotics/dispenselib/dataaccess"
	"github.com/ukrobotics/dispenselib/protocol"
)

var exportOut string

// exportCmd represents the export command
var exportCmd = &cobra.Command{
	Use:   "export <protocol-id>",
	Short: "Fetch a protocol from the data service and write it as CSV",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		p, err := dataSource().Protocol(context.Background(), args[0])
		if err != nil {
			logger.Fatal("fetching protocol", zap.Error(err))
		}
		out := os.Stdout
		if exportOut != "" {
			f, err := os.Create(exportOut)
			if err != nil {
				logger.Fatal("creating output file", zap.Error(err))
			}
			defer f.Close()
			out = f
		}
		if err := protocol.ExportCSV(out, p); err != nil {
			logger.Fatal("writing csv", zap.Error(err))
		}
	},
}

var mirrorSerialID string

// mirrorCmd represents the mirror command
var mirrorCmd = &cobra.Command{
	Use:   "mirror <protocol-id> <plate-type-guid>",
	Short: "Copy a run's reference records into a local CouchDB",
	Long: `Fetches the protocol, plate type and device calibration from the data
service and writes them to the CouchDB named by COUCHDB_URI and
COUCHDB_DATABASE, so later runs can work offline.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		if settings.CouchURI == "" || settings.CouchDB == "" {
			logger.Fatal("set COUCHDB_URI and COUCHDB_DATABASE to mirror")
		}
		store, err := dataaccess.OpenStore(settings.CouchURI, settings.CouchDB)
		if err != nil {
			logger.Fatal("opening couchdb", zap.Error(err))
		}
		defer func() {
			if err := store.Close(); err != nil {
				logger.Error("closing couchdb", zap.Error(err))
			}
		}()
		ctx := context.Background()
		src := dataSource()

		p, err := src.Protocol(ctx, args[0])
		if err != nil {
			logger.Fatal("fetching protocol", zap.Error(err))
		}
		if err := store.PutProtocol(ctx, p); err != nil {
			logger.Fatal("storing protocol", zap.Error(err))
		}
		plate, err := src.PlateType(ctx, args[1])
		if err != nil {
			logger.Fatal("fetching plate type", zap.Error(err))
		}
		if err := store.PutPlateType(ctx, plate); err != nil {
			logger.Fatal("storing plate type", zap.Error(err))
		}
		if mirrorSerialID != "" {
			cal, err := src.ActiveCalibration(ctx, mirrorSerialID)
			if err != nil {
				logger.Fatal("fetching calibration", zap.Error(err))
			}
			if err := store.PutActiveCalibration(ctx, mirrorSerialID, cal); err != nil {
				logger.Fatal("storing calibration", zap.Error(err))
			}
		}
		logger.Info("mirror complete", zap.String("protocol", p.ID))
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "output file (default stdout)")
	mirrorCmd.Flags().StringVar(&mirrorSerialID, "serial", "", "device serial id whose calibration to mirror")
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(mirrorCmd)
}
