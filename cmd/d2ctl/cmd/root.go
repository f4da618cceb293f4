package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ukrobotics/dispenselib/d2"
	"github.com/ukrobotics/dispenselib/dataaccess"
	"github.com/ukrobotics/dispenselib/env"
)

var (
	portName string
	baud     int
	dataURL  string

	logger   *zap.Logger
	settings *env.Environment
)

// rootCmd represents the root command
var rootCmd = &cobra.Command{
	Use:   "d2ctl",
	Short: "d2ctl drives a D2 dispenser over its serial port",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		settings = env.LoadEnv(logger)
		if portName == "" {
			portName = settings.SerialPort
		}
		if !cmd.Flags().Changed("baud") && settings.Baud != 0 {
			baud = settings.Baud
		}
		if !cmd.Flags().Changed("data-url") && settings.DataURL != "" {
			dataURL = settings.DataURL
		}
	},
}

func init() {
	var err error
	logger, err = zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "serial port of the dispenser (default $SERIAL_PORT)")
	rootCmd.PersistentFlags().IntVarP(&baud, "baud", "b", 115200, "serial baud rate")
	rootCmd.PersistentFlags().StringVar(&dataURL, "data-url", dataaccess.DefaultBaseURL, "dispense data service base URL")
}

func Execute() {
	defer func() {
		_ = logger.Sync()
	}()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func dataSource() dataaccess.Source {
	client, err := dataaccess.NewClient(dataURL)
	if err != nil {
		logger.Fatal("data service URL", zap.Error(err))
	}
	return client
}

// openController opens a session on the configured port. Callers must Close
// the returned controller.
func openController() *d2.Controller {
	if portName == "" {
		logger.Fatal("no serial port configured; pass --port or set SERIAL_PORT")
	}
	c := d2.New(dataSource(), logger, d2.DefaultConfig())
	if err := c.OpenComms(portName, baud); err != nil {
		logger.Fatal("opening comms", zap.Error(err))
	}
	return c
}
