package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// infoCmd represents the info command
var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Read the connected device's serial id",
	Run: func(cmd *cobra.Command, args []string) {
		c := openController()
		defer func() {
			if err := c.Close(); err != nil {
				logger.Error("closing comms", zap.Error(err))
			}
		}()
		id, err := c.ReadSerialID(context.Background())
		if err != nil {
			logger.Fatal("reading serial id", zap.Error(err))
		}
		fmt.Println(id)
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
}
