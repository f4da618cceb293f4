package cmd

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// parkCmd represents the park command
var parkCmd = &cobra.Command{
	Use:   "park",
	Short: "Park the dispense arms and de-energize their motors",
	Run: func(cmd *cobra.Command, args []string) {
		c := openController()
		defer func() {
			if err := c.Close(); err != nil {
				logger.Error("closing comms", zap.Error(err))
			}
		}()
		if err := c.ParkArms(context.Background()); err != nil {
			logger.Fatal("park failed", zap.Error(err))
		}
		logger.Info("arms parked")
	},
}

// unparkCmd represents the unpark command
var unparkCmd = &cobra.Command{
	Use:   "unpark",
	Short: "Unpark the dispense arms",
	Run: func(cmd *cobra.Command, args []string) {
		c := openController()
		defer func() {
			if err := c.Close(); err != nil {
				logger.Error("closing comms", zap.Error(err))
			}
		}()
		if err := c.UnparkArms(context.Background()); err != nil {
			logger.Fatal("unpark failed", zap.Error(err))
		}
		logger.Info("arms unparked")
	},
}

func init() {
	rootCmd.AddCommand(parkCmd)
	rootCmd.AddCommand(unparkCmd)
}
