// Package cmd holds the shopwatch command line.
package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"sjsage522/shopwatch/config"
	"sjsage522/shopwatch/logger"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:           "shopwatch",
	Short:         "Storefront monitor",
	Long:          "Scrapes the configured shops on a weekly schedule, reports new listings and classifies them after the observation window.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		c := config.LoadConfig()
		if err := c.Validate(); err != nil {
			return err
		}
		cfg = c
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, scrapeCmd, analyticsCmd, lockCmd, scheduleCmd)
}

// Execute runs the root command and exits non-zero on failure
func Execute() {
	logger.Init()
	if err := rootCmd.Execute(); err != nil {
		logger.Default.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}
