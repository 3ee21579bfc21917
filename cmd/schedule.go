package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"sjsage522/shopwatch/config"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Show or change the weekly schedule",
	RunE: func(cmd *cobra.Command, _ []string) error {
		settings, err := config.NewSettingsStore(cfg.SettingsFile).Load()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "scrape:    %s %s (%s)\n", settings.Scrape.Day, settings.Scrape.Time, cfg.Timezone)
		fmt.Fprintf(out, "analytics: %s %s (%s)\n", settings.Analytics.Day, settings.Analytics.Time, cfg.Timezone)
		return nil
	},
}

// a running serve process picks the change up through its settings watcher
var scheduleSetCmd = &cobra.Command{
	Use:   "set <scrape|analytics> <weekday> <HH:MM>",
	Short: "Change one schedule",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := config.NewSettingsStore(cfg.SettingsFile)
		settings, err := store.Load()
		if err != nil {
			return err
		}

		sch := config.Schedule{Day: strings.ToLower(args[1]), Time: args[2]}
		switch args[0] {
		case "scrape":
			settings.Scrape = sch
		case "analytics":
			settings.Analytics = sch
		default:
			return fmt.Errorf("unknown schedule %q", args[0])
		}
		if err := store.Save(settings); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s %s\n", args[0], sch.Day, sch.Time)
		return nil
	},
}

func init() {
	scheduleCmd.AddCommand(scheduleSetCmd)
}
