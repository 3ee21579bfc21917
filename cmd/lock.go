package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"sjsage522/shopwatch/internal/lock"
)

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Inspect or reset the run lock",
}

var lockStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether a run is in progress",
	RunE: func(cmd *cobra.Command, _ []string) error {
		lk := lock.NewFileLock(cfg.LockFile, cfg.LockStaleAfter)
		state, err := lk.State()
		if err != nil {
			return err
		}
		stale, err := lk.IsStale()
		if err != nil {
			return err
		}
		msg := string(state)
		if stale {
			msg += " (stale, cleared by the next run)"
		}
		fmt.Fprintln(cmd.OutOrStdout(), msg)
		return nil
	},
}

var lockStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Ask the running job to stop after the current shop",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := lock.NewFileLock(cfg.LockFile, cfg.LockStaleAfter).ForceStop(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), lock.StateStop)
		return nil
	},
}

func init() {
	lockCmd.AddCommand(lockStatusCmd, lockStopCmd)
}
