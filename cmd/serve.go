package cmd

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"sjsage522/shopwatch/config"
	"sjsage522/shopwatch/internal/scheduler"
	"sjsage522/shopwatch/logger"
	"sjsage522/shopwatch/services/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scrape and analytics schedulers",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		opts := scheduler.Options{Location: cfg.Location(), Tick: cfg.SchedulerTick}
		scrape := scheduler.New(worker.KindScrape, opts, a.lock, func(ctx context.Context) {
			if _, err := a.worker.RunScrape(ctx, "schedule"); errors.Is(err, worker.ErrAlreadyRunning) {
				logger.ForScheduler(worker.KindScrape).Warn().Msg("Skipped: another run is in progress")
			}
		})
		analytics := scheduler.New(worker.KindAnalytics, opts, a.lock, func(ctx context.Context) {
			if _, err := a.worker.RunAnalytics(ctx, "schedule"); errors.Is(err, worker.ErrAlreadyRunning) {
				logger.ForScheduler(worker.KindAnalytics).Warn().Msg("Skipped: another run is in progress")
			}
		})
		defer scrape.Stop()
		defer analytics.Stop()

		store := config.NewSettingsStore(cfg.SettingsFile)
		settings, err := store.Load()
		if err != nil {
			return err
		}
		if err := scheduler.Apply(ctx, settings, scrape, analytics); err != nil {
			return err
		}

		logger.Default.Info().
			Str("environment", cfg.Environment).
			Time("next_scrape", scrape.NextRun()).
			Time("next_analytics", analytics.NextRun()).
			Msg("Schedulers running")

		if err := scheduler.WatchSettings(ctx, store, scrape, analytics); err != nil {
			logger.Default.Error().Err(err).Msg("Settings watcher unavailable, schedule changes need a restart")
			<-ctx.Done()
		}

		logger.Default.Info().Msg("Shutting down gracefully...")
		return nil
	},
}
