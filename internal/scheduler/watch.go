package scheduler

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"sjsage522/shopwatch/config"
	"sjsage522/shopwatch/logger"
	apperrors "sjsage522/shopwatch/pkg/errors"
)

const settingsDebounce = 500 * time.Millisecond

// TargetFromSchedule converts a settings entry to a Target
func TargetFromSchedule(sch config.Schedule) (Target, error) {
	day, err := sch.Weekday()
	if err != nil {
		return Target{}, err
	}
	hour, minute, err := sch.Clock()
	if err != nil {
		return Target{}, err
	}
	return Target{Weekday: day, Hour: hour, Minute: minute}, nil
}

// Apply reconfigures each scheduler whose target differs from settings
func Apply(ctx context.Context, settings config.Settings, scrape, analytics *Scheduler) error {
	pairs := []struct {
		s   *Scheduler
		sch config.Schedule
	}{
		{scrape, settings.Scrape},
		{analytics, settings.Analytics},
	}
	for _, p := range pairs {
		if p.s == nil {
			continue
		}
		t, err := TargetFromSchedule(p.sch)
		if err != nil {
			return err
		}
		if current, ok := p.s.Target(); ok && current == t && p.s.Running() {
			continue
		}
		if err := p.s.Configure(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// WatchSettings applies the settings file to both schedulers whenever it
// changes, until ctx is done. Invalid edits are logged and ignored.
func WatchSettings(ctx context.Context, store *config.SettingsStore, scrape, analytics *Scheduler) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return apperrors.NewConfiguration("create settings watcher", err)
	}
	defer watcher.Close()

	// editors replace files by rename, so watch the folder
	path, err := filepath.Abs(store.Path())
	if err != nil {
		return apperrors.NewConfiguration("resolve settings path", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return apperrors.NewConfiguration("watch settings folder", err)
	}

	log := logger.ForScheduler("settings")
	log.Info().Str("file", path).Msg("Watching schedule settings")

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				debounce = time.After(settingsDebounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("Settings watcher error")
		case <-debounce:
			debounce = nil
			settings, err := store.Load()
			if err != nil {
				log.Error().Err(err).Msg("Ignoring invalid schedule settings")
				continue
			}
			if err := Apply(ctx, settings, scrape, analytics); err != nil {
				log.Error().Err(err).Msg("Failed to apply schedule settings")
				continue
			}
			log.Info().
				Str("scrape", settings.Scrape.Day+" "+settings.Scrape.Time).
				Str("analytics", settings.Analytics.Day+" "+settings.Analytics.Time).
				Msg("Schedule settings applied")
		}
	}
}
