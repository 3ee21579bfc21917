package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	apperrors "sjsage522/shopwatch/pkg/errors"
)

// Schedule is one weekly trigger: a weekday and an HH:MM wall time
type Schedule struct {
	Day  string `yaml:"day"`
	Time string `yaml:"time"`
}

// Settings is the operator-editable schedule file
type Settings struct {
	Scrape    Schedule `yaml:"scrape"`
	Analytics Schedule `yaml:"analytics"`
}

// DefaultSettings mirrors the schedule used before the file exists
func DefaultSettings() Settings {
	return Settings{
		Scrape:    Schedule{Day: "monday", Time: "09:00"},
		Analytics: Schedule{Day: "wednesday", Time: "09:00"},
	}
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// Weekday parses the day name
func (s Schedule) Weekday() (time.Weekday, error) {
	day, ok := weekdays[strings.ToLower(strings.TrimSpace(s.Day))]
	if !ok {
		return 0, apperrors.NewValidation("settings", "unknown weekday "+s.Day)
	}
	return day, nil
}

// Clock parses the HH:MM time
func (s Schedule) Clock() (hour, minute int, err error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s.Time))
	if err != nil {
		return 0, 0, apperrors.NewValidation("settings", "invalid time "+s.Time)
	}
	return t.Hour(), t.Minute(), nil
}

// Validate checks both schedules
func (s Settings) Validate() error {
	for name, sch := range map[string]Schedule{"scrape": s.Scrape, "analytics": s.Analytics} {
		if _, err := sch.Weekday(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if _, _, err := sch.Clock(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// SettingsStore persists Settings as YAML
type SettingsStore struct {
	path string
	mu   sync.Mutex
}

// NewSettingsStore creates a store backed by path
func NewSettingsStore(path string) *SettingsStore {
	return &SettingsStore{path: path}
}

// Path returns the backing file
func (s *SettingsStore) Path() string {
	return s.path
}

// Load reads the settings, returning defaults when the file is missing
func (s *SettingsStore) Load() (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return DefaultSettings(), nil
	}
	if err != nil {
		return Settings{}, apperrors.NewConfiguration("read settings", err)
	}

	settings := DefaultSettings()
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return Settings{}, apperrors.NewConfiguration("parse settings", err)
	}
	if err := settings.Validate(); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

// Save writes the settings atomically
func (s *SettingsStore) Save(settings Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}

	data, err := yaml.Marshal(settings)
	if err != nil {
		return apperrors.NewConfiguration("encode settings", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return apperrors.NewConfiguration("create settings dir", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return apperrors.NewConfiguration("write settings", err)
	}
	return os.Rename(tmp, s.path)
}
