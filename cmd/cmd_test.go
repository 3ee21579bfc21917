package cmd

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sjsage522/shopwatch/config"
	"sjsage522/shopwatch/internal/lock"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func setupEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("DATA_DIR", dir)
	t.Setenv("LOCK_FILE", filepath.Join(dir, "is_working"))
	t.Setenv("SCHEDULE_FILE", filepath.Join(dir, "schedule.yaml"))
	return dir
}

func TestScheduleCommands(t *testing.T) {
	dir := setupEnv(t)

	out, err := run(t, "schedule")
	require.NoError(t, err)
	assert.Contains(t, out, "scrape:    monday 09:00")

	out, err = run(t, "schedule", "set", "scrape", "Friday", "18:30")
	require.NoError(t, err)
	assert.Equal(t, "scrape: friday 18:30\n", out)

	settings, err := config.NewSettingsStore(filepath.Join(dir, "schedule.yaml")).Load()
	require.NoError(t, err)
	assert.Equal(t, config.Schedule{Day: "friday", Time: "18:30"}, settings.Scrape)

	_, err = run(t, "schedule", "set", "scrape", "someday", "18:30")
	assert.Error(t, err)
	_, err = run(t, "schedule", "set", "nightly", "monday", "18:30")
	assert.Error(t, err)
}

func TestLockCommands(t *testing.T) {
	dir := setupEnv(t)
	lk := lock.NewFileLock(filepath.Join(dir, "is_working"), 30*time.Minute)

	ok, err := lk.TryAcquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	out, err := run(t, "lock", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "start")

	out, err = run(t, "lock", "stop")
	require.NoError(t, err)
	assert.Equal(t, "stop\n", out)

	state, err := lk.State()
	require.NoError(t, err)
	assert.Equal(t, lock.StateStop, state)
}
