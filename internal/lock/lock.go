// Package lock implements the durable "is a run in progress" flag shared by
// the manual trigger and both schedulers.
package lock

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"sjsage522/shopwatch/logger"
	apperrors "sjsage522/shopwatch/pkg/errors"
)

// State is the persisted flag value
type State string

const (
	StateStart State = "start"
	StateStop  State = "stop"
)

const flagKey = "is_working"

// Lock is the run-exclusion contract
type Lock interface {
	// TryAcquire clears a stale flag, then flips stop to start; false means another run holds it
	TryAcquire(ctx context.Context) (bool, error)
	// Release sets the flag to stop unconditionally
	Release() error
	// IsStale reports a start flag older than the staleness window
	IsStale() (bool, error)
	// ForceStop resets the flag regardless of holder
	ForceStop() error
	// State returns the current flag
	State() (State, error)
	// Heartbeat rewrites a held start flag so a long healthy run never looks stale;
	// a stop flag is left untouched
	Heartbeat() error
}

// FileLock stores the flag as "is_working=<state>" in a text file.
// Every read-modify-write runs under an advisory lock on a sidecar file and lands via rename.
type FileLock struct {
	path       string
	staleAfter time.Duration
	now        func() time.Time
	log        *logger.Logger
}

var _ Lock = (*FileLock)(nil)

// NewFileLock creates a lock stored at path
func NewFileLock(path string, staleAfter time.Duration) *FileLock {
	return &FileLock{
		path:       path,
		staleAfter: staleAfter,
		now:        time.Now,
		log:        logger.ForLock(),
	}
}

// Path returns the flag file location
func (l *FileLock) Path() string {
	return l.path
}

func (l *FileLock) TryAcquire(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	acquired := false
	err := l.withFileLock(func() error {
		state, modTime, err := l.read()
		if err != nil {
			return err
		}

		if state == StateStart && l.stale(modTime) {
			l.log.Warn().
				Time("since", modTime).
				Dur("stale_after", l.staleAfter).
				Msg("Recovered crashed run: stale lock reset to stop")
			state = StateStop
		}

		if state == StateStart {
			return nil
		}

		if err := l.write(StateStart); err != nil {
			return err
		}
		acquired = true
		return nil
	})
	return acquired, err
}

func (l *FileLock) Release() error {
	return l.withFileLock(func() error {
		return l.write(StateStop)
	})
}

func (l *FileLock) ForceStop() error {
	return l.withFileLock(func() error {
		state, _, err := l.read()
		if err != nil {
			return err
		}
		if state == StateStart {
			l.log.Info().Msg("Lock forced to stop")
		}
		return l.write(StateStop)
	})
}

func (l *FileLock) Heartbeat() error {
	return l.withFileLock(func() error {
		state, _, err := l.read()
		if err != nil {
			return err
		}
		if state != StateStart {
			return nil
		}
		return l.write(StateStart)
	})
}

func (l *FileLock) IsStale() (bool, error) {
	var stale bool
	err := l.withFileLock(func() error {
		state, modTime, err := l.read()
		if err != nil {
			return err
		}
		stale = state == StateStart && l.stale(modTime)
		return nil
	})
	return stale, err
}

func (l *FileLock) State() (State, error) {
	var state State
	err := l.withFileLock(func() error {
		var err error
		state, _, err = l.read()
		return err
	})
	return state, err
}

func (l *FileLock) stale(modTime time.Time) bool {
	return l.now().Sub(modTime) > l.staleAfter
}

func (l *FileLock) withFileLock(fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return apperrors.NewStore("lock", "create lock dir", err)
	}

	fl := flock.New(l.path + ".flock")
	if err := fl.Lock(); err != nil {
		return apperrors.NewStore("lock", "flock", err)
	}
	defer func() {
		if err := fl.Unlock(); err != nil {
			l.log.Warn().Err(err).Msg("Failed to release advisory lock")
		}
	}()

	return fn()
}

// read returns the flag and the file modification time; a missing file reads as stop
func (l *FileLock) read() (State, time.Time, error) {
	info, err := os.Stat(l.path)
	if os.IsNotExist(err) {
		return StateStop, time.Time{}, nil
	}
	if err != nil {
		return "", time.Time{}, apperrors.NewStore("lock", "stat lock file", err)
	}

	data, err := os.ReadFile(l.path)
	if err != nil {
		return "", time.Time{}, apperrors.NewStore("lock", "read lock file", err)
	}
	return parseState(data), info.ModTime(), nil
}

func parseState(data []byte) State {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if ok && strings.TrimSpace(key) == flagKey && State(strings.TrimSpace(value)) == StateStart {
			return StateStart
		}
	}
	return StateStop
}

func (l *FileLock) write(state State) error {
	tmp := l.path + ".tmp"
	content := fmt.Sprintf("%s=%s\n", flagKey, state)
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return apperrors.NewStore("lock", "write lock file", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return apperrors.NewStore("lock", "replace lock file", err)
	}
	now := l.now()
	// keeps staleness measurable when the clock is injected
	return os.Chtimes(l.path, now, now)
}
