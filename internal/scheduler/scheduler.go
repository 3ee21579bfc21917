// Package scheduler fires a job at a weekly weekday and wall time in a fixed
// timezone. Each Scheduler owns its own job table.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron"

	"sjsage522/shopwatch/internal/lock"
	"sjsage522/shopwatch/logger"
	apperrors "sjsage522/shopwatch/pkg/errors"
)

// Job is the blocking work a scheduler fires
type Job func(ctx context.Context)

// Target is the configured weekly trigger
type Target struct {
	Weekday time.Weekday
	Hour    int
	Minute  int
}

func (t Target) String() string {
	return fmt.Sprintf("%s %02d:%02d", t.Weekday, t.Hour, t.Minute)
}

func (t Target) spec() string {
	return fmt.Sprintf("%d %d * * %d", t.Minute, t.Hour, int(t.Weekday))
}

// Options configures a scheduler
type Options struct {
	Location *time.Location
	Tick     time.Duration
}

type entry struct {
	next     time.Time
	schedule cron.Schedule // nil for a one-off
}

// Scheduler polls its job table once per tick and runs due jobs on its own goroutine
type Scheduler struct {
	name string
	opts Options
	lock lock.Lock
	job  Job
	now  func() time.Time
	log  *logger.Logger

	mu      sync.Mutex
	target  *Target
	jobs    []*entry
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// New creates a stopped scheduler
func New(name string, opts Options, lk lock.Lock, job Job) *Scheduler {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Tick <= 0 {
		opts.Tick = time.Minute
	}
	return &Scheduler{
		name: name,
		opts: opts,
		lock: lk,
		job:  job,
		now:  time.Now,
		log:  logger.ForScheduler(name),
	}
}

// Name returns the scheduler name
func (s *Scheduler) Name() string {
	return s.name
}

// Configure replaces the target: the loop is stopped, the table cleared and
// rearmed, and the loop started again.
func (s *Scheduler) Configure(ctx context.Context, t Target) error {
	if t.Hour < 0 || t.Hour > 23 || t.Minute < 0 || t.Minute > 59 || t.Weekday < time.Sunday || t.Weekday > time.Saturday {
		return apperrors.NewValidation("scheduler", "invalid target "+t.String())
	}
	s.Stop()

	s.mu.Lock()
	s.target = &t
	s.mu.Unlock()

	s.log.Info().Str("target", t.String()).Str("timezone", s.opts.Location.String()).Msg("Scheduler configured")
	return s.Start(ctx)
}

// Target returns the configured trigger
func (s *Scheduler) Target() (Target, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.target == nil {
		return Target{}, false
	}
	return *s.target, true
}

// Start resets the run lock to stop, arms the table and launches the loop
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if s.target == nil {
		return apperrors.NewValidation("scheduler", s.name+" has no target")
	}

	if err := s.lock.ForceStop(); err != nil {
		s.log.Error().Err(err).Msg("Failed to reset run lock")
	}
	if err := s.arm(s.now()); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	go s.loop(loopCtx, s.done)

	s.log.Info().Time("next_run", s.nextRunLocked()).Msg("Scheduler started")
	return nil
}

// arm clears the table and schedules the weekly job, plus a one-off for
// later today when today is the target day and the time has not passed
func (s *Scheduler) arm(now time.Time) error {
	sched, err := cron.ParseStandard(s.target.spec())
	if err != nil {
		return apperrors.NewValidation("scheduler", "bad schedule "+s.target.String())
	}
	now = now.In(s.opts.Location)

	s.jobs = nil
	first := sched.Next(now)
	if sameDay(first, now) {
		s.jobs = append(s.jobs, &entry{next: first})
		s.jobs = append(s.jobs, &entry{next: sched.Next(first), schedule: sched})
		s.log.Info().Time("at", first).Msg("Same-day run scheduled")
		return nil
	}
	s.jobs = append(s.jobs, &entry{next: first, schedule: sched})
	return nil
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// Stop ends the loop and waits for a running job to return
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.running = false
	s.jobs = nil
	s.mu.Unlock()

	cancel()
	<-done
	s.log.Info().Msg("Scheduler stopped")
}

// Running reports whether the loop is active
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun returns the earliest armed fire time, zero when nothing is armed
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRunLocked()
}

func (s *Scheduler) nextRunLocked() time.Time {
	var next time.Time
	for _, e := range s.jobs {
		if next.IsZero() || e.next.Before(next) {
			next = e.next
		}
	}
	return next
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.opts.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.due(s.now()) {
				s.fire(ctx)
			}
		}
	}
}

// due advances every elapsed entry and reports whether the job should run.
// Several entries elapsing in the same tick fire the job once.
func (s *Scheduler) due(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now = now.In(s.opts.Location)
	fire := false
	kept := s.jobs[:0]
	for _, e := range s.jobs {
		if e.next.After(now) {
			kept = append(kept, e)
			continue
		}
		fire = true
		if e.schedule != nil {
			e.next = e.schedule.Next(now)
			kept = append(kept, e)
		}
	}
	s.jobs = kept
	return fire
}

func (s *Scheduler) fire(ctx context.Context) {
	s.log.Info().Msg("Scheduled run starting")
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("Scheduled job panicked")
		}
	}()
	s.job(ctx)
	s.log.Info().Time("next_run", s.NextRun()).Msg("Scheduled run finished")
}
