// Package bridge hands work from background goroutines to a single loop
// goroutine that owns all collaborator I/O.
package bridge

import (
	"context"
	"errors"
	"sync"

	"sjsage522/shopwatch/logger"
)

// ErrClosed is returned for work submitted after the loop stopped
var ErrClosed = errors.New("bridge: loop closed")

// Result is the outcome of one handed-off call
type Result struct {
	OK      bool
	Err     error
	Payload any
}

// Success wraps a payload in a successful Result
func Success(payload any) Result {
	return Result{OK: true, Payload: payload}
}

// Failure wraps an error in a failed Result
func Failure(err error) Result {
	return Result{Err: err}
}

// Func is work executed on the loop goroutine
type Func func(ctx context.Context) Result

type task struct {
	ctx   context.Context
	fn    Func
	reply chan Result
}

// Loop runs submitted functions one at a time in submission order
type Loop struct {
	tasks chan task
	log   *logger.Logger

	mu       sync.RWMutex
	closed   bool
	stopping chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewLoop creates a loop with a bounded submission queue
func NewLoop(queue int) *Loop {
	if queue < 0 {
		queue = 0
	}
	return &Loop{
		tasks:    make(chan task, queue),
		log:      logger.ForPublisher(),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run processes submissions until ctx is done or Close is called.
// Work still queued at shutdown is answered with ErrClosed.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			l.shutdown()
			return
		case t, ok := <-l.tasks:
			if !ok {
				return
			}
			t.reply <- l.exec(t)
		}
	}
}

func (l *Loop) exec(t task) (res Result) {
	if err := t.ctx.Err(); err != nil {
		return Failure(err)
	}
	defer func() {
		if r := recover(); r != nil {
			l.log.Error().Interface("panic", r).Msg("Handed-off call panicked")
			res = Failure(errors.New("bridge: handed-off call panicked"))
		}
	}()
	return t.fn(t.ctx)
}

func (l *Loop) shutdown() {
	// release submitters blocked on a full queue before taking the write lock
	l.stopOnce.Do(func() { close(l.stopping) })
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.tasks)
	}
	l.mu.Unlock()
	for t := range l.tasks {
		t.reply <- Failure(ErrClosed)
	}
}

// Close stops accepting work; queued work still runs
func (l *Loop) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.tasks)
	}
}

// Done is closed once Run has returned
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Submit queues fn and returns a channel that yields its Result exactly once
func (l *Loop) Submit(ctx context.Context, fn Func) <-chan Result {
	reply := make(chan Result, 1)

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		reply <- Failure(ErrClosed)
		return reply
	}

	select {
	case l.tasks <- task{ctx: ctx, fn: fn, reply: reply}:
	case <-l.stopping:
		reply <- Failure(ErrClosed)
	case <-ctx.Done():
		reply <- Failure(ctx.Err())
	}
	return reply
}

// Do submits fn and waits for its Result or for ctx to end
func (l *Loop) Do(ctx context.Context, fn Func) Result {
	select {
	case res := <-l.Submit(ctx, fn):
		return res
	case <-ctx.Done():
		return Failure(ctx.Err())
	}
}
