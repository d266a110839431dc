// Package driver runs one timer loop per scheduled task.
//
// The loop asks the schedule for the next instant after a reference time,
// sleeps until that instant, fires, and uses the instant it just fired for as
// the next reference. A slow fire therefore never shifts later fire times.
package driver

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"housekeeper/internal/runtime/supervisor"
	"housekeeper/internal/schedule"
	"housekeeper/pkg/logx"
)

// FireFunc is invoked once per fire with the scheduled instant.
type FireFunc func(ctx context.Context, at time.Time) error

// NonProgressingScheduleError ends a loop whose schedule returned an instant
// that is not strictly after the reference (the zero time included).
type NonProgressingScheduleError struct {
	Task string
	Expr string
	Ref  time.Time
	Next time.Time
}

func (e *NonProgressingScheduleError) Error() string {
	if e.Next.IsZero() {
		return fmt.Sprintf("task %s: schedule %q has no fire time after %s", e.Task, e.Expr, e.Ref.Format(time.RFC3339))
	}
	return fmt.Sprintf("task %s: schedule %q returned %s, not after %s", e.Task, e.Expr, e.Next.Format(time.RFC3339), e.Ref.Format(time.RFC3339))
}

type Option func(*options)

type options struct {
	log logx.Logger
	sup *supervisor.Supervisor
	now func() time.Time
}

func WithLogger(log logx.Logger) Option { return func(o *options) { o.log = log } }

// WithSupervisor hosts the loop as a named supervised goroutine ("driver.<task>").
// The loop also ends when the supervisor is stopped.
func WithSupervisor(s *supervisor.Supervisor) Option { return func(o *options) { o.sup = s } }

// WithNow replaces the wall clock used for the first reference and the early-wake check.
func WithNow(now func() time.Time) Option { return func(o *options) { o.now = now } }

// Handle controls a running loop.
type Handle struct {
	name  string
	sched schedule.Schedule
	log   logx.Logger
	now   func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}

	mu      sync.Mutex
	stopped bool
	next    time.Time
	prev    time.Time
	fires   uint64
	err     error
}

// Start launches the loop for name and returns immediately.
// ctx bounds the loop and is passed to every onFire call.
func Start(ctx context.Context, name string, sched schedule.Schedule, onFire FireFunc, opts ...Option) *Handle {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	h := &Handle{
		name:   name,
		sched:  sched,
		log:    o.log.With(logx.String("task", name)),
		now:    o.now,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	if o.sup == nil {
		go h.run(ctx, onFire)
		return h
	}
	o.sup.Go0("driver."+name, func(supCtx context.Context) {
		lctx, cancel := context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(supCtx, cancel)
		defer stop()
		h.run(lctx, onFire)
	})
	return h
}

func (h *Handle) run(ctx context.Context, onFire FireFunc) {
	defer close(h.done)

	ref := h.now()
	for {
		next := h.sched.Next(ref)
		if next.IsZero() || !next.After(ref) {
			err := &NonProgressingScheduleError{Task: h.name, Expr: h.sched.String(), Ref: ref, Next: next}
			h.mu.Lock()
			h.err = err
			h.next = time.Time{}
			h.mu.Unlock()
			h.log.Error("schedule stopped progressing, loop ended", logx.Err(err))
			return
		}
		h.mu.Lock()
		h.next = next
		h.mu.Unlock()

		if !h.sleepUntil(ctx, next) {
			return
		}

		h.mu.Lock()
		if h.stopped {
			h.mu.Unlock()
			return
		}
		h.fires++
		h.prev = next
		h.mu.Unlock()

		h.fire(ctx, onFire, next)
		ref = next
	}
}

// sleepUntil waits for at and reports false if the loop was stopped first.
// A timer that wakes before at (clock adjustments, coarse timers) is re-armed.
func (h *Handle) sleepUntil(ctx context.Context, at time.Time) bool {
	for {
		d := at.Sub(h.now())
		if d <= 0 {
			return true
		}
		t := time.NewTimer(d)
		select {
		case <-h.stopCh:
			t.Stop()
			return false
		case <-ctx.Done():
			t.Stop()
			return false
		case <-t.C:
		}
	}
}

func (h *Handle) fire(ctx context.Context, onFire FireFunc, at time.Time) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("fire panicked", logx.Time("scheduled_at", at), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	if err := onFire(ctx, at); err != nil {
		h.log.Error("fire failed", logx.Time("scheduled_at", at), logx.Err(err))
	}
}

// Stop prevents any further fire. It is idempotent and safe from any
// goroutine; a fire already dispatched is not interrupted.
func (h *Handle) Stop() {
	h.stopOnce.Do(func() {
		h.mu.Lock()
		h.stopped = true
		h.mu.Unlock()
		close(h.stopCh)
	})
}

// Wait blocks until the loop has exited or ctx is done.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the loop exits.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the reason the loop ended on its own, or nil.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *Handle) Name() string                { return h.name }
func (h *Handle) Schedule() schedule.Schedule { return h.sched }

// Next is the instant the loop is waiting for; zero once the loop has ended.
func (h *Handle) Next() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return time.Time{}
	}
	select {
	case <-h.done:
		return time.Time{}
	default:
	}
	return h.next
}

// Prev is the scheduled instant of the latest fire.
func (h *Handle) Prev() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.prev
}

func (h *Handle) Fires() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fires
}

func (h *Handle) Stopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}
