// Package scheduler runs the acquisition loop: a fine tick that fires the
// poll and store actions on wall-clock multiples of their periods, so cycles
// stay aligned to the clock however long each one takes.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/sweeney/iono-daq/internal/logging"
)

const (
	DefaultTick  = 100 * time.Millisecond
	DefaultGuard = 1500 * time.Millisecond
)

// Hooks are the actions driven by the scheduler. Errors are logged and never
// stop the loop.
type Hooks interface {
	// Poll reads the channels and feeds the downstream consumers.
	Poll(ctx context.Context, t time.Time) error
	// Store closes an aggregation window.
	Store(ctx context.Context, t time.Time) error
}

// Config sets the two periods and the loop timing.
type Config struct {
	PollPeriod  time.Duration
	StorePeriod time.Duration
	Tick        time.Duration // zero means DefaultTick
	Guard       time.Duration // extra sleep after a boundary fired; zero means DefaultGuard
}

// Scheduler checks both boundaries on every tick.
type Scheduler struct {
	hooks Hooks
	poll  *Boundary
	store *Boundary
	tick  time.Duration
	guard time.Duration

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithSleep overrides the pause between ticks. fn must return ctx.Err() once
// ctx is done.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(s *Scheduler) { s.sleep = fn }
}

// New creates a Scheduler. Periods are truncated to whole seconds.
func New(cfg Config, hooks Hooks, opts ...Option) (*Scheduler, error) {
	if cfg.PollPeriod < time.Second || cfg.StorePeriod < time.Second {
		return nil, fmt.Errorf("scheduler: periods must be at least 1s (poll=%v store=%v)", cfg.PollPeriod, cfg.StorePeriod)
	}
	if hooks == nil {
		return nil, fmt.Errorf("scheduler: nil hooks")
	}
	tick := cfg.Tick
	if tick <= 0 {
		tick = DefaultTick
	}
	s := &Scheduler{
		hooks: hooks,
		poll:  NewBoundary(cfg.PollPeriod, tick),
		store: NewBoundary(cfg.StorePeriod, tick),
		tick:  tick,
		guard: cfg.Guard,
		now:   time.Now,
		sleep: sleepContext,
	}
	if s.guard <= 0 {
		s.guard = DefaultGuard
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Step evaluates both boundaries at t, store first, and runs the hooks that
// are due. It reports whether anything fired.
func (s *Scheduler) Step(ctx context.Context, t time.Time) bool {
	fired := false
	if s.store.Hit(t) {
		fired = true
		logging.Info("New mean", "time", t.Format(time.RFC3339))
		s.run(ctx, "store", s.hooks.Store, t)
	}
	if s.poll.Hit(t) {
		fired = true
		logging.Info("New polling", "time", t.Format(time.RFC3339))
		s.run(ctx, "poll", s.hooks.Poll, t)
	}
	return fired
}

// run calls one hook, containing errors and panics.
func (s *Scheduler) run(ctx context.Context, name string, fn func(context.Context, time.Time) error, t time.Time) {
	defer func() {
		if p := recover(); p != nil {
			logging.Error("Scheduled action panicked", "action", name, "panic", p)
		}
	}()
	start := time.Now()
	if err := fn(ctx, t); err != nil {
		logging.Error("Scheduled action failed", "action", name, "error", err)
		return
	}
	logging.Debug("Scheduled action done", "action", name, "took", time.Since(start))
}

// Run loops until ctx is cancelled and returns ctx.Err(). After a boundary
// fires it pauses for the tick plus the guard so the same second cannot fire
// twice.
func (s *Scheduler) Run(ctx context.Context) error {
	logging.Info("Scheduler started",
		"poll", s.poll.Period(), "store", s.store.Period(), "tick", s.tick, "guard", s.guard)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		pause := s.tick
		if s.Step(ctx, s.now()) {
			pause += s.guard
		}
		if err := s.sleep(ctx, pause); err != nil {
			return err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
