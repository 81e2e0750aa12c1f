// Package scheduler runs a task at a fixed rate, dropping ticks that fire
// while the previous run is still going.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
)

// Task is the work run on every accepted tick. It should return promptly once
// ctx is cancelled.
type Task func(ctx context.Context)

// Scheduler runs a Task every period on a single worker goroutine. A tick
// that fires while the task is still running is skipped rather than queued,
// so runs never overlap and never pile up.
type Scheduler struct {
	clock  clockwork.Clock
	period time.Duration
	task   Task
	log    *log.Entry
	onSkip func()

	inProgress atomic.Bool

	// queue hands accepted ticks to the worker. The in-progress flag
	// guarantees it never holds more than one entry.
	queue chan struct{}

	// trigger requests an immediate tick.
	trigger chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger used for skipped ticks and task panics.
func WithLogger(entry *log.Entry) Option {
	return func(s *Scheduler) {
		s.log = entry
	}
}

// WithSkipHook registers a function called every time a tick is skipped.
func WithSkipHook(fn func()) Option {
	return func(s *Scheduler) {
		s.onSkip = fn
	}
}

// New creates a scheduler that runs `task` every `period`, as measured by
// `clock`. The scheduler doesn't do anything until Start is called.
func New(clock clockwork.Clock, period time.Duration, task Task, opts ...Option) *Scheduler {
	s := &Scheduler{
		clock:   clock,
		period:  period,
		task:    task,
		log:     log.NewEntry(log.StandardLogger()),
		queue:   make(chan struct{}, 1),
		trigger: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins ticking. The first tick fires one period after Start, and the
// following ones every period after that. `ctx` is passed to the task, and
// cancelling it stops the scheduler. Calling Start more than once has no
// effect.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.period <= 0 {
		return fmt.Errorf("period must be positive, got %s", s.period)
	}

	s.startOnce.Do(func() {
		ctx, s.cancel = context.WithCancel(ctx)
		ticker := s.clock.NewTicker(s.period)

		s.wg.Add(2)
		go func() {
			defer s.wg.Done()
			defer ticker.Stop()
			s.tickLoop(ctx, ticker.Chan())
		}()
		go func() {
			defer s.wg.Done()
			s.work(ctx)
		}()
	})
	return nil
}

// Stop stops the ticker, cancels the context of a running task, and waits
// for the task to return. It's safe to call Stop more than once, or without
// calling Start.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		// Prevent a later Start from spawning goroutines that nobody waits
		// on.
		s.startOnce.Do(func() {})
		if s.cancel != nil {
			s.cancel()
		}
	})
	s.wg.Wait()
}

// Trigger requests a tick now, without waiting for the next period. Like any
// other tick, it's skipped if the task is already running.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// InProgress returns whether a run was accepted and hasn't finished yet.
func (s *Scheduler) InProgress() bool {
	return s.inProgress.Load()
}

func (s *Scheduler) tickLoop(ctx context.Context, ticks <-chan time.Time) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticks:
		case <-s.trigger:
		}
		s.tick()
	}
}

func (s *Scheduler) tick() {
	if !s.inProgress.CompareAndSwap(false, true) {
		s.log.Debug("Previous run still in progress. Skipping tick.")
		if s.onSkip != nil {
			s.onSkip()
		}
		return
	}
	s.queue <- struct{}{}
}

func (s *Scheduler) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.queue:
			s.run(ctx)
		}
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.inProgress.Store(false)
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("panic", r).Error("Scheduled task panicked")
		}
	}()
	s.task(ctx)
}
