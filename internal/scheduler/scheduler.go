// Package scheduler decides what happens after a task row is persisted. The
// production variant relies on the Postgres queue itself; the simple variant
// runs tasks in-process for dev mode.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"sandbox/internal/config"
	"sandbox/internal/logging"
	"sandbox/internal/task"
)

// Scheduler is notified after a task has been persisted as Pending.
type Scheduler interface {
	Schedule(ctx context.Context, t task.Task) error
}

// Runner executes one task to completion. The simple scheduler plugs the
// worker's dispatch path in here.
type Runner interface {
	Run(ctx context.Context, t task.Task) error
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, t task.Task) error

func (f RunnerFunc) Run(ctx context.Context, t task.Task) error { return f(ctx, t) }

// PgQueue is the production scheduler: the Pending row in Postgres is the
// queue entry, so Schedule only has to acknowledge it. Workers discover the
// task by polling the lease endpoint.
type PgQueue struct {
	logger logging.Logger
}

func NewPgQueue() *PgQueue {
	return &PgQueue{logger: logging.NewComponentLogger("PgQueueScheduler")}
}

func (s *PgQueue) Schedule(_ context.Context, t task.Task) error {
	s.logger.Debug("Task %s queued for pickup", t.ID)
	return nil
}

// Simple runs each scheduled task immediately on a goroutine. Dev mode only:
// no leasing, no recovery.
type Simple struct {
	runner Runner
	logger logging.Logger
}

func NewSimple(runner Runner) *Simple {
	return &Simple{runner: runner, logger: logging.NewComponentLogger("SimpleScheduler")}
}

func (s *Simple) Schedule(ctx context.Context, t task.Task) error {
	if s.runner == nil {
		return fmt.Errorf("simple scheduler has no runner")
	}
	go func() {
		if err := s.runner.Run(context.WithoutCancel(ctx), t); err != nil {
			s.logger.Error("Task %s failed: %v", t.ID, err)
		}
	}()
	return nil
}

// Nop discards scheduling events.
type Nop struct{}

func NewNop() *Nop { return &Nop{} }

func (*Nop) Schedule(context.Context, task.Task) error { return nil }

// AutoShutdown decorates another scheduler and invokes a shutdown callback
// once no task has been scheduled for the idle period. Used to power down
// the GPU host between bursts.
type AutoShutdown struct {
	inner     Scheduler
	idleAfter time.Duration
	shutdown  func()
	logger    logging.Logger

	mu           sync.Mutex
	lastActivity time.Time
	stop         chan struct{}
	stopOnce     sync.Once
}

func NewAutoShutdown(inner Scheduler, idleAfter time.Duration, shutdown func()) *AutoShutdown {
	s := &AutoShutdown{
		inner:        inner,
		idleAfter:    idleAfter,
		shutdown:     shutdown,
		logger:       logging.NewComponentLogger("AutoShutdown"),
		lastActivity: time.Now(),
		stop:         make(chan struct{}),
	}
	go s.watch()
	return s
}

func (s *AutoShutdown) Schedule(ctx context.Context, t task.Task) error {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
	return s.inner.Schedule(ctx, t)
}

// Stop terminates the idle watcher without firing the callback.
func (s *AutoShutdown) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *AutoShutdown) watch() {
	ticker := time.NewTicker(s.idleAfter / 4)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			idle := time.Since(s.lastActivity)
			s.mu.Unlock()
			if idle >= s.idleAfter {
				s.logger.Info("Idle for %s, shutting down", idle.Round(time.Second))
				s.shutdown()
				return
			}
		}
	}
}

// FromConfig builds the scheduler named by the config, wrapping it with
// AutoShutdown when enabled. The runner may be nil for pg_queue and nop.
func FromConfig(cfg config.SchedulerConfig, runner Runner, shutdown func()) (Scheduler, error) {
	var s Scheduler
	switch cfg.Name {
	case "", "pg_queue":
		s = NewPgQueue()
	case "simple":
		s = NewSimple(runner)
	case "nop":
		s = NewNop()
	default:
		return nil, fmt.Errorf("unknown scheduler: %q", cfg.Name)
	}

	if cfg.AutoShutdown {
		if shutdown == nil {
			return nil, fmt.Errorf("auto_shutdown enabled without a shutdown hook")
		}
		s = NewAutoShutdown(s, cfg.IdleAfter, shutdown)
	}
	return s, nil
}
