// Package scheduler runs the engine's periodic triggers: hot and cold debate
// cadences, the orphan-order sweep, the daily budget rollover, and the
// health log. With singleton locks enabled, each task takes a named DB lock
// before running so co-deployed instances never double-trigger.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quorumtrade/quorum/internal/config"
)

const fatalStreak = 5

// TaskFunc is one scheduled run
type TaskFunc func(ctx context.Context) error

// Task is a periodic trigger
type Task struct {
	Name         string
	Interval     time.Duration
	InitialDelay time.Duration
	Daily        bool // fire at local midnight instead of on an interval
	Run          TaskFunc

	failures int
}

// Locker is the singleton-lock surface (store.LockStore)
type Locker interface {
	Acquire(ctx context.Context, taskName, holder string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, taskName, holder string) error
}

// Scheduler owns the periodic task set
type Scheduler struct {
	cfg    config.SchedulerConfig
	locks  Locker
	holder string
	logger zerolog.Logger

	mu      sync.Mutex
	tasks   []*Task
	started bool

	wg     sync.WaitGroup
	cancel context.CancelFunc
	fatal  chan error
}

// New creates a scheduler. locks may be nil when singleton discipline is off.
func New(cfg config.SchedulerConfig, locks Locker) *Scheduler {
	hostname, _ := os.Hostname()
	return &Scheduler{
		cfg:    cfg,
		locks:  locks,
		holder: fmt.Sprintf("%s-%d", hostname, os.Getpid()),
		logger: config.NewLogger("scheduler"),
		fatal:  make(chan error, 1),
	}
}

// Add registers a task; call before Start
func (s *Scheduler) Add(task *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		panic("scheduler: Add after Start")
	}
	s.tasks = append(s.tasks, task)
}

// Fatal delivers the error that made the scheduler unrecoverable, if any
func (s *Scheduler) Fatal() <-chan error { return s.fatal }

// Start launches one goroutine per task
func (s *Scheduler) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)

	s.mu.Lock()
	s.started = true
	s.cancel = cancel
	tasks := s.tasks
	s.mu.Unlock()

	for _, task := range tasks {
		s.wg.Add(1)
		go s.loop(ctx, task)
	}
	s.logger.Info().Int("tasks", len(tasks)).Msg("Scheduler started")
}

// Stop cancels all tasks and waits up to the configured grace
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()

	grace := time.Duration(s.cfg.ShutdownGraceSec) * time.Second
	if grace <= 0 {
		grace = 30 * time.Second
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info().Msg("Scheduler stopped")
	case <-time.After(grace):
		s.logger.Warn().Dur("grace", grace).Msg("Scheduler tasks still running after grace, abandoning")
	}
}

func (s *Scheduler) loop(ctx context.Context, task *Task) {
	defer s.wg.Done()

	if task.Daily {
		s.dailyLoop(ctx, task)
		return
	}

	if task.InitialDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(task.InitialDelay):
		}
		s.fire(ctx, task)
	}

	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fire(ctx, task)
		}
	}
}

// dailyLoop fires at each local midnight
func (s *Scheduler) dailyLoop(ctx context.Context, task *Task) {
	for {
		now := time.Now()
		next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).Add(24 * time.Hour)
		select {
		case <-ctx.Done():
			return
		case <-time.After(next.Sub(now)):
			s.fire(ctx, task)
		}
	}
}

// fire runs one task occurrence under the singleton lock, if enabled
func (s *Scheduler) fire(ctx context.Context, task *Task) {
	if s.cfg.SingletonLocks && s.locks != nil {
		ttl := 2 * task.Interval
		if task.Daily {
			ttl = 48 * time.Hour
		}
		ok, err := s.locks.Acquire(ctx, task.Name, s.holder, ttl)
		if err != nil {
			s.logger.Warn().Err(err).Str("task", task.Name).Msg("Lock acquisition failed, skipping run")
			return
		}
		if !ok {
			s.logger.Debug().Str("task", task.Name).Msg("Lock held elsewhere, skipping run")
			return
		}
	}

	start := time.Now()
	err := s.runGuarded(ctx, task)
	elapsed := time.Since(start)

	if err != nil {
		task.failures++
		s.logger.Error().
			Err(err).
			Str("task", task.Name).
			Int("consecutive", task.failures).
			Dur("elapsed", elapsed).
			Msg("Scheduled task failed")
		if task.failures >= fatalStreak {
			select {
			case s.fatal <- fmt.Errorf("task %s failed %d consecutive runs: %w", task.Name, task.failures, err):
			default:
			}
		}
		return
	}
	task.failures = 0
	s.logger.Debug().Str("task", task.Name).Dur("elapsed", elapsed).Msg("Scheduled task completed")
}

// runGuarded converts a task panic into an error
func (s *Scheduler) runGuarded(ctx context.Context, task *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", task.Name, r)
		}
	}()
	return task.Run(ctx)
}
