package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler runs named periodic tasks. A task never overlaps itself: a tick
// that arrives while the previous run is still busy is skipped.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu    sync.Mutex
	tasks map[string]cron.EntryID
}

// New constructs an idle scheduler.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	cl := cronLogger{logger: logger}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	return &Scheduler{cron: c, logger: logger, tasks: make(map[string]cron.EntryID)}
}

// Add registers fn to run every interval under name.
func (s *Scheduler) Add(name string, every time.Duration, fn func()) error {
	if every <= 0 {
		return fmt.Errorf("schedule %s: interval must be positive", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[name]; exists {
		return fmt.Errorf("schedule %s: already registered", name)
	}
	id := s.cron.Schedule(cron.Every(every), cron.FuncJob(fn))
	s.tasks[name] = id
	s.logger.Info("task scheduled", "task", name, "every", every)
	return nil
}

// Cancel removes the task. It reports whether the task existed.
func (s *Scheduler) Cancel(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.tasks[name]
	if !ok {
		return false
	}
	s.cron.Remove(id)
	delete(s.tasks, name)
	s.logger.Info("task cancelled", "task", name)
	return true
}

// Trigger runs the task now on the calling goroutine, through the same
// overlap guard as scheduled ticks. It reports whether the task exists.
func (s *Scheduler) Trigger(name string) bool {
	s.mu.Lock()
	id, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return false
	}

	entry := s.cron.Entry(id)
	if !entry.Valid() {
		return false
	}
	entry.WrappedJob.Run()
	return true
}

// Start begins running scheduled ticks in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts ticks and waits for running tasks, or until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
