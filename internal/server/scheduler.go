package server

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// cronLogger routes cron's logging into slog
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}

// Scheduler runs a job on a cron schedule
type Scheduler struct {
	cron     *cron.Cron
	schedule string
	job      func()
	logger   *slog.Logger
	mu       sync.RWMutex
	running  bool
}

// NewScheduler creates a new scheduler. Runs that would overlap a still
// running job are skipped.
func NewScheduler(schedule string, job func(), logger *slog.Logger) *Scheduler {
	l := cronLogger{logger: logger}
	c := cron.New(
		cron.WithLogger(l),
		cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
	)

	return &Scheduler{
		cron:     c,
		schedule: schedule,
		job:      job,
		logger:   logger,
	}
}

// Start starts the scheduler
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}

	if _, err := s.cron.AddFunc(s.schedule, s.job); err != nil {
		return fmt.Errorf("failed to add cron job: %w", err)
	}

	s.cron.Start()
	s.running = true

	if next := s.next(); next != nil {
		s.logger.Info("scheduler started", "schedule", s.schedule, "next", next.Format(time.RFC3339))
	}

	return nil
}

// Stop stops the scheduler and waits for a running job to complete
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	ctx := s.cron.Stop()
	<-ctx.Done()

	s.running = false
	s.logger.Info("scheduler stopped")
}

// Next returns the time of the next scheduled run, or nil when stopped.
func (s *Scheduler) Next() *time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.running {
		return nil
	}
	return s.next()
}

func (s *Scheduler) next() *time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}
