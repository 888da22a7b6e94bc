package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSchedule runs every run type every two minutes.
const DefaultSchedule = "@every 2m"

// Scheduler triggers engine runs on a cron schedule.
type Scheduler struct {
	engine     *Engine
	schedule   string
	runTimeout time.Duration
	logger     *slog.Logger
	stop       chan struct{}
	running    atomic.Bool
}

// NewScheduler creates a scheduler. schedule is a cron spec or descriptor
// ("@every 2m"); empty uses DefaultSchedule.
func NewScheduler(engine *Engine, schedule string, logger *slog.Logger) *Scheduler {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	return &Scheduler{
		engine:     engine,
		schedule:   schedule,
		runTimeout: 5 * time.Minute,
		logger:     logger,
		stop:       make(chan struct{}, 1),
	}
}

// WithRunTimeout bounds a single run.
func (s *Scheduler) WithRunTimeout(d time.Duration) *Scheduler {
	if d > 0 {
		s.runTimeout = d
	}
	return s
}

// Validate checks the schedule spec without starting anything.
func (s *Scheduler) Validate() error {
	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return fmt.Errorf("invalid oracle schedule %q: %w", s.schedule, err)
	}
	return nil
}

// Running reports whether the scheduler loop is active.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Start schedules every run type and blocks until ctx is done or Stop is
// called. Call in a goroutine.
func (s *Scheduler) Start(ctx context.Context) error {
	cl := cronLogger{s.logger}
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))

	for _, rt := range RunTypes() {
		if _, err := c.AddFunc(s.schedule, s.job(ctx, rt)); err != nil {
			return fmt.Errorf("schedule %s: %w", rt, err)
		}
	}

	s.running.Store(true)
	defer s.running.Store(false)
	c.Start()
	s.logger.Info("oracle scheduler started", "schedule", s.schedule)

	select {
	case <-ctx.Done():
	case <-s.stop:
	}

	<-c.Stop().Done()
	s.logger.Info("oracle scheduler stopped")
	return nil
}

// Stop signals the scheduler to stop after in-flight runs finish.
func (s *Scheduler) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Scheduler) job(ctx context.Context, rt RunType) func() {
	return func() {
		runCtx, cancel := context.WithTimeout(ctx, s.runTimeout)
		defer cancel()

		_, err := s.engine.Run(runCtx, rt)
		switch {
		case err == nil:
		case errors.Is(err, ErrRunInProgress):
			s.logger.Debug("oracle run skipped, previous still running", "runType", rt)
		default:
			s.logger.Warn("oracle run failed", "runType", rt, "error", err)
		}
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
