package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, zap.Any("details", keysAndValues))
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}

// RetrySweeper periodically re-admits retrying tasks whose backoff elapsed,
// so callers do not have to poll Retry themselves.
type RetrySweeper struct {
	logger    *zap.Logger
	scheduler *Scheduler
	cron      *cron.Cron
	schedule  string
	entryID   cron.EntryID

	mu        sync.Mutex
	ctx       context.Context
	lastSweep time.Time
	requeued  int
}

// NewRetrySweeper creates a sweeper running on a six field (seconds first)
// cron expression.
func NewRetrySweeper(scheduler *Scheduler, schedule string, logger *zap.Logger) (*RetrySweeper, error) {
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(schedule); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}

	logger = logger.Named("retry-sweeper")
	cl := &cronLogger{logger: logger.Named("cron")}
	return &RetrySweeper{
		logger:    logger,
		scheduler: scheduler,
		schedule:  schedule,
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}, nil
}

// Start registers the sweep job and starts the cron runner. Sweeps use ctx
// until Stop is called.
func (s *RetrySweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	entryID, err := s.cron.AddFunc(s.schedule, func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Error("Retry sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to add sweep job: %w", err)
	}
	s.entryID = entryID

	s.cron.Start()
	s.logger.Info("Started retry sweeper", zap.String("schedule", s.schedule))
	return nil
}

// Stop stops the cron runner and waits for a running sweep to finish
func (s *RetrySweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("Stopped retry sweeper")
}

// Sweep requeues every eligible retrying task once
func (s *RetrySweeper) Sweep(ctx context.Context) (int, error) {
	count, err := s.scheduler.RetryDue(ctx)

	s.mu.Lock()
	s.lastSweep = s.scheduler.now()
	s.requeued += count
	s.mu.Unlock()

	if err != nil {
		return count, err
	}
	if count > 0 {
		s.logger.Info("Requeued retrying tasks", zap.Int("count", count))
	}
	return count, nil
}

// NextRun returns the time of the next scheduled sweep, zero before Start
func (s *RetrySweeper) NextRun() time.Time {
	if s.entryID == 0 {
		return time.Time{}
	}
	return s.cron.Entry(s.entryID).Next
}

// Requeued returns the total number of tasks requeued by sweeps
func (s *RetrySweeper) Requeued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requeued
}

// LastSweep returns when the last sweep ran
func (s *RetrySweeper) LastSweep() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSweep
}
