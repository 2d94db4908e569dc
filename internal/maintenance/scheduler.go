// Package maintenance runs the periodic housekeeping of the outbox and the
// report inbox.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxrecon/internal/infrastructure/postgres"
)

// Outbox is the housekeeping surface of postgres.Outbox
type Outbox interface {
	CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error)
	MoveToDeadLetter(ctx context.Context) (int64, error)
	GetStats(ctx context.Context) (*postgres.OutboxStats, error)
}

// Inbox is the housekeeping surface of idempotency.Inbox
type Inbox interface {
	Cleanup(ctx context.Context) (int64, error)
	RecoverStale(ctx context.Context) (int64, error)
}

// Gauge receives the pending outbox count
type Gauge interface {
	Set(float64)
}

// Config holds job intervals
type Config struct {
	// Retention is how long published outbox entries are kept
	Retention       time.Duration
	CleanupEvery    time.Duration
	DeadLetterEvery time.Duration
	RecoverEvery    time.Duration
	StatsEvery      time.Duration
	// JobTimeout bounds a single job run
	JobTimeout time.Duration
}

// DefaultConfig returns the default job intervals
func DefaultConfig() Config {
	return Config{
		Retention:       24 * time.Hour,
		CleanupEvery:    time.Hour,
		DeadLetterEvery: time.Minute,
		RecoverEvery:    time.Minute,
		StatsEvery:      15 * time.Second,
		JobTimeout:      30 * time.Second,
	}
}

// Scheduler runs the housekeeping jobs. inbox and pending may be nil.
type Scheduler struct {
	config    Config
	outbox    Outbox
	inbox     Inbox
	pending   Gauge
	scheduler *gocron.Scheduler
	logger    *zap.Logger
}

// New creates a scheduler
func New(cfg Config, outbox Outbox, inbox Inbox, pending Gauge, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	return &Scheduler{
		config:    cfg,
		outbox:    outbox,
		inbox:     inbox,
		pending:   pending,
		scheduler: s,
		logger:    logger,
	}
}

type job struct {
	name  string
	every time.Duration
	run   func(context.Context)
}

// Start registers the jobs and runs them in the background
func (s *Scheduler) Start() error {
	jobs := []job{
		{"outbox-cleanup", s.config.CleanupEvery, s.cleanupOutbox},
		{"outbox-dead-letter", s.config.DeadLetterEvery, s.deadLetter},
		{"outbox-stats", s.config.StatsEvery, s.recordStats},
	}
	if s.inbox != nil {
		jobs = append(jobs,
			job{"inbox-cleanup", s.config.CleanupEvery, s.cleanupInbox},
			job{"inbox-recover", s.config.RecoverEvery, s.recoverInbox},
		)
	}

	for _, job := range jobs {
		if job.every <= 0 {
			continue
		}
		run := job.run
		if _, err := s.scheduler.Every(job.every).Tag(job.name).Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.config.JobTimeout)
			defer cancel()
			run(ctx)
		}); err != nil {
			return fmt.Errorf("schedule %s: %w", job.name, err)
		}
	}

	s.scheduler.StartAsync()
	s.logger.Info("maintenance jobs started", zap.Int("jobs", len(s.scheduler.Jobs())))
	return nil
}

// Stop stops the jobs
func (s *Scheduler) Stop() {
	s.scheduler.Stop()
}

func (s *Scheduler) cleanupOutbox(ctx context.Context) {
	n, err := s.outbox.CleanupProcessed(ctx, s.config.Retention)
	if err != nil {
		s.logger.Error("outbox cleanup failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("outbox cleanup completed", zap.Int64("deleted", n))
	}
}

func (s *Scheduler) deadLetter(ctx context.Context) {
	n, err := s.outbox.MoveToDeadLetter(ctx)
	if err != nil {
		s.logger.Error("outbox dead-letter failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Warn("outbox entries dead-lettered", zap.Int64("entries", n))
	}
}

func (s *Scheduler) recordStats(ctx context.Context) {
	stats, err := s.outbox.GetStats(ctx)
	if err != nil {
		s.logger.Error("outbox stats failed", zap.Error(err))
		return
	}
	if s.pending != nil {
		s.pending.Set(float64(stats.Pending))
	}
}

func (s *Scheduler) cleanupInbox(ctx context.Context) {
	if _, err := s.inbox.Cleanup(ctx); err != nil {
		s.logger.Error("inbox cleanup failed", zap.Error(err))
	}
}

func (s *Scheduler) recoverInbox(ctx context.Context) {
	n, err := s.inbox.RecoverStale(ctx)
	if err != nil {
		s.logger.Error("inbox recovery failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("stale inbox entries recovered", zap.Int64("entries", n))
	}
}
