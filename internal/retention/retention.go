// Package retention prunes old history, usage, and combination rows on a
// cron schedule.
package retention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
	"github.com/JakeFAU/listing-crawler/internal/metrics"
)

// DefaultSchedule runs cleanup daily at 03:30.
const DefaultSchedule = "30 3 * * *"

const runTimeout = 5 * time.Minute

// Store is the slice of crawler.Store retention needs.
type Store interface {
	Cleanup(ctx context.Context, before time.Time) (int64, error)
}

// Config controls the retention window and schedule.
type Config struct {
	Days     int
	Schedule string
}

// Cleaner runs Store.Cleanup for rows older than the retention window.
type Cleaner struct {
	store    Store
	clock    crawler.Clock
	days     int
	schedule string
	cron     *cron.Cron
	logger   *zap.Logger
}

// New validates cfg and builds an idle Cleaner.
func New(cfg Config, store Store, clock crawler.Clock, logger *zap.Logger) (*Cleaner, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Days <= 0 {
		return nil, fmt.Errorf("retention days must be positive, got %d", cfg.Days)
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("parse retention schedule %q: %w", cfg.Schedule, err)
	}
	if clock == nil {
		clock = systemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("retention")
	c := &Cleaner{
		store:    store,
		clock:    clock,
		days:     cfg.Days,
		schedule: cfg.Schedule,
		logger:   logger,
	}
	c.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{logger.Sugar()})))
	return c, nil
}

// Cutoff returns the instant before which rows are removed.
func (c *Cleaner) Cutoff() time.Time {
	return crawler.Day(c.clock.Now()).AddDate(0, 0, -c.days)
}

// RunOnce removes rows older than the cutoff and returns how many went.
func (c *Cleaner) RunOnce(ctx context.Context) (int64, error) {
	cutoff := c.Cutoff()
	n, err := c.store.Cleanup(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup before %s: %w", cutoff.Format(time.DateOnly), err)
	}
	metrics.ObserveRetention(n)
	c.logger.Info("retention cleanup finished", zap.Time("cutoff", cutoff), zap.Int64("rows_deleted", n))
	return n, nil
}

// Start registers the job and starts the cron runner.
func (c *Cleaner) Start() error {
	_, err := c.cron.AddFunc(c.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
		defer cancel()
		if _, err := c.RunOnce(ctx); err != nil {
			c.logger.Error("retention cleanup failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule retention cleanup: %w", err)
	}
	c.cron.Start()
	c.logger.Info("retention scheduler started", zap.String("schedule", c.schedule), zap.Int("days", c.days))
	return nil
}

// Stop halts the scheduler and waits for a running cleanup, bounded by ctx.
func (c *Cleaner) Stop(ctx context.Context) error {
	done := c.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for retention cleanup: %w", ctx.Err())
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
