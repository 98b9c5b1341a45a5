// Package reaper periodically reclaims terminal progress records once every
// subscriber has had time to observe them.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/JakeFAU/upload-progress/internal/jobs"
	"github.com/JakeFAU/upload-progress/internal/metrics"
)

// Config controls how long terminal records live and how often sweeps run.
type Config struct {
	Retention time.Duration
	Interval  time.Duration
}

// Reaper runs Sweep on each configured store from a gocron scheduler.
type Reaper struct {
	cfg      Config
	sweepers []jobs.Sweeper
	clock    jobs.Clock
	logger   *zap.Logger
	sched    *gocron.Scheduler
}

// New validates cfg and builds a stopped Reaper.
func New(cfg Config, clock jobs.Clock, logger *zap.Logger, sweepers ...jobs.Sweeper) (*Reaper, error) {
	if cfg.Retention <= 0 {
		return nil, fmt.Errorf("retention must be > 0, got %v", cfg.Retention)
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("sweep interval must be > 0, got %v", cfg.Interval)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	sched := gocron.NewScheduler(time.UTC)
	sched.SingletonModeAll()
	return &Reaper{
		cfg:      cfg,
		sweepers: sweepers,
		clock:    clock,
		logger:   logger.Named("reaper"),
		sched:    sched,
	}, nil
}

// Start schedules the sweep job and returns immediately. The first sweep runs
// one interval after Start.
func (r *Reaper) Start(ctx context.Context) error {
	if len(r.sweepers) == 0 {
		r.logger.Info("no sweepable stores configured, reaper disabled")
		return nil
	}
	_, err := r.sched.Every(r.cfg.Interval).WaitForSchedule().Do(func() {
		if _, err := r.SweepOnce(ctx); err != nil {
			r.logger.Warn("progress sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule progress sweep: %w", err)
	}
	r.logger.Info("reaper started",
		zap.Duration("interval", r.cfg.Interval),
		zap.Duration("retention", r.cfg.Retention),
	)
	r.sched.StartAsync()
	return nil
}

// SweepOnce removes terminal records older than the retention window from
// every store and returns the total removed.
func (r *Reaper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.cfg.Retention)
	total := 0
	var errs []error
	for _, s := range r.sweepers {
		n, err := s.Sweep(ctx, cutoff)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		total += n
	}
	metrics.ObserveSweep(total)
	if total > 0 {
		r.logger.Debug("progress records reclaimed", zap.Int("removed", total), zap.Time("cutoff", cutoff))
	}
	return total, errors.Join(errs...)
}

// Stop halts the scheduler. Safe to call when Start was never called.
func (r *Reaper) Stop() {
	if r.sched.IsRunning() {
		r.sched.Stop()
	}
}

func (r *Reaper) now() time.Time {
	if r.clock == nil {
		return time.Now().UTC()
	}
	return r.clock.Now()
}
