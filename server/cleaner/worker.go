// Package cleaner runs periodic maintenance: it expires pending
// subscription requests whose lifetime elapsed, forgets old expiry
// tombstones and purges delivered notices from the outbox. A lock row in
// the database keeps a single instance doing the work.
package cleaner

import (
	"context"
	"fmt"
	"time"

	"github.com/migadu/roster/logger"
	"github.com/migadu/roster/pkg/metrics"
)

// LockManager guards a maintenance run across instances.
type LockManager interface {
	AcquireCleanupLockWithRetry(ctx context.Context) (bool, error)
	ReleaseCleanupLockWithRetry(ctx context.Context) error
}

type PendingSweeper interface {
	Sweep(ctx context.Context, now time.Time) (int64, error)
	PurgeTombstones(ctx context.Context, olderThan time.Time) (int64, error)
}

type OutboxPurger interface {
	PurgeDelivered(ctx context.Context, olderThan time.Time) (int64, error)
}

type Options struct {
	Interval           time.Duration
	TombstoneRetention time.Duration
	OutboxRetention    time.Duration
	Now                func() time.Time
}

// Report is the outcome of one maintenance run.
type Report struct {
	Skipped          bool
	Swept            int64
	TombstonesPurged int64
	NoticesPurged    int64
}

type Sweeper struct {
	locks   LockManager
	pending PendingSweeper
	outbox  OutboxPurger
	opts    Options
	stopCh  chan struct{}
}

const minAllowedInterval = time.Minute

// New creates a Sweeper. outbox may be nil when notices are not queued
// locally.
func New(locks LockManager, pending PendingSweeper, outbox OutboxPurger, opts Options) *Sweeper {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Sweeper{
		locks:   locks,
		pending: pending,
		outbox:  outbox,
		opts:    opts,
		stopCh:  make(chan struct{}),
	}
}

// Interval is the effective wake interval.
func (s *Sweeper) Interval() time.Duration {
	if s.opts.Interval < minAllowedInterval {
		return minAllowedInterval
	}
	return s.opts.Interval
}

func (s *Sweeper) Start(ctx context.Context) {
	if s.opts.Interval < minAllowedInterval {
		logger.Warn("Cleanup: configured interval below minimum, using minimum", "interval", s.opts.Interval, "minimum", minAllowedInterval)
	}
	interval := s.Interval()
	logger.Info("Cleanup: worker starting", "interval", interval,
		"tombstone_retention", s.opts.TombstoneRetention, "outbox_retention", s.opts.OutboxRetention)

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				logger.Info("Cleanup: worker stopped due to context cancellation")
				return
			case <-s.stopCh:
				logger.Info("Cleanup: worker stopped due to stop signal")
				return
			case <-ticker.C:
				if _, err := s.RunOnce(ctx); err != nil {
					logger.Error("Cleanup: run failed", "error", err)
				}
			}
		}
	}()
}

// Stop signals the worker to stop.
func (s *Sweeper) Stop() {
	close(s.stopCh)
}

// RunOnce performs one maintenance pass if the cleanup lock is free.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	var rep Report

	locked, err := s.locks.AcquireCleanupLockWithRetry(ctx)
	if err != nil {
		metrics.CleanupRuns.WithLabelValues("failure").Inc()
		return rep, fmt.Errorf("failed to acquire cleanup lock: %w", err)
	}
	if !locked {
		logger.Info("Cleanup: skipped, another instance holds the cleanup lock")
		metrics.CleanupRuns.WithLabelValues("skipped").Inc()
		rep.Skipped = true
		return rep, nil
	}
	defer func() {
		if err := s.locks.ReleaseCleanupLockWithRetry(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("Cleanup: failed to release cleanup lock", "error", err)
		}
	}()

	now := s.opts.Now()

	rep.Swept, err = s.pending.Sweep(ctx, now)
	if err != nil {
		metrics.CleanupRuns.WithLabelValues("failure").Inc()
		return rep, fmt.Errorf("failed to sweep pending requests: %w", err)
	}
	if rep.Swept > 0 {
		metrics.WorkflowsTotal.WithLabelValues("expired").Add(float64(rep.Swept))
		logger.Info("Cleanup: expired pending requests", "count", rep.Swept)
	}

	var failed bool
	if s.opts.TombstoneRetention > 0 {
		n, err := s.pending.PurgeTombstones(ctx, now.Add(-s.opts.TombstoneRetention))
		if err != nil {
			// Later phases still run.
			logger.Error("Cleanup: failed to purge expired token records", "error", err)
			failed = true
		} else if n > 0 {
			rep.TombstonesPurged = n
			logger.Info("Cleanup: purged expired token records", "count", n, "retention", s.opts.TombstoneRetention)
		}
	}

	if s.outbox != nil && s.opts.OutboxRetention > 0 {
		n, err := s.outbox.PurgeDelivered(ctx, now.Add(-s.opts.OutboxRetention))
		if err != nil {
			logger.Error("Cleanup: failed to purge outbox", "error", err)
			failed = true
		} else if n > 0 {
			rep.NoticesPurged = n
			logger.Info("Cleanup: purged finished notices", "count", n, "retention", s.opts.OutboxRetention)
		}
	}

	if failed {
		metrics.CleanupRuns.WithLabelValues("failure").Inc()
		return rep, fmt.Errorf("cleanup finished with errors")
	}
	metrics.CleanupRuns.WithLabelValues("success").Inc()
	return rep, nil
}
