package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const defaultSweepInterval = time.Minute

// Sweeper runs one retry pass.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time, limit int) (SweepReport, error)
}

// SweepLocker grants a fleet-wide lease for a sweep.
type SweepLocker interface {
	Acquire(ctx context.Context, ttl time.Duration) (release func(context.Context) error, acquired bool, err error)
}

// SweepRunner triggers retry sweeps on a fixed cadence. When a locker is set,
// at most one instance sweeps per tick.
type SweepRunner struct {
	sweeper  Sweeper
	locker   SweepLocker
	logger   *zap.Logger
	interval time.Duration
	limit    int
	now      func() time.Time
}

func NewSweepRunner(
	sweeper Sweeper,
	locker SweepLocker,
	interval time.Duration,
	limit int,
	logger *zap.Logger,
) (*SweepRunner, error) {
	if sweeper == nil {
		return nil, fmt.Errorf("sweeper is required")
	}
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if limit <= 0 {
		limit = defaultSweepLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &SweepRunner{
		sweeper:  sweeper,
		locker:   locker,
		logger:   logger,
		interval: interval,
		limit:    limit,
		now:      time.Now,
	}, nil
}

func (r *SweepRunner) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// Run once up front so overdue retries do not wait for the first tick.
	if _, _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
		r.logger.Error("initial retry sweep failed", zap.Error(err))
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, _, err := r.RunOnce(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				r.logger.Error("retry sweep failed", zap.Error(err))
			}
		}
	}
}

// RunOnce sweeps if the lock can be taken. ran is false when another instance
// holds the lock.
func (r *SweepRunner) RunOnce(ctx context.Context) (report SweepReport, ran bool, err error) {
	if r.locker != nil {
		release, acquired, err := r.locker.Acquire(ctx, r.interval)
		if err != nil {
			return SweepReport{}, false, fmt.Errorf("failed to acquire sweep lock: %w", err)
		}
		if !acquired {
			r.logger.Debug("retry sweep skipped, lock held elsewhere")
			return SweepReport{}, false, nil
		}
		defer func() {
			if releaseErr := release(context.WithoutCancel(ctx)); releaseErr != nil {
				r.logger.Warn("failed to release sweep lock", zap.Error(releaseErr))
			}
		}()
	}

	report, err = r.sweeper.Sweep(ctx, r.now(), r.limit)
	if err != nil {
		return SweepReport{}, true, err
	}
	return report, true, nil
}
