// Package reclaimer returns abandoned jobs to the queue. A worker that
// crashes mid-job never reports anything; its lease simply stops being
// renewed, and this sweep is the sole mechanism that notices.
package reclaimer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/siteindexer/scrapequeue/internal/jobs"
	"github.com/siteindexer/scrapequeue/internal/metrics"
)

// FailureHandler routes an expired lease through normal failure handling,
// consuming one attempt.
type FailureHandler interface {
	HandleFailure(ctx context.Context, job jobs.Job, workerID string, cause error) error
}

// Config controls sweep cadence and batch size.
type Config struct {
	// Interval between sweeps. Half the lease duration keeps recovery
	// latency within one lease.
	Interval time.Duration
	// BatchLimit caps expired jobs fetched per sweep.
	BatchLimit int
}

// Reclaimer periodically sweeps for expired leases.
type Reclaimer struct {
	store    jobs.Store
	failures FailureHandler
	clock    jobs.Clock
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Reclaimer.
func New(store jobs.Store, failures FailureHandler, clock jobs.Clock, cfg Config, logger *zap.Logger) *Reclaimer {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reclaimer{
		store:    store,
		failures: failures,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run sweeps on a fixed interval until the context finishes.
func (r *Reclaimer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.Error("reclaim sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep finds active jobs whose lease expired and routes each through the
// failure handler as a synthetic retryable failure, on behalf of the dead
// worker. Per-job errors are logged, not returned: a worker that was
// merely slow may race the sweep, and the ownership guards settle it.
func (r *Reclaimer) Sweep(ctx context.Context) (int, error) {
	expired, err := r.store.ExpiredLeases(ctx, r.clock.Now(), r.cfg.BatchLimit)
	if err != nil {
		return 0, fmt.Errorf("list expired leases: %w", err)
	}

	reclaimed := 0
	for _, job := range expired {
		cause := jobs.Retryable(fmt.Errorf("lease expired, worker %s presumed dead", job.LockOwner))
		if err := r.failures.HandleFailure(ctx, job, job.LockOwner, cause); err != nil {
			r.logger.Warn("could not reclaim job",
				zap.String("job_id", job.ID),
				zap.String("lock_owner", job.LockOwner),
				zap.Error(err),
			)
			continue
		}
		reclaimed++
		r.logger.Info("reclaimed expired lease",
			zap.String("job_id", job.ID),
			zap.String("domain", job.Domain),
			zap.String("lock_owner", job.LockOwner),
			zap.Int("attempts", job.Attempts+1),
		)
	}
	if reclaimed > 0 {
		metrics.ObserveLeaseReclaims(reclaimed)
	}
	return reclaimed, nil
}
