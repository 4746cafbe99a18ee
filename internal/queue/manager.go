// Package queue owns enqueue/dequeue semantics on top of the job store:
// dedup enforcement, priority ordering, and the memory backpressure gate.
package queue

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/siteindexer/scrapequeue/internal/jobs"
	"github.com/siteindexer/scrapequeue/internal/metrics"
)

// Throttler gates dequeue. The memory monitor implements it.
type Throttler interface {
	Throttled() bool
}

// Config controls manager defaults applied at enqueue.
type Config struct {
	// MaxAttempts is the per-job retry ceiling for new jobs.
	MaxAttempts int
}

// Manager is the single entry point for queue mutations. Workers, the
// reclaimer, and the HTTP surface all go through it rather than the store
// directly, so metrics and logging stay in one place.
type Manager struct {
	store    jobs.Store
	idGen    jobs.IDGenerator
	throttle Throttler
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Manager. throttle may be nil for untracked setups.
func New(store jobs.Store, idGen jobs.IDGenerator, throttle Throttler, cfg Config, logger *zap.Logger) *Manager {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:    store,
		idGen:    idGen,
		throttle: throttle,
		cfg:      cfg,
		logger:   logger,
	}
}

// Enqueue inserts a pending job for (domain, type). On a dedup hit the
// existing job is returned with created=false, unless force is set and the
// existing job is still pending, in which case it is cancelled and replaced.
// A force against an active job is a dedup hit; the running worker wins.
func (m *Manager) Enqueue(ctx context.Context, domain string, jobType jobs.Type, priority int, force bool) (jobs.Job, bool, error) {
	if domain == "" {
		return jobs.Job{}, false, fmt.Errorf("domain is required")
	}
	if !jobs.ValidType(jobType) {
		return jobs.Job{}, false, fmt.Errorf("unknown job type %q", jobType)
	}
	if priority <= 0 {
		priority = defaultPriority(jobType)
	}

	job, created, err := m.insert(ctx, domain, jobType, priority)
	if err != nil {
		return jobs.Job{}, false, err
	}
	if !created && force && job.Status == jobs.StatusPending {
		if err := m.store.Cancel(ctx, job.ID); err != nil && err != jobs.ErrNotPending {
			return jobs.Job{}, false, fmt.Errorf("cancel for force re-enqueue: %w", err)
		}
		metrics.ObserveJob("cancelled")
		job, created, err = m.insert(ctx, domain, jobType, priority)
		if err != nil {
			return jobs.Job{}, false, err
		}
	}

	if created {
		metrics.ObserveJob("enqueued")
		m.logger.Info("job enqueued",
			zap.String("job_id", job.ID),
			zap.String("domain", domain),
			zap.String("type", string(jobType)),
			zap.Int("priority", priority),
		)
	} else {
		metrics.ObserveDedupHit()
		m.logger.Debug("duplicate enqueue rejected",
			zap.String("job_id", job.ID),
			zap.String("domain", domain),
			zap.String("type", string(jobType)),
		)
	}
	return job, created, nil
}

func (m *Manager) insert(ctx context.Context, domain string, jobType jobs.Type, priority int) (jobs.Job, bool, error) {
	id, err := m.idGen.NewID()
	if err != nil {
		return jobs.Job{}, false, fmt.Errorf("generate job id: %w", err)
	}
	job, created, err := m.store.Enqueue(ctx, jobs.NewJob{
		ID:          id,
		Domain:      domain,
		Type:        jobType,
		Priority:    priority,
		MaxAttempts: m.cfg.MaxAttempts,
	})
	if err != nil {
		return jobs.Job{}, false, fmt.Errorf("store enqueue: %w", err)
	}
	return job, created, nil
}

func defaultPriority(jobType jobs.Type) int {
	if jobType == jobs.TypeRefresh {
		return jobs.PriorityRefresh
	}
	return jobs.PriorityNewDomain
}

// Dequeue atomically claims the next eligible job for workerID. While the
// memory monitor reports throttled it returns ok=false unconditionally,
// regardless of queue contents.
func (m *Manager) Dequeue(ctx context.Context, workerID string, lease time.Duration) (jobs.Job, bool, error) {
	if m.throttle != nil && m.throttle.Throttled() {
		return jobs.Job{}, false, nil
	}
	job, ok, err := m.store.Claim(ctx, workerID, lease)
	if err != nil {
		return jobs.Job{}, false, fmt.Errorf("store claim: %w", err)
	}
	if ok {
		metrics.ObserveJob("claimed")
		m.logger.Debug("job claimed",
			zap.String("job_id", job.ID),
			zap.String("worker_id", workerID),
		)
	}
	return job, ok, err
}

// Heartbeat extends the caller's lease; ok=false means it was reclaimed
// and the caller must abort its in-flight work.
func (m *Manager) Heartbeat(ctx context.Context, jobID, workerID string, lease time.Duration) (bool, error) {
	ok, err := m.store.Heartbeat(ctx, jobID, workerID, lease)
	if err != nil {
		return false, fmt.Errorf("store heartbeat: %w", err)
	}
	return ok, nil
}

// Complete marks an active job completed if workerID still owns it.
func (m *Manager) Complete(ctx context.Context, jobID, workerID string) error {
	if err := m.store.Complete(ctx, jobID, workerID); err != nil {
		return err
	}
	metrics.ObserveJob("completed")
	m.logger.Info("job completed",
		zap.String("job_id", jobID),
		zap.String("worker_id", workerID),
	)
	return nil
}

// Cancel cancels a pending job.
func (m *Manager) Cancel(ctx context.Context, jobID string) error {
	if err := m.store.Cancel(ctx, jobID); err != nil {
		return err
	}
	metrics.ObserveJob("cancelled")
	m.logger.Info("job cancelled", zap.String("job_id", jobID))
	return nil
}

// GetJob fetches a job by id.
func (m *Manager) GetJob(ctx context.Context, jobID string) (jobs.Job, error) {
	return m.store.GetJob(ctx, jobID)
}

// Stats summarizes queue contents.
func (m *Manager) Stats(ctx context.Context) (jobs.Stats, error) {
	return m.store.Stats(ctx)
}
