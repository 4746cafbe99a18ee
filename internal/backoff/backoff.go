// Package backoff decides, on failure, whether a job reschedules or dies.
package backoff

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/siteindexer/scrapequeue/internal/jobs"
)

// Config controls the retry policy.
type Config struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Controller routes failures to a requeue with exponential delay or to a
// terminal fail. It is the only component that increments attempt counts.
type Controller struct {
	store  jobs.Store
	cfg    Config
	logger *zap.Logger
}

// New builds a Controller with sane defaults for zero config values.
func New(store jobs.Store, cfg Config, logger *zap.Logger) *Controller {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{store: store, cfg: cfg, logger: logger}
}

// Delay returns the capped exponential backoff for the given attempt count
// (1-based: the first failure waits BaseDelay).
func (c *Controller) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(c.cfg.BaseDelay) * math.Pow(2, float64(attempt-1))
	if d > float64(c.cfg.MaxDelay) {
		return c.cfg.MaxDelay
	}
	return time.Duration(d)
}

// HandleFailure consumes one attempt and either requeues the job with a
// backoff delay or fails it terminally. workerID must be the current lock
// owner; the reclaimer passes the dead worker's id, so the store's
// ownership guard still holds.
func (c *Controller) HandleFailure(ctx context.Context, job jobs.Job, workerID string, cause error) error {
	attempts := job.Attempts + 1
	kind := jobs.Classify(cause)
	errText := cause.Error()

	if kind == jobs.ErrorKindPermanent {
		c.logger.Warn("job failed permanently",
			zap.String("job_id", job.ID),
			zap.String("domain", job.Domain),
			zap.Int("attempts", attempts),
			zap.Error(cause),
		)
		if err := c.store.Fail(ctx, job.ID, workerID, attempts, errText); err != nil {
			return fmt.Errorf("fail job: %w", err)
		}
		return nil
	}

	if attempts >= job.MaxAttempts {
		c.logger.Warn("job exhausted attempts",
			zap.String("job_id", job.ID),
			zap.String("domain", job.Domain),
			zap.Int("attempts", attempts),
			zap.Int("max_attempts", job.MaxAttempts),
			zap.Error(cause),
		)
		if err := c.store.Fail(ctx, job.ID, workerID, attempts, errText); err != nil {
			return fmt.Errorf("fail job: %w", err)
		}
		return nil
	}

	delay := c.Delay(attempts)
	c.logger.Info("job requeued with backoff",
		zap.String("job_id", job.ID),
		zap.String("domain", job.Domain),
		zap.Int("attempts", attempts),
		zap.Duration("delay", delay),
		zap.Error(cause),
	)
	if err := c.store.Requeue(ctx, job.ID, workerID, attempts, delay, errText); err != nil {
		return fmt.Errorf("requeue job: %w", err)
	}
	return nil
}
