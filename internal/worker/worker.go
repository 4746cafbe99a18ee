// Package worker implements the job execution loop and the fixed-size pool.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/siteindexer/scrapequeue/internal/jobs"
	"github.com/siteindexer/scrapequeue/internal/metrics"
)

// Queue is the subset of the queue manager a worker slot uses.
type Queue interface {
	Dequeue(ctx context.Context, workerID string, lease time.Duration) (jobs.Job, bool, error)
	Heartbeat(ctx context.Context, jobID, workerID string, lease time.Duration) (ok bool, err error)
	Complete(ctx context.Context, jobID, workerID string) error
}

// FailureHandler routes a failed execution to requeue-with-backoff or fail.
type FailureHandler interface {
	HandleFailure(ctx context.Context, job jobs.Job, workerID string, cause error) error
}

// Recycler tells a slot to restart its loop under sustained backpressure.
type Recycler interface {
	ShouldRecycle() bool
}

// Config controls Worker behavior.
type Config struct {
	// LeaseDuration is the claim lifetime; heartbeats renew it.
	LeaseDuration time.Duration
	// MaxJobDuration is the hard deadline for one scrape execution.
	MaxJobDuration time.Duration
	// HeartbeatInterval defaults to LeaseDuration/3, keeping the lease
	// alive with margin while the callback runs.
	HeartbeatInterval time.Duration
	// PollMin/PollMax bound the jittered sleep when the queue is empty
	// or throttled. Jitter avoids synchronized polling storms.
	PollMin time.Duration
	PollMax time.Duration
	// Topic, when set with a publisher, receives completion events.
	Topic string
}

// Worker is one execution slot: it claims jobs, runs the scrape callback
// under a deadline with heartbeats, and reports the outcome.
type Worker struct {
	id        string
	queue     Queue
	failures  FailureHandler
	scraper   jobs.Scraper
	publisher jobs.Publisher
	recycler  Recycler
	clock     jobs.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker.
func New(
	id string,
	queue Queue,
	failures FailureHandler,
	scraper jobs.Scraper,
	publisher jobs.Publisher,
	recycler Recycler,
	clock jobs.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 30 * time.Second
	}
	if cfg.MaxJobDuration <= 0 {
		cfg.MaxJobDuration = 5 * time.Minute
	}
	if cfg.HeartbeatInterval <= 0 || cfg.HeartbeatInterval >= cfg.LeaseDuration/2 {
		cfg.HeartbeatInterval = cfg.LeaseDuration / 3
	}
	if cfg.PollMin <= 0 {
		cfg.PollMin = 200 * time.Millisecond
	}
	if cfg.PollMax <= cfg.PollMin {
		cfg.PollMax = cfg.PollMin + 600*time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:        id,
		queue:     queue,
		failures:  failures,
		scraper:   scraper,
		publisher: publisher,
		recycler:  recycler,
		clock:     clock,
		cfg:       cfg,
		logger:    logger.With(zap.String("worker_id", id)),
	}
}

// Run claims and executes jobs until the context finishes, or until the
// recycler asks the slot to restart.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if w.recycler != nil && w.recycler.ShouldRecycle() {
			return
		}
		job, ok, err := w.queue.Dequeue(ctx, w.id, w.cfg.LeaseDuration)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("dequeue failed", zap.Error(err))
			w.sleepJittered(ctx)
			continue
		}
		if !ok {
			w.sleepJittered(ctx)
			continue
		}
		w.runJob(ctx, job)
	}
}

func (w *Worker) sleepJittered(ctx context.Context) {
	span := w.cfg.PollMax - w.cfg.PollMin
	d := w.cfg.PollMin + time.Duration(rand.Int64N(int64(span)))
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (w *Worker) runJob(ctx context.Context, job jobs.Job) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	jobCtx, abort := context.WithTimeout(ctx, w.cfg.MaxJobDuration)
	defer abort()

	var leaseLost atomic.Bool
	hbDone := make(chan struct{})
	go w.heartbeatLoop(jobCtx, job.ID, &leaseLost, abort, hbDone)

	start := w.clock.Now()
	result, execErr := w.scraper.Execute(jobCtx, job.Domain, job.Type)
	deadlineHit := errors.Is(jobCtx.Err(), context.DeadlineExceeded)
	abort()
	<-hbDone
	elapsed := w.clock.Now().Sub(start)

	if leaseLost.Load() {
		// Another worker owns this job now; the result must be discarded
		// and no state written.
		w.logger.Warn("lease lost mid-job, discarding result",
			zap.String("job_id", job.ID),
			zap.String("domain", job.Domain),
		)
		metrics.ObserveScrape(string(job.Type), "lease_lost", elapsed)
		return
	}
	if ctx.Err() != nil {
		// Shutdown mid-job. Leave the lease to expire; the reclaimer
		// will requeue on another process.
		w.logger.Info("shutdown mid-job, leaving lease to reclaim",
			zap.String("job_id", job.ID),
		)
		return
	}

	// State writes survive a shutdown signal arriving after execution.
	writeCtx := context.WithoutCancel(ctx)

	if execErr != nil || deadlineHit {
		cause := execErr
		if deadlineHit {
			cause = jobs.Retryable(fmt.Errorf("scrape exceeded %s deadline", w.cfg.MaxJobDuration))
		}
		metrics.ObserveScrape(string(job.Type), "failure", elapsed)
		if err := w.failures.HandleFailure(writeCtx, job, w.id, cause); err != nil {
			w.logger.Error("failure handling failed",
				zap.String("job_id", job.ID),
				zap.Error(err),
			)
		}
		return
	}

	if err := w.queue.Complete(writeCtx, job.ID, w.id); err != nil {
		// ErrNotOwner means a reclaim raced us; the other claim wins.
		w.logger.Warn("complete rejected",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
		metrics.ObserveScrape(string(job.Type), "lease_lost", elapsed)
		return
	}
	metrics.ObserveScrape(string(job.Type), "success", elapsed)
	w.logger.Info("job succeeded",
		zap.String("job_id", job.ID),
		zap.String("domain", job.Domain),
		zap.Int("pages_processed", result.PagesProcessed),
		zap.Duration("elapsed", elapsed),
	)
	w.publishCompletion(writeCtx, job, result)
}

func (w *Worker) heartbeatLoop(
	ctx context.Context,
	jobID string,
	leaseLost *atomic.Bool,
	abort context.CancelFunc,
	done chan struct{},
) {
	defer close(done)
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := w.queue.Heartbeat(ctx, jobID, w.id, w.cfg.LeaseDuration)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				w.logger.Error("heartbeat failed", zap.String("job_id", jobID), zap.Error(err))
				continue
			}
			if !ok {
				leaseLost.Store(true)
				abort()
				return
			}
		}
	}
}

func (w *Worker) publishCompletion(ctx context.Context, job jobs.Job, result jobs.Result) {
	if w.publisher == nil || w.cfg.Topic == "" {
		return
	}
	payload := map[string]any{
		"job_id":          job.ID,
		"domain":          job.Domain,
		"type":            string(job.Type),
		"pages_processed": result.PagesProcessed,
		"completed_at":    w.clock.Now().Format(time.RFC3339),
	}
	if _, err := w.publisher.Publish(ctx, w.cfg.Topic, payload); err != nil {
		w.logger.Error("publish completion event failed",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
	}
}
