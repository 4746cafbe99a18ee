package jobs

import (
	"context"
	"time"
)

// Store is the durable record of every job. It is the single source of
// truth: a full process restart resumes purely from the store plus the
// reclaimer sweep. Every mutation is atomic per job.
type Store interface {
	// Enqueue inserts a pending job unless a pending or active job already
	// exists for the same (domain, type). On a dedup hit the existing job
	// is returned with created=false.
	Enqueue(ctx context.Context, req NewJob) (job Job, created bool, err error)

	// Claim atomically selects the eligible pending job with the highest
	// priority (lowest sequence breaking ties), marks it active, and
	// assigns the lease. ok=false means no eligible job exists.
	Claim(ctx context.Context, workerID string, lease time.Duration) (job Job, ok bool, err error)

	// Heartbeat extends the lease if workerID still owns the job.
	// ok=false signals the lease was reclaimed and the worker must abort.
	Heartbeat(ctx context.Context, jobID, workerID string, lease time.Duration) (ok bool, err error)

	// Complete transitions active -> completed and clears the lock fields.
	// Returns ErrNotOwner if the caller lost the lease.
	Complete(ctx context.Context, jobID, workerID string) error

	// Requeue transitions active -> pending with the given attempt count
	// and a scheduled_at delay, clearing lock fields. Ownership-guarded.
	Requeue(ctx context.Context, jobID, workerID string, attempts int, delay time.Duration, lastError string) error

	// Fail transitions active -> failed (terminal), recording lastError
	// and clearing lock fields. Ownership-guarded.
	Fail(ctx context.Context, jobID, workerID string, attempts int, lastError string) error

	// Cancel transitions pending -> cancelled (terminal). Active and
	// terminal jobs return ErrNotPending.
	Cancel(ctx context.Context, jobID string) error

	// ExpiredLeases returns active jobs whose lease expired before now,
	// up to limit. The reclaimer routes each through failure handling.
	ExpiredLeases(ctx context.Context, now time.Time, limit int) ([]Job, error)

	// GetJob fetches a job by id.
	GetJob(ctx context.Context, jobID string) (Job, error)

	// Stats counts jobs by status and non-terminal jobs by domain.
	Stats(ctx context.Context) (Stats, error)
}

// Scraper is the external scrape callback. The scheduler never inspects
// scrape internals; only the outcome and the error classification matter.
type Scraper interface {
	Execute(ctx context.Context, domain string, jobType Type) (Result, error)
}

// Publisher pushes job completion events downstream (Pub/Sub or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (swappable for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// ScraperFunc adapts a function to the Scraper interface.
type ScraperFunc func(ctx context.Context, domain string, jobType Type) (Result, error)

// Execute implements Scraper.
func (f ScraperFunc) Execute(ctx context.Context, domain string, jobType Type) (Result, error) {
	return f(ctx, domain, jobType)
}
