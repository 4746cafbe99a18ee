// Package postgres provides the durable, Postgres-backed job store.
// Claims are serialized with FOR UPDATE SKIP LOCKED and every transition
// is a conditional update keyed on the current status and lock owner, so
// concurrent workers can never double-claim or overwrite a newer claim.
// See schema.sql for the backing table.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/siteindexer/scrapequeue/internal/jobs"
)

const jobFields = `id, domain, job_type, priority, status, attempts, max_attempts,
	sequence, scheduled_at, lock_owner, lease_expiry, last_error, submitted_at, updated_at`

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store implements jobs.Store on Postgres.
type Store struct {
	pool  pool
	clock jobs.Clock
}

// New connects a pool and builds a Store.
func New(ctx context.Context, cfg Config, clock jobs.Clock) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: p, clock: clock}, nil
}

// NewWithPool constructs a Store from an existing pool (primarily for testing).
func NewWithPool(p pool, clock jobs.Clock) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: p, clock: clock}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Enqueue inserts a pending job unless the partial unique index on
// (domain, job_type) over non-terminal rows already holds one.
func (s *Store) Enqueue(ctx context.Context, req jobs.NewJob) (jobs.Job, bool, error) {
	now := s.clock.Now()
	insert := fmt.Sprintf(`
INSERT INTO scrape_jobs (id, domain, job_type, priority, status, attempts, max_attempts,
	scheduled_at, submitted_at, updated_at)
VALUES ($1, $2, $3, $4, 'pending', 0, $5, $6, $6, $6)
ON CONFLICT (domain, job_type) WHERE status IN ('pending', 'active') DO NOTHING
RETURNING %s`, jobFields)

	// Two passes: the insert can lose the race to a concurrent enqueue,
	// and the dedup read can miss a job that just completed.
	for range 2 {
		job, err := scanJob(s.pool.QueryRow(ctx, insert,
			req.ID, req.Domain, string(req.Type), req.Priority, req.MaxAttempts, now))
		if err == nil {
			return job, true, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return jobs.Job{}, false, fmt.Errorf("enqueue job: %w", err)
		}

		existing := fmt.Sprintf(`
SELECT %s FROM scrape_jobs
WHERE domain = $1 AND job_type = $2 AND status IN ('pending', 'active')
LIMIT 1`, jobFields)
		job, err = scanJob(s.pool.QueryRow(ctx, existing, req.Domain, string(req.Type)))
		if err == nil {
			return job, false, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return jobs.Job{}, false, fmt.Errorf("load duplicate job: %w", err)
		}
	}
	return jobs.Job{}, false, fmt.Errorf("enqueue job: lost race twice for %s/%s", req.Domain, req.Type)
}

// Claim atomically marks the best eligible job active under the caller's
// lease. SKIP LOCKED keeps concurrent claimers from blocking each other.
func (s *Store) Claim(ctx context.Context, workerID string, lease time.Duration) (jobs.Job, bool, error) {
	now := s.clock.Now()
	query := fmt.Sprintf(`
WITH eligible AS (
	SELECT id FROM scrape_jobs
	WHERE status = 'pending' AND scheduled_at <= $1
	ORDER BY priority DESC, sequence ASC
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
UPDATE scrape_jobs
SET status = 'active', lock_owner = $2, lease_expiry = $3, updated_at = $1
FROM eligible
WHERE scrape_jobs.id = eligible.id
RETURNING %s`, jobFields)

	job, err := scanJob(s.pool.QueryRow(ctx, query, now, workerID, now.Add(lease)))
	if errors.Is(err, pgx.ErrNoRows) {
		return jobs.Job{}, false, nil
	}
	if err != nil {
		return jobs.Job{}, false, fmt.Errorf("claim job: %w", err)
	}
	return job, true, nil
}

// Heartbeat extends the lease while the caller still owns it.
func (s *Store) Heartbeat(ctx context.Context, jobID, workerID string, lease time.Duration) (bool, error) {
	now := s.clock.Now()
	tag, err := s.pool.Exec(ctx, `
UPDATE scrape_jobs
SET lease_expiry = $3, updated_at = $4
WHERE id = $1 AND lock_owner = $2 AND status = 'active'`,
		jobID, workerID, now.Add(lease), now)
	if err != nil {
		return false, fmt.Errorf("heartbeat job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Complete transitions active -> completed, guarded by lock ownership.
func (s *Store) Complete(ctx context.Context, jobID, workerID string) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE scrape_jobs
SET status = 'completed', lock_owner = NULL, lease_expiry = NULL, updated_at = $3
WHERE id = $1 AND lock_owner = $2 AND status = 'active'`,
		jobID, workerID, s.clock.Now())
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrNotOwner(ctx, jobID)
	}
	return nil
}

// Requeue transitions active -> pending with the backoff delay applied.
func (s *Store) Requeue(ctx context.Context, jobID, workerID string, attempts int, delay time.Duration, lastError string) error {
	now := s.clock.Now()
	tag, err := s.pool.Exec(ctx, `
UPDATE scrape_jobs
SET status = 'pending', attempts = $3, scheduled_at = $4,
	lock_owner = NULL, lease_expiry = NULL, last_error = $5, updated_at = $6
WHERE id = $1 AND lock_owner = $2 AND status = 'active'`,
		jobID, workerID, attempts, now.Add(delay), lastError, now)
	if err != nil {
		return fmt.Errorf("requeue job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrNotOwner(ctx, jobID)
	}
	return nil
}

// Fail transitions active -> failed. Terminal.
func (s *Store) Fail(ctx context.Context, jobID, workerID string, attempts int, lastError string) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE scrape_jobs
SET status = 'failed', attempts = $3, lock_owner = NULL, lease_expiry = NULL,
	last_error = $4, updated_at = $5
WHERE id = $1 AND lock_owner = $2 AND status = 'active'`,
		jobID, workerID, attempts, lastError, s.clock.Now())
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrNotOwner(ctx, jobID)
	}
	return nil
}

// Cancel transitions pending -> cancelled.
func (s *Store) Cancel(ctx context.Context, jobID string) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE scrape_jobs
SET status = 'cancelled', updated_at = $2
WHERE id = $1 AND status = 'pending'`,
		jobID, s.clock.Now())
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if err := s.exists(ctx, jobID); err != nil {
			return err
		}
		return jobs.ErrNotPending
	}
	return nil
}

// ExpiredLeases lists active jobs whose lease lapsed before now.
func (s *Store) ExpiredLeases(ctx context.Context, now time.Time, limit int) ([]jobs.Job, error) {
	query := fmt.Sprintf(`
SELECT %s FROM scrape_jobs
WHERE status = 'active' AND lease_expiry < $1
ORDER BY lease_expiry ASC
LIMIT $2`, jobFields)
	rows, err := s.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired leases: %w", err)
	}
	defer rows.Close()

	var out []jobs.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expired lease: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired leases: %w", err)
	}
	return out, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, jobID string) (jobs.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM scrape_jobs WHERE id = $1`, jobFields)
	job, err := scanJob(s.pool.QueryRow(ctx, query, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return jobs.Job{}, jobs.ErrNotFound
	}
	if err != nil {
		return jobs.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// Stats counts jobs by status plus non-terminal jobs per domain.
func (s *Store) Stats(ctx context.Context) (jobs.Stats, error) {
	stats := jobs.Stats{ByDomain: make(map[string]int)}

	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM scrape_jobs GROUP BY status`)
	if err != nil {
		return jobs.Stats{}, fmt.Errorf("count jobs by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return jobs.Stats{}, fmt.Errorf("scan status count: %w", err)
		}
		switch jobs.Status(status) {
		case jobs.StatusPending:
			stats.Pending = count
		case jobs.StatusActive:
			stats.Active = count
		case jobs.StatusCompleted:
			stats.Completed = count
		case jobs.StatusFailed:
			stats.Failed = count
		case jobs.StatusCancelled:
			stats.Cancelled = count
		}
	}
	if err := rows.Err(); err != nil {
		return jobs.Stats{}, fmt.Errorf("iterate status counts: %w", err)
	}

	domainRows, err := s.pool.Query(ctx, `
SELECT domain, count(*) FROM scrape_jobs
WHERE status IN ('pending', 'active')
GROUP BY domain`)
	if err != nil {
		return jobs.Stats{}, fmt.Errorf("count jobs by domain: %w", err)
	}
	defer domainRows.Close()
	for domainRows.Next() {
		var domain string
		var count int
		if err := domainRows.Scan(&domain, &count); err != nil {
			return jobs.Stats{}, fmt.Errorf("scan domain count: %w", err)
		}
		stats.ByDomain[domain] = count
	}
	if err := domainRows.Err(); err != nil {
		return jobs.Stats{}, fmt.Errorf("iterate domain counts: %w", err)
	}
	return stats, nil
}

func (s *Store) missingOrNotOwner(ctx context.Context, jobID string) error {
	if err := s.exists(ctx, jobID); err != nil {
		return err
	}
	return jobs.ErrNotOwner
}

func (s *Store) exists(ctx context.Context, jobID string) error {
	var one int
	err := s.pool.QueryRow(ctx, `SELECT 1 FROM scrape_jobs WHERE id = $1`, jobID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return jobs.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check job exists: %w", err)
	}
	return nil
}

func scanJob(row pgx.Row) (jobs.Job, error) {
	var (
		job         jobs.Job
		jobType     string
		status      string
		lockOwner   *string
		leaseExpiry *time.Time
		lastError   *string
	)
	err := row.Scan(
		&job.ID, &job.Domain, &jobType, &job.Priority, &status,
		&job.Attempts, &job.MaxAttempts, &job.Sequence, &job.ScheduledAt,
		&lockOwner, &leaseExpiry, &lastError, &job.SubmittedAt, &job.UpdatedAt,
	)
	if err != nil {
		return jobs.Job{}, err
	}
	job.Type = jobs.Type(jobType)
	job.Status = jobs.Status(status)
	if lockOwner != nil {
		job.LockOwner = *lockOwner
	}
	job.LeaseExpiry = leaseExpiry
	if lastError != nil {
		job.LastError = *lastError
	}
	return job, nil
}
