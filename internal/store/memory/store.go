// Package memory provides an in-memory job store for development/testing.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/siteindexer/scrapequeue/internal/jobs"
)

// Store implements jobs.Store with a mutex-guarded map. All the invariants
// the Postgres store enforces with conditional updates are enforced here
// under a single lock, so it doubles as the reference implementation in
// tests.
type Store struct {
	mu      sync.Mutex
	jobs    map[string]jobs.Job
	nextSeq int64
	clock   jobs.Clock
}

// New constructs a Store.
func New(clock jobs.Clock) *Store {
	return &Store{
		jobs:  make(map[string]jobs.Job),
		clock: clock,
	}
}

func dedupKey(domain string, t jobs.Type) string {
	return domain + "\x00" + string(t)
}

// Enqueue inserts a pending job, returning the existing one on a dedup hit.
func (s *Store) Enqueue(_ context.Context, req jobs.NewJob) (jobs.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := dedupKey(req.Domain, req.Type)
	for _, j := range s.jobs {
		if j.Status.IsTerminal() {
			continue
		}
		if dedupKey(j.Domain, j.Type) == key {
			return j, false, nil
		}
	}

	now := s.clock.Now()
	s.nextSeq++
	job := jobs.Job{
		ID:          req.ID,
		Domain:      req.Domain,
		Type:        req.Type,
		Priority:    req.Priority,
		Status:      jobs.StatusPending,
		Attempts:    0,
		MaxAttempts: req.MaxAttempts,
		Sequence:    s.nextSeq,
		ScheduledAt: now,
		SubmittedAt: now,
		UpdatedAt:   now,
	}
	s.jobs[job.ID] = job
	return job, true, nil
}

// Claim picks the eligible pending job with the highest priority, breaking
// ties on lowest sequence, and marks it active under the caller's lease.
func (s *Store) Claim(_ context.Context, workerID string, lease time.Duration) (jobs.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var best *jobs.Job
	for id := range s.jobs {
		j := s.jobs[id]
		if j.Status != jobs.StatusPending || j.ScheduledAt.After(now) {
			continue
		}
		if best == nil || j.Priority > best.Priority ||
			(j.Priority == best.Priority && j.Sequence < best.Sequence) {
			copied := j
			best = &copied
		}
	}
	if best == nil {
		return jobs.Job{}, false, nil
	}

	expiry := now.Add(lease)
	best.Status = jobs.StatusActive
	best.LockOwner = workerID
	best.LeaseExpiry = &expiry
	best.UpdatedAt = now
	s.jobs[best.ID] = *best
	return *best, true, nil
}

// Heartbeat extends the lease while the caller still owns it.
func (s *Store) Heartbeat(_ context.Context, jobID, workerID string, lease time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok || j.Status != jobs.StatusActive || j.LockOwner != workerID {
		return false, nil
	}
	expiry := s.clock.Now().Add(lease)
	j.LeaseExpiry = &expiry
	j.UpdatedAt = s.clock.Now()
	s.jobs[jobID] = j
	return true, nil
}

// Complete transitions active -> completed if the caller owns the lease.
func (s *Store) Complete(_ context.Context, jobID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return jobs.ErrNotFound
	}
	if j.Status != jobs.StatusActive || j.LockOwner != workerID {
		return jobs.ErrNotOwner
	}
	j.Status = jobs.StatusCompleted
	j.LockOwner = ""
	j.LeaseExpiry = nil
	j.UpdatedAt = s.clock.Now()
	s.jobs[jobID] = j
	return nil
}

// Requeue transitions active -> pending after a failure, persisting the new
// attempt count and the backoff delay.
func (s *Store) Requeue(_ context.Context, jobID, workerID string, attempts int, delay time.Duration, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return jobs.ErrNotFound
	}
	if j.Status != jobs.StatusActive || j.LockOwner != workerID {
		return jobs.ErrNotOwner
	}
	now := s.clock.Now()
	j.Status = jobs.StatusPending
	j.Attempts = attempts
	j.ScheduledAt = now.Add(delay)
	j.LockOwner = ""
	j.LeaseExpiry = nil
	j.LastError = lastError
	j.UpdatedAt = now
	s.jobs[jobID] = j
	return nil
}

// Fail transitions active -> failed. Terminal.
func (s *Store) Fail(_ context.Context, jobID, workerID string, attempts int, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return jobs.ErrNotFound
	}
	if j.Status != jobs.StatusActive || j.LockOwner != workerID {
		return jobs.ErrNotOwner
	}
	j.Status = jobs.StatusFailed
	j.Attempts = attempts
	j.LockOwner = ""
	j.LeaseExpiry = nil
	j.LastError = lastError
	j.UpdatedAt = s.clock.Now()
	s.jobs[jobID] = j
	return nil
}

// Cancel transitions pending -> cancelled.
func (s *Store) Cancel(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return jobs.ErrNotFound
	}
	if j.Status != jobs.StatusPending {
		return jobs.ErrNotPending
	}
	j.Status = jobs.StatusCancelled
	j.UpdatedAt = s.clock.Now()
	s.jobs[jobID] = j
	return nil
}

// ExpiredLeases returns active jobs whose lease expired before now.
func (s *Store) ExpiredLeases(_ context.Context, now time.Time, limit int) ([]jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []jobs.Job
	for _, j := range s.jobs {
		if j.Status != jobs.StatusActive || j.LeaseExpiry == nil {
			continue
		}
		if j.LeaseExpiry.Before(now) {
			out = append(out, j)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(_ context.Context, jobID string) (jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return jobs.Job{}, jobs.ErrNotFound
	}
	return j, nil
}

// Stats counts jobs by status plus non-terminal jobs per domain.
func (s *Store) Stats(_ context.Context) (jobs.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := jobs.Stats{ByDomain: make(map[string]int)}
	for _, j := range s.jobs {
		switch j.Status {
		case jobs.StatusPending:
			stats.Pending++
		case jobs.StatusActive:
			stats.Active++
		case jobs.StatusCompleted:
			stats.Completed++
		case jobs.StatusFailed:
			stats.Failed++
		case jobs.StatusCancelled:
			stats.Cancelled++
		}
		if !j.Status.IsTerminal() {
			stats.ByDomain[j.Domain]++
		}
	}
	return stats, nil
}
