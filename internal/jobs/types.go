// Package jobs defines core scheduling types shared across subsystems.
package jobs

import "time"

// Status represents the lifecycle state of a scrape job.
type Status string

// Job status values persisted in the job store.
const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether a job in this status can never run again.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Type selects the scope of the external scrape.
type Type string

// Job types. The scheduler treats them identically; only the scrape
// callback interprets them.
const (
	TypeSingle  Type = "single"
	TypeCrawl   Type = "crawl"
	TypeRefresh Type = "refresh"
)

// ValidType reports whether t is a known job type.
func ValidType(t Type) bool {
	switch t {
	case TypeSingle, TypeCrawl, TypeRefresh:
		return true
	default:
		return false
	}
}

// Default priorities by origin. Higher runs sooner.
const (
	PriorityRefresh   = 5
	PriorityNewDomain = 7
	PriorityManual    = 10
)

// Job is the unit of work persisted in the job store.
type Job struct {
	ID          string     `json:"id"`
	Domain      string     `json:"domain"`
	Type        Type       `json:"type"`
	Priority    int        `json:"priority"`
	Status      Status     `json:"status"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	Sequence    int64      `json:"sequence"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	LockOwner   string     `json:"lock_owner,omitempty"`
	LeaseExpiry *time.Time `json:"lease_expiry,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	SubmittedAt time.Time  `json:"submitted_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// NewJob carries the caller-supplied fields for an enqueue. The store
// assigns ID, sequence, and timestamps.
type NewJob struct {
	ID          string
	Domain      string
	Type        Type
	Priority    int
	MaxAttempts int
}

// Result is what the scrape callback reports back to the worker.
type Result struct {
	PagesProcessed int
}

// Stats summarizes queue contents for the status interface.
type Stats struct {
	Pending   int            `json:"pending"`
	Active    int            `json:"active"`
	Completed int            `json:"completed"`
	Failed    int            `json:"failed"`
	Cancelled int            `json:"cancelled"`
	ByDomain  map[string]int `json:"by_domain"`
}
