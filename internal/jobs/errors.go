package jobs

import "errors"

// Store sentinel errors.
var (
	// ErrNotFound indicates the job id does not exist.
	ErrNotFound = errors.New("job not found")
	// ErrNotOwner indicates the caller's lease was reclaimed; the job now
	// belongs to someone else (or to nobody).
	ErrNotOwner = errors.New("worker does not own job lease")
	// ErrNotPending indicates a transition that requires pending status
	// (cancel, force re-enqueue) hit a job in another state.
	ErrNotPending = errors.New("job is not pending")
)

// ErrorKind classifies scrape failures for the retry controller.
type ErrorKind string

// Error kinds reported by the scrape callback.
const (
	// ErrorKindRetryable covers network/timeout-class failures worth
	// another attempt after backoff.
	ErrorKindRetryable ErrorKind = "retryable"
	// ErrorKindPermanent covers failures no retry can fix (invalid domain,
	// auth rejection by the target site).
	ErrorKindPermanent ErrorKind = "permanent"
)

// ScrapeError carries the callback's own classification of a failure.
// Only the callback has the domain knowledge to decide what is retryable.
type ScrapeError struct {
	Kind ErrorKind
	Err  error
}

func (e *ScrapeError) Error() string {
	if e.Err == nil {
		return string(e.Kind) + " scrape error"
	}
	return e.Err.Error()
}

func (e *ScrapeError) Unwrap() error {
	return e.Err
}

// Retryable wraps err as a transient scrape failure.
func Retryable(err error) error {
	return &ScrapeError{Kind: ErrorKindRetryable, Err: err}
}

// Permanent wraps err as a terminal scrape failure.
func Permanent(err error) error {
	return &ScrapeError{Kind: ErrorKindPermanent, Err: err}
}

// Classify extracts the error kind, defaulting to retryable for errors the
// callback did not classify.
func Classify(err error) ErrorKind {
	var se *ScrapeError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ErrorKindRetryable
}
