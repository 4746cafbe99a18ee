package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/siteindexer/scrapequeue/internal/jobs"
)

type recordingStore struct {
	jobs.Store

	requeued     bool
	requeueDelay time.Duration
	failed       bool
	attempts     int
	lastError    string
	workerID     string
}

func (s *recordingStore) Requeue(_ context.Context, _ string, workerID string, attempts int, delay time.Duration, lastError string) error {
	s.requeued = true
	s.workerID = workerID
	s.attempts = attempts
	s.requeueDelay = delay
	s.lastError = lastError
	return nil
}

func (s *recordingStore) Fail(_ context.Context, _ string, workerID string, attempts int, lastError string) error {
	s.failed = true
	s.workerID = workerID
	s.attempts = attempts
	s.lastError = lastError
	return nil
}

func TestDelay(t *testing.T) {
	t.Parallel()

	c := New(nil, Config{BaseDelay: time.Second, MaxDelay: 30 * time.Second}, nil)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{10, 30 * time.Second},
		{0, 1 * time.Second},
	}
	for _, tc := range tests {
		require.Equal(t, tc.want, c.Delay(tc.attempt), "attempt %d", tc.attempt)
	}
}

func TestHandleFailureRequeuesWithBackoff(t *testing.T) {
	t.Parallel()

	store := &recordingStore{}
	c := New(store, Config{BaseDelay: time.Second, MaxDelay: 30 * time.Second}, nil)

	job := jobs.Job{ID: "job-1", Attempts: 1, MaxAttempts: 3}
	err := c.HandleFailure(context.Background(), job, "w1", jobs.Retryable(errors.New("timeout fetching acme.test")))
	require.NoError(t, err)

	require.True(t, store.requeued)
	require.False(t, store.failed)
	require.Equal(t, 2, store.attempts)
	require.Equal(t, 2*time.Second, store.requeueDelay)
	require.Equal(t, "w1", store.workerID)
	require.Contains(t, store.lastError, "timeout fetching acme.test")
}

func TestHandleFailureExhaustsAttempts(t *testing.T) {
	t.Parallel()

	store := &recordingStore{}
	c := New(store, Config{}, nil)

	job := jobs.Job{ID: "job-1", Attempts: 2, MaxAttempts: 3}
	err := c.HandleFailure(context.Background(), job, "w1", jobs.Retryable(errors.New("connection reset")))
	require.NoError(t, err)

	require.True(t, store.failed)
	require.False(t, store.requeued)
	require.Equal(t, 3, store.attempts)
}

func TestHandleFailurePermanentSkipsRetries(t *testing.T) {
	t.Parallel()

	store := &recordingStore{}
	c := New(store, Config{}, nil)

	job := jobs.Job{ID: "job-1", Attempts: 0, MaxAttempts: 3}
	err := c.HandleFailure(context.Background(), job, "w1", jobs.Permanent(errors.New("robots.txt disallows crawling")))
	require.NoError(t, err)

	require.True(t, store.failed)
	require.False(t, store.requeued)
	require.Equal(t, 1, store.attempts)
}

func TestHandleFailureUnclassifiedIsRetryable(t *testing.T) {
	t.Parallel()

	store := &recordingStore{}
	c := New(store, Config{}, nil)

	job := jobs.Job{ID: "job-1", Attempts: 0, MaxAttempts: 3}
	err := c.HandleFailure(context.Background(), job, "w1", errors.New("boom"))
	require.NoError(t, err)

	require.True(t, store.requeued)
	require.Equal(t, 1, store.attempts)
	require.Equal(t, time.Second, store.requeueDelay)
}
