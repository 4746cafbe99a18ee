package queue

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/siteindexer/scrapequeue/internal/jobs"
	"github.com/siteindexer/scrapequeue/internal/metrics"
	"github.com/siteindexer/scrapequeue/internal/store/memory"
)

func TestMain(m *testing.M) {
	metrics.Init()
	os.Exit(m.Run())
}

type stubClock struct{}

func (stubClock) Now() time.Time { return time.Unix(1700000000, 0).UTC() }

type seqIDGen struct {
	n atomic.Int64
}

func (g *seqIDGen) NewID() (string, error) {
	return fmt.Sprintf("id-%d", g.n.Add(1)), nil
}

type stubThrottler struct {
	throttled atomic.Bool
}

func (t *stubThrottler) Throttled() bool { return t.throttled.Load() }

func newManager(t *testing.T) (*Manager, *stubThrottler) {
	t.Helper()
	throttle := &stubThrottler{}
	m := New(memory.New(stubClock{}), &seqIDGen{}, throttle, Config{MaxAttempts: 3}, nil)
	return m, throttle
}

func TestEnqueueDefaults(t *testing.T) {
	t.Parallel()

	m, _ := newManager(t)
	ctx := context.Background()

	job, created, err := m.Enqueue(ctx, "acme.test", jobs.TypeCrawl, 0, false)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, jobs.PriorityNewDomain, job.Priority)
	require.Equal(t, 3, job.MaxAttempts)

	refresh, created, err := m.Enqueue(ctx, "acme.test", jobs.TypeRefresh, 0, false)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, jobs.PriorityRefresh, refresh.Priority)

	manual, created, err := m.Enqueue(ctx, "globex.test", jobs.TypeCrawl, jobs.PriorityManual, false)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, jobs.PriorityManual, manual.Priority)
}

func TestEnqueueValidation(t *testing.T) {
	t.Parallel()

	m, _ := newManager(t)
	ctx := context.Background()

	_, _, err := m.Enqueue(ctx, "", jobs.TypeCrawl, 0, false)
	require.Error(t, err)

	_, _, err = m.Enqueue(ctx, "acme.test", jobs.Type("bogus"), 0, false)
	require.Error(t, err)
}

func TestEnqueueDedup(t *testing.T) {
	t.Parallel()

	m, _ := newManager(t)
	ctx := context.Background()

	first, created, err := m.Enqueue(ctx, "acme.test", jobs.TypeCrawl, 0, false)
	require.NoError(t, err)
	require.True(t, created)

	dup, created, err := m.Enqueue(ctx, "acme.test", jobs.TypeCrawl, 0, false)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, dup.ID)
}

func TestEnqueueForceReplacesPending(t *testing.T) {
	t.Parallel()

	m, _ := newManager(t)
	ctx := context.Background()

	first, _, err := m.Enqueue(ctx, "acme.test", jobs.TypeCrawl, 0, false)
	require.NoError(t, err)

	replaced, created, err := m.Enqueue(ctx, "acme.test", jobs.TypeCrawl, 0, true)
	require.NoError(t, err)
	require.True(t, created)
	require.NotEqual(t, first.ID, replaced.ID)

	old, err := m.GetJob(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, jobs.StatusCancelled, old.Status)
}

func TestEnqueueForceLosesToActiveJob(t *testing.T) {
	t.Parallel()

	m, _ := newManager(t)
	ctx := context.Background()

	first, _, err := m.Enqueue(ctx, "acme.test", jobs.TypeCrawl, 0, false)
	require.NoError(t, err)
	_, ok, err := m.Dequeue(ctx, "w1", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// The running worker wins; force degrades to a dedup hit.
	job, created, err := m.Enqueue(ctx, "acme.test", jobs.TypeCrawl, 0, true)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, job.ID)
}

func TestDequeueThrottled(t *testing.T) {
	t.Parallel()

	m, throttle := newManager(t)
	ctx := context.Background()

	_, _, err := m.Enqueue(ctx, "acme.test", jobs.TypeCrawl, 0, false)
	require.NoError(t, err)

	throttle.throttled.Store(true)
	_, ok, err := m.Dequeue(ctx, "w1", 30*time.Second)
	require.NoError(t, err)
	require.False(t, ok)

	throttle.throttled.Store(false)
	job, ok, err := m.Dequeue(ctx, "w1", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "acme.test", job.Domain)
}

func TestCompleteAndCancelPassThroughErrors(t *testing.T) {
	t.Parallel()

	m, _ := newManager(t)
	ctx := context.Background()

	require.ErrorIs(t, m.Complete(ctx, "missing", "w1"), jobs.ErrNotFound)
	require.ErrorIs(t, m.Cancel(ctx, "missing"), jobs.ErrNotFound)

	job, _, err := m.Enqueue(ctx, "acme.test", jobs.TypeCrawl, 0, false)
	require.NoError(t, err)
	_, ok, err := m.Dequeue(ctx, "w1", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.ErrorIs(t, m.Cancel(ctx, job.ID), jobs.ErrNotPending)
	require.ErrorIs(t, m.Complete(ctx, job.ID, "w2"), jobs.ErrNotOwner)
	require.NoError(t, m.Complete(ctx, job.ID, "w1"))
}

func TestStats(t *testing.T) {
	t.Parallel()

	m, _ := newManager(t)
	ctx := context.Background()

	_, _, err := m.Enqueue(ctx, "acme.test", jobs.TypeCrawl, 0, false)
	require.NoError(t, err)
	_, _, err = m.Enqueue(ctx, "globex.test", jobs.TypeRefresh, 0, false)
	require.NoError(t, err)

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Pending)
}
