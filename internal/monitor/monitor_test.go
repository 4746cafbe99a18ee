package monitor

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/siteindexer/scrapequeue/internal/metrics"
)

func TestMain(m *testing.M) {
	metrics.Init()
	os.Exit(m.Run())
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0).UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestHysteresis(t *testing.T) {
	t.Parallel()

	var used uint64
	m := New(Config{
		LimitBytes:    1000,
		HighWatermark: 0.85,
		LowWatermark:  0.70,
	}, newFakeClock(), nil)
	m.SetUsageFunc(func() uint64 { return used })

	used = 500
	m.Sample()
	require.False(t, m.Throttled())

	used = 900
	m.Sample()
	require.True(t, m.Throttled())

	// Between the watermarks the flag holds its last state.
	used = 800
	m.Sample()
	require.True(t, m.Throttled())

	used = 650
	m.Sample()
	require.False(t, m.Throttled())

	// And it stays clear inside the band on the way back up.
	used = 800
	m.Sample()
	require.False(t, m.Throttled())
}

func TestZeroLimitNeverThrottles(t *testing.T) {
	t.Parallel()

	m := New(Config{LimitBytes: 0}, newFakeClock(), nil)
	m.SetUsageFunc(func() uint64 { return 1 << 40 })
	m.Sample()
	require.False(t, m.Throttled())
	require.False(t, m.ShouldRecycle())
}

func TestShouldRecycleAfterGrace(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	var used uint64 = 900
	m := New(Config{
		LimitBytes:    1000,
		HighWatermark: 0.85,
		LowWatermark:  0.70,
		RecycleGrace:  30 * time.Second,
	}, clock, nil)
	m.SetUsageFunc(func() uint64 { return used })

	m.Sample()
	require.True(t, m.Throttled())
	require.False(t, m.ShouldRecycle())

	clock.Advance(29 * time.Second)
	require.False(t, m.ShouldRecycle())

	clock.Advance(2 * time.Second)
	require.True(t, m.ShouldRecycle())

	// Clearing the throttle resets the grace window.
	used = 500
	m.Sample()
	require.False(t, m.ShouldRecycle())
}

func TestShouldRecycleDisabledWithoutGrace(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	m := New(Config{
		LimitBytes:    1000,
		HighWatermark: 0.85,
		LowWatermark:  0.70,
	}, clock, nil)
	m.SetUsageFunc(func() uint64 { return 999 })

	m.Sample()
	require.True(t, m.Throttled())
	clock.Advance(time.Hour)
	require.False(t, m.ShouldRecycle())
}
