// Package monitor samples process memory and drives dequeue backpressure.
package monitor

import (
	"context"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/siteindexer/scrapequeue/internal/jobs"
	"github.com/siteindexer/scrapequeue/internal/metrics"
)

// Config controls sampling and the hysteresis band.
type Config struct {
	// LimitBytes is the process memory ceiling the ratio is computed
	// against. Zero disables throttling entirely.
	LimitBytes uint64
	// HighWatermark sets the throttle flag when usage ratio crosses it.
	HighWatermark float64
	// LowWatermark clears the flag once usage drops back below it.
	// Must be below HighWatermark to avoid flapping.
	LowWatermark float64
	// SampleInterval is how often Run samples.
	SampleInterval time.Duration
	// RecycleGrace is how long sustained throttling must last before
	// worker slots are told to recycle.
	RecycleGrace time.Duration
}

// Monitor maintains the throttled flag with hysteresis. While throttled,
// the queue manager refuses to hand out work; in-flight jobs finish.
type Monitor struct {
	cfg    Config
	clock  jobs.Clock
	logger *zap.Logger
	// usage is swappable in tests; defaults to heap bytes in use.
	usage func() uint64

	mu             sync.Mutex
	throttled      bool
	throttledSince time.Time
}

// New constructs a Monitor. A zero LimitBytes produces a monitor that
// never throttles.
func New(cfg Config, clock jobs.Clock, logger *zap.Logger) *Monitor {
	if cfg.HighWatermark <= 0 {
		cfg.HighWatermark = 0.85
	}
	if cfg.LowWatermark <= 0 || cfg.LowWatermark >= cfg.HighWatermark {
		cfg.LowWatermark = cfg.HighWatermark * 0.85
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		cfg:    cfg,
		clock:  clock,
		logger: logger,
		usage:  heapInUse,
	}
}

func heapInUse() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapInuse
}

// SetUsageFunc overrides the memory sampling source. Test hook.
func (m *Monitor) SetUsageFunc(f func() uint64) {
	m.usage = f
}

// Run samples on a fixed interval until the context finishes.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sample()
		}
	}
}

// Sample takes one memory reading and applies the hysteresis band.
func (m *Monitor) Sample() {
	if m.cfg.LimitBytes == 0 {
		return
	}
	used := m.usage()
	ratio := float64(used) / float64(m.cfg.LimitBytes)
	metrics.SetMemoryUsageRatio(ratio)

	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case !m.throttled && ratio >= m.cfg.HighWatermark:
		m.throttled = true
		m.throttledSince = m.clock.Now()
		metrics.SetThrottled(true)
		m.logger.Warn("memory threshold exceeded, throttling dequeue",
			zap.Uint64("used_bytes", used),
			zap.Uint64("limit_bytes", m.cfg.LimitBytes),
			zap.Float64("ratio", ratio),
		)
	case m.throttled && ratio <= m.cfg.LowWatermark:
		m.throttled = false
		m.throttledSince = time.Time{}
		metrics.SetThrottled(false)
		m.logger.Info("memory pressure cleared, resuming dequeue",
			zap.Uint64("used_bytes", used),
			zap.Float64("ratio", ratio),
		)
	}
}

// Throttled reports whether dequeue should be paused.
func (m *Monitor) Throttled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.throttled
}

// ShouldRecycle reports whether throttling has been sustained past the
// configured grace period, signalling worker slots to restart their loops.
func (m *Monitor) ShouldRecycle() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.throttled || m.cfg.RecycleGrace <= 0 {
		return false
	}
	return m.clock.Now().Sub(m.throttledSince) >= m.cfg.RecycleGrace
}
