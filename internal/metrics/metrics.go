// Package metrics exposes Prometheus collectors for the scheduler service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsTotal                  *prometheus.CounterVec
	dedupHitsTotal             prometheus.Counter
	leaseReclaimsTotal         prometheus.Counter
	activeWorkers              prometheus.Gauge
	throttledState             prometheus.Gauge
	memoryUsageRatio           prometheus.Gauge
	scrapeDurationSeconds      *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors. Safe to call more than once.
func Init() {
	once.Do(func() {
		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrapequeue_jobs_total",
				Help: "Total job transitions, labeled by event (enqueued, claimed, completed, requeued, failed, cancelled).",
			},
			[]string{"event"},
		)

		dedupHitsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scrapequeue_dedup_hits_total",
				Help: "Enqueue calls rejected because a pending or active job already existed for the domain and type.",
			},
		)

		leaseReclaimsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scrapequeue_lease_reclaims_total",
				Help: "Jobs recovered from expired leases by the reclaim sweep.",
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scrapequeue_active_workers",
				Help: "Number of worker slots currently executing a job.",
			},
		)

		throttledState = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scrapequeue_memory_throttled",
				Help: "1 while dequeue is paused by memory backpressure, 0 otherwise.",
			},
		)

		memoryUsageRatio = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scrapequeue_memory_usage_ratio",
				Help: "Last sampled heap usage divided by the configured memory limit.",
			},
		)

		scrapeDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scrapequeue_scrape_duration_seconds",
				Help:    "Histogram of scrape callback durations, labeled by job type and outcome.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"type", "outcome"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveJob increments the job transition counter for the given event.
func ObserveJob(event string) {
	jobsTotal.WithLabelValues(event).Inc()
}

// ObserveDedupHit counts a rejected duplicate enqueue.
func ObserveDedupHit() {
	dedupHitsTotal.Inc()
}

// ObserveLeaseReclaims counts jobs recovered by a reclaim sweep.
func ObserveLeaseReclaims(n int) {
	leaseReclaimsTotal.Add(float64(n))
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// SetThrottled records the memory backpressure state.
func SetThrottled(throttled bool) {
	if throttled {
		throttledState.Set(1)
		return
	}
	throttledState.Set(0)
}

// SetMemoryUsageRatio records the last sampled usage ratio.
func SetMemoryUsageRatio(ratio float64) {
	memoryUsageRatio.Set(ratio)
}

// ObserveScrape records a scrape callback duration.
func ObserveScrape(jobType string, outcome string, duration time.Duration) {
	scrapeDurationSeconds.WithLabelValues(jobType, outcome).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
