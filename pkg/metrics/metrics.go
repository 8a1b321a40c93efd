// Package metrics provides observability for marketpipe using
// Prometheus metrics, plus the rolling-buffer latency tracker the
// orchestrator uses for p95/p99 percentiles.
package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// IngestsTotal counts ingestion attempts.
	// Labels: source (adapter type), status (success/error).
	IngestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketpipe_ingests_total",
			Help: "Total number of ingestion attempts",
		},
		[]string{"source", "status"},
	)

	// RecordsIngested counts normalized records returned to callers.
	RecordsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketpipe_records_ingested_total",
			Help: "Total number of normalized records ingested",
		},
		[]string{"source"},
	)

	// IngestLatency tracks the distribution of per-call ingest
	// latencies in seconds.
	IngestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "marketpipe_ingest_latency_seconds",
			Help:    "Ingest latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10), // 1ms .. ~4.5min
		},
		[]string{"source"},
	)

	// CacheRequests counts adapter cache lookups.
	// Labels: source, result (hit/miss).
	CacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketpipe_cache_requests_total",
			Help: "Total number of adapter cache lookups",
		},
		[]string{"source", "result"},
	)

	// CircuitState exposes each adapter's breaker state
	// (0 closed, 1 open, 2 half-open).
	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "marketpipe_circuit_state",
			Help: "Circuit breaker state per source (0=closed, 1=open, 2=half_open)",
		},
		[]string{"source"},
	)
)

// LatencyTracker retains a bounded rolling buffer of the most recent
// durations and computes percentiles by sorting a copy of the buffer
// on read. Safe for concurrent use.
type LatencyTracker struct {
	mu      sync.Mutex
	values  []time.Duration
	maxSize int
}

// NewLatencyTracker creates a tracker keeping at most maxSize samples.
func NewLatencyTracker(maxSize int) *LatencyTracker {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &LatencyTracker{
		values:  make([]time.Duration, 0, maxSize),
		maxSize: maxSize,
	}
}

// Record adds a sample, dropping the oldest when the buffer is full.
func (l *LatencyTracker) Record(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.values) >= l.maxSize {
		copy(l.values, l.values[1:])
		l.values = l.values[:len(l.values)-1]
	}
	l.values = append(l.values, d)
}

// Percentile returns the p-th percentile (0-100) of the buffered
// samples, or zero when no samples have been recorded.
func (l *LatencyTracker) Percentile(p float64) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.values) == 0 {
		return 0
	}

	sorted := make([]time.Duration, len(l.values))
	copy(sorted, l.values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(float64(len(sorted)) * p / 100)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Len returns the number of buffered samples.
func (l *LatencyTracker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.values)
}
