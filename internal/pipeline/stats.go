package pipeline

import (
	"sync"
	"time"

	"github.com/marketpipe/marketpipe/pkg/metrics"
	"github.com/marketpipe/marketpipe/pkg/source"
)

const processingTimeSmoothing = 0.1

// Stats is a point-in-time snapshot of pipeline activity.
type Stats struct {
	TotalRecords      int64                   `json:"total_records"`
	SuccessfulIngests int64                   `json:"successful_ingests"`
	FailedIngests     int64                   `json:"failed_ingests"`
	CacheHits         int64                   `json:"cache_hits"`
	CacheMisses       int64                   `json:"cache_misses"`
	AvgProcessingTime time.Duration           `json:"avg_processing_time"`
	P95Latency        time.Duration           `json:"p95_latency"`
	P99Latency        time.Duration           `json:"p99_latency"`
	Sources           map[string]source.Stats `json:"sources"`
	LastUpdate        time.Time               `json:"last_update"`
}

// statsTracker accumulates ingest outcomes. Per-source counters and
// cache numbers live in the adapters and are merged in at read time.
type statsTracker struct {
	mu                sync.Mutex
	totalRecords      int64
	successfulIngests int64
	failedIngests     int64
	avgProcessing     time.Duration
	latencies         *metrics.LatencyTracker
	lastUpdate        time.Time
}

func newStatsTracker(latencySamples int) *statsTracker {
	return &statsTracker{
		latencies: metrics.NewLatencyTracker(latencySamples),
	}
}

func (t *statsTracker) recordSuccess(records int, elapsed time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.totalRecords += int64(records)
	t.successfulIngests++
	t.observe(elapsed)
}

func (t *statsTracker) recordFailure(elapsed time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.failedIngests++
	t.observe(elapsed)
}

// recordAborted counts a failure that never ran, so no latency sample
// exists to fold in.
func (t *statsTracker) recordAborted() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.failedIngests++
	t.lastUpdate = time.Now()
}

// observe folds a sample into the EWMA and the percentile buffer.
// Callers hold the mutex.
func (t *statsTracker) observe(elapsed time.Duration) {
	if t.avgProcessing == 0 {
		t.avgProcessing = elapsed
	} else {
		t.avgProcessing = time.Duration(
			float64(t.avgProcessing)*(1-processingTimeSmoothing) +
				float64(elapsed)*processingTimeSmoothing)
	}
	t.latencies.Record(elapsed)
	t.lastUpdate = time.Now()
}

// snapshot returns the tracker's counters merged with the adapters'
// per-source stats.
func (t *statsTracker) snapshot(adapters []*source.Adapter) Stats {
	t.mu.Lock()
	s := Stats{
		TotalRecords:      t.totalRecords,
		SuccessfulIngests: t.successfulIngests,
		FailedIngests:     t.failedIngests,
		AvgProcessingTime: t.avgProcessing,
		P95Latency:        t.latencies.Percentile(95),
		P99Latency:        t.latencies.Percentile(99),
		LastUpdate:        t.lastUpdate,
		Sources:           make(map[string]source.Stats, len(adapters)),
	}
	t.mu.Unlock()

	for _, a := range adapters {
		stats := a.GetStats()
		s.Sources[a.Name()] = stats
		s.CacheHits += stats.Cache.Hits
		s.CacheMisses += stats.Cache.Misses
	}
	return s
}

// healthy reports whether the failure ratio is under 10%. No traffic
// counts as healthy.
func (t *statsTracker) healthy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	total := t.successfulIngests + t.failedIngests
	if total == 0 {
		return true
	}
	return float64(t.failedIngests)/float64(total) < 0.10
}
