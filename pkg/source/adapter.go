package source

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marketpipe/marketpipe/pkg/breaker"
	"github.com/marketpipe/marketpipe/pkg/cache"
	"github.com/marketpipe/marketpipe/pkg/config"
	"github.com/marketpipe/marketpipe/pkg/errors"
	"github.com/marketpipe/marketpipe/pkg/logger"
	"github.com/marketpipe/marketpipe/pkg/metrics"
	"github.com/marketpipe/marketpipe/pkg/models"
	"github.com/marketpipe/marketpipe/pkg/retry"
)

// latencySmoothing is the exponential smoothing weight for average
// latency: avg = avg*0.9 + sample*0.1.
const latencySmoothing = 0.1

// Adapter wraps a concrete Source with the shared fetch pipeline:
// validation, circuit-breaker admission, cache lookup, retried fetch,
// and statistics. One Adapter owns one cache, one breaker, and one
// stats block for the lifetime of the source.
type Adapter struct {
	src     Source
	cfg     *config.SourceConfig
	policy  *retry.Policy
	breaker *breaker.Breaker
	cache   *cache.Cache[string, []models.MarketRecord]
	logger  *zap.Logger

	mu          sync.Mutex
	records     int64
	errorCount  int64
	avgLatency  time.Duration
	lastSuccess time.Time
	lastError   string
}

// NewAdapter wraps src with the given configuration. The config is
// validated here; construction fails rather than producing an adapter
// with broken retry or breaker settings.
func NewAdapter(src Source, cfg *config.SourceConfig) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.KindConfig, "invalid source config")
	}

	log := logger.Get().With(
		zap.String("source", src.Name()),
		zap.String("type", string(src.Type())))

	a := &Adapter{
		src:     src,
		cfg:     cfg,
		policy:  retry.NewPolicy(cfg.Retry),
		breaker: breaker.New(src.Name(), cfg.Breaker, log),
		logger:  log,
	}
	if cfg.Cache.Enabled {
		a.cache = cache.New[string, []models.MarketRecord](cfg.Cache.MaxSize, cfg.Cache.TTL)
	}
	return a, nil
}

// Name returns the wrapped source's display name.
func (a *Adapter) Name() string { return a.src.Name() }

// Type returns the wrapped source's type tag.
func (a *Adapter) Type() models.SourceType { return a.src.Type() }

// Source returns the wrapped source for write-side surfaces (such as
// the embedded database's bulk insert).
func (a *Adapter) Source() Source { return a.src }

// Fetch resolves a query against the source. In order: configuration
// validation, circuit-breaker admission, cache lookup, then the
// retried raw fetch. A cache hit returns without touching the
// breaker's success/failure bookkeeping; an exhausted-retry failure
// feeds the breaker unless the error is configuration-class.
func (a *Adapter) Fetch(ctx context.Context, query string) ([]models.MarketRecord, error) {
	if err := a.src.Validate(ctx, query); err != nil {
		if !errors.IsKind(err, errors.KindConfig) {
			err = errors.Wrap(err, errors.KindConfig, "invalid query")
		}
		return nil, err
	}

	if err := a.breaker.Allow(); err != nil {
		a.logger.Debug("fetch rejected by circuit breaker", zap.String("query", query))
		return nil, err
	}

	if a.cache != nil {
		if records, ok := a.cache.Get(query); ok {
			metrics.CacheRequests.WithLabelValues(a.Name(), "hit").Inc()
			// Resolved without reaching the source; give the
			// admission slot back so a half-open probe is not
			// consumed by a cached answer.
			a.breaker.Release()
			return records, nil
		}
		metrics.CacheRequests.WithLabelValues(a.Name(), "miss").Inc()
	}

	start := time.Now()
	records, err := retry.Do(ctx, a.policy, func(ctx context.Context) ([]models.MarketRecord, error) {
		return a.src.FetchRaw(ctx, query)
	})
	elapsed := time.Since(start)

	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// Caller abandonment says nothing about source health.
			a.breaker.Release()
			return nil, err
		}
		a.recordFailure(err)
		if !errors.IsKind(err, errors.KindConfig) {
			a.breaker.RecordFailure()
		}
		metrics.CircuitState.WithLabelValues(a.Name()).Set(float64(a.breaker.State()))
		a.logger.Warn("fetch failed",
			zap.String("query", query),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		return nil, err
	}

	if a.cache != nil {
		a.cache.Set(query, records)
	}
	a.recordSuccess(len(records), elapsed)
	a.breaker.RecordSuccess()
	metrics.CircuitState.WithLabelValues(a.Name()).Set(float64(a.breaker.State()))

	a.logger.Debug("fetch complete",
		zap.String("query", query),
		zap.Int("records", len(records)),
		zap.Duration("elapsed", elapsed))
	return records, nil
}

// GetStats returns a snapshot of the adapter's counters.
func (a *Adapter) GetStats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := Stats{
		Name:         a.src.Name(),
		Type:         a.src.Type(),
		Records:      a.records,
		Errors:       a.errorCount,
		AvgLatency:   a.avgLatency,
		LastSuccess:  a.lastSuccess,
		LastError:    a.lastError,
		CircuitState: a.breaker.State().String(),
	}
	if a.cache != nil {
		s.Cache = a.cache.GetStats()
	}
	return s
}

// ResetStats zeroes the counters. The circuit breaker and cache are
// left untouched.
func (a *Adapter) ResetStats() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.records = 0
	a.errorCount = 0
	a.avgLatency = 0
	a.lastSuccess = time.Time{}
	a.lastError = ""
}

// Close releases the underlying source's resources, if any.
func (a *Adapter) Close() error {
	if c, ok := a.src.(Closer); ok {
		return c.Close()
	}
	return nil
}

func (a *Adapter) recordSuccess(count int, elapsed time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.records += int64(count)
	if a.avgLatency == 0 {
		a.avgLatency = elapsed
	} else {
		a.avgLatency = time.Duration(
			float64(a.avgLatency)*(1-latencySmoothing) + float64(elapsed)*latencySmoothing)
	}
	a.lastSuccess = time.Now()
}

func (a *Adapter) recordFailure(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.errorCount++
	a.lastError = err.Error()
}
