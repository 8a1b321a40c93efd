// Package pipeline orchestrates ingestion across registered market
// data sources.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marketpipe/marketpipe/pkg/config"
	"github.com/marketpipe/marketpipe/pkg/errors"
	"github.com/marketpipe/marketpipe/pkg/logger"
	"github.com/marketpipe/marketpipe/pkg/metrics"
	"github.com/marketpipe/marketpipe/pkg/models"
	"github.com/marketpipe/marketpipe/pkg/source"
)

// Pipeline fans queries out to source adapters and aggregates results,
// stats and lifecycle events.
type Pipeline struct {
	cfg    config.PipelineConfig
	logger *zap.Logger

	mu       sync.RWMutex
	adapters map[models.SourceType]*source.Adapter

	events *eventBus
	stats  *statsTracker

	// sem bounds concurrent ingests in IngestAll.
	sem chan struct{}
}

// New builds a pipeline with no registered sources.
func New(cfg config.PipelineConfig) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Pipeline{
		cfg:      cfg,
		logger:   logger.Get().With(zap.String("component", "pipeline")),
		adapters: make(map[models.SourceType]*source.Adapter),
		events:   newEventBus(cfg.EventBuffer),
		stats:    newStatsTracker(cfg.LatencySamples),
		sem:      make(chan struct{}, cfg.Concurrency),
	}, nil
}

// Register adds an adapter. One adapter per source type.
func (p *Pipeline) Register(adapter *source.Adapter) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	typ := adapter.Type()
	if _, exists := p.adapters[typ]; exists {
		return errors.New(errors.KindConfig, fmt.Sprintf("source type %s already registered", typ))
	}
	p.adapters[typ] = adapter
	p.logger.Info("source registered",
		zap.String("type", string(typ)),
		zap.String("name", adapter.Name()))
	return nil
}

// Subscribe attaches a handler to an event type. The returned
// subscription revokes it.
func (p *Pipeline) Subscribe(eventType EventType, handler Handler) *Subscription {
	return p.events.subscribe(eventType, handler)
}

// Ingest runs one query against one source type. Failures propagate to
// the caller after being counted and announced.
func (p *Pipeline) Ingest(ctx context.Context, typ models.SourceType, query string) ([]models.MarketRecord, error) {
	p.mu.RLock()
	adapter, exists := p.adapters[typ]
	p.mu.RUnlock()

	if !exists {
		return nil, errors.New(errors.KindConfig, fmt.Sprintf("source type %s not registered", typ))
	}

	p.events.emit(Event{
		Type:   EventIngestStart,
		Source: adapter.Name(),
	})

	start := time.Now()
	records, err := adapter.Fetch(ctx, query)
	elapsed := time.Since(start)

	if err != nil {
		p.stats.recordFailure(elapsed)
		metrics.IngestsTotal.WithLabelValues(adapter.Name(), "error").Inc()
		p.events.emit(Event{
			Type:     EventIngestError,
			Source:   adapter.Name(),
			Duration: elapsed,
			Error:    err.Error(),
		})
		return nil, err
	}

	p.stats.recordSuccess(len(records), elapsed)
	metrics.IngestsTotal.WithLabelValues(adapter.Name(), "success").Inc()
	metrics.RecordsIngested.WithLabelValues(adapter.Name()).Add(float64(len(records)))
	metrics.IngestLatency.WithLabelValues(adapter.Name()).Observe(elapsed.Seconds())
	p.events.emit(Event{
		Type:        EventIngestComplete,
		Source:      adapter.Name(),
		Duration:    elapsed,
		RecordCount: len(records),
		Success:     true,
	})
	return records, nil
}

// IngestAll runs one query per source type concurrently, bounded by
// the configured concurrency. A failing source contributes an empty
// result and never aborts the others; the per-source errors are
// returned alongside the results.
func (p *Pipeline) IngestAll(ctx context.Context, queries map[models.SourceType]string) (map[models.SourceType][]models.MarketRecord, map[models.SourceType]error) {
	results := make(map[models.SourceType][]models.MarketRecord, len(queries))
	failures := make(map[models.SourceType]error)

	var mu sync.Mutex
	var wg sync.WaitGroup

	for typ, query := range queries {
		wg.Add(1)
		go func(typ models.SourceType, query string) {
			defer wg.Done()

			select {
			case p.sem <- struct{}{}:
				defer func() { <-p.sem }()
			case <-ctx.Done():
				p.recordAborted(typ, ctx.Err())
				mu.Lock()
				results[typ] = nil
				failures[typ] = ctx.Err()
				mu.Unlock()
				return
			}

			records, err := p.Ingest(ctx, typ, query)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				results[typ] = nil
				failures[typ] = err
				return
			}
			results[typ] = records
		}(typ, query)
	}
	wg.Wait()

	if len(failures) > 0 {
		p.logger.Warn("partial ingest",
			zap.Int("succeeded", len(results)-len(failures)),
			zap.Int("failed", len(failures)))
	}
	return results, failures
}

// recordAborted accounts for a fan-out slot cancelled before its fetch
// could start, so aborted ingests still count as failures and announce
// themselves like any other.
func (p *Pipeline) recordAborted(typ models.SourceType, err error) {
	name := string(typ)
	if a, ok := p.Adapter(typ); ok {
		name = a.Name()
	}
	p.stats.recordAborted()
	metrics.IngestsTotal.WithLabelValues(name, "error").Inc()
	p.events.emit(Event{Type: EventIngestStart, Source: name})
	p.events.emit(Event{
		Type:   EventIngestError,
		Source: name,
		Error:  err.Error(),
	})
}

// Adapters returns the registered adapters.
func (p *Pipeline) Adapters() []*source.Adapter {
	p.mu.RLock()
	defer p.mu.RUnlock()

	adapters := make([]*source.Adapter, 0, len(p.adapters))
	for _, a := range p.adapters {
		adapters = append(adapters, a)
	}
	return adapters
}

// Adapter returns the adapter for a source type, if registered.
func (p *Pipeline) Adapter(typ models.SourceType) (*source.Adapter, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	a, ok := p.adapters[typ]
	return a, ok
}

// Stats snapshots pipeline counters and per-source stats.
func (p *Pipeline) Stats() Stats {
	return p.stats.snapshot(p.Adapters())
}

// Healthy reports whether the ingest failure ratio is under 10%.
func (p *Pipeline) Healthy() bool {
	return p.stats.healthy()
}

// Close releases all adapters. The first error wins.
func (p *Pipeline) Close() error {
	var firstErr error
	for _, a := range p.Adapters() {
		if err := a.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
