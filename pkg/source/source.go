// Package source defines the uniform interface every market-data
// backend implements and the Adapter wrapper that composes cache
// lookup, circuit-breaker admission, and retried fetching into one
// Fetch contract.
//
// Concrete sources implement only the transport and parsing
// (Validate + FetchRaw). Caching, retry, failure isolation and
// statistics live in Adapter and are identical across backends.
package source

import (
	"context"
	"time"

	"github.com/marketpipe/marketpipe/pkg/cache"
	"github.com/marketpipe/marketpipe/pkg/models"
)

// Source is the contract a concrete backend implements.
type Source interface {
	// Name returns the display name of this source instance.
	Name() string

	// Type returns the source-type tag.
	Type() models.SourceType

	// Validate performs configuration-class checks on the query
	// (syntax, file existence) synchronously, before any retrying
	// starts. Errors returned here are never retried and never feed
	// the circuit breaker.
	Validate(ctx context.Context, query string) error

	// FetchRaw performs the source-specific transport call and
	// parsing, returning normalized records. It is invoked under the
	// retry executor.
	FetchRaw(ctx context.Context, query string) ([]models.MarketRecord, error)
}

// Closer is implemented by sources holding releasable resources.
type Closer interface {
	Close() error
}

// Stats is a point-in-time snapshot of an adapter's counters.
type Stats struct {
	Name         string            `json:"name"`
	Type         models.SourceType `json:"type"`
	Records      int64             `json:"records"`
	Errors       int64             `json:"errors"`
	AvgLatency   time.Duration     `json:"avg_latency"`
	LastSuccess  time.Time         `json:"last_success"`
	LastError    string            `json:"last_error,omitempty"`
	CircuitState string            `json:"circuit_state"`
	Cache        cache.Stats       `json:"cache"`
}
