// Package config provides the unified configuration system for
// marketpipe. It defines one SourceConfig structure that every adapter
// is constructed from, organized into logical sections:
//
//   - Retry: bounded retries with exponential backoff and jitter
//   - Cache: the adapter-owned bounded expiring cache
//   - Breaker: the per-adapter circuit breaker
//   - Connection: source-specific settings (API key, file root, db path)
//
// Example usage:
//
//	cfg := config.NewSourceConfig("polygon-bars", models.SourceTypeREST)
//	cfg.Connection["base_url"] = "https://api.example.com/v2"
//	cfg.Connection["api_key"] = os.Getenv("MARKET_API_KEY")
//
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/marketpipe/marketpipe/pkg/models"
)

// RetryConfig controls the retry executor wrapping every raw fetch.
// Invariant: MaxDelay >= BaseDelay.
type RetryConfig struct {
	// MaxRetries is the number of retries after the initial attempt
	// (MaxRetries+1 total attempts).
	MaxRetries int `yaml:"max_retries" json:"max_retries"`
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration `yaml:"base_delay" json:"base_delay"`
	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`
	// BackoffMultiplier grows the delay per attempt, must be >= 1.
	BackoffMultiplier float64 `yaml:"backoff_multiplier" json:"backoff_multiplier"`
}

// CacheConfig controls the adapter's bounded expiring cache.
type CacheConfig struct {
	Enabled bool          `yaml:"enabled" json:"enabled"`
	MaxSize int           `yaml:"max_size" json:"max_size"`
	TTL     time.Duration `yaml:"ttl" json:"ttl"`
}

// BreakerConfig controls the per-adapter circuit breaker. It is owned
// by the adapter instance, not part of the source connection settings.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that
	// opens the circuit.
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`
	// ResetTimeout is how long the circuit stays open before a
	// half-open probe is allowed.
	ResetTimeout time.Duration `yaml:"reset_timeout" json:"reset_timeout"`
	// HalfOpenTrials is the number of consecutive half-open successes
	// required to close the circuit.
	HalfOpenTrials int `yaml:"half_open_trials" json:"half_open_trials"`
}

// SourceConfig is the per-adapter configuration. Set once at adapter
// construction and immutable thereafter.
type SourceConfig struct {
	// Type selects the adapter implementation.
	Type models.SourceType `yaml:"type" json:"type"`
	// Name is the display name for logs and stats.
	Name string `yaml:"name" json:"name"`
	// Enabled toggles registration of the source.
	Enabled bool `yaml:"enabled" json:"enabled"`
	// Priority is documentation only; it does not order fetches.
	Priority int `yaml:"priority" json:"priority"`

	Retry   RetryConfig   `yaml:"retry" json:"retry"`
	Cache   CacheConfig   `yaml:"cache" json:"cache"`
	Breaker BreakerConfig `yaml:"breaker" json:"breaker"`

	// Connection carries source-specific settings: "base_url" and
	// "api_key" for REST, "root" for delimited files, "path" for the
	// embedded database.
	Connection map[string]string `yaml:"connection" json:"connection"`
}

// PipelineConfig configures the orchestrator.
type PipelineConfig struct {
	// Concurrency bounds the number of in-flight fetches during
	// fan-out ingestion.
	Concurrency int `yaml:"concurrency" json:"concurrency"`
	// LatencySamples is the rolling buffer size used for the p95/p99
	// latency percentiles.
	LatencySamples int `yaml:"latency_samples" json:"latency_samples"`
	// EventBuffer is the subscriber channel depth before events are
	// dropped for a slow subscriber.
	EventBuffer int `yaml:"event_buffer" json:"event_buffer"`
	// LogLevel sets logging verbosity (debug, info, warn, error).
	LogLevel string `yaml:"log_level" json:"log_level"`
}

// File is the on-disk configuration shape consumed by the CLI.
type File struct {
	Pipeline PipelineConfig `yaml:"pipeline"`
	Sources  []SourceConfig `yaml:"sources"`
}

// NewSourceConfig creates a SourceConfig with production defaults.
// Specific sources override the Connection map and any section they
// need.
func NewSourceConfig(name string, sourceType models.SourceType) *SourceConfig {
	return &SourceConfig{
		Type:    sourceType,
		Name:    name,
		Enabled: true,
		Retry: RetryConfig{
			MaxRetries:        3,
			BaseDelay:         time.Second,
			MaxDelay:          30 * time.Second,
			BackoffMultiplier: 2.0,
		},
		Cache: CacheConfig{
			Enabled: true,
			MaxSize: 1000,
			TTL:     time.Minute,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
			HalfOpenTrials:   3,
		},
		Connection: make(map[string]string),
	}
}

// DefaultPipelineConfig returns the orchestrator defaults.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Concurrency:    8,
		LatencySamples: 512,
		EventBuffer:    64,
		LogLevel:       "info",
	}
}

// Validate checks the configuration for correctness. Adapters call
// this at construction to catch errors early.
func (c *SourceConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if c.Type == "" {
		return fmt.Errorf("type is required")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries cannot be negative")
	}
	if c.Retry.BackoffMultiplier < 1 {
		return fmt.Errorf("retry.backoff_multiplier must be >= 1")
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry.max_delay must be >= retry.base_delay")
	}
	if c.Cache.Enabled && c.Cache.MaxSize <= 0 {
		return fmt.Errorf("cache.max_size must be positive")
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold must be positive")
	}
	if c.Breaker.HalfOpenTrials <= 0 {
		return fmt.Errorf("breaker.half_open_trials must be positive")
	}
	return nil
}

// Validate checks the pipeline section.
func (p *PipelineConfig) Validate() error {
	if p.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive")
	}
	if p.LatencySamples <= 0 {
		return fmt.Errorf("latency_samples must be positive")
	}
	return nil
}

// LoadFile reads and validates a YAML configuration file.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	f := &File{Pipeline: DefaultPipelineConfig()}
	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := f.Pipeline.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline config: %w", err)
	}
	for i := range f.Sources {
		if err := f.Sources[i].Validate(); err != nil {
			return nil, fmt.Errorf("source %q: %w", f.Sources[i].Name, err)
		}
	}
	return f, nil
}
