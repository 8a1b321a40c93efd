// Package breaker implements the per-source circuit breaker state
// machine (closed -> open -> half-open) that fails fast when a source
// is unhealthy, bounding the latency wasted against a known-bad
// backend and recovering without operator intervention.
package breaker

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marketpipe/marketpipe/pkg/config"
	"github.com/marketpipe/marketpipe/pkg/errors"
)

// State is the circuit breaker state.
type State int32

const (
	// StateClosed allows all requests through.
	StateClosed State = iota
	// StateOpen rejects every request until the reset timeout elapses.
	StateOpen
	// StateHalfOpen admits a limited number of probe requests to test
	// whether the source has recovered.
	StateHalfOpen
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker is a circuit breaker owned by a single source adapter.
// Safe for concurrent use.
type Breaker struct {
	name   string
	cfg    config.BreakerConfig
	logger *zap.Logger

	mu                   sync.Mutex
	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	halfOpenProbes       int
	openedAt             time.Time
}

// New creates a closed breaker for the named source.
func New(name string, cfg config.BreakerConfig, logger *zap.Logger) *Breaker {
	return &Breaker{
		name:   name,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "circuit_breaker"), zap.String("source", name)),
		state:  StateClosed,
	}
}

// Allow decides whether a request may proceed. While open it returns a
// circuit-open rejection carrying the estimated retry-after duration;
// the underlying fetch must not be invoked in that case. The
// open -> half-open transition is evaluated lazily here, on the first
// call after the reset timeout has elapsed.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		remaining := b.cfg.ResetTimeout - time.Since(b.openedAt)
		if remaining > 0 {
			return errors.CircuitOpen(b.name, remaining)
		}
		b.toHalfOpen()
		b.halfOpenProbes++
		return nil

	case StateHalfOpen:
		if b.halfOpenProbes >= b.cfg.HalfOpenTrials {
			// Enough probes are already in flight; reject the rest
			// until they report back.
			return errors.CircuitOpen(b.name, 0)
		}
		b.halfOpenProbes++
		return nil

	default:
		return errors.Newf(errors.KindInternal, "breaker %s in unknown state", b.name)
	}
}

// Release returns an admission slot without recording an outcome, for
// calls admitted by Allow that resolve without reaching the source
// (cache hits, caller cancellation). Without this a half-open probe
// slot would leak and the breaker could reject every later call.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen && b.halfOpenProbes > 0 {
		b.halfOpenProbes--
	}
}

// RecordSuccess notes a successful fetch. In half-open state, enough
// consecutive successes close the circuit; in closed state the failure
// counter resets.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.consecutiveFailures = 0

	case StateHalfOpen:
		b.consecutiveSuccesses++
		if b.consecutiveSuccesses >= b.cfg.HalfOpenTrials {
			b.toClosed()
		}
	}
}

// RecordFailure notes a failed fetch. Reaching the failure threshold
// in closed state opens the circuit; any failure while half-open
// re-opens it and re-arms the reset timeout.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.toOpen()
		}

	case StateHalfOpen:
		b.toOpen()
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// RetryAfter returns how long until an open circuit admits a probe.
// Zero when the circuit is not open or already eligible.
func (b *Breaker) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return 0
	}
	remaining := b.cfg.ResetTimeout - time.Since(b.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Reset forces the breaker back to closed with cleared counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	b.halfOpenProbes = 0
}

// callers hold b.mu for all transitions

func (b *Breaker) toOpen() {
	b.state = StateOpen
	b.openedAt = time.Now()
	b.consecutiveSuccesses = 0
	b.halfOpenProbes = 0

	b.logger.Warn("circuit breaker opened",
		zap.Int("consecutive_failures", b.consecutiveFailures),
		zap.Duration("reset_timeout", b.cfg.ResetTimeout))
}

func (b *Breaker) toHalfOpen() {
	b.state = StateHalfOpen
	b.consecutiveSuccesses = 0
	b.halfOpenProbes = 0

	b.logger.Info("circuit breaker half-open")
}

func (b *Breaker) toClosed() {
	b.state = StateClosed
	b.consecutiveFailures = 0
	b.halfOpenProbes = 0

	b.logger.Info("circuit breaker closed")
}
