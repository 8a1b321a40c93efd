// Package retry wraps arbitrary operations with bounded retries,
// exponential backoff, and randomized jitter.
//
// The executor is deliberately oblivious to why an operation failed:
// every failure is treated as retryable. Classification happens one
// level up, where source adapters validate queries before entering the
// executor so configuration errors never reach it.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/marketpipe/marketpipe/pkg/config"
)

// Policy executes operations under a retry configuration.
type Policy struct {
	cfg config.RetryConfig
}

// NewPolicy creates a policy from a retry configuration.
func NewPolicy(cfg config.RetryConfig) *Policy {
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = 1
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	return &Policy{cfg: cfg}
}

// Execute runs fn up to MaxRetries+1 times. On success it returns nil
// immediately. The error of the final attempt is returned unchanged so
// callers can still branch on its kind. Between attempts the policy
// sleeps for the backoff delay, aborting early if ctx is cancelled.
func (p *Policy) Execute(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt == p.cfg.MaxRetries {
			break
		}

		timer := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}

	return lastErr
}

// Delay returns the jittered backoff delay for a given attempt:
// min(BaseDelay * BackoffMultiplier^attempt, MaxDelay), offset by a
// uniformly random amount within ±10%.
func (p *Policy) Delay(attempt int) time.Duration {
	delay := float64(p.cfg.BaseDelay) * math.Pow(p.cfg.BackoffMultiplier, float64(attempt))
	if delay > float64(p.cfg.MaxDelay) {
		delay = float64(p.cfg.MaxDelay)
	}

	// Jitter avoids synchronized retry storms against a recovering
	// source.
	jitter := delay * 0.1 * (2*rand.Float64() - 1)
	delay += jitter

	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Do runs fn under the policy and returns its value. It is the typed
// convenience wrapper adapters use around Execute.
func Do[T any](ctx context.Context, p *Policy, fn func(context.Context) (T, error)) (T, error) {
	var result T
	err := p.Execute(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}
