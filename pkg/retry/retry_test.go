package retry

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketpipe/marketpipe/pkg/config"
	"github.com/marketpipe/marketpipe/pkg/errors"
)

func testConfig() config.RetryConfig {
	return config.RetryConfig{
		MaxRetries:        3,
		BaseDelay:         time.Millisecond,
		MaxDelay:          10 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

func TestSucceedsAfterFailures(t *testing.T) {
	p := NewPolicy(testConfig())

	calls := 0
	err := p.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		if calls <= 2 {
			return errors.New(errors.KindTransient, "flaky")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls, "k failures then success means k+1 invocations")
}

func TestExhaustionReturnsLastErrorUnchanged(t *testing.T) {
	p := NewPolicy(testConfig())

	last := errors.New(errors.KindTransient, "attempt 4")
	calls := 0
	err := p.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		if calls == 4 {
			return last
		}
		return errors.Newf(errors.KindTransient, "attempt %d", calls)
	})

	assert.Equal(t, 4, calls, "maxRetries+1 total invocations")
	assert.Same(t, last, err, "final error propagates unchanged")
}

func TestNoRetriesMeansSingleAttempt(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 0
	p := NewPolicy(cfg)

	calls := 0
	err := p.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.New(errors.KindTransient, "nope")
	})

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDelayWithinJitterBounds(t *testing.T) {
	cfg := config.RetryConfig{
		MaxRetries:        5,
		BaseDelay:         100 * time.Millisecond,
		MaxDelay:          400 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
	p := NewPolicy(cfg)

	for attempt := 0; attempt < 5; attempt++ {
		expected := float64(cfg.BaseDelay) * math.Pow(cfg.BackoffMultiplier, float64(attempt))
		if expected > float64(cfg.MaxDelay) {
			expected = float64(cfg.MaxDelay)
		}

		for i := 0; i < 50; i++ {
			d := float64(p.Delay(attempt))
			assert.GreaterOrEqual(t, d, 0.9*expected, "attempt %d", attempt)
			assert.LessOrEqual(t, d, 1.1*expected, "attempt %d", attempt)
		}
	}
}

func TestContextCancelAbortsBackoff(t *testing.T) {
	cfg := testConfig()
	cfg.BaseDelay = time.Minute
	cfg.MaxDelay = time.Minute
	p := NewPolicy(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	failure := errors.New(errors.KindTransient, "always")

	done := make(chan error, 1)
	go func() {
		done <- p.Execute(ctx, func(ctx context.Context) error {
			return failure
		})
	}()

	cancel()

	select {
	case err := <-done:
		assert.Same(t, failure, err, "cancellation surfaces the last attempt error")
	case <-time.After(time.Second):
		t.Fatal("Execute did not return after context cancellation")
	}
}

func TestDoReturnsValue(t *testing.T) {
	p := NewPolicy(testConfig())

	calls := 0
	v, err := Do(context.Background(), p, func(ctx context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, errors.New(errors.KindTransient, "once")
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 2, calls)
}
