package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCall_RetriesTransientThroughBreaker(t *testing.T) {
	g := NewGuard("peoplesearch", 0, fastRetry(3), CircuitBreakerConfig{FailureThreshold: 10})

	var calls int
	v, err := Call(context.Background(), g, func(_ context.Context) (int, error) {
		calls++
		if calls < 2 {
			return 0, NewTransientError(errors.New("503"), 503)
		}
		return 9, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 9, v)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 0, g.Breaker.Failures())
}

func TestCall_OpenCircuitNotRetried(t *testing.T) {
	g := NewGuard("peoplesearch", 0, fastRetry(5), CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})

	var calls int
	_, err := Call(context.Background(), g, func(_ context.Context) (int, error) {
		calls++
		return 0, NewTransientError(errors.New("502"), 502)
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 1, calls)
}

func TestCall_RateLimited(t *testing.T) {
	g := NewGuard("peoplesearch", 1000, fastRetry(1), DefaultCircuitBreakerConfig())
	require.NotNil(t, g.Limiter)

	for i := 0; i < 5; i++ {
		_, err := Call(context.Background(), g, func(_ context.Context) (bool, error) { return true, nil })
		require.NoError(t, err)
	}
}

func TestCall_LimiterHonoursContext(t *testing.T) {
	g := NewGuard("peoplesearch", 0.001, fastRetry(1), DefaultCircuitBreakerConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, _ = Call(ctx, g, func(_ context.Context) (int, error) { return 1, nil })
	_, err := Call(ctx, g, func(_ context.Context) (int, error) { return 1, nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit wait")
}
