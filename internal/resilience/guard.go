package resilience

import (
	"context"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// Guard combines a rate limiter, a circuit breaker and retry for one provider.
// A nil limiter or breaker is skipped.
type Guard struct {
	Limiter *rate.Limiter
	Breaker *CircuitBreaker
	Retry   RetryConfig
}

// NewGuard builds a Guard from provider settings. ratePerSec <= 0 disables
// rate limiting.
func NewGuard(service string, ratePerSec float64, retry RetryConfig, breaker CircuitBreakerConfig) *Guard {
	g := &Guard{
		Breaker: NewCircuitBreaker(breaker),
		Retry:   retry,
	}
	if ratePerSec > 0 {
		burst := int(ratePerSec)
		if burst < 1 {
			burst = 1
		}
		g.Limiter = rate.NewLimiter(rate.Limit(ratePerSec), burst)
	}
	if g.Retry.OnRetry == nil {
		g.Retry.OnRetry = RetryLogger(service, "call")
	}
	return g
}

// Call runs fn under g. Each attempt waits on the limiter and passes through
// the breaker; an open circuit is not retried.
func Call[T any](ctx context.Context, g *Guard, fn func(ctx context.Context) (T, error)) (T, error) {
	retry := g.Retry
	inner := retry.ShouldRetry
	if inner == nil {
		inner = IsTransient
	}
	retry.ShouldRetry = func(err error) bool {
		return !eris.Is(err, ErrCircuitOpen) && inner(err)
	}

	return DoVal(ctx, retry, func(ctx context.Context) (T, error) {
		if g.Limiter != nil {
			if err := g.Limiter.Wait(ctx); err != nil {
				var zero T
				return zero, eris.Wrap(err, "resilience: rate limit wait")
			}
		}
		if g.Breaker == nil {
			return fn(ctx)
		}
		return ExecuteVal(ctx, g.Breaker, fn)
	})
}
