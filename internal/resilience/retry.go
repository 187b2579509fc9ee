// Package resilience holds the small set of fault-tolerance primitives the
// engine layers on top of cluster adapter calls: fixed-delay retry, a
// circuit breaker guarding repeated launch failures, and a rate limiter
// guarding requeue attempts.
package resilience

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
)

// FixedRetry runs fn up to attempts times, sleeping delay between each
// failed attempt (no backoff growth — nnodes task retries use a constant
// delay, unlike a request-level retry policy).
func FixedRetry[T any](ctx context.Context, attempts int, delay time.Duration, fn func(attempt int) (T, error)) (T, error) {
	var zero T
	if attempts <= 0 {
		return zero, nil
	}

	meter := otel.Meter("nnodes")
	attemptCounter, _ := meter.Int64Counter("nnodes_retry_attempts_total")
	successCounter, _ := meter.Int64Counter("nnodes_retry_success_total")
	failCounter, _ := meter.Int64Counter("nnodes_retry_fail_total")

	var lastErr error
	for i := 0; i < attempts; i++ {
		v, err := fn(i)
		attemptCounter.Add(ctx, 1)
		if err == nil {
			successCounter.Add(ctx, 1)
			return v, nil
		}
		lastErr = err
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			failCounter.Add(ctx, 1)
			return zero, ctx.Err()
		case <-time.After(delay):
		}
	}
	failCounter.Add(ctx, 1)
	return zero, lastErr
}
