package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
)

// ErrRateLimited is returned by RequeueLimiter.Allow when the caller must
// not attempt another requeue right now.
var ErrRateLimited = errors.New("resilience: requeue rate limit exceeded")

// RequeueLimiter is a plain token bucket guarding how often a process may
// ask the cluster adapter to requeue the job. A process only ever calls
// Requeue once or twice in its lifetime, so the leaky-bucket queueing half
// of a full hybrid limiter buys nothing here; only the burst-tolerant
// token bucket half is kept.
type RequeueLimiter struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// NewRequeueLimiter allows burstCapacity immediate requeue attempts,
// refilling at refillRate tokens/second afterward.
func NewRequeueLimiter(burstCapacity int, refillRate float64) *RequeueLimiter {
	return &RequeueLimiter{
		tokens:     float64(burstCapacity),
		capacity:   float64(burstCapacity),
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// Allow consumes a token if available, else returns ErrRateLimited.
func (l *RequeueLimiter) Allow(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if elapsed := now.Sub(l.lastRefill).Seconds(); elapsed > 0 {
		l.tokens = min(l.capacity, l.tokens+elapsed*l.refillRate)
		l.lastRefill = now
	}

	meter := otel.Meter("nnodes")
	if l.tokens >= 1.0 {
		l.tokens--
		counter, _ := meter.Int64Counter("nnodes_requeue_allowed_total")
		counter.Add(ctx, 1)
		return nil
	}

	counter, _ := meter.Int64Counter("nnodes_requeue_denied_total")
	counter.Add(ctx, 1)
	return ErrRateLimited
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
