package resilience

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// HybridRateLimiter combines a token bucket (burst tolerance) with a leaky
// bucket (sustained-rate smoothing): Allow admits immediately while tokens
// remain, Wait queues and drains at a fixed interval once they run out.
// Unlike RequeueLimiter (a one-shot burst gate), adapter launches recur for
// the whole run, so the sustained-rate half earns its keep here — launching
// a burst of MPI submissions should not turn into a sustained hammering of
// jsrun/srun.
type HybridRateLimiter struct {
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	tokenMu    sync.Mutex

	queue     chan *queuedLaunch
	leakRate  time.Duration
	stopCh    chan struct{}
	workerWg  sync.WaitGroup

	allowedCounter metric.Int64Counter
	deniedCounter  metric.Int64Counter
	queuedCounter  metric.Int64Counter
}

type queuedLaunch struct {
	doneCh chan struct{}
}

// NewHybridRateLimiter allows burstCapacity immediate launches, refilling
// at refillRate/second; excess requests queue (up to queueSize) and drain
// one per leakRate tick.
func NewHybridRateLimiter(burstCapacity int, refillRate float64, queueSize int, leakRate time.Duration) *HybridRateLimiter {
	meter := otel.Meter("nnodes")
	allowed, _ := meter.Int64Counter("nnodes_launch_ratelimit_allowed_total")
	denied, _ := meter.Int64Counter("nnodes_launch_ratelimit_denied_total")
	queued, _ := meter.Int64Counter("nnodes_launch_ratelimit_queued_total")

	rl := &HybridRateLimiter{
		tokens:         float64(burstCapacity),
		capacity:       float64(burstCapacity),
		refillRate:     refillRate,
		lastRefill:     time.Now(),
		queue:          make(chan *queuedLaunch, queueSize),
		leakRate:       leakRate,
		stopCh:         make(chan struct{}),
		allowedCounter: allowed,
		deniedCounter:  denied,
		queuedCounter:  queued,
	}
	rl.workerWg.Add(1)
	go rl.leakyBucketWorker()
	return rl
}

// Allow reports whether a token is available right now, consuming it if so.
func (rl *HybridRateLimiter) Allow(ctx context.Context) bool {
	rl.refillTokens()

	rl.tokenMu.Lock()
	defer rl.tokenMu.Unlock()

	if rl.tokens >= 1.0 {
		rl.tokens--
		rl.allowedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", "immediate")))
		return true
	}
	return false
}

// Wait queues the caller behind the leaky bucket when Allow returned false.
func (rl *HybridRateLimiter) Wait(ctx context.Context) error {
	req := &queuedLaunch{doneCh: make(chan struct{})}

	select {
	case rl.queue <- req:
		rl.queuedCounter.Add(ctx, 1)
		select {
		case <-req.doneCh:
			rl.allowedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", "queued")))
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-rl.stopCh:
			return context.Canceled
		}
	default:
		rl.deniedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "queue_full")))
		return ErrRateLimited
	}
}

// AllowOrWait is the common call site: proceed immediately, else queue.
func (rl *HybridRateLimiter) AllowOrWait(ctx context.Context) error {
	if rl.Allow(ctx) {
		return nil
	}
	return rl.Wait(ctx)
}

func (rl *HybridRateLimiter) refillTokens() {
	rl.tokenMu.Lock()
	defer rl.tokenMu.Unlock()

	now := time.Now()
	if elapsed := now.Sub(rl.lastRefill).Seconds(); elapsed > 0 {
		rl.tokens = min(rl.capacity, rl.tokens+elapsed*rl.refillRate)
		rl.lastRefill = now
	}
}

func (rl *HybridRateLimiter) leakyBucketWorker() {
	defer rl.workerWg.Done()
	ticker := time.NewTicker(rl.leakRate)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			select {
			case req := <-rl.queue:
				close(req.doneCh)
			default:
			}
		case <-rl.stopCh:
			return
		}
	}
}

// Stop drains the worker goroutine; callers that create a HybridRateLimiter
// for the lifetime of an adapter typically never call this.
func (rl *HybridRateLimiter) Stop() {
	close(rl.stopCh)
	rl.workerWg.Wait()
}
