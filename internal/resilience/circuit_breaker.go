package resilience

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
)

// LaunchBreaker trips when a cluster adapter's launch command fails to
// even start repeatedly within a short rolling window — distinguishing a
// broken scheduler binary (jsrun/srun missing, bad account) from an
// ordinary task failure, which should not back off the whole dispatcher.
type LaunchBreaker struct {
	mu sync.Mutex

	minSamples      int
	failureRateOpen float64
	halfOpenAfter   time.Duration
	window          *slidingWindow

	state    breakerState
	openedAt time.Time
	probed   bool
}

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// NewLaunchBreaker builds a breaker over a rolling window of windowSize
// split into buckets samples, tripping once at least minSamples launches
// were observed and the failure rate reaches failureRateOpen.
func NewLaunchBreaker(windowSize time.Duration, buckets, minSamples int, failureRateOpen float64, halfOpenAfter time.Duration) *LaunchBreaker {
	if buckets <= 0 {
		buckets = 1
	}
	return &LaunchBreaker{
		minSamples:      minSamples,
		failureRateOpen: clamp01(failureRateOpen),
		halfOpenAfter:   halfOpenAfter,
		window:          newSlidingWindow(windowSize, buckets),
		state:           stateClosed,
	}
}

// Allow reports whether a launch attempt may proceed.
func (b *LaunchBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateOpen:
		if time.Since(b.openedAt) < b.halfOpenAfter {
			return false
		}
		b.state = stateHalfOpen
		b.probed = false
	case stateHalfOpen:
		if b.probed {
			return false
		}
		b.probed = true
	}
	return true
}

// RecordResult records whether a permitted launch started successfully.
func (b *LaunchBreaker) RecordResult(started bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.window.add(started)

	switch b.state {
	case stateClosed:
		total, failures := b.window.stats()
		if total >= b.minSamples && float64(failures)/float64(total) >= b.failureRateOpen {
			b.trip()
		}
	case stateHalfOpen:
		if started {
			b.reset()
		} else {
			b.trip()
		}
	}
}

func (b *LaunchBreaker) trip() {
	b.state = stateOpen
	b.openedAt = time.Now()
	counter, _ := otel.Meter("nnodes").Int64Counter("nnodes_launch_breaker_open_total")
	counter.Add(context.Background(), 1)
}

func (b *LaunchBreaker) reset() {
	b.state = stateClosed
	b.openedAt = time.Time{}
	b.window.reset()
	counter, _ := otel.Meter("nnodes").Int64Counter("nnodes_launch_breaker_closed_total")
	counter.Add(context.Background(), 1)
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// slidingWindow buckets success/failure counts over fixed time intervals.
type slidingWindow struct {
	buckets  int
	interval time.Duration
	data     []bucket
}

type bucket struct {
	epoch         int64
	success, fail int
}

func newSlidingWindow(size time.Duration, buckets int) *slidingWindow {
	return &slidingWindow{
		buckets:  buckets,
		interval: size / time.Duration(buckets),
		data:     make([]bucket, buckets),
	}
}

func (w *slidingWindow) index(now time.Time) int {
	return int(now.UnixNano()/w.interval.Nanoseconds()) % w.buckets
}

func (w *slidingWindow) add(success bool) {
	now := time.Now()
	epoch := now.UnixNano() / w.interval.Nanoseconds()
	idx := w.index(now)
	if w.data[idx].epoch != epoch {
		w.data[idx] = bucket{epoch: epoch}
	}
	if success {
		w.data[idx].success++
	} else {
		w.data[idx].fail++
	}
}

func (w *slidingWindow) stats() (total, failures int) {
	current := time.Now().UnixNano() / w.interval.Nanoseconds()
	for _, b := range w.data {
		if current-b.epoch >= int64(w.buckets) {
			continue
		}
		total += b.success + b.fail
		failures += b.fail
	}
	return
}

func (w *slidingWindow) reset() {
	for i := range w.data {
		w.data[i] = bucket{}
	}
}
