package nnodes

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/swarmguard/nnodes/internal/resilience"
)

func TestJobStateResetClearsFlags(t *testing.T) {
	s := NewJobState(time.Hour, 0)
	s.SetPaused(true)
	s.SetFailed(true)
	s.SetAborted(true)

	s.Reset()

	paused, failed, aborted := s.Snapshot()
	if paused || failed || aborted {
		t.Fatalf("expected Reset to clear all flags, got paused=%v failed=%v aborted=%v", paused, failed, aborted)
	}
}

func TestJobStateSignaled(t *testing.T) {
	s := NewJobState(time.Hour, 0)
	if s.Signaled() {
		t.Fatalf("expected fresh JobState to be unsignaled")
	}
	s.SetSignaled(true)
	if !s.Signaled() {
		t.Fatalf("expected Signaled to report true after SetSignaled(true)")
	}
}

func TestJobStateRemainingDecreasesOverElapsed(t *testing.T) {
	s := NewJobState(100*time.Millisecond, 0)
	first := s.Remaining()
	time.Sleep(30 * time.Millisecond)
	second := s.Remaining()
	if second >= first {
		t.Fatalf("expected Remaining to decrease over elapsed time, got first=%v second=%v", first, second)
	}
}

func TestJobStateRemainingAccountsForGap(t *testing.T) {
	withGap := NewJobState(time.Hour, 10*time.Minute)
	withoutGap := NewJobState(time.Hour, 0)

	if withGap.Remaining() >= withoutGap.Remaining() {
		t.Fatalf("expected a reserved gap to reduce the remaining walltime")
	}
}

// TestRootSignalIsIdempotentAfterSignaled covers the walltime-alarm path
// (Execute's timer) and signalRequeue (an InsufficientWalltime task
// error) both firing for the same expiring walltime: the second call
// must be a no-op, not merely rate-limited to a trickle.
func TestRootSignalIsIdempotentAfterSignaled(t *testing.T) {
	adapter := &fakeAdapter{inQueue: true, state: NewJobState(time.Hour, 0)}
	r := &Root{
		Node:           newRootNode(NewDirectory(t.TempDir())),
		adapter:        adapter,
		state:          adapter.state,
		requeueLimiter: resilience.NewRequeueLimiter(5, 1),
		log:            slog.Default(),
	}
	ctx := NewContext(context.Background(), r)

	r.signal(ctx)
	r.signalRequeue(ctx)

	adapter.requeueMu.Lock()
	calls := adapter.requeueCalls
	adapter.requeueMu.Unlock()

	if calls != 1 {
		t.Fatalf("expected exactly 1 requeue call across both signal paths once signaled, got %d", calls)
	}
	if !r.state.Signaled() {
		t.Fatalf("expected state to be marked signaled after signal()")
	}
}

func TestJobStateMarkStartResetsClock(t *testing.T) {
	s := NewJobState(time.Hour, 0)
	time.Sleep(20 * time.Millisecond)
	before := s.Remaining()
	s.MarkStart()
	after := s.Remaining()
	if after <= before {
		t.Fatalf("expected MarkStart to push the execution clock forward, resetting remaining time higher, before=%v after=%v", before, after)
	}
}
