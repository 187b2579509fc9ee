package nnodes

import (
	"sync"
	"time"
)

// JobState is the small record of mutable flags and walltime bookkeeping
// shared across the whole tree: set by the execution engine, consulted
// by the requeue policy. Split out from ClusterAdapter (which instead
// holds the allocation's static capability/configuration set) per the
// data model.
type JobState struct {
	mu sync.Mutex

	Paused  bool
	Failed  bool
	Aborted bool

	// signaled is set once the walltime alarm has fired and a requeue is
	// already in flight; a concurrent save() must become a no-op so the
	// outgoing process never clobbers state the requeued process reads.
	signaled bool

	execStart time.Time
	walltime  time.Duration
	gap       time.Duration
}

func NewJobState(walltime, gap time.Duration) *JobState {
	return &JobState{execStart: time.Now(), walltime: walltime, gap: gap}
}

func (s *JobState) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Paused, s.Failed, s.Aborted = false, false, false
}

func (s *JobState) SetPaused(v bool) {
	s.mu.Lock()
	s.Paused = v
	s.mu.Unlock()
}

func (s *JobState) SetFailed(v bool) {
	s.mu.Lock()
	s.Failed = v
	s.mu.Unlock()
}

func (s *JobState) SetAborted(v bool) {
	s.mu.Lock()
	s.Aborted = v
	s.mu.Unlock()
}

func (s *JobState) Snapshot() (paused, failed, aborted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Paused, s.Failed, s.Aborted
}

func (s *JobState) Signaled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signaled
}

func (s *JobState) SetSignaled(v bool) {
	s.mu.Lock()
	s.signaled = v
	s.mu.Unlock()
}

// Remaining returns the minutes of walltime left, computed from the
// execution start, the total requested walltime, and the gap reserved
// for shutdown/requeue bookkeeping.
func (s *JobState) Remaining() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	elapsed := time.Since(s.execStart)
	left := s.walltime - s.gap - elapsed
	return left.Minutes()
}

func (s *JobState) MarkStart() {
	s.mu.Lock()
	s.execStart = time.Now()
	s.mu.Unlock()
}
