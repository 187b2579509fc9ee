package nnodes

import "fmt"

// InsufficientWalltime is raised by a dispatched task's auto-timeout when
// the allocation is about to expire. It unwinds to the root without
// marking the node failed and drives the requeue path.
type InsufficientWalltime struct {
	Reason string
}

func (e *InsufficientWalltime) Error() string {
	if e.Reason == "" {
		return "insufficient walltime"
	}
	return "insufficient walltime: " + e.Reason
}

// TimeoutError surfaces a per-task deadline expiring when OnTimeout is
// set to "raise" rather than a callback or nil.
type TimeoutError struct {
	Fname string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task %s timed out", e.Fname)
}

// ExitCodeError wraps a nonzero subprocess exit code.
type ExitCodeError struct {
	Cmd      string
	ExitCode int
}

func (e *ExitCodeError) Error() string {
	return fmt.Sprintf("%s\nexit code: %d", e.Cmd, e.ExitCode)
}

// TaskError wraps a traceback recovered from a {fname}.error file written
// by the MPI/multiprocessing sidecar.
type TaskError struct {
	Fname     string
	Traceback string
}

func (e *TaskError) Error() string {
	return e.Traceback
}

// DispatcherConfigError is a synchronous error raised at submission time,
// e.g. nprocs not a multiple of mps.
type DispatcherConfigError struct {
	Msg string
}

func (e *DispatcherConfigError) Error() string {
	return e.Msg
}
