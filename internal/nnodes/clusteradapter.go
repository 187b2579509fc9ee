package nnodes

// Weight represents the resource a pending or running task consumes: a
// rational node-count for MPI tasks, or an integer process-count for
// multiprocessing tasks. The two kinds are accounted independently by
// the Dispatcher and never compared against each other.
type Weight struct {
	// Multiprocessing holds true when this weight counts processes
	// against MPNprocsMax rather than fractional nodes against NNodes.
	Multiprocessing bool

	// Num/Den express the fractional node count (Den==1 for an integer
	// weight); kept as a plain rational pair rather than math/big.Rat so
	// Weight stays a comparable, zero-alloc value type.
	Num, Den int64
}

func IntWeight(n int) Weight { return Weight{Multiprocessing: true, Num: int64(n), Den: 1} }

func FracWeight(num, den int64) Weight {
	if den == 0 {
		den = 1
	}
	return Weight{Num: num, Den: den}
}

// Float returns the weight as a float64 for display/logging only;
// admission math uses the exact rational form in dispatcher.go.
func (w Weight) Float() float64 {
	return float64(w.Num) / float64(w.Den)
}

// Cmp compares two weights of the same kind: -1, 0, 1.
func (w Weight) Cmp(o Weight) int {
	l := w.Num * o.Den
	r := o.Num * w.Den
	switch {
	case l < r:
		return -1
	case l > r:
		return 1
	default:
		return 0
	}
}

func (w Weight) Add(o Weight) Weight {
	return Weight{Multiprocessing: w.Multiprocessing, Num: w.Num*o.Den + o.Num*w.Den, Den: w.Den * o.Den}
}

func (w Weight) Sub(o Weight) Weight {
	return Weight{Multiprocessing: w.Multiprocessing, Num: w.Num*o.Den - o.Num*w.Den, Den: w.Den * o.Den}
}

func (w Weight) LessEq(o Weight) bool { return w.Cmp(o) <= 0 }

// ClusterAdapter is the strategy object for one scheduler's launch and
// requeue conventions plus its hardware constants. Every variant
// (LSF/Summit, Slurm/Tiger/Traverse/DTN, Local, LocalMPI) implements this
// same interface; the Dispatcher and engine are oblivious to which one
// is in play.
type ClusterAdapter interface {
	CPUsPerNode() int
	GPUsPerNode() int

	// NodeSplittable reports whether a single physical node may host
	// multiple MPI tasks simultaneously.
	NodeSplittable() bool

	// UseMultiprocessing reports whether tasks submit via a local
	// process pool instead of MPI.
	UseMultiprocessing() bool

	NNodes() int
	MPNprocsMax() int

	// InQueue reports whether the driver is running inside a scheduler
	// allocation (enables requeue and auto-timeout).
	InQueue() bool

	// Remaining returns minutes of walltime left.
	Remaining() float64

	// MPIExec renders the concrete launch command wrapping task.
	MPIExec(task string, nprocs, cpusPerProc, gpusPerProc int, mps int) string

	// Requeue resubmits the current allocation. Only meaningful when
	// InQueue() is true.
	Requeue() error

	// AutoRequeue reports whether this adapter permits Root to requeue
	// automatically after a failed, non-aborted, non-debug run.
	AutoRequeue() bool

	Debug() bool

	// State returns the shared JobState this adapter's Remaining/InQueue
	// computations are anchored to.
	State() *JobState

	// WriteScript renders a scheduler submission script invoking cmd and
	// writes it as job.sh/job.bash under dst — this is what nnmk calls.
	WriteScript(dir Directory, cmd, dst string) error
}
