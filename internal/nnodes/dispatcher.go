package nnodes

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OnTimeoutKind tags the {raise | callback | nil} variant for §4.4.5.
type OnTimeoutKind int

const (
	OnTimeoutNone OnTimeoutKind = iota
	OnTimeoutRaise
	OnTimeoutCallback
)

type OnTimeout struct {
	Kind     OnTimeoutKind
	Callback func()
}

// TimeoutSpec tags the {none | auto | numeric-minutes} variant for the
// submission timeout.
type TimeoutKind int

const (
	TimeoutNone TimeoutKind = iota
	TimeoutAuto
	TimeoutMinutes
)

type TimeoutSpec struct {
	Kind    TimeoutKind
	Minutes float64
}

// CheckOutputKind/CheckOutput tag the {0-arg | 1-arg | 2-arg} variant for
// §4.4.6, avoiding reflection-based arity dispatch.
type CheckOutputKind int

const (
	CheckOutputNone CheckOutputKind = iota
	CheckOutputNoArgs
	CheckOutputStdout
	CheckOutputBoth
)

type CheckOutput struct {
	Kind   CheckOutputKind
	Func0  func() error
	Func1  func(stdout string) error
	Func2  func(stdout, stderr string) error
}

// MPIExecParams is the Dispatcher's single submission request, mirroring
// the original tool's mpiexec(...) call signature.
type MPIExecParams struct {
	Task               Task
	Nprocs             int
	NprocsFunc         func(d Directory) int
	CPUsPerProc        int
	GPUsPerProc        int
	MPS                int
	Fname              string
	Args               []any
	MPIArg             []any
	MPIArgLess         func(a, b any) bool
	GroupMPIArg        bool
	CheckOutput        CheckOutput
	UseMultiprocessing bool
	Timeout            TimeoutSpec
	OnTimeout          OnTimeout
	Priority           int
	Dir                Directory
}

// ticket is the admission-control unit: a unique pointer identity (the
// direct analogue of the original's throwaway asyncio.Lock used purely
// as a hashable ticket) plus a release channel closed on admission.
type ticket struct {
	weight   Weight
	priority int
	seq      int
	release  chan struct{}
}

// Dispatcher is the process-wide admission controller for MPI and
// multiprocessing tasks: pending/running maps keyed by ticket identity,
// priority-aware greedy admission on release.
type Dispatcher struct {
	mu      sync.Mutex
	pending map[*ticket]struct{}
	running map[*ticket]struct{}
	seq     int

	runningWeightGauge metric.Int64Gauge
	pendingGauge       metric.Int64Gauge
}

func NewDispatcher() *Dispatcher {
	meter := otel.Meter("nnodes")
	runningGauge, _ := meter.Int64Gauge("nnodes_dispatcher_running_weight_milli")
	pendingGauge, _ := meter.Int64Gauge("nnodes_dispatcher_pending_total")
	return &Dispatcher{
		pending:            make(map[*ticket]struct{}),
		running:            make(map[*ticket]struct{}),
		runningWeightGauge: runningGauge,
		pendingGauge:       pendingGauge,
	}
}

// capacity returns the pool size for the given weight kind.
func (d *Dispatcher) capacity(ctx *Context, mp bool) Weight {
	if mp {
		return IntWeight(ctx.Root.adapter.MPNprocsMax())
	}
	return FracWeight(int64(ctx.Root.adapter.NNodes()), 1)
}

func (d *Dispatcher) runningSum(mp bool) Weight {
	sum := Weight{Multiprocessing: mp, Den: 1}
	for t := range d.running {
		if t.weight.Multiprocessing == mp {
			sum = sum.Add(t.weight)
		}
	}
	return sum
}

// dispatch implements §4.4.2's admit(w) rule: admitted if running (of the
// same kind) is empty, or w fits in the remaining capacity.
func (d *Dispatcher) dispatch(ctx *Context, t *ticket) bool {
	capacity := d.capacity(ctx, t.weight.Multiprocessing)
	running := d.runningSum(t.weight.Multiprocessing)

	empty := true
	for o := range d.running {
		if o.weight.Multiprocessing == t.weight.Multiprocessing {
			empty = false
			break
		}
	}

	if empty || t.weight.LessEq(capacity.Sub(running)) {
		d.running[t] = struct{}{}
		return true
	}
	return false
}

// acquire blocks (via the ticket's release channel) until admitted.
func (d *Dispatcher) acquire(ctx context.Context, rootCtx *Context, weight Weight, priority int) *ticket {
	d.mu.Lock()
	t := &ticket{weight: weight, priority: priority, seq: d.seq, release: make(chan struct{})}
	d.seq++
	admitted := d.dispatch(rootCtx, t)
	if !admitted {
		d.pending[t] = struct{}{}
	}
	d.reportMetrics()
	d.mu.Unlock()

	if admitted {
		return t
	}

	select {
	case <-t.release:
	case <-ctx.Done():
	}
	return t
}

// release frees t and admits pending tickets greedily by (priority desc,
// weight desc, insertion order) — the scalar composite key
// priority*maxPendingWeight + weight reproduces that ordering without a
// multi-key sort.
func (d *Dispatcher) release(rootCtx *Context, t *ticket) {
	d.mu.Lock()
	delete(d.running, t)
	delete(d.pending, t)

	if len(d.pending) > 0 {
		maxWeight := int64(0)
		for p := range d.pending {
			if p.weight.Num > maxWeight {
				maxWeight = p.weight.Num
			}
		}
		if maxWeight == 0 {
			maxWeight = 1
		}

		candidates := make([]*ticket, 0, len(d.pending))
		for p := range d.pending {
			candidates = append(candidates, p)
		}
		sort.Slice(candidates, func(i, j int) bool {
			ki := float64(candidates[i].priority)*float64(maxWeight) + candidates[i].weight.Float()
			kj := float64(candidates[j].priority)*float64(maxWeight) + candidates[j].weight.Float()
			if ki != kj {
				return ki > kj
			}
			return candidates[i].seq < candidates[j].seq
		})

		for _, p := range candidates {
			if _, stillPending := d.pending[p]; !stillPending {
				continue
			}
			if d.dispatch(rootCtx, p) {
				delete(d.pending, p)
				close(p.release)
			}
		}
	}
	d.reportMetrics()
	d.mu.Unlock()
}

func (d *Dispatcher) reportMetrics() {
	ctx := context.Background()
	if d.runningWeightGauge != nil {
		var milli int64
		for t := range d.running {
			milli += int64(t.weight.Float() * 1000)
		}
		d.runningWeightGauge.Record(ctx, milli)
	}
	if d.pendingGauge != nil {
		d.pendingGauge.Record(ctx, int64(len(d.pending)))
	}
}

// computeWeight implements §4.4.1.
func computeWeight(ctx *Context, p *MPIExecParams, nprocs int) (Weight, error) {
	if p.UseMultiprocessing {
		return IntWeight(nprocs), nil
	}

	adapter := ctx.Root.adapter
	w := FracWeight(int64(nprocs*p.CPUsPerProc), int64(adapter.CPUsPerNode()))

	if p.MPS > 0 {
		if nprocs%p.MPS != 0 {
			return Weight{}, &DispatcherConfigError{Msg: fmt.Sprintf("nprocs must be a multiple of mps (%d, %d)", nprocs, p.MPS)}
		}
		mpsWeight := FracWeight(int64(nprocs/p.MPS), int64(adapter.GPUsPerNode()))
		if mpsWeight.Cmp(w) > 0 {
			w = mpsWeight
		}
	} else if p.GPUsPerProc > 0 {
		gpuWeight := FracWeight(int64(nprocs*p.GPUsPerProc), int64(adapter.GPUsPerNode()))
		if gpuWeight.Cmp(w) > 0 {
			w = gpuWeight
		}
	}

	if !adapter.NodeSplittable() {
		ceiled := int64(math.Ceil(w.Float()))
		w = FracWeight(ceiled, 1)
	}
	return w, nil
}

// reduceNprocsForChunks returns the number of ranks splitargs will
// actually produce for n items requested over nprocs ranks: if the last
// chunk would be empty, nprocs is reduced accordingly rather than handing
// out a trailing empty slice.
func reduceNprocsForChunks(n, nprocs int) int {
	if nprocs <= 1 || n == 0 {
		return nprocs
	}
	chunk := int(math.Ceil(float64(n) / float64(nprocs)))
	if chunk == 0 {
		chunk = 1
	}
	reduced := int(math.Ceil(float64(n) / float64(chunk)))
	if reduced < 1 {
		reduced = 1
	}
	if reduced > nprocs {
		reduced = nprocs
	}
	return reduced
}

// splitargs sorts mpiarg (stable) and chunks it into nprocs contiguous
// pieces, matching §4.4.3. If the last chunk would be empty, nprocs is
// reduced accordingly so every returned chunk holds at least one item.
func splitargs[T any](mpiarg []T, nprocs int, less func(a, b T) bool) [][]T {
	sorted := append([]T(nil), mpiarg...)
	if less != nil {
		sort.SliceStable(sorted, func(i, j int) bool { return less(sorted[i], sorted[j]) })
	}
	nprocs = reduceNprocsForChunks(len(sorted), nprocs)
	chunk := int(math.Ceil(float64(len(sorted)) / float64(nprocs)))
	if chunk == 0 {
		chunk = 1
	}
	out := make([][]T, 0, nprocs)
	for i := 0; i < nprocs-1; i++ {
		lo, hi := i*chunk, (i+1)*chunk
		if lo > len(sorted) {
			lo = len(sorted)
		}
		if hi > len(sorted) {
			hi = len(sorted)
		}
		out = append(out, sorted[lo:hi])
	}
	lo := (nprocs - 1) * chunk
	if lo > len(sorted) {
		lo = len(sorted)
	}
	out = append(out, sorted[lo:])
	return out
}

// mpiPayload is what gets msgpack-serialized to {fname}.pickle for the
// MPI/multiprocessing sidecar to consume.
type mpiPayload struct {
	Task        TaskRef `msgpack:"task"`
	Args        []any   `msgpack:"args"`
	PerRankArgs [][]any `msgpack:"per_rank_args"`
	GroupArg    bool    `msgpack:"group_arg"`
}

// uniqueFname implements the {fname}.log collision-avoidance rule.
func uniqueFname(dir Directory, fname string) string {
	if !dir.Has(fname + ".log") {
		return fname
	}
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s#%d", fname, i)
		if !dir.Has(candidate + ".log") {
			return candidate
		}
	}
}

// Submit schedules an MPI/multiprocessing task: computes its weight,
// blocks for admission, launches the command, and enforces the timeout
// and error-classification rules. Returns the file stem used for logs.
func (d *Dispatcher) Submit(ctx *Context, p MPIExecParams) (string, error) {
	nprocs := p.Nprocs
	if p.NprocsFunc != nil {
		nprocs = p.NprocsFunc(p.Dir)
	}
	if len(p.MPIArg) > 0 {
		nprocs = reduceNprocsForChunks(len(p.MPIArg), nprocs)
	}

	weight, err := computeWeight(ctx, &p, nprocs)
	if err != nil {
		return "", err
	}

	t := d.acquire(ctx.Context, ctx, weight, p.Priority)
	defer d.release(ctx, t)

	now := time.Now()
	_ = now // Submit has no Node reference and records no dispatch time

	fname := p.Fname
	if fname == "" {
		fname = "mpiexec"
	}
	fname = uniqueFname(p.Dir, fname)

	launchCmd, cleanupErr := d.buildLaunchCommand(ctx, &p, nprocs, fname)
	if cleanupErr != nil {
		return fname, cleanupErr
	}

	if err := p.Dir.Write(launchCmd+"\n", fname+".log", ""); err != nil {
		return fname, err
	}

	start := time.Now()
	walltimeOut := false
	timeoutCtx, cancel := d.resolveTimeout(ctx, &p, &walltimeOut)
	defer cancel()

	runErr := d.runCommand(timeoutCtx, p.Dir, launchCmd, fname)

	if timeoutCtx.Err() == context.DeadlineExceeded {
		if walltimeOut {
			return fname, &InsufficientWalltime{Reason: fmt.Sprintf("task %s exceeded remaining walltime", fname)}
		}
		if p.OnTimeout.Kind == OnTimeoutRaise {
			return fname, &TimeoutError{Fname: fname}
		}
		if p.OnTimeout.Kind == OnTimeoutCallback && p.OnTimeout.Callback != nil {
			p.OnTimeout.Callback()
			runErr = nil
		}
	}

	_ = p.Dir.Write(fmt.Sprintf("\nelapsed: %s\n", time.Since(start).Round(time.Second)), fname+".log", "a")

	if p.Dir.Has(fname + ".error") {
		tb, _ := p.Dir.Read(fname + ".error")
		return fname, &TaskError{Fname: fname, Traceback: tb}
	}

	if runErr != nil {
		return fname, runErr
	}

	if err := d.postProcess(p.CheckOutput, p.Dir, fname); err != nil {
		return fname, err
	}

	return fname, nil
}

func (d *Dispatcher) buildLaunchCommand(ctx *Context, p *MPIExecParams, nprocs int, fname string) (string, error) {
	adapter := ctx.Root.adapter

	if p.Task.Kind == TaskCallable || p.Task.Kind == TaskImport || p.UseMultiprocessing {
		var perRank [][]any
		if len(p.MPIArg) > 0 {
			chunks := splitargs(p.MPIArg, nprocs, p.MPIArgLess)
			perRank = make([][]any, len(chunks))
			// GroupArg in the payload tells the sidecar whether to pass
			// each rank's chunk as one list argument or spread it.
			for i, c := range chunks {
				perRank[i] = append([]any(nil), c...)
			}
		}

		_ = p.Dir.Rm(fname + ".*")
		payload := mpiPayload{Task: p.Task.Ref, Args: p.Args, PerRankArgs: perRank, GroupArg: p.GroupMPIArg}
		b, err := msgpack.Marshal(payload)
		if err != nil {
			return "", err
		}
		if err := p.Dir.writeBytes(b, fname+".pickle"); err != nil {
			return "", err
		}

		sidecarCmd := fmt.Sprintf("nnodes-mpi %s", p.Dir.Path(fname))
		if p.UseMultiprocessing {
			return fmt.Sprintf("%s -mp %d", sidecarCmd, nprocs), nil
		}
		return adapter.MPIExec(sidecarCmd, nprocs, p.CPUsPerProc, p.GPUsPerProc, p.MPS), nil
	}

	return adapter.MPIExec(p.Task.Shell, nprocs, p.CPUsPerProc, p.GPUsPerProc, p.MPS), nil
}

func (d *Dispatcher) resolveTimeout(ctx *Context, p *MPIExecParams, walltimeOut *bool) (context.Context, context.CancelFunc) {
	switch p.Timeout.Kind {
	case TimeoutAuto:
		if ctx.Root.adapter.InQueue() {
			*walltimeOut = true
			minutes := ctx.Root.adapter.Remaining()
			return context.WithTimeout(ctx.Context, time.Duration(minutes*float64(time.Minute)))
		}
		return context.WithCancel(ctx.Context)
	case TimeoutMinutes:
		return context.WithTimeout(ctx.Context, time.Duration(p.Timeout.Minutes*float64(time.Minute)))
	default:
		return context.WithCancel(ctx.Context)
	}
}

func (d *Dispatcher) runCommand(ctx context.Context, dir Directory, cmd, fname string) error {
	stdout, err := os.OpenFile(dir.Path(fname+".stdout"), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer stdout.Close()
	stderr, err := os.OpenFile(dir.Path(fname+".stderr"), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer stderr.Close()

	c := exec.CommandContext(ctx, "sh", "-c", cmd)
	c.Dir = dir.root
	c.Stdout = stdout
	c.Stderr = stderr

	runErr := c.Run()
	if runErr != nil && ctx.Err() == context.DeadlineExceeded {
		return nil // timeout branch in Submit handles classification
	}
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		return &ExitCodeError{Cmd: cmd, ExitCode: exitErr.ExitCode()}
	}
	return runErr
}

func (d *Dispatcher) postProcess(co CheckOutput, dir Directory, fname string) error {
	switch co.Kind {
	case CheckOutputNoArgs:
		return co.Func0()
	case CheckOutputStdout:
		out, _ := dir.Read(fname + ".stdout")
		return co.Func1(out)
	case CheckOutputBoth:
		out, _ := dir.Read(fname + ".stdout")
		errOut, _ := dir.Read(fname + ".stderr")
		return co.Func2(out, errOut)
	default:
		return nil
	}
}
