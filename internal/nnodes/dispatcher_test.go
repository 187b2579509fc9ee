package nnodes

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeAdapter struct {
	nnodes       int
	cpusPerNode  int
	gpusPerNode  int
	splittable   bool
	mpMax        int
	state        *JobState
	inQueue      bool
	requeueMu    sync.Mutex
	requeueCalls int
}

func (f *fakeAdapter) CPUsPerNode() int         { return f.cpusPerNode }
func (f *fakeAdapter) GPUsPerNode() int         { return f.gpusPerNode }
func (f *fakeAdapter) NodeSplittable() bool     { return f.splittable }
func (f *fakeAdapter) UseMultiprocessing() bool { return false }
func (f *fakeAdapter) NNodes() int              { return f.nnodes }
func (f *fakeAdapter) MPNprocsMax() int         { return f.mpMax }
func (f *fakeAdapter) InQueue() bool            { return f.inQueue }
func (f *fakeAdapter) Remaining() float64       { return 1000 }
func (f *fakeAdapter) MPIExec(task string, nprocs, cpusPerProc, gpusPerProc, mps int) string {
	return task
}
func (f *fakeAdapter) Requeue() error {
	f.requeueMu.Lock()
	f.requeueCalls++
	f.requeueMu.Unlock()
	return nil
}
func (f *fakeAdapter) AutoRequeue() bool { return false }
func (f *fakeAdapter) Debug() bool       { return false }
func (f *fakeAdapter) State() *JobState  { return f.state }
func (f *fakeAdapter) WriteScript(dir Directory, cmd, dst string) error { return nil }

func fakeRootCtx(nnodes int) *Context {
	adapter := &fakeAdapter{nnodes: nnodes, cpusPerNode: 4, splittable: true, mpMax: 8, state: NewJobState(time.Hour, 0)}
	r := &Root{adapter: adapter, dispatcher: NewDispatcher()}
	return NewContext(context.Background(), r)
}

func TestDispatcherAdmitsWithinCapacity(t *testing.T) {
	ctx := fakeRootCtx(4)
	d := ctx.Root.dispatcher

	t1 := d.acquire(context.Background(), ctx, FracWeight(2, 1), 0)
	if _, ok := d.running[t1]; !ok {
		t.Fatalf("expected first ticket to be admitted immediately")
	}

	t2 := d.acquire(context.Background(), ctx, FracWeight(2, 1), 0)
	if _, ok := d.running[t2]; !ok {
		t.Fatalf("expected second ticket to fit remaining capacity")
	}
}

func TestDispatcherPriorityOrdering(t *testing.T) {
	ctx := fakeRootCtx(1)
	d := ctx.Root.dispatcher

	// Consume all capacity so subsequent acquires block.
	holder := d.acquire(context.Background(), ctx, FracWeight(1, 1), 0)

	var mu sync.Mutex
	var admitOrder []string

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		low := d.acquire(context.Background(), ctx, FracWeight(1, 1), 1)
		mu.Lock()
		admitOrder = append(admitOrder, "low")
		mu.Unlock()
		d.release(ctx, low)
	}()

	time.Sleep(20 * time.Millisecond) // ensure "low" enqueues first

	go func() {
		defer wg.Done()
		high := d.acquire(context.Background(), ctx, FracWeight(1, 1), 5)
		mu.Lock()
		admitOrder = append(admitOrder, "high")
		mu.Unlock()
		d.release(ctx, high)
	}()

	time.Sleep(20 * time.Millisecond) // ensure "high" is pending before release
	d.release(ctx, holder)
	wg.Wait()

	if len(admitOrder) != 2 || admitOrder[0] != "high" {
		t.Fatalf("expected higher-priority ticket admitted first, got %v", admitOrder)
	}
}

func TestComputeWeightNonSplittableCeils(t *testing.T) {
	ctx := fakeRootCtx(4)
	ctx.Root.adapter.(*fakeAdapter).splittable = false

	p := &MPIExecParams{CPUsPerProc: 1}
	w, err := computeWeight(ctx, p, 3)
	if err != nil {
		t.Fatalf("computeWeight: %v", err)
	}
	if w.Float() != 1 {
		t.Fatalf("expected ceil(3/4)=1 node, got %v", w.Float())
	}
}

func TestComputeWeightMPSMismatchErrors(t *testing.T) {
	ctx := fakeRootCtx(4)
	p := &MPIExecParams{CPUsPerProc: 1, MPS: 3}
	if _, err := computeWeight(ctx, p, 4); err == nil {
		t.Fatalf("expected DispatcherConfigError for non-multiple nprocs/mps")
	}
}

func TestSplitargsChunksStably(t *testing.T) {
	items := []int{5, 3, 1, 4, 2}
	chunks := splitargs(items, 3, func(a, b int) bool { return a < b })
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	var total int
	for _, c := range chunks {
		total += len(c)
	}
	if total != len(items) {
		t.Fatalf("expected all %d items distributed, got %d", len(items), total)
	}
}

func TestSplitargsReducesTrailingEmptyChunk(t *testing.T) {
	items := []int{1, 2, 3, 4}
	chunks := splitargs(items, 3, nil)
	if len(chunks) != 2 {
		t.Fatalf("expected nprocs reduced from 3 to 2 to avoid an empty final chunk, got %d chunks: %v", len(chunks), chunks)
	}
	for _, c := range chunks {
		if len(c) == 0 {
			t.Fatalf("expected no empty chunk, got %v", chunks)
		}
	}
}

func TestReduceNprocsForChunksMatchesSplitargs(t *testing.T) {
	if got := reduceNprocsForChunks(4, 3); got != 2 {
		t.Fatalf("expected reduceNprocsForChunks(4, 3) = 2, got %d", got)
	}
	if got := reduceNprocsForChunks(5, 3); got != 3 {
		t.Fatalf("expected reduceNprocsForChunks(5, 3) = 3 (no reduction needed), got %d", got)
	}
}

func TestComputeWeightUsesReducedNprocs(t *testing.T) {
	ctx := fakeRootCtx(4)
	p := &MPIExecParams{CPUsPerProc: 1}

	naive, err := computeWeight(ctx, p, 3)
	if err != nil {
		t.Fatalf("computeWeight(naive): %v", err)
	}

	reduced := reduceNprocsForChunks(4, 3)
	corrected, err := computeWeight(ctx, p, reduced)
	if err != nil {
		t.Fatalf("computeWeight(corrected): %v", err)
	}

	if naive.Cmp(corrected) == 0 {
		t.Fatalf("expected weight computed on the un-reduced nprocs=3 to differ from the corrected nprocs=%d, got equal weights", reduced)
	}
	if corrected.Float() != 0.5 {
		t.Fatalf("expected 2 ranks * 1 cpu / 4 cpus-per-node = 0.5, got %v", corrected.Float())
	}
}
