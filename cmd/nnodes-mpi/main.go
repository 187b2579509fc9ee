// Command nnodes-mpi is the sidecar a Dispatcher MPI/multiprocessing
// submission launches: it reads {fname}.pickle, resolves the registered
// task, reconstructs this rank's argument list, and invokes it. Rank
// identity comes from the launcher's environment (OMPI_COMM_WORLD_RANK/
// SIZE, falling back to PMI_RANK/PMI_SIZE) since no Go MPI binding is
// linked in — no collective communication is needed here, only identity,
// so this is a faithful substitute for mpi4py's COMM_WORLD.Get_rank().
// With "-mp N" the process instead fans out N local goroutines, one per
// simulated rank, mirroring the original tool's multiprocessing pool path.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/swarmguard/nnodes/examples/hello"
	"github.com/swarmguard/nnodes/internal/logging"
	"github.com/swarmguard/nnodes/internal/nnodes"
)

type payload struct {
	Task        nnodes.TaskRef `msgpack:"task"`
	Args        []any          `msgpack:"args"`
	PerRankArgs [][]any        `msgpack:"per_rank_args"`
	GroupArg    bool           `msgpack:"group_arg"`
}

// importing hello triggers its init(), which registers the task
// functions and adapters this sidecar needs to resolve.
var _ = hello.Build

func main() {
	logging.Init("nnodes-mpi")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: nnodes-mpi <fname> [-mp N]")
		os.Exit(1)
	}
	fname := os.Args[1]

	mpSize := 0
	for i := 2; i < len(os.Args)-1; i++ {
		if os.Args[i] == "-mp" {
			mpSize, _ = strconv.Atoi(os.Args[i+1])
		}
	}

	dir := nnodes.NewDirectory(filepath.Dir(fname))
	stem := filepath.Base(fname)

	b, err := os.ReadFile(fname + ".pickle")
	if err != nil {
		fail(dir, stem, err)
	}
	var p payload
	if err := msgpack.Unmarshal(b, &p); err != nil {
		fail(dir, stem, err)
	}

	fn, err := nnodes.DefaultRegistry().ResolveTask(p.Task)
	if err != nil {
		fail(dir, stem, err)
	}

	ctx := nnodes.NewContext(context.Background(), nil)

	if mpSize > 0 {
		runLocalPool(ctx, dir, stem, fn, p, mpSize)
		return
	}

	rank, size := mpiRankSize()
	ws := nnodes.MPIWorkspace{Directory: dir, Rank: rank, Size: size}
	args := rankArgs(p, rank)
	if err := invoke(ctx, ws, fn, args); err != nil {
		fail(dir, stem, err)
	}
}

func rankArgs(p payload, rank int) []any {
	var args []any
	args = append(args, p.Args...)
	if rank < len(p.PerRankArgs) {
		if p.GroupArg {
			args = append(args, p.PerRankArgs[rank])
		} else {
			args = append(args, p.PerRankArgs[rank]...)
		}
	}
	return args
}

func invoke(ctx *nnodes.Context, ws nnodes.MPIWorkspace, fn nnodes.TaskFunc, args []any) error {
	node := nnodes.NewMPINode(ws.Directory)
	return fn(ctx, node, args)
}

func runLocalPool(ctx *nnodes.Context, dir nnodes.Directory, stem string, fn nnodes.TaskFunc, p payload, n int) {
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			ws := nnodes.MPIWorkspace{Directory: dir, Rank: rank, Size: n}
			errs[rank] = invoke(ctx, ws, fn, rankArgs(p, rank))
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			fail(dir, stem, err)
		}
	}
}

func mpiRankSize() (int, int) {
	if r, ok := os.LookupEnv("OMPI_COMM_WORLD_RANK"); ok {
		rank, _ := strconv.Atoi(r)
		size, _ := strconv.Atoi(os.Getenv("OMPI_COMM_WORLD_SIZE"))
		return rank, size
	}
	if r, ok := os.LookupEnv("PMI_RANK"); ok {
		rank, _ := strconv.Atoi(r)
		size, _ := strconv.Atoi(os.Getenv("PMI_SIZE"))
		return rank, size
	}
	return 0, 1
}

func fail(dir nnodes.Directory, stem string, err error) {
	_ = dir.Write(err.Error()+"\n", stem+".error", "a")
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
