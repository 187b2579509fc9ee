// Package adapters implements the ClusterAdapter variants: LSF/Summit,
// Slurm/Tiger/Traverse/DTN, Local, and LocalMPI. Each differs only in
// its hardware constants and command-string templates; the Dispatcher
// and the node engine are oblivious to which one is active.
package adapters

import (
	"context"
	"fmt"
	"time"

	"github.com/swarmguard/nnodes/internal/nnodes"
	"github.com/swarmguard/nnodes/internal/resilience"
)

// Base holds the fields and launch-breaker wiring shared by every
// scheduler-backed variant. Embed it and override the template methods
// a concrete adapter needs.
type Base struct {
	nodeCount       int
	cpusNode        int
	gpusNode        int
	account         string
	debug           bool
	splittable      bool
	multiproc       bool
	mpMax           int
	autoReq         bool
	walltimeMinutes float64

	state   *nnodes.JobState
	breaker *resilience.LaunchBreaker
	limiter *resilience.HybridRateLimiter
}

func newBase(cfg map[string]any, state *nnodes.JobState) Base {
	b := Base{
		nodeCount:       intOf(cfg["nnodes"], 1),
		cpusNode:        intOf(cfg["cpus_per_node"], 0),
		gpusNode:        intOf(cfg["gpus_per_node"], 0),
		account:         stringOf(cfg["account"]),
		debug:           boolOf(cfg["debug"]),
		mpMax:           intOf(cfg["mp_nprocs_max"], 0),
		walltimeMinutes: floatOf(cfg["walltime"], 60),
		autoReq:         true,
		state:           state,
		breaker:         resilience.NewLaunchBreaker(time.Minute, 6, 5, 0.5, 30*time.Second),
		limiter:         resilience.NewHybridRateLimiter(8, 4, 32, 50*time.Millisecond),
	}
	return b
}

func intOf(v any, def int) int {
	switch x := v.(type) {
	case int:
		return x
	case int64:
		return int(x)
	case float64:
		return int(x)
	}
	return def
}

func floatOf(v any, def float64) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case int:
		return float64(x)
	case int64:
		return float64(x)
	}
	return def
}

func stringOf(v any) string {
	s, _ := v.(string)
	return s
}

func boolOf(v any) bool {
	b, _ := v.(bool)
	return b
}

func (b *Base) CPUsPerNode() int         { return b.cpusNode }
func (b *Base) GPUsPerNode() int         { return b.gpusNode }
func (b *Base) NodeSplittable() bool     { return b.splittable }
func (b *Base) UseMultiprocessing() bool { return b.multiproc }
func (b *Base) NNodes() int              { return b.nodeCount }
func (b *Base) MPNprocsMax() int         { return b.mpMax }
func (b *Base) Debug() bool              { return b.debug }
func (b *Base) AutoRequeue() bool        { return b.autoReq }
func (b *Base) State() *nnodes.JobState  { return b.state }

// Remaining returns walltime minutes left, pinned at zero once exhausted.
func (b *Base) Remaining() float64 {
	left := b.state.Remaining()
	if left < 0 {
		return 0
	}
	return left
}

// launch runs a command renderer through the shared rate limiter and
// launch breaker: the limiter smooths a burst of renders down to a
// sustained rate, and the breaker refuses renders once recorded results
// fail back-to-back. The breaker records only whether render returned an
// error; the command itself runs later in the Dispatcher and its outcome
// is not reported here. When launch returns an error, each adapter's
// MPIExec returns the task command without the launcher prefix.
func (b *Base) launch(render func() (string, error)) (string, error) {
	if err := b.limiter.AllowOrWait(context.Background()); err != nil {
		return "", fmt.Errorf("adapters: launch rate limited: %w", err)
	}
	if !b.breaker.Allow() {
		return "", fmt.Errorf("adapters: launch breaker open, scheduler launch suppressed")
	}
	cmd, err := render()
	b.breaker.RecordResult(err == nil)
	return cmd, err
}
