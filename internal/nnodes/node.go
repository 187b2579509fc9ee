package nnodes

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/nnodes/internal/otelinit"
)

// ProberFunc produces a progress indicator for status rendering: a
// string is shown verbatim, a float64 is shown as a percentage, nil
// falls back to the default "(running - elapsed)" rendering.
type ProberFunc func(n *Node) any

var reservedFields = map[string]bool{
	"cwd": true, "task": true, "args": true, "name": true, "concurrent": true,
	"prober": true, "retry": true, "retryDelay": true, "init": true, "data": true,
	"children": true, "parent": true, "startTime": true, "dispatchTime": true,
	"endTime": true, "err": true, "isMpi": true,
}

// Node is a directory coupled to an optional task, an ordered child
// list, and execution metadata. It is the recursive unit of both the
// filesystem layout and the execution tree.
type Node struct {
	Directory

	mu sync.Mutex

	name string

	task         Task
	args         []any
	explicitArgs bool

	concurrent bool
	prober     ProberFunc

	retry      *int
	retryDelay time.Duration

	init map[string]any
	data map[string]any

	children []*Node
	parent   *Node

	startTime    *time.Time
	dispatchTime *time.Time
	endTime      *time.Time
	err          error

	isMPI bool

	batch *childBatch
}

// NodeOption configures a Node at construction via Add/AddMPI.
type NodeOption func(*Node)

func WithName(name string) NodeOption { return func(n *Node) { n.name = name } }

func WithTaskFunc(fn TaskFunc) NodeOption {
	return func(n *Node) { n.task = Task{Kind: TaskCallable, Func: fn} }
}

func WithTaskImport(module, symbol string) NodeOption {
	return func(n *Node) { n.task = Task{Kind: TaskImport, Ref: TaskRef{Module: module, Symbol: symbol}} }
}

func WithTaskShell(cmd string) NodeOption {
	return func(n *Node) { n.task = Task{Kind: TaskShell, Shell: cmd} }
}

func WithArgs(args ...any) NodeOption {
	return func(n *Node) { n.args = args; n.explicitArgs = true }
}

func WithConcurrent(v bool) NodeOption { return func(n *Node) { n.concurrent = v } }

func WithProber(p ProberFunc) NodeOption { return func(n *Node) { n.prober = p } }

func WithRetry(retry int) NodeOption { return func(n *Node) { n.retry = &retry } }

func WithRetryDelay(d time.Duration) NodeOption { return func(n *Node) { n.retryDelay = d } }

func WithInit(key string, val any) NodeOption {
	return func(n *Node) {
		if n.init == nil {
			n.init = map[string]any{}
		}
		n.init[key] = val
	}
}

// childBatch is the append-only registry of async handles spawned during
// a concurrent executeChildren pass, draining dynamically-inserted
// children alongside the original batch (design note: "mid-execution
// tree mutation").
type childBatch struct {
	mu      sync.Mutex
	handles []chan struct{}
}

func (b *childBatch) spawn(ctx *Context, c *Node) {
	done := make(chan struct{})
	b.mu.Lock()
	b.handles = append(b.handles, done)
	b.mu.Unlock()

	go func() {
		defer close(done)
		_ = c.Execute(ctx)
	}()
}

func (b *childBatch) drain() {
	i := 0
	for {
		b.mu.Lock()
		if i >= len(b.handles) {
			b.mu.Unlock()
			return
		}
		h := b.handles[i]
		b.mu.Unlock()
		<-h
		i++
	}
}

// newRootNode constructs the unparented root anchor; Root wraps this.
func newRootNode(dir Directory) *Node {
	return &Node{Directory: dir, init: map[string]any{}, data: map[string]any{}}
}

// NewMPINode builds a standalone Node anchored at dir, with no parent
// and no Root — the degenerate node identity the MPI/multiprocessing
// sidecar passes to a task body, since the sidecar process never builds
// the full tree.
func NewMPINode(dir Directory) *Node {
	return newRootNode(dir)
}

func newChildNode(parent *Node, cwd string, opts ...NodeOption) *Node {
	dir := parent.Directory
	if cwd != "" && cwd != "." {
		dir = parent.Directory.Subdir(cwd)
	}
	n := &Node{
		Directory: dir,
		parent:    parent,
		init:      map[string]any{},
		data:      map[string]any{},
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.name == "" {
		n.name = n.deriveName(cwd)
	}
	return n
}

func (n *Node) deriveName(cwd string) string {
	switch n.task.Kind {
	case TaskImport:
		return n.task.Ref.Symbol
	case TaskShell:
		fields := strings.Fields(n.task.Shell)
		if len(fields) > 0 {
			return fields[0]
		}
	}
	if cwd != "" && cwd != "." {
		return filepath.Base(cwd)
	}
	return filepath.Base(n.Directory.root)
}

// Add appends a new child under cwd (relative to this node's directory;
// "." keeps the same directory). If this node's executeChildren is
// currently running a concurrent batch, the child is scheduled
// immediately and joined before the parent returns; otherwise it is
// picked up by the ordinary traversal.
func (n *Node) Add(ctx *Context, cwd string, opts ...NodeOption) *Node {
	n.mu.Lock()
	child := newChildNode(n, cwd, opts...)
	n.children = append(n.children, child)
	batch := n.batch
	n.mu.Unlock()

	if err := child.Mkdir(); err != nil {
		// directory creation failures surface when the child executes
		_ = err
	}

	if batch != nil {
		batch.spawn(ctx, child)
	}
	return child
}

// AddMPI behaves like Add but marks the child as an MPI node. Status
// renders such a node as "(pending)" while its dispatch time is unset;
// nothing in this package sets that time, so the child stays "(pending)"
// until it is done, failed, or the job is paused.
func (n *Node) AddMPI(ctx *Context, cwd string, opts ...NodeOption) *Node {
	child := n.Add(ctx, cwd, opts...)
	child.mu.Lock()
	child.isMPI = true
	child.mu.Unlock()
	return child
}

// Reset clears a node's execution state and children so its subtree can
// be rebuilt in place (supplemented from the original tool's node.reset).
func (n *Node) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.startTime, n.dispatchTime, n.endTime = nil, nil, nil
	n.err = nil
	n.data = map[string]any{}
	n.children = nil
}

// Attr resolves key by checking data, then init, then (unless key is a
// reserved Node field) the parent chain — the attribute-inheritance
// invariant from the data model.
func (n *Node) Attr(key string) (any, bool) {
	n.mu.Lock()
	if v, ok := n.data[key]; ok {
		n.mu.Unlock()
		return v, true
	}
	if v, ok := n.init[key]; ok {
		n.mu.Unlock()
		return v, true
	}
	parent := n.parent
	n.mu.Unlock()

	if reservedFields[key] || parent == nil {
		return nil, false
	}
	return parent.Attr(key)
}

// SetData writes to the node's mutable data map; writes always go here,
// never to init.
func (n *Node) SetData(key string, val any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.data == nil {
		n.data = map[string]any{}
	}
	n.data[key] = val
}

func (n *Node) Name() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.name
}

func (n *Node) Parent() *Node { return n.parent }

func (n *Node) Children() []*Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*Node, len(n.children))
	copy(out, n.children)
	return out
}

func (n *Node) Err() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.err
}

// Done reports endTime set on n and recursively on every child.
func (n *Node) Done() bool {
	n.mu.Lock()
	end := n.endTime
	children := append([]*Node(nil), n.children...)
	n.mu.Unlock()

	if end == nil {
		return false
	}
	for _, c := range children {
		if !c.Done() {
			return false
		}
	}
	return true
}

// Elapsed is (end - dispatch-or-start) plus the children's combined
// elapsed: max across concurrent children, sum across sequential ones.
func (n *Node) Elapsed() time.Duration {
	n.mu.Lock()
	start, dispatch, end := n.startTime, n.dispatchTime, n.endTime
	concurrent := n.concurrent
	children := append([]*Node(nil), n.children...)
	n.mu.Unlock()

	if end == nil {
		return 0
	}
	from := *end
	if dispatch != nil {
		from = *dispatch
	} else if start != nil {
		from = *start
	}
	self := end.Sub(from)

	var childTotal time.Duration
	if concurrent {
		for _, c := range children {
			if e := c.Elapsed(); e > childTotal {
				childTotal = e
			}
		}
	} else {
		for _, c := range children {
			childTotal += c.Elapsed()
		}
	}
	return self + childTotal
}

func (n *Node) resolveRetry(ctx *Context) int {
	n.mu.Lock()
	r := n.retry
	n.mu.Unlock()
	if r != nil {
		return *r
	}
	if ctx.Root != nil {
		return ctx.Root.defaultRetry
	}
	return 0
}

func (n *Node) resolveRetryDelay(ctx *Context) time.Duration {
	n.mu.Lock()
	d := n.retryDelay
	n.mu.Unlock()
	if d > 0 {
		return d
	}
	if ctx.Root != nil && ctx.Root.defaultRetryDelay > 0 {
		return ctx.Root.defaultRetryDelay
	}
	return 5 * time.Second
}

func (n *Node) bindTask(ctx *Context) (TaskFunc, []any, error) {
	n.mu.Lock()
	task := n.task
	explicit := n.explicitArgs
	args := append([]any(nil), n.args...)
	n.mu.Unlock()

	switch task.Kind {
	case TaskCallable:
		if explicit {
			return task.Func, args, nil
		}
		return task.Func, nil, nil

	case TaskImport:
		fn, err := ctx.Registry().ResolveTask(task.Ref)
		if err != nil {
			return nil, nil, err
		}
		if explicit {
			return fn, args, nil
		}
		return fn, nil, nil

	case TaskShell:
		shell := task.Shell
		return func(c *Context, nd *Node, _ []any) error {
			if err := nd.Directory.Call(c.Context, shell); err != nil {
				return &ExitCodeError{Cmd: shell, ExitCode: exitCodeOf(err)}
			}
			return nil
		}, nil, nil

	default:
		return nil, nil, nil
	}
}

func exitCodeOf(err error) int {
	type exitCoder interface{ ExitCode() int }
	var ec exitCoder
	if errors.As(err, &ec) {
		return ec.ExitCode()
	}
	return -1
}

// Execute runs this node's own task (if any), then its children,
// following the traversal discipline in full: idempotent on a done node,
// retrying per resolveRetry, classifying failure, and checkpointing at
// each state transition.
func (n *Node) Execute(ctx *Context) error {
	if n.Done() {
		return nil
	}

	runCtx, endSpan := otelinit.WithSpan(ctx.Context, "nnodes.node.execute", n.Name())
	defer endSpan()
	taskCtx := ctx.WithContext(runCtx)

	n.mu.Lock()
	prevErr := n.err
	now := time.Now()
	n.startTime = &now
	n.dispatchTime = nil
	n.endTime = nil
	n.err = nil
	n.data = map[string]any{}
	hasTask := n.task.Kind != TaskNone
	n.mu.Unlock()

	if ctx.Root != nil {
		ctx.Root.Checkpoint(taskCtx)
	}

	if hasTask {
		if err := n.runTaskWithRetry(taskCtx); err != nil {
			return n.handleFailure(taskCtx, err, prevErr)
		}
	}

	n.mu.Lock()
	end := time.Now()
	n.endTime = &end
	n.mu.Unlock()

	if ctx.Root != nil {
		ctx.Root.Checkpoint(taskCtx)
	}

	return n.executeChildren(taskCtx)
}

func (n *Node) runTaskWithRetry(ctx *Context) error {
	fn, args, err := n.bindTask(ctx)
	if err != nil {
		return err
	}
	if fn == nil {
		return nil
	}

	retry := n.resolveRetry(ctx)
	delay := n.resolveRetryDelay(ctx)

	var meter metric.Meter
	var retries, failures metric.Int64Counter
	var duration metric.Float64Histogram
	if ctx.Root != nil {
		meter = ctx.Root.meter
		retries = ctx.Root.taskRetries
		failures = ctx.Root.taskFailures
		duration = ctx.Root.taskDuration
	} else {
		meter = otel.Meter("nnodes")
	}
	_ = meter

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt <= retry; attempt++ {
		if attempt > 0 {
			fmt.Printf("  %s  (retry %d)\n", n.Name(), attempt)
			if retries != nil {
				retries.Add(ctx.Context, 1, metric.WithAttributes(attribute.String("node", n.Name())))
			}
			select {
			case <-ctx.Context.Done():
				return ctx.Context.Err()
			case <-time.After(delay):
			}
		}

		lastErr = fn(ctx, n, args)
		if lastErr == nil {
			if duration != nil {
				duration.Record(ctx.Context, float64(time.Since(start).Milliseconds()),
					metric.WithAttributes(attribute.String("node", n.Name())))
			}
			return nil
		}

		var iwt *InsufficientWalltime
		if errors.As(lastErr, &iwt) {
			return lastErr
		}
	}

	if failures != nil {
		failures.Add(ctx.Context, 1, metric.WithAttributes(attribute.String("node", n.Name())))
	}
	return lastErr
}

func (n *Node) handleFailure(ctx *Context, err error, prevErr error) error {
	var iwt *InsufficientWalltime
	if errors.As(err, &iwt) {
		if ctx.Root != nil {
			ctx.Root.signalRequeue(ctx)
		}
		return nil
	}

	n.mu.Lock()
	n.err = err
	n.startTime = nil
	n.mu.Unlock()

	debug := ctx.Root != nil && ctx.Root.adapter != nil && ctx.Root.adapter.Debug()

	if ctx.Root != nil {
		if prevErr != nil || debug {
			ctx.Root.state.SetAborted(true)
		} else {
			ctx.Root.state.SetFailed(true)
		}
		ctx.Root.Checkpoint(ctx)
	}

	return err
}

func (n *Node) jobStopped(ctx *Context) bool {
	if ctx.Root == nil {
		return false
	}
	_, failed, aborted := ctx.Root.state.Snapshot()
	return failed || aborted
}

func (n *Node) executeChildren(ctx *Context) error {
	n.mu.Lock()
	concurrent := n.concurrent
	n.mu.Unlock()

	if concurrent {
		return n.executeChildrenConcurrent(ctx)
	}
	return n.executeChildrenSequential(ctx)
}

func (n *Node) executeChildrenSequential(ctx *Context) error {
	excluded := map[*Node]bool{}
	for {
		if n.jobStopped(ctx) {
			return nil
		}

		n.mu.Lock()
		var next *Node
		for _, c := range n.children {
			if excluded[c] {
				continue
			}
			if c.Done() {
				excluded[c] = true
				continue
			}
			next = c
			break
		}
		n.mu.Unlock()

		if next == nil {
			return nil
		}
		excluded[next] = true
		if err := next.Execute(ctx); err != nil {
			return err
		}
	}
}

func (n *Node) executeChildrenConcurrent(ctx *Context) error {
	n.mu.Lock()
	batch := &childBatch{}
	n.batch = batch
	var initial []*Node
	for _, c := range n.children {
		if !c.Done() {
			initial = append(initial, c)
		}
	}
	n.mu.Unlock()

	for _, c := range initial {
		batch.spawn(ctx, c)
	}

	batch.drain()

	n.mu.Lock()
	n.batch = nil
	n.mu.Unlock()

	return nil
}
