package nnodes

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/nnodes/internal/logging"
	"github.com/swarmguard/nnodes/internal/nnodes/history"
	"github.com/swarmguard/nnodes/internal/resilience"
)

// BuildFunc (re)constructs the static tree shape under r's Node anchor.
// It must be deterministic: on resume it is called again before the
// persisted snapshot is overlaid, so the same sequence of Add/AddMPI
// calls must reproduce the same structure.
type BuildFunc func(r *Root)

// Root is the singleton anchor node: it owns JobState, the
// ClusterAdapter, the Dispatcher, persistence, and the periodic ping
// loop.
type Root struct {
	*Node

	state      *JobState
	adapter    ClusterAdapter
	dispatcher *Dispatcher
	registry   *Registry

	defaultRetry      int
	defaultRetryDelay time.Duration

	pingInterval time.Duration
	saveInterval time.Duration

	cronSched  *cron.Cron
	cronEntry  cron.EntryID
	saveSerial sync.Mutex
	lastSave   time.Time
	saveMu     sync.Mutex

	lastPing   time.Time
	lastPingMu sync.Mutex

	requeueLimiter *resilience.RequeueLimiter

	tracer       trace.Tracer
	meter        metric.Meter
	taskDuration metric.Float64Histogram
	taskRetries  metric.Int64Counter
	taskFailures metric.Int64Counter

	walltimeTimer *time.Timer

	runID   string
	history *history.Store
	log     *slog.Logger
}

// SetHistoryStore attaches a run-history index; Execute records a
// summary row to it on completion. Optional — nil by default.
func (r *Root) SetHistoryStore(s *history.Store) { r.history = s }

// NewRoot anchors a Root at path with sensible defaults; call Init
// before Execute.
func NewRoot(path string) *Root {
	dir := NewDirectory(path)
	meter := otel.Meter("nnodes")
	duration, _ := meter.Float64Histogram("nnodes_task_duration_ms")
	retries, _ := meter.Int64Counter("nnodes_task_retries_total")
	failures, _ := meter.Int64Counter("nnodes_task_failures_total")

	r := &Root{
		Node:              newRootNode(dir),
		dispatcher:        NewDispatcher(),
		registry:          DefaultRegistry(),
		defaultRetryDelay: 5 * time.Second,
		pingInterval:      60 * time.Second,
		requeueLimiter:    resilience.NewRequeueLimiter(2, 1.0/3600),
		tracer:            otel.Tracer("nnodes"),
		meter:             meter,
		taskDuration:      duration,
		taskRetries:       retries,
		taskFailures:      failures,
		log:               slog.Default(),
	}
	return r
}

// jobConfig is config.toml's [job] table.
type jobConfig struct {
	System      []string `toml:"system"`
	NNodes      int      `toml:"nnodes"`
	Walltime    float64  `toml:"walltime"`
	CPUsPerNode int      `toml:"cpus_per_node"`
	GPUsPerNode int      `toml:"gpus_per_node"`
	Account     string   `toml:"account"`
	Debug       bool     `toml:"debug"`
	Gap         float64  `toml:"gap"`
	MaxProcs    int      `toml:"mp_nprocs_max"`
}

type rootConfig struct {
	Root map[string]any `toml:"root"`
	Job  jobConfig      `toml:"job"`
}

// Init restores root.pickle if present, else loads config.toml and
// constructs the ClusterAdapter named in [job].system; either way it
// calls build to (re)establish the tree shape, then — on resume —
// overlays the persisted snapshot onto it.
func (r *Root) Init(build BuildFunc) error {
	if r.Has("root.pickle") {
		var snap rootSnapshot
		if err := r.LoadInto("root.pickle", &snap); err != nil {
			return fmt.Errorf("nnodes: restore root.pickle: %w", err)
		}

		r.init = copyAnyMap(snap.Node.Init)
		if r.init == nil {
			r.init = map[string]any{}
		}

		var walltime, gap float64
		if job, ok := r.init["_job"].(map[string]any); ok {
			walltime, _ = job["walltime"].(float64)
			gap, _ = job["gap"].(float64)
		}
		r.state = NewJobState(time.Duration(walltime*float64(time.Minute)), time.Duration(gap*float64(time.Minute)))
		r.state.Paused, r.state.Failed, r.state.Aborted = snap.Paused, snap.Failed, snap.Aborted

		adapter, err := r.adapterFromInit()
		if err != nil {
			return err
		}
		r.adapter = adapter

		build(r)
		r.Node.restore(snap.Node)
		return nil
	}

	if !r.Has("config.toml") {
		return fmt.Errorf("nnodes: neither root.pickle nor config.toml found in %s", r.Path())
	}

	var cfg rootConfig
	if _, err := toml.DecodeFile(r.Path("config.toml"), &cfg); err != nil {
		return fmt.Errorf("nnodes: decode config.toml: %w", err)
	}

	r.init = cfg.Root
	if r.init == nil {
		r.init = map[string]any{}
	}
	r.init["_job"] = map[string]any{
		"system":        cfg.Job.System,
		"nnodes":        cfg.Job.NNodes,
		"walltime":      cfg.Job.Walltime,
		"cpus_per_node": cfg.Job.CPUsPerNode,
		"gpus_per_node": cfg.Job.GPUsPerNode,
		"account":       cfg.Job.Account,
		"debug":         cfg.Job.Debug,
		"gap":           cfg.Job.Gap,
		"mp_nprocs_max": cfg.Job.MaxProcs,
	}

	r.state = NewJobState(time.Duration(cfg.Job.Walltime*float64(time.Minute)), time.Duration(cfg.Job.Gap*float64(time.Minute)))

	adapter, err := r.adapterFromInit()
	if err != nil {
		return err
	}
	r.adapter = adapter

	build(r)
	return nil
}

func (r *Root) adapterFromInit() (ClusterAdapter, error) {
	jobRaw, ok := r.init["_job"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("nnodes: missing [job] configuration")
	}
	// A fresh run stores []string; a value decoded from root.pickle is []any.
	var system []string
	switch s := jobRaw["system"].(type) {
	case []string:
		system = s
	case []any:
		for _, v := range s {
			if str, ok := v.(string); ok {
				system = append(system, str)
			}
		}
	}
	if len(system) != 2 {
		return nil, fmt.Errorf("nnodes: [job].system must be [module, symbol]")
	}
	factory, err := r.registry.ResolveAdapter(TaskRef{Module: system[0], Symbol: system[1]})
	if err != nil {
		return nil, err
	}
	return factory(jobRaw, r.state)
}

func (r *Root) Adapter() ClusterAdapter   { return r.adapter }
func (r *Root) JobState() *JobState       { return r.state }
func (r *Root) Dispatcher() *Dispatcher   { return r.dispatcher }
func (r *Root) Registry() *Registry       { return r.registry }
func (r *Root) SetDefaultRetry(n int)     { r.defaultRetry = n }
func (r *Root) SetSaveInterval(d time.Duration) { r.saveInterval = d }

// Alive reports whether the liveness ping is fresher than 70 seconds —
// the threshold status rendering uses to distinguish "running" from a
// crashed/stuck process.
func (r *Root) Alive() bool {
	r.lastPingMu.Lock()
	defer r.lastPingMu.Unlock()
	if r.lastPing.IsZero() {
		return true
	}
	return time.Since(r.lastPing) < 70*time.Second
}

// Execute runs the full job lifecycle: reset state, arm the walltime
// alarm, start the ping loop, traverse the tree, then requeue if the
// run's outcome calls for it.
func (r *Root) Execute(std context.Context) error {
	r.state.Reset()
	r.runID = uuid.NewString()
	r.log = logging.ForRun(r.log, r.runID)
	runStart := time.Now()
	r.lastPingMu.Lock()
	r.lastPing = runStart
	r.lastPingMu.Unlock()

	r.log.Info("run started", "in_queue", r.adapter.InQueue())

	ctx := NewContext(std, r)

	if r.adapter.InQueue() {
		remaining := time.Duration(r.adapter.Remaining() * float64(time.Minute))
		r.walltimeTimer = time.AfterFunc(remaining, func() { r.signal(ctx) })
		defer r.walltimeTimer.Stop()
	}

	r.startPingLoop(ctx)
	defer r.stopPingLoop()

	err := r.Node.Execute(ctx)

	r.Checkpoint(ctx)

	paused, failed, aborted := r.state.Snapshot()
	r.log.Info("run finished", "paused", paused, "failed", failed, "aborted", aborted, "elapsed", time.Since(runStart))
	if r.adapter.InQueue() && failed && !aborted && !r.adapter.Debug() && !paused && r.adapter.AutoRequeue() {
		r.requeue(ctx)
	}

	if r.history != nil {
		summary := history.RunSummary{
			RunID:   r.runID,
			Start:   runStart,
			End:     time.Now(),
			Failed:  failed,
			Aborted: aborted,
		}
		if err != nil {
			summary.Err = err.Error()
		}
		_ = r.history.Record(summary)
	}

	return err
}

// startPingLoop drives the periodic ping/checkpoint (§4.5.1) through
// robfig/cron rather than a raw sleep loop.
func (r *Root) startPingLoop(ctx *Context) {
	interval := r.pingInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	r.cronSched = cron.New(cron.WithSeconds())
	spec := fmt.Sprintf("@every %s", interval)
	id, err := r.cronSched.AddFunc(spec, func() { r.ping(ctx) })
	if err == nil {
		r.cronEntry = id
		r.cronSched.Start()
	}
}

func (r *Root) stopPingLoop() {
	if r.cronSched != nil {
		r.cronSched.Stop()
	}
}

func (r *Root) ping(ctx *Context) {
	if r.Node.Done() {
		return
	}
	r.lastPingMu.Lock()
	r.lastPing = time.Now()
	r.lastPingMu.Unlock()
	r.SetData("_ping", r.lastPing)
	r.Save(ctx)
}

// Checkpoint rate-limits full saves to saveInterval if configured.
func (r *Root) Checkpoint(ctx *Context) {
	r.saveMu.Lock()
	if r.saveInterval > 0 && time.Since(r.lastSave) < r.saveInterval {
		r.saveMu.Unlock()
		return
	}
	r.lastSave = time.Now()
	r.saveMu.Unlock()

	r.Save(ctx)
}

// Save serializes the tree to _root.pickle then atomically renames it to
// root.pickle. A save while JobState.signaled is true is a no-op so the
// outgoing process never overwrites what the requeued process will read.
func (r *Root) Save(ctx *Context) error {
	if r.state.Signaled() {
		return nil
	}

	r.saveSerial.Lock()
	defer r.saveSerial.Unlock()

	paused, failed, aborted := r.state.Snapshot()
	snap := rootSnapshot{
		Node:    r.Node.snapshot(),
		Paused:  paused,
		Failed:  failed,
		Aborted: aborted,
		Ping:    time.Now(),
	}

	if err := r.Node.Dump(snap, "_root.pickle"); err != nil {
		return err
	}
	return r.Node.Mv("_root.pickle", "root.pickle")
}

// signal is the walltime-alarm handler (§4.5.2). Both the arm-timer
// alarm and signalRequeue (an InsufficientWalltime task error) funnel
// through here with the same expiring walltime, so the Signaled() guard
// is what keeps a requeue from firing twice for one expiry, not just the
// requeueLimiter's burst allowance.
func (r *Root) signal(ctx *Context) {
	if !r.adapter.InQueue() {
		return
	}
	if r.state.Signaled() {
		return
	}
	_, _, aborted := r.state.Snapshot()
	if aborted {
		return
	}
	r.log.Warn("walltime expiring, pausing and requeuing", "remaining", r.adapter.Remaining())
	r.state.SetPaused(true)
	r.Save(ctx)
	r.state.SetSignaled(true)
	r.requeue(ctx)
}

// signalRequeue is invoked by the engine when a task raises
// InsufficientWalltime rather than waiting for the arm-timer alarm.
func (r *Root) signalRequeue(ctx *Context) {
	r.signal(ctx)
}

func (r *Root) requeue(ctx *Context) {
	if err := r.requeueLimiter.Allow(ctx.Context); err != nil {
		r.log.Warn("requeue suppressed by rate limiter", "error", err)
		return
	}
	if err := r.adapter.Requeue(); err != nil {
		r.log.Error("requeue failed", "error", err)
	}
}
