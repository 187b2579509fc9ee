package nnodes

import (
	"errors"
	"time"
)

// nodeSnapshot is the serializable slice of Node state persisted to
// root.pickle: name, timings, err, init, data, and children in tree
// order — exactly the data model's "only serializable Node state is
// persisted" rule. Tasks are never serialized: a Go func value has no
// durable representation, so resume reconstructs the tree's static shape
// by re-running the same build function the workflow used the first
// time, then overlays this snapshot onto the freshly-built tree by
// position. See DESIGN.md for why this departs from the source tool's
// pickle-the-whole-object-graph resume model.
type nodeSnapshot struct {
	Name         string         `msgpack:"name"`
	Init         map[string]any `msgpack:"init"`
	Data         map[string]any `msgpack:"data"`
	StartTime    *time.Time     `msgpack:"start_time"`
	DispatchTime *time.Time     `msgpack:"dispatch_time"`
	EndTime      *time.Time     `msgpack:"end_time"`
	Err          string         `msgpack:"err"`
	Concurrent   bool           `msgpack:"concurrent"`
	IsMPI        bool           `msgpack:"is_mpi"`
	Children     []nodeSnapshot `msgpack:"children"`
}

// rootSnapshot additionally carries the JobState and liveness ping.
type rootSnapshot struct {
	Node    nodeSnapshot `msgpack:"node"`
	Paused  bool         `msgpack:"paused"`
	Failed  bool         `msgpack:"failed"`
	Aborted bool         `msgpack:"aborted"`
	Ping    time.Time    `msgpack:"ping"`
}

func (n *Node) snapshot() nodeSnapshot {
	n.mu.Lock()
	s := nodeSnapshot{
		Name:         n.name,
		Init:         copyAnyMap(n.init),
		Data:         copyAnyMap(n.data),
		StartTime:    n.startTime,
		DispatchTime: n.dispatchTime,
		EndTime:      n.endTime,
		Concurrent:   n.concurrent,
		IsMPI:        n.isMPI,
	}
	if n.err != nil {
		s.Err = n.err.Error()
	}
	children := append([]*Node(nil), n.children...)
	n.mu.Unlock()

	for _, c := range children {
		s.Children = append(s.Children, c.snapshot())
	}
	return s
}

// restore overlays a persisted snapshot onto a freshly-built tree,
// matching children by position (the build function is expected to be
// deterministic, so position matches the run that produced the
// snapshot).
func (n *Node) restore(s nodeSnapshot) {
	n.mu.Lock()
	if n.data == nil {
		n.data = map[string]any{}
	}
	for k, v := range s.Data {
		n.data[k] = v
	}
	if n.init == nil {
		n.init = map[string]any{}
	}
	for k, v := range s.Init {
		n.init[k] = v
	}
	n.startTime = s.StartTime
	n.dispatchTime = s.DispatchTime
	n.endTime = s.EndTime
	if s.Err != "" {
		n.err = errors.New(s.Err)
	}
	children := append([]*Node(nil), n.children...)
	n.mu.Unlock()

	for i, c := range children {
		if i < len(s.Children) {
			c.restore(s.Children[i])
		}
	}
}

func copyAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
