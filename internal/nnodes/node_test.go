package nnodes

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testCtx() *Context {
	return NewContext(nil, nil)
}

func TestExecuteFanOutConcurrent(t *testing.T) {
	root := newRootNode(NewDirectory(t.TempDir()))
	root.concurrent = true

	var mu sync.Mutex
	var order []string
	greet := func(name string) TaskFunc {
		return func(ctx *Context, n *Node, args []any) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	root.Add(nil, "a", WithName("a"), WithTaskFunc(greet("a")))
	root.Add(nil, "b", WithName("b"), WithTaskFunc(greet("b")))
	root.Add(nil, "c", WithName("c"), WithTaskFunc(greet("c")))

	if err := root.Execute(testCtx()); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if len(order) != 3 {
		t.Fatalf("expected 3 children to run, got %d: %v", len(order), order)
	}
	if !root.Done() {
		t.Fatalf("expected root to be done")
	}
}

func TestExecuteSequentialOrder(t *testing.T) {
	root := newRootNode(NewDirectory(t.TempDir()))

	var order []string
	mark := func(name string) TaskFunc {
		return func(ctx *Context, n *Node, args []any) error {
			order = append(order, name)
			return nil
		}
	}

	root.Add(nil, "a", WithName("a"), WithTaskFunc(mark("a")))
	root.Add(nil, "b", WithName("b"), WithTaskFunc(mark("b")))
	root.Add(nil, "c", WithName("c"), WithTaskFunc(mark("c")))

	if err := root.Execute(testCtx()); err != nil {
		t.Fatalf("execute: %v", err)
	}

	want := []string{"a", "b", "c"}
	if len(order) != len(want) {
		t.Fatalf("expected order %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, order)
		}
	}
}

func TestExecuteRetrySucceedsThenStops(t *testing.T) {
	root := newRootNode(NewDirectory(t.TempDir()))

	var calls int32
	flaky := func(ctx *Context, n *Node, args []any) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errFlaky
		}
		return nil
	}

	root.Add(nil, "flaky", WithName("flaky"), WithTaskFunc(flaky), WithRetry(5), WithRetryDelay(time.Millisecond))

	if err := root.Execute(testCtx()); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", got)
	}
}

func TestExecuteRetryExhaustionFails(t *testing.T) {
	root := newRootNode(NewDirectory(t.TempDir()))

	var calls int32
	alwaysFails := func(ctx *Context, n *Node, args []any) error {
		atomic.AddInt32(&calls, 1)
		return errFlaky
	}

	child := root.Add(nil, "bad", WithName("bad"), WithTaskFunc(alwaysFails), WithRetry(2), WithRetryDelay(time.Millisecond))

	if err := root.Execute(testCtx()); err == nil {
		t.Fatalf("expected execute to surface the task error")
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 1 initial attempt + 2 retries = 3 calls, got %d", got)
	}
	if child.Err() == nil {
		t.Fatalf("expected child node to record its error")
	}
}

func TestDynamicChildJoinedDuringConcurrentExecution(t *testing.T) {
	root := newRootNode(NewDirectory(t.TempDir()))
	root.concurrent = true

	var mu sync.Mutex
	var seen []string
	record := func(name string) TaskFunc {
		return func(ctx *Context, n *Node, args []any) error {
			mu.Lock()
			seen = append(seen, name)
			mu.Unlock()
			return nil
		}
	}

	spawner := func(ctx *Context, n *Node, args []any) error {
		n.parent.Add(ctx, "spawned", WithName("spawned"), WithTaskFunc(record("spawned")))
		return nil
	}

	root.Add(nil, "spawner", WithName("spawner"), WithTaskFunc(spawner))
	root.Add(nil, "steady", WithName("steady"), WithTaskFunc(record("steady")))

	ctx := testCtx()
	if err := root.Execute(ctx); err != nil {
		t.Fatalf("execute: %v", err)
	}

	found := false
	for _, name := range seen {
		if name == "spawned" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected dynamically added child to be joined before parent returned, saw %v", seen)
	}
}

var errFlaky = &TaskError{Fname: "flaky", Traceback: "transient failure"}

func TestAttrInheritsFromAncestorInit(t *testing.T) {
	root := newRootNode(NewDirectory(t.TempDir()))
	mid := root.Add(nil, "mid", WithName("mid"), WithInit("region", "us-west"))
	leaf := mid.Add(nil, "leaf", WithName("leaf"))
	grandchild := leaf.Add(nil, "grandchild", WithName("grandchild"))

	v, ok := grandchild.Attr("region")
	if !ok || v != "us-west" {
		t.Fatalf("expected grandchild to inherit region=us-west through the parent chain, got %v, %v", v, ok)
	}
}

func TestAttrDataShadowsInit(t *testing.T) {
	root := newRootNode(NewDirectory(t.TempDir()))
	n := root.Add(nil, "n", WithName("n"), WithInit("region", "us-west"))
	n.SetData("region", "eu-central")

	v, ok := n.Attr("region")
	if !ok || v != "eu-central" {
		t.Fatalf("expected data to shadow init, got %v, %v", v, ok)
	}
}

func TestAttrReservedFieldsDoNotInherit(t *testing.T) {
	root := newRootNode(NewDirectory(t.TempDir()))
	root.name = "root-name"
	child := root.Add(nil, "child", WithName("child"))

	if _, ok := child.Attr("name"); ok {
		t.Fatalf("expected a reserved field to never resolve through the parent chain")
	}
}

func TestAttrUnsetKeyOnRootReturnsFalse(t *testing.T) {
	root := newRootNode(NewDirectory(t.TempDir()))

	if v, ok := root.Attr("nonexistent"); ok {
		t.Fatalf("expected unset key on a parentless node to return false, got %v", v)
	}
}
