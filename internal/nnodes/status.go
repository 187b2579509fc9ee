package nnodes

import (
	"fmt"
	"strings"
	"time"
)

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	if h > 0 {
		return fmt.Sprintf("%dh%02dm%02ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%02ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

// Status renders this node's single-line human-readable state.
func (n *Node) Status(ctx *Context) string {
	name := n.Name()

	n.mu.Lock()
	err := n.err
	dispatchTime := n.dispatchTime
	isMPI := n.isMPI
	prober := n.prober
	n.mu.Unlock()

	paused := false
	if ctx.Root != nil {
		paused, _, _ = ctx.Root.state.Snapshot()
	}

	switch {
	case err != nil:
		return name + " (failed)"

	case n.Done():
		return fmt.Sprintf("%s (%s)", name, formatDuration(n.Elapsed()))

	case paused:
		return name + " (terminated)"

	case isMPI && dispatchTime == nil:
		return name + " (pending)"

	case prober != nil:
		if v := prober(n); v != nil {
			switch val := v.(type) {
			case string:
				return fmt.Sprintf("%s (%s)", name, val)
			case float64:
				return fmt.Sprintf("%s (%.0f%%)", name, val*100)
			}
		}
		fallthrough

	default:
		running := "running"
		if ctx.Root != nil && !ctx.Root.Alive() {
			running = "not running"
		}
		return fmt.Sprintf("%s (%s - %s)", name, running, formatDuration(n.runningElapsed()))
	}
}

// runningElapsed mirrors Elapsed but measures against now, for a node
// that has not yet reached endTime.
func (n *Node) runningElapsed() time.Duration {
	n.mu.Lock()
	start, dispatch := n.startTime, n.dispatchTime
	n.mu.Unlock()

	from := time.Now()
	if dispatch != nil {
		return from.Sub(*dispatch)
	}
	if start != nil {
		return from.Sub(*start)
	}
	return 0
}

// Stat renders the full tree starting at n. Concurrent children are
// prefixed "- "; sequential children are numbered.
func (n *Node) Stat(ctx *Context, verbose bool) string {
	var b strings.Builder
	n.writeStat(ctx, &b, "", verbose)
	return b.String()
}

func (n *Node) writeStat(ctx *Context, b *strings.Builder, indent string, verbose bool) {
	b.WriteString(indent)
	b.WriteString(n.Status(ctx))
	b.WriteByte('\n')
	n.writeStatChildren(ctx, b, indent+"  ", verbose)
}

func (n *Node) writeStatChildren(ctx *Context, b *strings.Builder, indent string, verbose bool) {
	n.mu.Lock()
	concurrent := n.concurrent
	children := append([]*Node(nil), n.children...)
	n.mu.Unlock()

	for i, c := range children {
		prefix := indent
		if concurrent {
			prefix += "- "
		} else {
			prefix += fmt.Sprintf("%d. ", i+1)
		}
		b.WriteString(prefix)
		b.WriteString(c.Status(ctx))
		b.WriteByte('\n')
		if verbose {
			c.writeStatChildren(ctx, b, indent+"  ", verbose)
		}
	}
}
