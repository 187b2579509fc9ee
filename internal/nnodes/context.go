package nnodes

import "context"

// Context is threaded through every engine and Dispatcher call. It
// carries the stdlib cancellation context plus the process-wide Root,
// replacing the global-singleton access pattern of the source tool with
// an explicit, passed-in context object per the "global singletons"
// design note.
type Context struct {
	context.Context
	Root *Root
}

func NewContext(parent context.Context, root *Root) *Context {
	if parent == nil {
		parent = context.Background()
	}
	return &Context{Context: parent, Root: root}
}

func (c *Context) WithContext(std context.Context) *Context {
	return &Context{Context: std, Root: c.Root}
}

func (c *Context) Registry() *Registry {
	if c.Root.registry != nil {
		return c.Root.registry
	}
	return DefaultRegistry()
}

func (c *Context) Dispatcher() *Dispatcher {
	return c.Root.dispatcher
}
