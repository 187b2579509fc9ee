package nnodes

import (
	"context"
	"fmt"
)

// Run is the library entry point backing nnrun: it opens path, (re)builds
// the tree via build, and executes it. reset deletes any existing
// root.pickle first so the workflow starts over from config.toml instead
// of resuming (the "-r" flag on the original tool's console script).
func Run(ctx context.Context, path string, build BuildFunc, reset bool) error {
	r := NewRoot(path)
	if reset {
		if err := r.Rm("root.pickle"); err != nil {
			return fmt.Errorf("nnodes: reset root.pickle: %w", err)
		}
	}
	if err := r.Init(build); err != nil {
		return err
	}
	return r.Execute(ctx)
}

// Make is the library entry point backing nnmk: it initializes the tree
// (to resolve the configured ClusterAdapter) then writes a submission
// script into dst without executing anything.
func Make(path string, build BuildFunc, dst, cmd string) error {
	r := NewRoot(path)
	if err := r.Init(build); err != nil {
		return err
	}
	return CreateJobScript(r, dst, cmd)
}

// Log is the library entry point backing nnlog: it initializes the tree
// from whatever checkpoint exists and renders Root.Stat.
func Log(path string, build BuildFunc, verbose bool) (string, error) {
	r := NewRoot(path)
	if err := r.Init(build); err != nil {
		return "", err
	}
	ctx := NewContext(context.Background(), r)
	return r.Node.Stat(ctx, verbose), nil
}
