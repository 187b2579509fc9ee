package nnodes

import (
	"fmt"
	"path/filepath"
)

// CreateJobScript writes a scheduler submission script (plus a copy of
// config.toml) into dst without running anything — this is what nnmk
// calls. dst "" writes into the root working directory itself; any
// other value creates dst as a fresh subdirectory workspace. Mirrors
// the original tool's Job.create.
func CreateJobScript(r *Root, dst, cmd string) error {
	target := dst
	if target == "" {
		target = "."
		if r.Has("job.bash") || r.Has("job.sh") {
			return fmt.Errorf("nnodes: job script already exists in %s", r.Path())
		}
	} else {
		if r.Has(target) {
			return fmt.Errorf("nnodes: %s already exists", target)
		}
		if err := r.Mkdir(target); err != nil {
			return err
		}
	}

	cfg, err := r.Load("config.toml")
	if err != nil {
		return fmt.Errorf("nnodes: load config.toml: %w", err)
	}
	if err := r.Dump(cfg, filepath.Join(target, "config.toml")); err != nil {
		return fmt.Errorf("nnodes: copy config.toml: %w", err)
	}

	return r.adapter.WriteScript(r.Directory, cmd, target)
}
