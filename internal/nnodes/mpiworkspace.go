package nnodes

import (
	"fmt"
	"path/filepath"

	"gonum.org/v1/gonum/mat"
)

// MPIWorkspace is the per-rank view a sidecar-invoked task sees: a
// directory plus this process's rank/size, with pid-based scratch file
// naming (supplemented from the original tool's MPI.pid/mpiload/mpidump)
// independent of the task's own dispatched payload.
type MPIWorkspace struct {
	Directory
	Rank int
	Size int
}

// PID is this rank's zero-padded file-name slot, e.g. "p00", "p01" — the
// width matches the largest rank so slots sort lexically in rank order.
func (w MPIWorkspace) PID() string {
	width := len(fmt.Sprintf("%d", w.Size-1))
	return fmt.Sprintf("p%0*d", width, w.Rank)
}

// Load reads this rank's scratch file from src, preferring a .npy
// matrix over a .pickle object graph if both are absent-or-present
// checks would otherwise be ambiguous.
func (w MPIWorkspace) Load(src string) (any, error) {
	if src == "" {
		src = "."
	}
	npy := filepath.Join(src, w.PID()+".npy")
	if w.Has(npy) {
		return w.Directory.Load(npy)
	}
	return w.Directory.Load(filepath.Join(src, w.PID()+".pickle"))
}

// Dump writes obj to this rank's scratch slot under dst, picking .npy
// for a *mat.Dense value and .pickle otherwise.
func (w MPIWorkspace) Dump(obj any, dst string) error {
	if dst == "" {
		dst = "."
	}
	ext := ".pickle"
	if isMatrixLike(obj) {
		ext = ".npy"
	}
	return w.Directory.Dump(obj, filepath.Join(dst, w.PID()+ext))
}

func isMatrixLike(v any) bool {
	_, ok := v.(*mat.Dense)
	return ok
}
