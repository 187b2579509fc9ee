package adapters

import (
	"fmt"

	"github.com/swarmguard/nnodes/internal/nnodes"
)

// Local runs outside any scheduler allocation, launching MPI tasks
// directly through the system's mpiexec. It is never requeued and never
// auto-times-out.
type Local struct {
	Base
}

func NewLocal(cfg map[string]any, state *nnodes.JobState) (nnodes.ClusterAdapter, error) {
	b := newBase(cfg, state)
	b.splittable = true
	b.autoReq = false
	return &Local{Base: b}, nil
}

func (a *Local) InQueue() bool { return false }

func (a *Local) MPIExec(task string, nprocs, cpusPerProc, gpusPerProc, mps int) string {
	cmd, err := a.launch(func() (string, error) {
		return fmt.Sprintf("mpiexec -n %d %s", nprocs, task), nil
	})
	if err != nil {
		return task
	}
	return cmd
}

func (a *Local) Requeue() error { return nil }

// WriteScript has no scheduler to submit to outside a queue; it just
// writes a runnable shell script invoking cmd directly.
func (a *Local) WriteScript(dir nnodes.Directory, cmd, dst string) error {
	return dir.Writelines([]string{"#!/bin/bash", cmd}, fmt.Sprintf("%s/job.sh", dst))
}

// LocalMPI is Local but routes tasks through a local multiprocessing
// pool instead of mpiexec — for workflows developed on a laptop with no
// MPI runtime installed.
type LocalMPI struct {
	Base
}

func NewLocalMPI(cfg map[string]any, state *nnodes.JobState) (nnodes.ClusterAdapter, error) {
	b := newBase(cfg, state)
	b.splittable = true
	b.multiproc = true
	b.autoReq = false
	if b.mpMax == 0 {
		b.mpMax = b.cpusNode
	}
	return &LocalMPI{Base: b}, nil
}

func (a *LocalMPI) InQueue() bool { return false }

func (a *LocalMPI) MPIExec(task string, nprocs, cpusPerProc, gpusPerProc, mps int) string {
	cmd, err := a.launch(func() (string, error) {
		return task, nil
	})
	if err != nil {
		return task
	}
	return cmd
}

func (a *LocalMPI) Requeue() error { return nil }

func (a *LocalMPI) WriteScript(dir nnodes.Directory, cmd, dst string) error {
	return dir.Writelines([]string{"#!/bin/bash", cmd}, fmt.Sprintf("%s/job.sh", dst))
}
