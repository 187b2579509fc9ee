package adapters

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/swarmguard/nnodes/internal/nnodes"
)

// Slurm targets srun-based clusters. Tiger, Traverse, and DTN are the
// same launch convention with different per-node hardware constants, so
// they share this one implementation and differ only in their
// constructor defaults.
type Slurm struct {
	Base
	jobID string
}

func NewSlurm(cfg map[string]any, state *nnodes.JobState) (nnodes.ClusterAdapter, error) {
	b := newBase(cfg, state)
	b.splittable = true
	return &Slurm{Base: b, jobID: os.Getenv("SLURM_JOB_ID")}, nil
}

func (a *Slurm) InQueue() bool { return a.jobID != "" }

func (a *Slurm) MPIExec(task string, nprocs, cpusPerProc, gpusPerProc, mps int) string {
	cmd, err := a.launch(func() (string, error) {
		flags := fmt.Sprintf("srun -n %d -c %d", nprocs, cpusPerProc)
		if gpusPerProc > 0 {
			flags += fmt.Sprintf(" --gpus-per-task=%d", gpusPerProc)
		}
		if mps > 0 {
			flags += " --gpu-mps"
		}
		return fmt.Sprintf("%s %s", flags, task), nil
	})
	if err != nil {
		return task
	}
	return cmd
}

func (a *Slurm) Requeue() error {
	if a.jobID == "" {
		return nil
	}
	return exec.Command("scontrol", "requeue", a.jobID).Run()
}

// WriteScript renders an sbatch-style submission script.
func (a *Slurm) WriteScript(dir nnodes.Directory, cmd, dst string) error {
	hh := int(a.walltimeMinutes) / 60
	mm := int(a.walltimeMinutes) % 60
	lines := []string{
		"#!/bin/bash",
		fmt.Sprintf("#SBATCH --time=%02d:%02d:00", hh, mm),
		fmt.Sprintf("#SBATCH --nodes=%d", a.nodeCount),
		"#SBATCH --output=slurm.%j.o",
		"#SBATCH --error=slurm.%j.e",
	}
	if a.account != "" {
		lines = append(lines, fmt.Sprintf("#SBATCH --account=%s", a.account))
	}
	if a.debug {
		lines = append(lines, "#SBATCH --qos=debug")
	}
	lines = append(lines, cmd)
	return dir.Writelines(lines, fmt.Sprintf("%s/job.sh", dst))
}

// Tiger is Slurm tuned for Princeton's Tiger cluster: 40 CPUs, no GPUs.
func NewTiger(cfg map[string]any, state *nnodes.JobState) (nnodes.ClusterAdapter, error) {
	a, err := NewSlurm(cfg, state)
	if err != nil {
		return nil, err
	}
	s := a.(*Slurm)
	if s.cpusNode == 0 {
		s.cpusNode = 40
	}
	return s, nil
}

// Traverse is Slurm tuned for Princeton's Traverse cluster: 32 CPUs, 4
// GPUs per node.
func NewTraverse(cfg map[string]any, state *nnodes.JobState) (nnodes.ClusterAdapter, error) {
	a, err := NewSlurm(cfg, state)
	if err != nil {
		return nil, err
	}
	s := a.(*Slurm)
	if s.cpusNode == 0 {
		s.cpusNode = 32
	}
	if s.gpusNode == 0 {
		s.gpusNode = 4
	}
	return s, nil
}

// DTN is Slurm tuned for a data-transfer node: single-node, no GPUs,
// never node-splittable (the whole allocation is one task at a time).
func NewDTN(cfg map[string]any, state *nnodes.JobState) (nnodes.ClusterAdapter, error) {
	a, err := NewSlurm(cfg, state)
	if err != nil {
		return nil, err
	}
	s := a.(*Slurm)
	s.splittable = false
	return s, nil
}
