package adapters

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/swarmguard/nnodes/internal/nnodes"
)

// LSF targets IBM LSF / jsrun clusters (Summit and its successors): one
// resource set per rank, CPUs and GPUs bound per rank via jsrun flags.
type LSF struct {
	Base
	jobID string
}

func NewLSF(cfg map[string]any, state *nnodes.JobState) (nnodes.ClusterAdapter, error) {
	b := newBase(cfg, state)
	b.splittable = true
	return &LSF{Base: b, jobID: os.Getenv("LSB_JOBID")}, nil
}

func (a *LSF) InQueue() bool { return a.jobID != "" }

func (a *LSF) MPIExec(task string, nprocs, cpusPerProc, gpusPerProc, mps int) string {
	cmd, err := a.launch(func() (string, error) {
		rs := fmt.Sprintf("jsrun --nrs %d --cpu_per_rs %d --gpu_per_rs %d --rs_per_host 1 --tasks_per_rs 1",
			nprocs, cpusPerProc, gpusPerProc)
		if mps > 0 {
			rs += ` --smpiargs="-gpu"`
		}
		return fmt.Sprintf("%s %s", rs, task), nil
	})
	if err != nil {
		return task
	}
	return cmd
}

func (a *LSF) Requeue() error {
	if a.jobID == "" {
		return nil
	}
	return exec.Command("brequeue", a.jobID).Run()
}

// WriteScript renders a BSUB job script, mirroring the original job.py
// LSF.write hour/minute split and gpumps allocation flag.
func (a *LSF) WriteScript(dir nnodes.Directory, cmd, dst string) error {
	hh := int(a.walltimeMinutes) / 60
	mm := int(a.walltimeMinutes) % 60
	lines := []string{
		"#!/bin/bash",
		fmt.Sprintf("#BSUB -W %02d:%02d", hh, mm),
		fmt.Sprintf("#BSUB -nnodes %d", a.nodeCount),
		"#BSUB -o lsf.%J.o",
		"#BSUB -e lsf.%J.e",
		`#BSUB -alloc_flags "gpumps"`,
	}
	if a.account != "" {
		lines = append(lines, fmt.Sprintf("#BSUB -P %s", a.account))
	}
	if a.debug {
		lines = append(lines, "#BSUB -q debug")
	}
	lines = append(lines, cmd)
	return dir.Writelines(lines, fmt.Sprintf("%s/job.bash", dst))
}

// Summit is LSF tuned for Oak Ridge's Summit: 6 GPUs and 42 usable CPUs
// per node, always node-splittable.
func NewSummit(cfg map[string]any, state *nnodes.JobState) (nnodes.ClusterAdapter, error) {
	a, err := NewLSF(cfg, state)
	if err != nil {
		return nil, err
	}
	lsf := a.(*LSF)
	if lsf.cpusNode == 0 {
		lsf.cpusNode = 42
	}
	if lsf.gpusNode == 0 {
		lsf.gpusNode = 6
	}
	return lsf, nil
}
