package adapters

import (
	"strings"
	"testing"

	"github.com/swarmguard/nnodes/internal/nnodes"
)

func testState() *nnodes.JobState {
	return nnodes.NewJobState(0, 0)
}

func TestLSFMPIExecRendersJsrunFlags(t *testing.T) {
	a, err := NewLSF(map[string]any{"cpus_per_node": 4}, testState())
	if err != nil {
		t.Fatalf("NewLSF: %v", err)
	}
	cmd := a.MPIExec("./sim", 8, 2, 1, 4)
	if !strings.Contains(cmd, "jsrun") || !strings.Contains(cmd, "--nrs 8") || !strings.Contains(cmd, "./sim") {
		t.Fatalf("unexpected jsrun command: %q", cmd)
	}
	if !strings.Contains(cmd, `--smpiargs="-gpu"`) {
		t.Fatalf("expected mps flag in command: %q", cmd)
	}
}

func TestLSFWriteScriptRendersBSUBHeader(t *testing.T) {
	dir := nnodes.NewDirectory(t.TempDir())
	a, err := NewLSF(map[string]any{"nnodes": 2, "walltime": 90, "account": "proj123"}, testState())
	if err != nil {
		t.Fatalf("NewLSF: %v", err)
	}
	if err := a.WriteScript(dir, "nnrun", "."); err != nil {
		t.Fatalf("WriteScript: %v", err)
	}
	lines, err := dir.Readlines("./job.bash")
	if err != nil {
		t.Fatalf("Readlines: %v", err)
	}
	text := strings.Join(lines, "\n")
	if !strings.Contains(text, "#BSUB -W 01:30") {
		t.Fatalf("expected 90 minute walltime rendered as 01:30, got:\n%s", text)
	}
	if !strings.Contains(text, "#BSUB -nnodes 2") {
		t.Fatalf("expected nnodes flag, got:\n%s", text)
	}
	if !strings.Contains(text, "#BSUB -P proj123") {
		t.Fatalf("expected account flag, got:\n%s", text)
	}
	if !strings.Contains(text, "nnrun") {
		t.Fatalf("expected command to be written, got:\n%s", text)
	}
}

func TestSummitDefaultsHardwareConstants(t *testing.T) {
	a, err := NewSummit(map[string]any{}, testState())
	if err != nil {
		t.Fatalf("NewSummit: %v", err)
	}
	if a.CPUsPerNode() != 42 {
		t.Fatalf("expected Summit default 42 cpus/node, got %d", a.CPUsPerNode())
	}
	if a.GPUsPerNode() != 6 {
		t.Fatalf("expected Summit default 6 gpus/node, got %d", a.GPUsPerNode())
	}
}

func TestSlurmMPIExecRendersSrunFlags(t *testing.T) {
	a, err := NewSlurm(map[string]any{}, testState())
	if err != nil {
		t.Fatalf("NewSlurm: %v", err)
	}
	cmd := a.MPIExec("./sim", 4, 1, 1, 2)
	if !strings.Contains(cmd, "srun -n 4 -c 1") || !strings.Contains(cmd, "--gpus-per-task=1") || !strings.Contains(cmd, "--gpu-mps") {
		t.Fatalf("unexpected srun command: %q", cmd)
	}
}

func TestDTNIsNotSplittable(t *testing.T) {
	a, err := NewDTN(map[string]any{}, testState())
	if err != nil {
		t.Fatalf("NewDTN: %v", err)
	}
	if a.NodeSplittable() {
		t.Fatalf("expected DTN to never be node-splittable")
	}
}

func TestTigerAndTraverseDefaults(t *testing.T) {
	tiger, err := NewTiger(map[string]any{}, testState())
	if err != nil {
		t.Fatalf("NewTiger: %v", err)
	}
	if tiger.CPUsPerNode() != 40 {
		t.Fatalf("expected Tiger default 40 cpus/node, got %d", tiger.CPUsPerNode())
	}

	traverse, err := NewTraverse(map[string]any{}, testState())
	if err != nil {
		t.Fatalf("NewTraverse: %v", err)
	}
	if traverse.CPUsPerNode() != 32 || traverse.GPUsPerNode() != 4 {
		t.Fatalf("expected Traverse defaults 32 cpus/4 gpus, got %d/%d", traverse.CPUsPerNode(), traverse.GPUsPerNode())
	}
}

func TestLocalMPIExecUsesMpiexec(t *testing.T) {
	a, err := NewLocal(map[string]any{}, testState())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	cmd := a.MPIExec("./sim", 3, 1, 0, 0)
	if cmd != "mpiexec -n 3 ./sim" {
		t.Fatalf("unexpected local command: %q", cmd)
	}
	if a.InQueue() {
		t.Fatalf("expected Local to never report InQueue")
	}
	if a.AutoRequeue() {
		t.Fatalf("expected Local to disable auto-requeue")
	}
}

func TestLocalMPIPassesThroughTask(t *testing.T) {
	a, err := NewLocalMPI(map[string]any{"cpus_per_node": 8}, testState())
	if err != nil {
		t.Fatalf("NewLocalMPI: %v", err)
	}
	if cmd := a.MPIExec("./sim", 2, 1, 0, 0); cmd != "./sim" {
		t.Fatalf("expected LocalMPI to pass the task through unmodified, got %q", cmd)
	}
	if !a.UseMultiprocessing() {
		t.Fatalf("expected LocalMPI to report UseMultiprocessing")
	}
	if a.MPNprocsMax() != 8 {
		t.Fatalf("expected LocalMPI to default mp_nprocs_max to cpus_per_node, got %d", a.MPNprocsMax())
	}
}

func TestLocalWriteScriptWritesRunnableShellScript(t *testing.T) {
	dir := nnodes.NewDirectory(t.TempDir())
	a, err := NewLocal(map[string]any{}, testState())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	if err := a.WriteScript(dir, "nnrun", "."); err != nil {
		t.Fatalf("WriteScript: %v", err)
	}
	lines, err := dir.Readlines("./job.sh")
	if err != nil {
		t.Fatalf("Readlines: %v", err)
	}
	if len(lines) < 2 || lines[0] != "#!/bin/bash" || lines[1] != "nnrun" {
		t.Fatalf("unexpected script contents: %v", lines)
	}
}
