package adapters

import "github.com/swarmguard/nnodes/internal/nnodes"

// Register installs every built-in ClusterAdapter variant under
// "adapters.<Name>" so a config.toml's [job].system = ["adapters", "Summit"]
// resolves without the workflow needing to import each variant by hand.
func Register() {
	nnodes.RegisterAdapter("adapters", "LSF", NewLSF)
	nnodes.RegisterAdapter("adapters", "Summit", NewSummit)
	nnodes.RegisterAdapter("adapters", "Slurm", NewSlurm)
	nnodes.RegisterAdapter("adapters", "Tiger", NewTiger)
	nnodes.RegisterAdapter("adapters", "Traverse", NewTraverse)
	nnodes.RegisterAdapter("adapters", "DTN", NewDTN)
	nnodes.RegisterAdapter("adapters", "Local", NewLocal)
	nnodes.RegisterAdapter("adapters", "LocalMPI", NewLocalMPI)
}
