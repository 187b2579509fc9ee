// Command nnmk writes a scheduler submission script for the workflow
// rooted at the current directory without running it.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/swarmguard/nnodes/examples/hello"
	"github.com/swarmguard/nnodes/internal/logging"
	"github.com/swarmguard/nnodes/internal/nnodes"
)

func main() {
	var dir string

	cmd := &cobra.Command{
		Use:   "nnmk [dst]",
		Short: "Write a submission script without running the workflow",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.Init("nnmk")

			dst := ""
			if len(args) > 0 {
				dst = args[0]
			}

			return nnodes.Make(dir, hello.Build, dst, `nnrun`)
		},
	}

	cmd.Flags().StringVar(&dir, "dir", ".", "workflow working directory")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
