// Command nnlog prints the status tree of the workflow rooted at the
// current directory. With no arguments only the top-level status is
// printed; any argument prints the full verbose tree.
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
	var verbose bool

	cmd := &cobra.Command{
		Use:   "nnlog",
		Short: "Print the workflow's status tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.Init("nnlog")

			out, err := nnodes.Log(dir, hello.Build, verbose || len(args) > 0)
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", ".", "workflow working directory")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print the full tree, not just top-level status")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
