// Command nnrun executes a workflow rooted at the current directory.
// Pass -r to discard any existing root.pickle and start over from
// config.toml instead of resuming.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/swarmguard/nnodes/examples/hello"
	"github.com/swarmguard/nnodes/internal/logging"
	"github.com/swarmguard/nnodes/internal/nnodes"
	"github.com/swarmguard/nnodes/internal/otelinit"
)

func main() {
	var reset bool
	var dir string

	cmd := &cobra.Command{
		Use:   "nnrun",
		Short: "Run the workflow rooted at the working directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.Init("nnrun")
			ctx := context.Background()

			shutdownTrace, err := otelinit.InitTracer(ctx, "nnrun", "")
			if err != nil {
				return err
			}
			defer otelinit.Flush(ctx, shutdownTrace)

			shutdownMeter, err := otelinit.InitMeter(ctx, "nnrun")
			if err != nil {
				return err
			}
			defer otelinit.Flush(ctx, shutdownMeter)

			start := time.Now()
			if err := nnodes.Run(ctx, dir, hello.Build, reset); err != nil {
				return err
			}
			fmt.Printf("elapsed: %s\n", time.Since(start).Round(time.Second))
			return nil
		},
	}

	cmd.Flags().BoolVarP(&reset, "reset", "r", false, "discard root.pickle and start over")
	cmd.Flags().StringVar(&dir, "dir", ".", "workflow working directory")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
