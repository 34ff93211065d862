package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pipewarden/pipewarden/pkg/checkpoint"
)

func newSweepCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep [pipeline]",
		Short: "Release expired work leases and recover stale checkpoints",
		Long: `Supervisor maintenance pass. Claimed queue items whose lease has
elapsed go back to pending with one retry spent, and checkpoints left
in a running state by a crashed process are flipped to resumable.

Run this periodically, e.g. from cron.`,
		Example: `  # Sweep every pipeline in the registry
  warden sweep

  # Sweep one pipeline
  warden sweep books`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			log, err := buildLogger("sweep")
			if err != nil {
				return err
			}

			reg, err := openRegistry()
			if err != nil {
				return err
			}

			names := reg.Names()
			if len(args) == 1 {
				if _, err := reg.Get(args[0]); err != nil {
					return err
				}
				names = args[:1]
			}

			orch, q, err := buildOrchestrator(ctx, false)
			if err != nil {
				return err
			}
			defer func() { _ = q.Close() }()

			totalReleased := 0
			for _, name := range names {
				released, err := orch.Sweep(ctx, name)
				if err != nil {
					log.WithScraper(name).Errorf("sweep failed: %v", err)
					continue
				}
				totalReleased += released
			}

			recovered := checkpoint.RecoverAll(checkpointDir, names, log)

			fmt.Printf("released %d expired leases, recovered %d stale checkpoints\n",
				totalReleased, recovered)
			return nil
		},
	}

	return cmd
}
