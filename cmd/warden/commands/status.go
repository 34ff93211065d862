package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pipewarden/pipewarden/pkg/queue"
	"github.com/pipewarden/pipewarden/pkg/registry"
)

func newStatusCommand() *cobra.Command {
	var runID string

	cmd := &cobra.Command{
		Use:   "status <pipeline>",
		Short: "Show checkpoint and queue status for a pipeline",
		Example: `  # Checkpoint progress and queue counts
  warden status books

  # A specific run
  warden status books --run-id 2f9c...`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			ctx := cmd.Context()

			reg, err := openRegistry()
			if err != nil {
				return err
			}
			cfg, err := reg.Get(name)
			if err != nil {
				return err
			}

			store, err := openCheckpoint(cfg)
			if err != nil {
				return err
			}

			type statusOut struct {
				Pipeline  string       `json:"pipeline"`
				Mode      string       `json:"mode"`
				Status    string       `json:"status"`
				RunID     string       `json:"run_id,omitempty"`
				LastStep  int          `json:"last_completed_step"`
				NextStep  int          `json:"next_step"`
				Resumable bool         `json:"resumable"`
				Queue     *queue.Stats `json:"queue,omitempty"`
			}

			out := statusOut{
				Pipeline:  name,
				Mode:      cfg.Mode,
				Status:    string(store.Status()),
				RunID:     store.RunID(),
				LastStep:  store.LastCompletedStep(),
				NextStep:  store.NextStep(),
				Resumable: store.IsResumable(),
			}

			if cfg.Mode == registry.ModeDistributed {
				orch, q, err := buildOrchestrator(ctx, false)
				if err != nil {
					return err
				}
				defer func() { _ = q.Close() }()

				stats, err := orch.Stats(ctx, name, runID)
				if err == nil {
					out.Queue = &stats
				}
			}

			if jsonOutput {
				return printJSON(out)
			}

			fmt.Printf("pipeline:  %s (%s)\n", out.Pipeline, out.Mode)
			fmt.Printf("status:    %s\n", out.Status)
			if out.RunID != "" {
				fmt.Printf("run id:    %s\n", out.RunID)
			}
			fmt.Printf("steps:     last completed %d, next %d\n", out.LastStep, out.NextStep)
			fmt.Printf("resumable: %v\n", out.Resumable)
			if out.Queue != nil {
				fmt.Printf("queue:     %d pending, %d claimed, %d completed, %d failed\n",
					out.Queue.Pending, out.Queue.Claimed, out.Queue.Completed, out.Queue.Failed)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&runID, "run-id", "", "inspect a specific run")

	return cmd
}
