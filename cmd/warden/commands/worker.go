package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/pipewarden/pipewarden/pkg/hooks"
	"github.com/pipewarden/pipewarden/pkg/queue"
	"github.com/pipewarden/pipewarden/pkg/registry"
	"github.com/pipewarden/pipewarden/pkg/telemetry"
	"github.com/pipewarden/pipewarden/pkg/worker"
)

func newWorkerCommand() *cobra.Command {
	var (
		pipeline     string
		runID        string
		workerID     string
		batchSize    int
		maxIdlePolls int
		idleBackoff  time.Duration
		metricsAddr  string
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a work queue consumer for a distributed pipeline",
		Long: `Pull batches of claimed items from the work queue and process each
one by invoking the pipeline command with the item URL appended. The
worker exits once the queue drains.

Run as many workers as the datastore can feed; claims never overlap.`,
		Example: `  warden worker --pipeline books --run-id 2f9c...

  # Larger batches, custom identity
  warden worker --pipeline books --run-id 2f9c... --batch-size 50 --worker-id w-eu-1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if pipeline == "" || runID == "" {
				return fmt.Errorf("--pipeline and --run-id are required")
			}
			ctx := cmd.Context()

			log, err := buildLogger("worker")
			if err != nil {
				return err
			}

			reg, err := openRegistry()
			if err != nil {
				return err
			}
			cfg, err := reg.Get(pipeline)
			if err != nil {
				return err
			}
			if cfg.Mode != registry.ModeDistributed {
				return fmt.Errorf("pipeline %s is not distributed", pipeline)
			}

			q, err := openQueue(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = q.Close() }()

			hookReg := hooks.New(log)
			registerLoggingHooks(hookReg, log)

			if batchSize == 0 {
				batchSize = cfg.Queue.BatchSize
			}

			opts := []worker.Option{
				worker.WithLogger(log),
				worker.WithHooks(hookReg),
			}
			if metricsAddr != "" {
				mCfg := telemetry.DefaultConfig().Metrics
				mCfg.Enabled = true
				mCfg.ListenAddress = metricsAddr
				metrics, err := telemetry.NewMetrics(mCfg)
				if err != nil {
					return err
				}
				if err := metrics.StartMetricsServer(); err != nil {
					return err
				}
				opts = append(opts, worker.WithMetrics(metrics))
			}

			w, err := worker.New(q, commandProcessor(cfg), worker.Config{
				Pipeline:     pipeline,
				RunID:        runID,
				WorkerID:     workerID,
				BatchSize:    batchSize,
				IdleBackoff:  idleBackoff,
				MaxIdlePolls: maxIdlePolls,
			}, opts...)
			if err != nil {
				return err
			}

			summary, err := w.Run(ctx)
			if jsonOutput {
				_ = printJSON(summary)
			} else {
				fmt.Printf("worker %s: %d claimed, %d completed, %d failed\n",
					summary.WorkerID, summary.Claimed, summary.Completed, summary.Failed)
			}
			return workerExitError(err)
		},
	}

	cmd.Flags().StringVar(&pipeline, "pipeline", "", "pipeline name")
	cmd.Flags().StringVar(&runID, "run-id", "", "run to consume")
	cmd.Flags().StringVar(&workerID, "worker-id", "", "worker identity (generated if empty)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "items per claim (pipeline default if 0)")
	cmd.Flags().IntVar(&maxIdlePolls, "max-idle-polls", 3, "empty polls before treating the queue as drained")
	cmd.Flags().DurationVar(&idleBackoff, "idle-backoff", 2*time.Second, "pause between empty polls")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "expose Prometheus metrics on this address")

	return cmd
}

// workerExitError maps a shutdown by signal to a clean exit. Cancellation
// may reach us wrapped, so unwrap rather than compare.
func workerExitError(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// commandProcessor invokes the pipeline command once per item with the
// item URL appended and the run id in the environment.
func commandProcessor(cfg registry.PipelineConfig) worker.Processor {
	return worker.ProcessorFunc(func(ctx context.Context, item queue.WorkItem) error {
		argv := append(append([]string{}, cfg.Command...), item.URL)

		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Dir = cfg.WorkDir
		cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%s", cfg.RunIDEnv, item.RunID))

		out, err := cmd.CombinedOutput()
		if err != nil {
			return fmt.Errorf("%w: %s", err, tail(out, 512))
		}
		return nil
	})
}

// registerLoggingHooks subscribes per-item lifecycle logging.
func registerLoggingHooks(r *hooks.Registry, log *telemetry.Logger) {
	r.OnStepEnd(func(m hooks.StepMetrics) {
		log.WithRunID(m.RunID).WithScraper(m.Scraper).
			Debugf("item done url=%s duration=%s", m.StepName, m.Duration)
	})
	r.OnStepError(func(m hooks.StepMetrics, err error) {
		log.WithRunID(m.RunID).WithScraper(m.Scraper).
			Warnf("item failed url=%s: %v", m.StepName, err)
	})
}

// tail returns at most n trailing bytes of out as a string.
func tail(out []byte, n int) string {
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return string(out)
}
