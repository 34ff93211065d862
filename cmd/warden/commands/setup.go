package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pipewarden/pipewarden/pkg/checkpoint"
	"github.com/pipewarden/pipewarden/pkg/orchestrator"
	"github.com/pipewarden/pipewarden/pkg/preflight"
	"github.com/pipewarden/pipewarden/pkg/queue"
	"github.com/pipewarden/pipewarden/pkg/registry"
	"github.com/pipewarden/pipewarden/pkg/telemetry"
)

// buildLogger creates the shared component logger honoring --verbose.
func buildLogger(component string) (*telemetry.Logger, error) {
	cfg := telemetry.DefaultConfig()
	if verbose {
		cfg.Logging.Level = "debug"
	}
	cfg.Logging.Output = "stderr"
	log, err := telemetry.NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	return log.NewComponentLogger(component), nil
}

// openRegistry loads the pipeline registry from --registry.
func openRegistry() (*registry.Registry, error) {
	return registry.Load(registryPath)
}

// openQueue connects the work queue. WARDEN_POSTGRES_DSN selects the
// Postgres backend, otherwise the SQLite file at --queue-db is used.
func openQueue(ctx context.Context) (queue.Queue, error) {
	if dsn := os.Getenv("WARDEN_POSTGRES_DSN"); dsn != "" {
		q, err := queue.NewPostgresQueue(ctx, queue.PostgresConfig{DSN: dsn})
		if err != nil {
			return nil, fmt.Errorf("failed to connect postgres queue: %w", err)
		}
		if err := q.Migrate(ctx); err != nil {
			_ = q.Close()
			return nil, err
		}
		return q, nil
	}

	if dir := filepath.Dir(queueDBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create queue directory: %w", err)
		}
	}

	q, err := queue.NewSQLiteQueue(queue.Config{Path: queueDBPath})
	if err != nil {
		return nil, err
	}
	if err := q.Init(ctx); err != nil {
		return nil, err
	}
	if err := q.Migrate(ctx); err != nil {
		_ = q.Close()
		return nil, err
	}
	return q, nil
}

// gateBuilder wires the preflight gate for a pipeline from its tuning
// plus the live queue connection.
func gateBuilder(q queue.Queue, log *telemetry.Logger) orchestrator.GateBuilder {
	return func(cfg registry.PipelineConfig) *preflight.Gate {
		pfCfg := preflight.DefaultConfig()
		pfCfg.RequiredTools = cfg.Preflight.RequiredTools
		pfCfg.MinInputRows = cfg.Preflight.MinInputRows
		if cfg.Preflight.DiskThreshold > 0 {
			pfCfg.DiskThreshold = cfg.Preflight.DiskThreshold
		}
		if cfg.Preflight.MaxRunAgeHours > 0 {
			pfCfg.MaxRunAge = time.Duration(cfg.Preflight.MaxRunAgeHours) * time.Hour
		}

		workDir := cfg.WorkDir
		if workDir == "" {
			workDir = "."
		}

		probes := preflight.Probes{
			DiskUsage:   preflight.DiskUsageProbe(workDir),
			MemoryUsage: preflight.MemoryUsageProbe(),
		}
		if q != nil {
			probes.PingDatastore = q.HealthCheck
		}
		if store, err := openCheckpoint(cfg); err == nil {
			probes.LastRunAge = func(_ context.Context) (time.Duration, error) {
				last := store.LastRun()
				if last.IsZero() {
					return 0, fmt.Errorf("no previous run recorded")
				}
				return time.Since(last), nil
			}
		}

		return preflight.NewGate(pfCfg, probes, nil, preflight.WithLogger(log))
	}
}

// openCheckpoint opens the checkpoint store for one pipeline.
func openCheckpoint(cfg registry.PipelineConfig) (*checkpoint.Store, error) {
	dir := cfg.CheckpointDir
	if dir == "" {
		dir = checkpointDir
	}
	return checkpoint.New(dir, cfg.Name)
}

// buildOrchestrator assembles the full orchestrator for CLI commands.
func buildOrchestrator(ctx context.Context, withGate bool) (*orchestrator.Orchestrator, queue.Queue, error) {
	log, err := buildLogger("orchestrator")
	if err != nil {
		return nil, nil, err
	}

	reg, err := openRegistry()
	if err != nil {
		return nil, nil, err
	}

	q, err := openQueue(ctx)
	if err != nil {
		return nil, nil, err
	}

	opts := []orchestrator.Option{
		orchestrator.WithQueue(q),
		orchestrator.WithCheckpointDir(checkpointDir),
		orchestrator.WithLogger(log),
	}
	if withGate {
		opts = append(opts, orchestrator.WithGateBuilder(gateBuilder(q, log)))
	}

	return orchestrator.New(reg, opts...), q, nil
}

// printJSON renders v as indented JSON on stdout.
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
