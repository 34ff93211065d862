package commands

import (
	"context"
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	registryPath  string
	checkpointDir string
	queueDBPath   string
	verbose       bool
	jsonOutput    bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	// Missing .env is fine; explicit env always wins
	_ = godotenv.Load()

	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "warden",
		Short: "PipeWarden - Scraper Pipeline Orchestrator",
		Long: `PipeWarden orchestrates long-running scraper pipelines with durable
checkpoints and a datastore-backed distributed work queue.

Features:
  - Crash-safe checkpoint/resume per pipeline
  - Atomic work claims with lease-based recovery
  - Single-process and distributed execution modes
  - Preflight health gate before every run
  - Structured event log per pipeline`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&registryPath, "registry", "r", "pipelines.yaml", "pipeline registry file")
	rootCmd.PersistentFlags().StringVar(&checkpointDir, "checkpoint-dir", ".warden", "checkpoint directory")
	rootCmd.PersistentFlags().StringVar(&queueDBPath, "queue-db", ".warden/queue.db", "SQLite queue database path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newStartCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newWorkerCommand())
	rootCmd.AddCommand(newSweepCommand())
	rootCmd.AddCommand(newPreflightCommand())
	rootCmd.AddCommand(newEventsCommand())

	return rootCmd
}
