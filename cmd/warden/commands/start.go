package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pipewarden/pipewarden/pkg/orchestrator"
)

func newStartCommand() *cobra.Command {
	var (
		resume        bool
		urls          []string
		urlsFile      string
		priority      int
		skipPreflight bool
	)

	cmd := &cobra.Command{
		Use:   "start <pipeline>",
		Short: "Start or resume a pipeline run",
		Long: `Start a pipeline run in its configured execution mode.

Single-mode pipelines are launched as a detached process with the run
id injected through the configured environment variable. Distributed
pipelines have their URLs enqueued for the worker fleet instead.

The preflight gate runs first; a critical failure blocks the run.`,
		Example: `  # Start a fresh run
  warden start authors

  # Resume the previous run after a crash
  warden start authors --resume

  # Enqueue work for a distributed pipeline
  warden start books --url https://example.com/p/1 --url https://example.com/p/2
  warden start books --urls-file urls.txt`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			ctx := cmd.Context()

			if urlsFile != "" {
				fileURLs, err := readURLsFile(urlsFile)
				if err != nil {
					return err
				}
				urls = append(urls, fileURLs...)
			}

			orch, q, err := buildOrchestrator(ctx, true)
			if err != nil {
				return err
			}
			defer func() { _ = q.Close() }()

			result, _ := orch.Start(ctx, name, orchestrator.StartOptions{
				Resume:        resume,
				URLs:          urls,
				Priority:      priority,
				SkipPreflight: skipPreflight,
			})

			if jsonOutput {
				if err := printJSON(result); err != nil {
					return err
				}
			} else {
				printStartResult(result)
			}

			if result.Status == orchestrator.StatusError || result.Status == orchestrator.StatusBlocked {
				return fmt.Errorf("run not started: %s", result.Message)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&resume, "resume", false, "resume the previous run")
	cmd.Flags().StringSliceVar(&urls, "url", nil, "URL to enqueue (distributed mode, repeatable)")
	cmd.Flags().StringVar(&urlsFile, "urls-file", "", "file with one URL per line")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority for enqueued items")
	cmd.Flags().BoolVar(&skipPreflight, "skip-preflight", false, "bypass the preflight gate")

	return cmd
}

func printStartResult(result orchestrator.StartResult) {
	fmt.Printf("pipeline: %s\n", result.Pipeline)
	fmt.Printf("status:   %s\n", result.Status)
	if result.RunID != "" {
		fmt.Printf("run id:   %s\n", result.RunID)
	}
	if result.PID != 0 {
		fmt.Printf("pid:      %d\n", result.PID)
	}
	if result.Stats != nil {
		fmt.Printf("queue:    %d enqueued, %d remaining\n", result.EnqueuedCount, result.Stats.Remaining)
	}
	if result.WorkerCommand != "" {
		fmt.Printf("workers:  %s\n", result.WorkerCommand)
	}
	if result.Message != "" {
		fmt.Printf("message:  %s\n", result.Message)
	}
}

// readURLsFile reads one URL per line, skipping blanks and # comments.
func readURLsFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open urls file: %w", err)
	}
	defer f.Close()

	urls := []string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read urls file: %w", err)
	}
	return urls, nil
}
