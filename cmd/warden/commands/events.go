package commands

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/pipewarden/pipewarden/pkg/checkpoint"
	"github.com/pipewarden/pipewarden/pkg/registry"
)

func newEventsCommand() *cobra.Command {
	var (
		limit  int
		runID  string
		follow bool
	)

	cmd := &cobra.Command{
		Use:   "events <pipeline>",
		Short: "Show the pipeline event timeline",
		Long: `Print recent events from the pipeline checkpoint: step starts and
completions, status changes, and recorded errors.

With --follow the command watches the checkpoint file and streams new
events as they are persisted.`,
		Example: `  warden events books
  warden events books --limit 20 --run-id 2f9c...
  warden events books --follow`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]

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

			events := store.Events(limit, runID)
			if jsonOutput && !follow {
				return printJSON(events)
			}
			lastSeq := int64(0)
			for _, ev := range events {
				printEvent(ev)
				lastSeq = ev.Seq
			}

			if !follow {
				return nil
			}
			return followEvents(cmd, cfg, store.Path(), runID, lastSeq)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "maximum events to show")
	cmd.Flags().StringVar(&runID, "run-id", "", "filter by run id")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "stream new events")

	return cmd
}

// followEvents watches the checkpoint directory and prints events with
// a sequence number beyond lastSeq. The directory is watched rather
// than the file because persistence replaces the file by rename.
func followEvents(cmd *cobra.Command, cfg registry.PipelineConfig, path, runID string, lastSeq int64) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch checkpoint directory: %w", err)
	}

	ctx := cmd.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != path {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}

			store, err := openCheckpoint(cfg)
			if err != nil {
				continue
			}
			for _, ev := range store.Events(0, runID) {
				if ev.Seq <= lastSeq {
					continue
				}
				printEvent(ev)
				lastSeq = ev.Seq
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch error: %w", err)
		}
	}
}

func printEvent(ev checkpoint.Event) {
	line := fmt.Sprintf("%s  %-16s", ev.Timestamp.Format("2006-01-02 15:04:05"), ev.Type)
	if ev.StepName != "" {
		line += fmt.Sprintf("  step=%d/%s", ev.StepNumber, ev.StepName)
	}
	if ev.Status != "" {
		line += "  status=" + ev.Status
	}
	if ev.Message != "" {
		line += "  " + ev.Message
	}
	fmt.Println(line)
}
