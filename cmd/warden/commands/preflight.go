package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pipewarden/pipewarden/pkg/preflight"
)

func newPreflightCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "preflight <pipeline>",
		Short: "Run the health gate without starting the pipeline",
		Example: `  warden preflight books
  warden preflight books --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			ctx := cmd.Context()

			log, err := buildLogger("preflight")
			if err != nil {
				return err
			}

			reg, err := openRegistry()
			if err != nil {
				return err
			}
			cfg, err := reg.Get(name)
			if err != nil {
				return err
			}

			q, err := openQueue(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = q.Close() }()

			gate := gateBuilder(q, log)(cfg)
			results := gate.Run(ctx)

			if jsonOutput {
				if err := printJSON(results); err != nil {
					return err
				}
			} else {
				for _, r := range results {
					mark := "ok"
					switch {
					case r.Skipped:
						mark = "skip"
					case !r.Passed && r.Severity == preflight.SeverityCritical:
						mark = "FAIL"
					case !r.Passed && r.Severity == preflight.SeverityInfo:
						mark = "info"
					case !r.Passed:
						mark = "warn"
					}
					fmt.Printf("%-6s %-16s %s\n", mark, r.Name, r.Message)
				}
				fmt.Println(preflight.Summarize(results))
			}

			if preflight.HasCriticalFailures(results) {
				return fmt.Errorf("preflight failed: %s", preflight.Summarize(results))
			}
			return nil
		},
	}

	return cmd
}
