// Package preflight runs environment health checks before a pipeline
// run is allowed to start. Checks are graded by severity: a critical
// failure blocks the run, warnings and info findings are surfaced but
// do not.
package preflight

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pipewarden/pipewarden/pkg/telemetry"
)

// Severity grades a check outcome.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// CheckResult is the outcome of a single preflight check.
type CheckResult struct {
	Name     string        `json:"name"`
	Severity Severity      `json:"severity"`
	Passed   bool          `json:"passed"`
	Skipped  bool          `json:"skipped"`
	Message  string        `json:"message"`
	Duration time.Duration `json:"duration"`
}

// Check pairs a named probe with its severity. The probe returns a
// human-readable detail message on success and an error on failure.
type Check struct {
	Name     string
	Severity Severity
	Probe    func(ctx context.Context) (string, error)
}

// Probes are the measurement functions the built-in checks are
// assembled from. Any nil probe turns its check into a skip, so
// callers only wire what their environment can answer.
type Probes struct {
	// PingDatastore verifies the queue datastore is reachable.
	PingDatastore func(ctx context.Context) error

	// DiskUsage returns the used fraction (0..1) of the work volume.
	DiskUsage func(ctx context.Context) (float64, error)

	// MemoryUsage returns the used fraction (0..1) of system memory.
	MemoryUsage func(ctx context.Context) (float64, error)

	// LookTool resolves an external tool name to a path.
	LookTool func(name string) (string, error)

	// CountInputRows returns the number of input rows staged for the run.
	CountInputRows func(ctx context.Context) (int64, error)

	// LastRunAge returns how long ago the pipeline last completed.
	LastRunAge func(ctx context.Context) (time.Duration, error)
}

// Config holds the thresholds the built-in checks grade against.
type Config struct {
	DiskThreshold   float64       // used fraction above which disk is critical
	MemoryThreshold float64       // used fraction above which memory is a warning
	MinInputRows    int64         // below this the input check warns
	MaxRunAge       time.Duration // older than this is an info finding; 0 disables
	RequiredTools   []string      // external binaries that must resolve
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		DiskThreshold:   0.90,
		MemoryThreshold: 0.90,
		MinInputRows:    1,
		MaxRunAge:       0,
	}
}

// Gate runs a fixed set of checks and decides whether a run may start.
type Gate struct {
	checks  []Check
	log     *telemetry.Logger
	metrics *telemetry.Metrics
}

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the gate logger.
func WithLogger(log *telemetry.Logger) Option {
	return func(g *Gate) { g.log = log }
}

// WithMetrics records check outcomes to the metrics registry.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

// NewGate builds a gate from the built-in checks plus any extras.
func NewGate(cfg Config, probes Probes, extra []Check, opts ...Option) *Gate {
	g := &Gate{checks: buildChecks(cfg, probes)}
	g.checks = append(g.checks, extra...)
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func buildChecks(cfg Config, p Probes) []Check {
	checks := []Check{
		{
			Name:     "datastore",
			Severity: SeverityCritical,
			Probe: func(ctx context.Context) (string, error) {
				if p.PingDatastore == nil {
					return "", errSkip
				}
				if err := p.PingDatastore(ctx); err != nil {
					return "", fmt.Errorf("datastore unreachable: %w", err)
				}
				return "datastore reachable", nil
			},
		},
		{
			Name:     "disk",
			Severity: SeverityCritical,
			Probe: func(ctx context.Context) (string, error) {
				if p.DiskUsage == nil {
					return "", errSkip
				}
				used, err := p.DiskUsage(ctx)
				if err != nil {
					return "", fmt.Errorf("failed to read disk usage: %w", err)
				}
				if used > cfg.DiskThreshold {
					return "", fmt.Errorf("disk %.0f%% used, threshold %.0f%%", used*100, cfg.DiskThreshold*100)
				}
				return fmt.Sprintf("disk %.0f%% used", used*100), nil
			},
		},
		{
			Name:     "memory",
			Severity: SeverityWarning,
			Probe: func(ctx context.Context) (string, error) {
				if p.MemoryUsage == nil {
					return "", errSkip
				}
				used, err := p.MemoryUsage(ctx)
				if err != nil {
					return "", fmt.Errorf("failed to read memory usage: %w", err)
				}
				if used > cfg.MemoryThreshold {
					return "", fmt.Errorf("memory %.0f%% used, threshold %.0f%%", used*100, cfg.MemoryThreshold*100)
				}
				return fmt.Sprintf("memory %.0f%% used", used*100), nil
			},
		},
		{
			Name:     "input_rows",
			Severity: SeverityWarning,
			Probe: func(ctx context.Context) (string, error) {
				if p.CountInputRows == nil {
					return "", errSkip
				}
				rows, err := p.CountInputRows(ctx)
				if err != nil {
					return "", fmt.Errorf("failed to count input rows: %w", err)
				}
				if rows < cfg.MinInputRows {
					return "", fmt.Errorf("%d input rows staged, need at least %d", rows, cfg.MinInputRows)
				}
				return fmt.Sprintf("%d input rows staged", rows), nil
			},
		},
		{
			Name:     "last_run_age",
			Severity: SeverityInfo,
			Probe: func(ctx context.Context) (string, error) {
				if p.LastRunAge == nil || cfg.MaxRunAge <= 0 {
					return "", errSkip
				}
				age, err := p.LastRunAge(ctx)
				if err != nil {
					return "", fmt.Errorf("failed to read last run age: %w", err)
				}
				if age > cfg.MaxRunAge {
					return "", fmt.Errorf("last run %s ago, expected within %s", age.Round(time.Minute), cfg.MaxRunAge)
				}
				return fmt.Sprintf("last run %s ago", age.Round(time.Minute)), nil
			},
		},
	}

	for _, tool := range cfg.RequiredTools {
		tool := tool
		checks = append(checks, Check{
			Name:     "tool:" + tool,
			Severity: SeverityCritical,
			Probe: func(_ context.Context) (string, error) {
				look := p.LookTool
				if look == nil {
					look = exec.LookPath
				}
				path, err := look(tool)
				if err != nil {
					return "", fmt.Errorf("tool %q not found in PATH", tool)
				}
				return path, nil
			},
		})
	}

	return checks
}

// errSkip marks a probe whose environment cannot answer it.
var errSkip = fmt.Errorf("check skipped")

// Run executes every check concurrently and returns results in check
// order. A panicking probe is recorded as a failure of that check; it
// never takes the gate down.
func (g *Gate) Run(ctx context.Context) []CheckResult {
	results := make([]CheckResult, len(g.checks))

	grp, ctx := errgroup.WithContext(ctx)
	for i, check := range g.checks {
		i, check := i, check
		grp.Go(func() error {
			results[i] = g.runOne(ctx, check)
			return nil
		})
	}
	_ = grp.Wait()

	for _, r := range results {
		if g.metrics != nil {
			g.metrics.RecordPreflightCheck(r.Name, checkOutcome(r))
		}
		if g.log == nil {
			continue
		}
		switch {
		case r.Skipped:
			g.log.Debugf("preflight %s: skipped", r.Name)
		case r.Passed:
			g.log.Debugf("preflight %s: ok (%s)", r.Name, r.Message)
		case r.Severity == SeverityCritical:
			g.log.Errorf("preflight %s: %s", r.Name, r.Message)
		case r.Severity == SeverityInfo:
			g.log.Infof("preflight %s: %s", r.Name, r.Message)
		default:
			g.log.Warnf("preflight %s: %s", r.Name, r.Message)
		}
	}

	return results
}

func (g *Gate) runOne(ctx context.Context, check Check) (result CheckResult) {
	start := time.Now()
	result = CheckResult{Name: check.Name, Severity: check.Severity}

	defer func() {
		result.Duration = time.Since(start)
		if r := recover(); r != nil {
			result.Passed = false
			result.Skipped = false
			result.Message = fmt.Sprintf("check panicked: %v", r)
		}
	}()

	msg, err := check.Probe(ctx)
	switch {
	case err == errSkip:
		result.Skipped = true
		result.Passed = true
		result.Message = "skipped"
	case err != nil:
		result.Message = err.Error()
	default:
		result.Passed = true
		result.Message = msg
	}
	return result
}

func checkOutcome(r CheckResult) string {
	switch {
	case r.Skipped:
		return "skip"
	case r.Passed:
		return "pass"
	default:
		return "fail"
	}
}

// HasCriticalFailures reports whether any critical check failed.
func HasCriticalFailures(results []CheckResult) bool {
	for _, r := range results {
		if !r.Passed && r.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// Summarize renders a one-line digest of the results.
func Summarize(results []CheckResult) string {
	passed, warned, info, failed, skipped := 0, 0, 0, 0, 0
	names := []string{}
	for _, r := range results {
		switch {
		case r.Skipped:
			skipped++
		case r.Passed:
			passed++
		case r.Severity == SeverityCritical:
			failed++
			names = append(names, r.Name)
		case r.Severity == SeverityInfo:
			info++
			names = append(names, r.Name)
		default:
			warned++
			names = append(names, r.Name)
		}
	}
	s := fmt.Sprintf("%d passed, %d warnings, %d info, %d critical, %d skipped", passed, warned, info, failed, skipped)
	if len(names) > 0 {
		s += " (" + strings.Join(names, ", ") + ")"
	}
	return s
}
