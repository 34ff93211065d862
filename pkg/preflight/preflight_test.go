package preflight

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthyProbes() Probes {
	return Probes{
		PingDatastore:  func(_ context.Context) error { return nil },
		DiskUsage:      func(_ context.Context) (float64, error) { return 0.40, nil },
		MemoryUsage:    func(_ context.Context) (float64, error) { return 0.50, nil },
		CountInputRows: func(_ context.Context) (int64, error) { return 1200, nil },
	}
}

func resultByName(t *testing.T, results []CheckResult, name string) CheckResult {
	t.Helper()
	for _, r := range results {
		if r.Name == name {
			return r
		}
	}
	t.Fatalf("no result named %s", name)
	return CheckResult{}
}

func TestAllChecksPass(t *testing.T) {
	gate := NewGate(DefaultConfig(), healthyProbes(), nil)

	results := gate.Run(context.Background())

	require.Len(t, results, 5)
	assert.False(t, HasCriticalFailures(results))
	for _, r := range results {
		assert.True(t, r.Passed, "check %s should pass", r.Name)
	}
}

func TestDatastoreDownBlocksRun(t *testing.T) {
	probes := healthyProbes()
	probes.PingDatastore = func(_ context.Context) error {
		return errors.New("connection refused")
	}
	gate := NewGate(DefaultConfig(), probes, nil)

	results := gate.Run(context.Background())

	assert.True(t, HasCriticalFailures(results))
	r := resultByName(t, results, "datastore")
	assert.False(t, r.Passed)
	assert.Equal(t, SeverityCritical, r.Severity)
	assert.Contains(t, r.Message, "connection refused")
}

func TestDiskThreshold(t *testing.T) {
	probes := healthyProbes()
	probes.DiskUsage = func(_ context.Context) (float64, error) { return 0.95, nil }
	gate := NewGate(DefaultConfig(), probes, nil)

	results := gate.Run(context.Background())

	assert.True(t, HasCriticalFailures(results))
	r := resultByName(t, results, "disk")
	assert.False(t, r.Passed)
	assert.Contains(t, r.Message, "95%")
}

func TestMemoryWarningDoesNotBlock(t *testing.T) {
	probes := healthyProbes()
	probes.MemoryUsage = func(_ context.Context) (float64, error) { return 0.97, nil }
	gate := NewGate(DefaultConfig(), probes, nil)

	results := gate.Run(context.Background())

	assert.False(t, HasCriticalFailures(results), "warning severity must not block")
	r := resultByName(t, results, "memory")
	assert.False(t, r.Passed)
	assert.Equal(t, SeverityWarning, r.Severity)
}

func TestEmptyInputWarnsWithoutBlocking(t *testing.T) {
	probes := healthyProbes()
	probes.CountInputRows = func(_ context.Context) (int64, error) { return 0, nil }
	gate := NewGate(DefaultConfig(), probes, nil)

	results := gate.Run(context.Background())

	assert.False(t, HasCriticalFailures(results), "empty input must not block")
	r := resultByName(t, results, "input_rows")
	assert.False(t, r.Passed)
	assert.Equal(t, SeverityWarning, r.Severity)
}

func TestStaleLastRunIsInfo(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRunAge = 24 * time.Hour

	probes := healthyProbes()
	probes.LastRunAge = func(_ context.Context) (time.Duration, error) {
		return 72 * time.Hour, nil
	}
	gate := NewGate(cfg, probes, nil)

	results := gate.Run(context.Background())

	assert.False(t, HasCriticalFailures(results))
	r := resultByName(t, results, "last_run_age")
	assert.False(t, r.Passed)
	assert.Equal(t, SeverityInfo, r.Severity)
}

func TestNilProbeSkips(t *testing.T) {
	gate := NewGate(DefaultConfig(), Probes{}, nil)

	results := gate.Run(context.Background())

	assert.False(t, HasCriticalFailures(results), "skipped checks never block")
	for _, r := range results {
		assert.True(t, r.Skipped, "check %s should be skipped", r.Name)
	}
}

func TestRequiredTools(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RequiredTools = []string{"scraperctl", "exportctl"}

	probes := healthyProbes()
	probes.LookTool = func(name string) (string, error) {
		if name == "scraperctl" {
			return "/usr/local/bin/scraperctl", nil
		}
		return "", errors.New("not found")
	}
	gate := NewGate(cfg, probes, nil)

	results := gate.Run(context.Background())

	assert.True(t, HasCriticalFailures(results))
	assert.True(t, resultByName(t, results, "tool:scraperctl").Passed)
	assert.False(t, resultByName(t, results, "tool:exportctl").Passed)
}

func TestPanickingProbeIsContained(t *testing.T) {
	extra := []Check{{
		Name:     "custom",
		Severity: SeverityWarning,
		Probe: func(_ context.Context) (string, error) {
			panic("probe exploded")
		},
	}}
	gate := NewGate(DefaultConfig(), healthyProbes(), extra)

	var results []CheckResult
	require.NotPanics(t, func() {
		results = gate.Run(context.Background())
	})

	r := resultByName(t, results, "custom")
	assert.False(t, r.Passed)
	assert.Contains(t, r.Message, "probe exploded")
	assert.False(t, HasCriticalFailures(results))
}

func TestProbeErrorIsFailure(t *testing.T) {
	probes := healthyProbes()
	probes.DiskUsage = func(_ context.Context) (float64, error) {
		return 0, fmt.Errorf("statfs: permission denied")
	}
	gate := NewGate(DefaultConfig(), probes, nil)

	results := gate.Run(context.Background())

	r := resultByName(t, results, "disk")
	assert.False(t, r.Passed)
	assert.Contains(t, r.Message, "permission denied")
}

func TestSummarize(t *testing.T) {
	results := []CheckResult{
		{Name: "a", Passed: true},
		{Name: "b", Passed: false, Severity: SeverityCritical},
		{Name: "c", Passed: false, Severity: SeverityWarning},
		{Name: "d", Passed: true, Skipped: true},
		{Name: "e", Passed: false, Severity: SeverityInfo},
	}

	s := Summarize(results)
	assert.Contains(t, s, "1 passed")
	assert.Contains(t, s, "1 warnings")
	assert.Contains(t, s, "1 info")
	assert.Contains(t, s, "1 critical")
	assert.Contains(t, s, "1 skipped")
	assert.Contains(t, s, "b")
	assert.Contains(t, s, "c")
	assert.Contains(t, s, "e")
}
