// Package orchestrator routes pipeline run requests to their execution
// mode: single-process pipelines get a detached subprocess, distributed
// pipelines get their work enqueued for a worker fleet. Every failure
// mode comes back as a structured result so callers can render it
// without unwinding.
package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/pipewarden/pipewarden/pkg/checkpoint"
	"github.com/pipewarden/pipewarden/pkg/preflight"
	"github.com/pipewarden/pipewarden/pkg/queue"
	"github.com/pipewarden/pipewarden/pkg/registry"
	"github.com/pipewarden/pipewarden/pkg/telemetry"
)

// Run start statuses.
const (
	StatusStarted = "started"
	StatusQueued  = "queued"
	StatusBlocked = "blocked"
	StatusError   = "error"
)

// StartOptions controls a run request.
type StartOptions struct {
	// Resume continues the previous run instead of starting fresh.
	Resume bool

	// URLs are the items enqueued for a distributed run.
	URLs []string

	// Priority applies to every enqueued item.
	Priority int

	// SkipPreflight bypasses the health gate.
	SkipPreflight bool
}

// StartResult is the structured outcome of a run request.
type StartResult struct {
	Status   string `json:"status"`
	Pipeline string `json:"pipeline"`
	RunID    string `json:"run_id,omitempty"`
	Message  string `json:"message,omitempty"`

	// PID is set for single-mode runs.
	PID int `json:"pid,omitempty"`

	// EnqueuedCount and Stats are set for distributed runs.
	EnqueuedCount int          `json:"enqueued_count,omitempty"`
	Stats         *queue.Stats `json:"stats,omitempty"`

	// WorkerCommand is the suggested worker invocation for a
	// distributed run.
	WorkerCommand string `json:"worker_command,omitempty"`

	// Preflight carries the gate results when the gate ran.
	Preflight []preflight.CheckResult `json:"preflight,omitempty"`
}

// GateBuilder constructs the preflight gate for one pipeline.
type GateBuilder func(cfg registry.PipelineConfig) *preflight.Gate

// Orchestrator coordinates run requests across pipelines.
type Orchestrator struct {
	reg           *registry.Registry
	queue         queue.Queue
	launcher      Launcher
	checkpointDir string
	buildGate     GateBuilder
	log           *telemetry.Logger
	metrics       *telemetry.Metrics
	tracer        *telemetry.Tracer
	newRunID      func() string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithQueue sets the work queue used by distributed pipelines.
func WithQueue(q queue.Queue) Option {
	return func(o *Orchestrator) { o.queue = q }
}

// WithLauncher sets the process launcher for single-mode pipelines.
func WithLauncher(l Launcher) Option {
	return func(o *Orchestrator) { o.launcher = l }
}

// WithCheckpointDir sets the directory checkpoint files live in.
func WithCheckpointDir(dir string) Option {
	return func(o *Orchestrator) { o.checkpointDir = dir }
}

// WithGateBuilder sets the preflight gate factory. Without one the
// gate is skipped.
func WithGateBuilder(b GateBuilder) Option {
	return func(o *Orchestrator) { o.buildGate = b }
}

// WithLogger sets the orchestrator logger.
func WithLogger(log *telemetry.Logger) Option {
	return func(o *Orchestrator) { o.log = log }
}

// WithMetrics records run outcomes to the metrics registry.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTracer traces run requests.
func WithTracer(t *telemetry.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithRunIDGenerator overrides run id generation.
func WithRunIDGenerator(gen func() string) Option {
	return func(o *Orchestrator) { o.newRunID = gen }
}

// New creates an orchestrator over the given registry.
func New(reg *registry.Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		reg:           reg,
		launcher:      NewExecLauncher(),
		checkpointDir: ".",
		newRunID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start routes a run request by the pipeline's mode. Configuration
// problems and a refused preflight gate come back as structured
// results; the error carries the same classification for callers that
// branch on it.
func (o *Orchestrator) Start(ctx context.Context, name string, opts StartOptions) (StartResult, error) {
	if o.tracer != nil {
		var span trace.Span
		ctx, span = o.tracer.StartRunSpan(ctx, "", name)
		defer span.End()
	}

	cfg, err := o.reg.Get(name)
	if err != nil {
		rerr := NewConfigError("unknown pipeline", err).WithPipeline(name).WithOperation("start")
		return StartResult{Status: StatusError, Pipeline: name, Message: rerr.Error()}, rerr
	}

	result := StartResult{Pipeline: name}

	if o.buildGate != nil && !opts.SkipPreflight {
		gate := o.buildGate(cfg)
		checks := gate.Run(ctx)
		result.Preflight = checks
		if preflight.HasCriticalFailures(checks) {
			rerr := NewBlockedError(preflight.Summarize(checks), nil).WithPipeline(name)
			result.Status = StatusBlocked
			result.Message = rerr.Message
			return result, rerr
		}
	}

	store, err := o.openStore(cfg)
	if err != nil {
		rerr := NewPermanentError("failed to open checkpoint", err).WithPipeline(name).WithOperation("start")
		result.Status = StatusError
		result.Message = rerr.Error()
		return result, rerr
	}

	runID, resuming := o.resolveRun(store, opts)
	result.RunID = runID

	switch cfg.Mode {
	case registry.ModeDistributed:
		return o.startDistributed(ctx, cfg, store, result, opts, resuming)
	case registry.ModeSingle:
		return o.startSingle(ctx, cfg, store, result, resuming)
	default:
		rerr := NewConfigError(fmt.Sprintf("unknown mode %q", cfg.Mode), nil).WithPipeline(name)
		result.Status = StatusError
		result.Message = rerr.Error()
		return result, rerr
	}
}

// resolveRun picks the run id: the previous run when resuming a
// resumable checkpoint, a fresh id otherwise.
func (o *Orchestrator) resolveRun(store *checkpoint.Store, opts StartOptions) (string, bool) {
	if opts.Resume && store.IsResumable() && store.RunID() != "" {
		return store.RunID(), true
	}
	return o.newRunID(), false
}

func (o *Orchestrator) startSingle(ctx context.Context, cfg registry.PipelineConfig, store *checkpoint.Store, result StartResult, resuming bool) (StartResult, error) {
	command := append([]string{}, cfg.Command...)
	if resuming {
		command = append(command, cfg.ResumeFlag)
	}

	logPath := ""
	if cfg.WorkDir != "" {
		logPath = filepath.Join(cfg.WorkDir, fmt.Sprintf("%s-%s.log", cfg.Name, result.RunID))
	}

	pid, err := o.launcher.Launch(ctx, LaunchSpec{
		Command: command,
		Dir:     cfg.WorkDir,
		Env:     []string{fmt.Sprintf("%s=%s", cfg.RunIDEnv, result.RunID)},
		LogPath: logPath,
	})
	if err != nil {
		rerr := NewPermanentError("failed to launch pipeline", err).WithPipeline(cfg.Name).WithOperation("launch")
		result.Status = StatusError
		result.Message = rerr.Error()
		return result, rerr
	}

	store.MarkRunning(result.RunID, store.NextStep())

	if o.metrics != nil {
		o.metrics.RecordRunStarted(cfg.Name, cfg.Mode)
	}
	if o.log != nil {
		o.log.WithScraper(cfg.Name).WithRunID(result.RunID).
			Infof("launched pipeline process pid=%d resume=%v", pid, resuming)
	}

	result.Status = StatusStarted
	result.PID = pid
	result.Message = fmt.Sprintf("pipeline %s running as pid %d", cfg.Name, pid)
	return result, nil
}

func (o *Orchestrator) startDistributed(ctx context.Context, cfg registry.PipelineConfig, store *checkpoint.Store, result StartResult, opts StartOptions, resuming bool) (StartResult, error) {
	if o.queue == nil {
		rerr := NewConfigError("no work queue configured for distributed mode", nil).WithPipeline(cfg.Name)
		result.Status = StatusError
		result.Message = rerr.Error()
		return result, rerr
	}
	if len(opts.URLs) == 0 && !resuming {
		rerr := NewConfigError("distributed run needs urls to enqueue", nil).WithPipeline(cfg.Name)
		result.Status = StatusError
		result.Message = rerr.Error()
		return result, rerr
	}

	enqueued := 0
	if len(opts.URLs) > 0 {
		var err error
		enqueued, err = o.queue.Enqueue(ctx, queue.EnqueueRequest{
			RunID:       result.RunID,
			ScraperName: cfg.Name,
			URLs:        opts.URLs,
			Priority:    opts.Priority,
			MaxRetries:  cfg.Queue.MaxRetries,
		})
		if err != nil {
			rerr := NewTransientError("failed to enqueue work", err).WithPipeline(cfg.Name).WithOperation("enqueue")
			result.Status = StatusError
			result.Message = rerr.Error()
			return result, rerr
		}
	}

	stats, err := o.queue.Stats(ctx, result.RunID, cfg.Name)
	if err != nil {
		rerr := NewTransientError("failed to read queue stats", err).WithPipeline(cfg.Name).WithOperation("stats")
		result.Status = StatusError
		result.Message = rerr.Error()
		return result, rerr
	}

	store.MarkRunning(result.RunID, store.NextStep())

	if o.metrics != nil {
		o.metrics.RecordRunStarted(cfg.Name, cfg.Mode)
		o.metrics.RecordItemsEnqueued(cfg.Name, enqueued)
	}
	if o.log != nil {
		o.log.WithScraper(cfg.Name).WithRunID(result.RunID).
			Infof("enqueued %d items (%d remaining), resume=%v", enqueued, stats.Remaining, resuming)
	}

	result.Status = StatusQueued
	result.EnqueuedCount = enqueued
	result.Stats = &stats
	result.WorkerCommand = workerCommand(cfg.Name, result.RunID)
	result.Message = fmt.Sprintf("%d items enqueued for %s, %d remaining", enqueued, cfg.Name, stats.Remaining)
	return result, nil
}

// Stats reports queue progress for a distributed run.
func (o *Orchestrator) Stats(ctx context.Context, name, runID string) (queue.Stats, error) {
	cfg, err := o.reg.Get(name)
	if err != nil {
		return queue.Stats{}, NewConfigError("unknown pipeline", err).WithPipeline(name).WithOperation("stats")
	}
	if cfg.Mode != registry.ModeDistributed {
		return queue.Stats{}, NewConfigError("stats are only available for distributed pipelines", nil).WithPipeline(name)
	}
	if o.queue == nil {
		return queue.Stats{}, NewConfigError("no work queue configured", nil).WithPipeline(name)
	}

	if runID == "" {
		store, err := o.openStore(cfg)
		if err != nil {
			return queue.Stats{}, NewPermanentError("failed to open checkpoint", err).WithPipeline(name)
		}
		runID = store.RunID()
		if runID == "" {
			return queue.Stats{}, NewConfigError("no run recorded for pipeline", nil).WithPipeline(name)
		}
	}

	stats, err := o.queue.Stats(ctx, runID, name)
	if err != nil {
		return queue.Stats{}, NewTransientError("failed to read queue stats", err).WithPipeline(name)
	}
	return stats, nil
}

// Sweep releases expired leases for the named pipeline and returns the
// number of items returned to pending.
func (o *Orchestrator) Sweep(ctx context.Context, name string) (int, error) {
	cfg, err := o.reg.Get(name)
	if err != nil {
		return 0, NewConfigError("unknown pipeline", err).WithPipeline(name).WithOperation("sweep")
	}
	if cfg.Mode != registry.ModeDistributed || o.queue == nil {
		return 0, nil
	}

	released, err := o.queue.ReleaseExpiredLeases(ctx, cfg.Queue.Lease())
	if err != nil {
		return 0, NewTransientError("failed to release expired leases", err).WithPipeline(name)
	}
	if released > 0 {
		if o.metrics != nil {
			o.metrics.RecordLeasesReleased(cfg.Name, released)
		}
		if o.log != nil {
			o.log.WithScraper(cfg.Name).Warnf("released %d expired leases", released)
		}
	}
	return released, nil
}

func (o *Orchestrator) openStore(cfg registry.PipelineConfig) (*checkpoint.Store, error) {
	dir := cfg.CheckpointDir
	if dir == "" {
		dir = o.checkpointDir
	}
	opts := []checkpoint.Option{}
	if o.log != nil {
		opts = append(opts, checkpoint.WithLogger(o.log))
	}
	return checkpoint.New(dir, cfg.Name, opts...)
}

func workerCommand(pipeline, runID string) string {
	return strings.Join([]string{
		"warden", "worker",
		"--pipeline", pipeline,
		"--run-id", runID,
	}, " ")
}
