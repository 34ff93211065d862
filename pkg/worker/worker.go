// Package worker runs the claim/process/complete loop of a distributed
// pipeline. Each worker is an independent process; it coordinates with
// its peers only through the work queue datastore.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/pipewarden/pipewarden/pkg/hooks"
	"github.com/pipewarden/pipewarden/pkg/queue"
	"github.com/pipewarden/pipewarden/pkg/telemetry"
)

// Processor handles one claimed work item. A returned error marks the
// item failed and spends one retry; the worker itself keeps going.
type Processor interface {
	Process(ctx context.Context, item queue.WorkItem) error
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, item queue.WorkItem) error

// Process implements Processor.
func (f ProcessorFunc) Process(ctx context.Context, item queue.WorkItem) error {
	return f(ctx, item)
}

// Config tunes the worker loop.
type Config struct {
	Pipeline string
	RunID    string

	// WorkerID identifies this worker in claim rows. Generated when
	// empty.
	WorkerID string

	BatchSize int

	// IdleBackoff is the pause after an empty claim before polling
	// again.
	IdleBackoff time.Duration

	// MaxIdlePolls is how many consecutive empty claims the worker
	// tolerates before treating the queue as drained and exiting.
	MaxIdlePolls int
}

func (c *Config) applyDefaults() {
	if c.WorkerID == "" {
		c.WorkerID = "worker-" + uuid.NewString()
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.IdleBackoff <= 0 {
		c.IdleBackoff = 2 * time.Second
	}
	if c.MaxIdlePolls <= 0 {
		c.MaxIdlePolls = 3
	}
}

// Summary is the final tally of one worker's loop.
type Summary struct {
	WorkerID  string `json:"worker_id"`
	Claimed   int    `json:"claimed"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
}

// Worker pulls batches from the queue until it drains or the context
// is canceled.
type Worker struct {
	queue   queue.Queue
	proc    Processor
	cfg     Config
	hooks   *hooks.Registry
	log     *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// Option configures a Worker.
type Option func(*Worker)

// WithHooks emits step lifecycle callbacks per processed item.
func WithHooks(r *hooks.Registry) Option {
	return func(w *Worker) { w.hooks = r }
}

// WithLogger sets the worker logger.
func WithLogger(log *telemetry.Logger) Option {
	return func(w *Worker) { w.log = log }
}

// WithMetrics records claim and completion counts.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// WithTracer traces claim batches.
func WithTracer(t *telemetry.Tracer) Option {
	return func(w *Worker) { w.tracer = t }
}

// New creates a worker over the given queue and processor.
func New(q queue.Queue, proc Processor, cfg Config, opts ...Option) (*Worker, error) {
	if q == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if proc == nil {
		return nil, fmt.Errorf("processor is required")
	}
	if cfg.Pipeline == "" || cfg.RunID == "" {
		return nil, fmt.Errorf("pipeline and run id are required")
	}
	cfg.applyDefaults()

	w := &Worker{
		queue: q,
		proc:  proc,
		cfg:   cfg,
		now:   time.Now,
		sleep: sleepCtx,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Run executes the claim loop until the queue drains or ctx is
// canceled. The summary is valid either way.
func (w *Worker) Run(ctx context.Context) (Summary, error) {
	summary := Summary{WorkerID: w.cfg.WorkerID}
	idle := 0

	for {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		items, err := w.claim(ctx)
		if err != nil {
			// Claim failures are transient by construction; back off
			// and retry rather than dying mid-run.
			w.warnf("claim failed: %v", err)
			if serr := w.sleep(ctx, w.cfg.IdleBackoff); serr != nil {
				return summary, serr
			}
			continue
		}

		if len(items) == 0 {
			idle++
			if idle >= w.cfg.MaxIdlePolls {
				w.infof("queue drained after %d items", summary.Completed+summary.Failed)
				return summary, nil
			}
			if serr := w.sleep(ctx, w.cfg.IdleBackoff); serr != nil {
				return summary, serr
			}
			continue
		}
		idle = 0
		summary.Claimed += len(items)

		for _, item := range items {
			if err := ctx.Err(); err != nil {
				return summary, err
			}
			if w.processOne(ctx, item) {
				summary.Completed++
			} else {
				summary.Failed++
			}
		}
	}
}

func (w *Worker) claim(ctx context.Context) ([]queue.WorkItem, error) {
	start := w.now()
	if w.tracer != nil {
		var span trace.Span
		ctx, span = w.tracer.StartClaimSpan(ctx, w.cfg.WorkerID, w.cfg.BatchSize)
		defer span.End()
	}

	items, err := w.queue.ClaimBatch(ctx, queue.ClaimRequest{
		WorkerID:    w.cfg.WorkerID,
		ScraperName: w.cfg.Pipeline,
		RunID:       w.cfg.RunID,
		BatchSize:   w.cfg.BatchSize,
	})
	if err != nil {
		return nil, err
	}

	if w.metrics != nil {
		w.metrics.RecordItemsClaimed(w.cfg.Pipeline, len(items))
		w.metrics.RecordClaimDuration("queue", time.Since(start))
	}
	return items, nil
}

// processOne runs the processor inside a recovery boundary and records
// the outcome. Returns true on success.
func (w *Worker) processOne(ctx context.Context, item queue.WorkItem) (ok bool) {
	started := w.now()
	w.emitStart(item, started)

	err := w.runProcessor(ctx, item)
	finished := w.now()

	if err != nil {
		w.emitError(item, started, finished, err)
		if cerr := w.queue.Complete(ctx, item.ID, false, err.Error()); cerr != nil {
			w.warnf("failed to record item failure id=%d: %v", item.ID, cerr)
		}
		if w.metrics != nil {
			w.metrics.RecordItemCompleted(w.cfg.Pipeline, "failure")
		}
		w.warnf("item %d failed (retry %d/%d): %v", item.ID, item.RetryCount+1, item.MaxRetries, err)
		return false
	}

	w.emitEnd(item, started, finished)
	if cerr := w.queue.Complete(ctx, item.ID, true, ""); cerr != nil {
		w.warnf("failed to record item completion id=%d: %v", item.ID, cerr)
	}
	if w.metrics != nil {
		w.metrics.RecordItemCompleted(w.cfg.Pipeline, "success")
	}
	return true
}

func (w *Worker) runProcessor(ctx context.Context, item queue.WorkItem) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panicked: %v", r)
		}
	}()
	return w.proc.Process(ctx, item)
}

func (w *Worker) stepMetrics(item queue.WorkItem, started, finished time.Time) hooks.StepMetrics {
	return hooks.StepMetrics{
		StepNumber: int(item.ID),
		StepName:   item.URL,
		RunID:      w.cfg.RunID,
		Scraper:    w.cfg.Pipeline,
		StartedAt:  started,
		FinishedAt: finished,
		Duration:   finished.Sub(started),
		Context: map[string]interface{}{
			"worker_id":   w.cfg.WorkerID,
			"retry_count": item.RetryCount,
		},
	}
}

func (w *Worker) emitStart(item queue.WorkItem, started time.Time) {
	if w.hooks != nil {
		w.hooks.EmitStepStart(w.stepMetrics(item, started, started))
	}
}

func (w *Worker) emitEnd(item queue.WorkItem, started, finished time.Time) {
	if w.hooks != nil {
		w.hooks.EmitStepEnd(w.stepMetrics(item, started, finished))
	}
}

func (w *Worker) emitError(item queue.WorkItem, started, finished time.Time, err error) {
	if w.hooks != nil {
		w.hooks.EmitStepError(w.stepMetrics(item, started, finished), err)
	}
}

func (w *Worker) infof(format string, args ...interface{}) {
	if w.log != nil {
		w.log.WithWorkerID(w.cfg.WorkerID).Infof(format, args...)
	}
}

func (w *Worker) warnf(format string, args ...interface{}) {
	if w.log != nil {
		w.log.WithWorkerID(w.cfg.WorkerID).Warnf(format, args...)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
