// Package hooks provides an in-process registry for pipeline step
// lifecycle callbacks. Emission is synchronous and callbacks run in
// registration order; a callback that panics is logged and skipped so it
// can never break other subscribers or the pipeline itself.
package hooks

import (
	"fmt"
	"sync"
	"time"

	"github.com/pipewarden/pipewarden/pkg/telemetry"
)

// StepMetrics is the payload delivered to lifecycle callbacks.
type StepMetrics struct {
	StepNumber  int                    `json:"step_number"`
	StepName    string                 `json:"step_name"`
	RunID       string                 `json:"run_id"`
	Scraper     string                 `json:"scraper_name"`
	Duration    time.Duration          `json:"duration"`
	RowsRead    int64                  `json:"rows_read"`
	RowsWritten int64                  `json:"rows_written"`
	StartedAt   time.Time              `json:"started_at"`
	FinishedAt  time.Time              `json:"finished_at"`
	Context     map[string]interface{} `json:"context,omitempty"`
}

// StartHook is invoked when a step begins.
type StartHook func(m StepMetrics)

// EndHook is invoked when a step completes.
type EndHook func(m StepMetrics)

// ErrorHook is invoked when a step fails.
type ErrorHook func(m StepMetrics, err error)

// Registry holds registered lifecycle callbacks. Construct one per
// process at the composition root and pass it by reference; tests build
// their own isolated instances.
type Registry struct {
	mu    sync.Mutex
	log   *telemetry.Logger
	next  int
	start []entry[StartHook]
	end   []entry[EndHook]
	fail  []entry[ErrorHook]
}

type entry[T any] struct {
	id int
	fn T
}

// New creates an empty registry.
func New(log *telemetry.Logger) *Registry {
	return &Registry{log: log}
}

// OnStepStart registers a start callback and returns a function that
// removes it again.
func (r *Registry) OnStepStart(fn StartHook) (unregister func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.next
	r.next++
	r.start = append(r.start, entry[StartHook]{id: id, fn: fn})
	return func() { r.remove(id) }
}

// OnStepEnd registers an end callback and returns a function that
// removes it again.
func (r *Registry) OnStepEnd(fn EndHook) (unregister func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.next
	r.next++
	r.end = append(r.end, entry[EndHook]{id: id, fn: fn})
	return func() { r.remove(id) }
}

// OnStepError registers an error callback and returns a function that
// removes it again.
func (r *Registry) OnStepError(fn ErrorHook) (unregister func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.next
	r.next++
	r.fail = append(r.fail, entry[ErrorHook]{id: id, fn: fn})
	return func() { r.remove(id) }
}

func (r *Registry) remove(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.start = removeEntry(r.start, id)
	r.end = removeEntry(r.end, id)
	r.fail = removeEntry(r.fail, id)
}

func removeEntry[T any](entries []entry[T], id int) []entry[T] {
	out := entries[:0]
	for _, e := range entries {
		if e.id != id {
			out = append(out, e)
		}
	}
	return out
}

// EmitStepStart invokes every registered start callback in order.
func (r *Registry) EmitStepStart(m StepMetrics) {
	for _, e := range r.snapshotStart() {
		r.invoke("start", m.StepName, func() { e.fn(m) })
	}
}

// EmitStepEnd invokes every registered end callback in order.
func (r *Registry) EmitStepEnd(m StepMetrics) {
	for _, e := range r.snapshotEnd() {
		r.invoke("end", m.StepName, func() { e.fn(m) })
	}
}

// EmitStepError invokes every registered error callback in order.
func (r *Registry) EmitStepError(m StepMetrics, err error) {
	for _, e := range r.snapshotFail() {
		r.invoke("error", m.StepName, func() { e.fn(m, err) })
	}
}

// invoke runs a single callback inside its own recovery boundary.
func (r *Registry) invoke(kind, stepName string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			if r.log != nil {
				r.log.WithField("hook", kind).
					WithField("step_name", stepName).
					Error(fmt.Sprintf("hook panicked: %v", rec))
			}
		}
	}()
	fn()
}

func (r *Registry) snapshotStart() []entry[StartHook] {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]entry[StartHook], len(r.start))
	copy(out, r.start)
	return out
}

func (r *Registry) snapshotEnd() []entry[EndHook] {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]entry[EndHook], len(r.end))
	copy(out, r.end)
	return out
}

func (r *Registry) snapshotFail() []entry[ErrorHook] {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]entry[ErrorHook], len(r.fail))
	copy(out, r.fail)
	return out
}

// Reset removes all registered callbacks. Test support only.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.start = nil
	r.end = nil
	r.fail = nil
}
