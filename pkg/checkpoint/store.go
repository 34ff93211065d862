// Package checkpoint provides the durable per-pipeline progress record:
// completed steps with their declared outputs, free-form run metadata,
// and an append-only event timeline. The record is the resume-point
// calculator for sequential pipeline execution.
//
// The on-disk file is written via temp-file plus atomic rename, with the
// prior version kept as a backup. A file that fails structural
// validation at load is quarantined with an ".invalid" suffix and
// replaced by a fresh state; corruption is never a fatal error.
//
// The file is local to one host. Multi-host distributed runs coordinate
// through the work queue only, never through this file.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/pipewarden/pipewarden/pkg/telemetry"
)

const defaultMaxEvents = 200

// Store is the checkpoint record for one pipeline name. All methods are
// safe for concurrent use within one process; cross-process access is
// not coordinated.
type Store struct {
	path      string
	scraper   string
	maxEvents int
	now       func() time.Time
	log       *telemetry.Logger

	mu sync.Mutex
	st *state
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for best-effort failure reporting.
func WithLogger(log *telemetry.Logger) Option {
	return func(s *Store) { s.log = log }
}

// WithMaxEvents caps the stored event timeline. Oldest events are
// evicted first.
func WithMaxEvents(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxEvents = n
		}
	}
}

// WithClock injects a clock. Test support.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// StepResult carries the optional fields of a step completion.
type StepResult struct {
	OutputFiles []string
	Duration    time.Duration
}

// New opens (or creates) the checkpoint record for scraper under dir.
func New(dir, scraper string, opts ...Option) (*Store, error) {
	if scraper == "" {
		return nil, fmt.Errorf("scraper name is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint dir: %w", err)
	}

	s := &Store{
		path:      filepath.Join(dir, scraper+".json"),
		scraper:   scraper,
		maxEvents: defaultMaxEvents,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.st = s.load()
	return s, nil
}

// Path returns the checkpoint file path.
func (s *Store) Path() string {
	return s.path
}

// load reads the state file, quarantining anything structurally invalid.
func (s *Store) load() *state {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return newState(s.scraper)
	}
	if err != nil {
		s.warnf("failed to read checkpoint, starting fresh: %v", err)
		return newState(s.scraper)
	}

	st := &state{}
	if err := json.Unmarshal(data, st); err != nil {
		s.quarantine(fmt.Sprintf("invalid JSON: %v", err))
		return newState(s.scraper)
	}
	if err := st.validate(); err != nil {
		s.quarantine(err.Error())
		return newState(s.scraper)
	}
	if st.Metadata == nil {
		st.Metadata = map[string]interface{}{}
	}
	return st
}

// quarantine renames a corrupt checkpoint aside so a human can inspect it.
func (s *Store) quarantine(reason string) {
	invalid := s.path + ".invalid"
	if err := os.Rename(s.path, invalid); err != nil {
		s.warnf("failed to quarantine corrupt checkpoint: %v", err)
		return
	}
	s.warnf("quarantined corrupt checkpoint to %s: %s", invalid, reason)
}

// persistLocked writes the state atomically: marshal to a temp file,
// keep the previous version as .bak, rename into place. Caller holds mu.
func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(s.st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write checkpoint temp file: %w", err)
	}

	// Best-effort backup of the previous version.
	if prev, err := os.ReadFile(s.path); err == nil {
		if err := os.WriteFile(s.path+".bak", prev, 0644); err != nil {
			s.warnf("failed to write checkpoint backup: %v", err)
		}
	}

	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace checkpoint: %w", err)
	}
	return nil
}

// persistBestEffort persists and swallows failures. Instrumentation
// writes must never abort data collection; in-memory state may run
// ahead of disk across a crash.
func (s *Store) persistBestEffort() {
	if err := s.persistLocked(); err != nil {
		s.warnf("checkpoint write failed: %v", err)
	}
}

// MarkStepComplete records a completed step and persists the state.
// This is a correctness-critical write: persistence failure is returned.
func (s *Store) MarkStepComplete(step int, name string, res StepResult) error {
	if step < 0 {
		return fmt.Errorf("step number must be non-negative, got %d", step)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.st.LastRun = now

	found := false
	for _, n := range s.st.CompletedSteps {
		if n == step {
			found = true
			break
		}
	}
	if !found {
		s.st.CompletedSteps = append(s.st.CompletedSteps, step)
	}

	outputs := res.OutputFiles
	if outputs == nil {
		outputs = []string{}
	}
	s.st.StepOutputs[stepKey(step)] = StepRecord{
		StepNumber:      step,
		StepName:        name,
		CompletedAt:     now.Format(time.RFC3339),
		OutputFiles:     outputs,
		DurationSeconds: res.Duration.Seconds(),
	}

	s.setMetadataLocked("current_step", step)
	s.appendEventLocked(Event{
		Type:       EventStepCompleted,
		RunID:      s.runIDLocked(),
		Status:     string(s.statusLocked()),
		StepNumber: step,
		StepName:   name,
		Source:     "checkpoint",
		Message:    fmt.Sprintf("step %d (%s) completed", step, name),
	})

	return s.persistLocked()
}

// IsStepComplete reports whether the step has been recorded as complete.
func (s *Store) IsStepComplete(step int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.st.CompletedSteps {
		if n == step {
			return true
		}
	}
	return false
}

// LastCompletedStep returns the highest completed step, or -1 when no
// step has completed.
func (s *Store) LastCompletedStep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCompletedLocked()
}

func (s *Store) lastCompletedLocked() int {
	last := -1
	for _, n := range s.st.CompletedSteps {
		if n > last {
			last = n
		}
	}
	return last
}

// NextStep returns the resume point: highest completed step plus one.
// Deliberately NOT first-gap detection; a lower step completed out of
// order stays skipped.
func (s *Store) NextStep() int {
	return s.LastCompletedStep() + 1
}

// ShouldSkipStep reports whether a step can be skipped on resume. A step
// only skips if it is marked complete and, when verifyOutputs is set,
// every expected output file still exists. Deleting an output out of
// band therefore forces the step to rerun.
func (s *Store) ShouldSkipStep(step int, verifyOutputs bool, expected []string) bool {
	s.mu.Lock()
	rec, hasRecord := s.st.StepOutputs[stepKey(step)]
	complete := false
	for _, n := range s.st.CompletedSteps {
		if n == step {
			complete = true
			break
		}
	}
	s.mu.Unlock()

	if !complete {
		return false
	}
	if !verifyOutputs {
		return true
	}

	files := expected
	if len(files) == 0 && hasRecord {
		files = rec.OutputFiles
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			s.warnf("output file %s missing, step %d must rerun", f, step)
			return false
		}
	}
	return true
}

// RecordEvent appends an event to the timeline. Best-effort: persistence
// failures are logged and swallowed.
func (s *Store) RecordEvent(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.Source == "" {
		ev.Source = "pipeline"
	}
	if s.appendEventLocked(ev) {
		s.persistBestEffort()
	}
}

// Events returns up to limit most recent events in chronological order,
// optionally filtered to one run id. limit <= 0 means no limit.
func (s *Store) Events(limit int, runID string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Event, 0, len(s.st.Events))
	for _, ev := range s.st.Events {
		if runID != "" && ev.RunID != runID {
			continue
		}
		out = append(out, ev)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// appendEventLocked assigns sequence and timestamp, coalesces
// consecutive duplicates, and enforces the timeline cap. Returns false
// when the event was coalesced away.
func (s *Store) appendEventLocked(ev Event) bool {
	if n := len(s.st.Events); n > 0 && s.st.Events[n-1].sameAs(ev) {
		return false
	}

	s.st.EventSeq++
	ev.Seq = s.st.EventSeq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.now()
	}
	s.st.Events = append(s.st.Events, ev)

	if len(s.st.Events) > s.maxEvents {
		s.st.Events = s.st.Events[len(s.st.Events)-s.maxEvents:]
	}
	return true
}

// UpdateMetadata merges the given keys into the run metadata.
// Best-effort persistence. Changes to run_id, status, or current_step
// synthesize timeline events.
func (s *Store) UpdateMetadata(meta map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, v := range meta {
		s.setMetadataLocked(k, v)
	}
	s.persistBestEffort()
}

// Metadata returns a copy of the run metadata.
func (s *Store) Metadata() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]interface{}, len(s.st.Metadata))
	for k, v := range s.st.Metadata {
		out[k] = v
	}
	return out
}

// setMetadataLocked writes one metadata key, synthesizing a timeline
// event when a tracked key (run_id, status, current_step) changes.
func (s *Store) setMetadataLocked(key string, value interface{}) {
	old, had := s.st.Metadata[key]
	if had && reflect.DeepEqual(old, value) {
		return
	}
	s.st.Metadata[key] = value

	switch key {
	case "run_id":
		s.appendEventLocked(Event{
			Type:    EventRunStarted,
			RunID:   fmt.Sprintf("%v", value),
			Status:  string(s.statusLocked()),
			Source:  "checkpoint",
			Message: fmt.Sprintf("run %v started", value),
		})
	case "status":
		s.appendEventLocked(Event{
			Type:    EventStatusChanged,
			RunID:   s.runIDLocked(),
			Status:  fmt.Sprintf("%v", value),
			Source:  "checkpoint",
			Message: fmt.Sprintf("status changed to %v", value),
		})
	case "current_step":
		var step int
		switch v := value.(type) {
		case int:
			step = v
		case float64:
			step = int(v)
		}
		s.appendEventLocked(Event{
			Type:       EventStepStarted,
			RunID:      s.runIDLocked(),
			Status:     string(s.statusLocked()),
			StepNumber: step,
			Source:     "checkpoint",
			Message:    fmt.Sprintf("current step is now %v", value),
		})
	}
}

// Status returns the run status, idle when never set.
func (s *Store) Status() RunStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Store) statusLocked() RunStatus {
	if v, ok := s.st.Metadata["status"].(string); ok && v != "" {
		return RunStatus(v)
	}
	return StatusIdle
}

// RunID returns the current run id, empty when no run has started.
func (s *Store) RunID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runIDLocked()
}

func (s *Store) runIDLocked() string {
	if v, ok := s.st.Metadata["run_id"].(string); ok {
		return v
	}
	return ""
}

// SetStatus records a status transition. Best-effort persistence.
func (s *Store) SetStatus(status RunStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setMetadataLocked("status", string(status))
	s.persistBestEffort()
}

// MarkRunning records the start of a run at the given step.
func (s *Store) MarkRunning(runID string, step int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.LastRun = s.now()
	s.setMetadataLocked("run_id", runID)
	s.setMetadataLocked("status", string(StatusRunning))
	s.setMetadataLocked("current_step", step)
	s.persistBestEffort()
}

// MarkResumable flags the pipeline for resumption.
func (s *Store) MarkResumable() { s.SetStatus(StatusResume) }

// MarkStopped flags the pipeline as deliberately stopped.
func (s *Store) MarkStopped() { s.SetStatus(StatusStopped) }

// MarkCompleted flags the pipeline as fully completed.
func (s *Store) MarkCompleted() { s.SetStatus(StatusCompleted) }

// IsResumable reports whether the pipeline should resume rather than
// start fresh.
func (s *Store) IsResumable() bool {
	return s.Status() == StatusResume
}

// RecoverIfStale flips a stale "running" status to "resume". A status of
// running at process start means the previous process died mid-step.
// Returns true when a recovery was performed.
func (s *Store) RecoverIfStale() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.statusLocked() != StatusRunning {
		return false, nil
	}
	s.setMetadataLocked("status", string(StatusResume))
	if err := s.persistLocked(); err != nil {
		return true, fmt.Errorf("failed to persist recovery: %w", err)
	}
	return true, nil
}

// LastRun returns the last recorded activity timestamp.
func (s *Store) LastRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.LastRun
}

func (s *Store) warnf(format string, args ...interface{}) {
	if s.log != nil {
		s.log.WithScraper(s.scraper).Warnf(format, args...)
	}
}
