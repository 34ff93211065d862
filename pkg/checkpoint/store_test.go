package checkpoint

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// setupTestStore creates a checkpoint store in a temp directory
func setupTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := New(t.TempDir(), "books")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func TestMarkStepCompleteAndResume(t *testing.T) {
	store := setupTestStore(t)

	for step, name := range []string{"fetch", "parse", "export"} {
		if err := store.MarkStepComplete(step, name, StepResult{}); err != nil {
			t.Fatalf("failed to mark step %d complete: %v", step, err)
		}
	}

	if !store.IsStepComplete(1) {
		t.Error("expected step 1 to be complete")
	}
	if store.IsStepComplete(3) {
		t.Error("expected step 3 to be incomplete")
	}
	if got := store.LastCompletedStep(); got != 2 {
		t.Errorf("expected last completed step 2, got %d", got)
	}
	if got := store.NextStep(); got != 3 {
		t.Errorf("expected next step 3, got %d", got)
	}
}

// TestNextStepWithGap documents the max-plus-one resume semantic: a gap
// in completed steps does not pull the resume point back.
func TestNextStepWithGap(t *testing.T) {
	store := setupTestStore(t)

	if err := store.MarkStepComplete(0, "fetch", StepResult{}); err != nil {
		t.Fatalf("failed to mark step 0: %v", err)
	}
	if err := store.MarkStepComplete(2, "export", StepResult{}); err != nil {
		t.Fatalf("failed to mark step 2: %v", err)
	}

	if got := store.NextStep(); got != 3 {
		t.Errorf("expected next step 3 (max+1, not gap-fill), got %d", got)
	}
	if store.IsStepComplete(1) {
		t.Error("step 1 must remain incomplete")
	}
}

func TestNextStepEmpty(t *testing.T) {
	store := setupTestStore(t)

	if got := store.LastCompletedStep(); got != -1 {
		t.Errorf("expected last completed -1, got %d", got)
	}
	if got := store.NextStep(); got != 0 {
		t.Errorf("expected next step 0, got %d", got)
	}
}

func TestShouldSkipStepSelfHealing(t *testing.T) {
	store := setupTestStore(t)
	dir := t.TempDir()

	output := filepath.Join(dir, "books.csv")
	if err := os.WriteFile(output, []byte("a,b\n"), 0644); err != nil {
		t.Fatalf("failed to write output file: %v", err)
	}

	err := store.MarkStepComplete(0, "export", StepResult{OutputFiles: []string{output}})
	if err != nil {
		t.Fatalf("failed to mark step complete: %v", err)
	}

	if !store.ShouldSkipStep(0, true, nil) {
		t.Error("expected skip while output file exists")
	}

	// Deleting the declared output must force a rerun
	if err := os.Remove(output); err != nil {
		t.Fatalf("failed to remove output file: %v", err)
	}
	if store.ShouldSkipStep(0, true, nil) {
		t.Error("expected no skip after output file deleted")
	}

	// Without verification the mark alone decides
	if !store.ShouldSkipStep(0, false, nil) {
		t.Error("expected skip when verification is off")
	}
}

func TestShouldSkipStepExpectedFiles(t *testing.T) {
	store := setupTestStore(t)

	if err := store.MarkStepComplete(0, "fetch", StepResult{}); err != nil {
		t.Fatalf("failed to mark step complete: %v", err)
	}

	// No outputs declared and none expected: mark alone is enough
	if !store.ShouldSkipStep(0, true, nil) {
		t.Error("expected skip with no expected outputs")
	}

	// Caller-supplied expectation overrides the declared outputs
	if store.ShouldSkipStep(0, true, []string{"/nonexistent/file.csv"}) {
		t.Error("expected no skip when expected file is missing")
	}
}

func TestEventDedup(t *testing.T) {
	store := setupTestStore(t)

	ev := Event{Type: "progress", RunID: "r1", Message: "page 5 of 100"}
	store.RecordEvent(ev)
	store.RecordEvent(ev)

	events := store.Events(0, "")
	if len(events) != 1 {
		t.Fatalf("expected 1 event after duplicate record, got %d", len(events))
	}

	// A different message is not a duplicate
	store.RecordEvent(Event{Type: "progress", RunID: "r1", Message: "page 6 of 100"})
	if got := len(store.Events(0, "")); got != 2 {
		t.Errorf("expected 2 events, got %d", got)
	}
}

func TestEventCapEvictsOldest(t *testing.T) {
	store, err := New(t.TempDir(), "books", WithMaxEvents(5))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	for i := 0; i < 10; i++ {
		store.RecordEvent(Event{Type: "progress", Message: string(rune('a' + i))})
	}

	events := store.Events(0, "")
	if len(events) != 5 {
		t.Fatalf("expected 5 events after cap, got %d", len(events))
	}
	if events[0].Message != "f" {
		t.Errorf("expected oldest retained event 'f', got %q", events[0].Message)
	}
	// Sequence numbers keep increasing across eviction
	if events[4].Seq != 10 {
		t.Errorf("expected final seq 10, got %d", events[4].Seq)
	}
}

func TestEventsFilterAndLimit(t *testing.T) {
	store := setupTestStore(t)

	store.RecordEvent(Event{Type: "progress", RunID: "r1", Message: "one"})
	store.RecordEvent(Event{Type: "progress", RunID: "r2", Message: "two"})
	store.RecordEvent(Event{Type: "progress", RunID: "r1", Message: "three"})

	r1 := store.Events(0, "r1")
	if len(r1) != 2 {
		t.Fatalf("expected 2 events for r1, got %d", len(r1))
	}

	limited := store.Events(1, "")
	if len(limited) != 1 || limited[0].Message != "three" {
		t.Errorf("expected most recent event only, got %+v", limited)
	}
}

func TestStatusTransitionsSynthesizeEvents(t *testing.T) {
	store := setupTestStore(t)

	store.MarkRunning("r1", 0)

	if got := store.Status(); got != StatusRunning {
		t.Errorf("expected status running, got %s", got)
	}
	if got := store.RunID(); got != "r1" {
		t.Errorf("expected run id r1, got %s", got)
	}

	var sawRunStarted, sawStatusChanged bool
	for _, ev := range store.Events(0, "") {
		switch ev.Type {
		case EventRunStarted:
			sawRunStarted = true
		case EventStatusChanged:
			sawStatusChanged = true
		}
	}
	if !sawRunStarted {
		t.Error("expected synthesized run_started event")
	}
	if !sawStatusChanged {
		t.Error("expected synthesized status_changed event")
	}

	// Setting the same status again must not add another event
	before := len(store.Events(0, ""))
	store.SetStatus(StatusRunning)
	if got := len(store.Events(0, "")); got != before {
		t.Errorf("expected no new event for unchanged status, got %d vs %d", got, before)
	}
}

func TestRecoverIfStale(t *testing.T) {
	dir := t.TempDir()

	store, err := New(dir, "books")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	store.MarkRunning("r1", 2)

	// Simulate a new process opening the same checkpoint after a crash
	reopened, err := New(dir, "books")
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	if got := reopened.Status(); got != StatusRunning {
		t.Fatalf("expected persisted running status, got %s", got)
	}

	flipped, err := reopened.RecoverIfStale()
	if err != nil {
		t.Fatalf("recovery failed: %v", err)
	}
	if !flipped {
		t.Error("expected recovery to flip status")
	}
	if !reopened.IsResumable() {
		t.Error("expected pipeline to be resumable after recovery")
	}

	// A second sweep is a no-op
	flipped, err = reopened.RecoverIfStale()
	if err != nil {
		t.Fatalf("second recovery errored: %v", err)
	}
	if flipped {
		t.Error("expected second recovery to be a no-op")
	}
}

func TestRecoverAll(t *testing.T) {
	dir := t.TempDir()

	running, err := New(dir, "books")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	running.MarkRunning("r1", 0)

	idle, err := New(dir, "news")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	idle.MarkCompleted()

	recovered := RecoverAll(dir, []string{"books", "news", "unknown"}, nil)
	if recovered != 1 {
		t.Errorf("expected 1 recovered pipeline, got %d", recovered)
	}

	reopened, err := New(dir, "books")
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	if got := reopened.Status(); got != StatusResume {
		t.Errorf("expected resume status after sweep, got %s", got)
	}
}

func TestCorruptCheckpointQuarantined(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "books.json")

	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatalf("failed to write corrupt file: %v", err)
	}

	store, err := New(dir, "books")
	if err != nil {
		t.Fatalf("expected fresh store from corrupt file, got error: %v", err)
	}
	if got := store.LastCompletedStep(); got != -1 {
		t.Errorf("expected fresh state, got last completed %d", got)
	}

	if _, err := os.Stat(path + ".invalid"); err != nil {
		t.Errorf("expected quarantined .invalid file: %v", err)
	}
}

func TestStructurallyInvalidCheckpointQuarantined(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "books.json")

	// Valid JSON, invalid structure: missing scraper name
	if err := os.WriteFile(path, []byte(`{"completed_steps":[1]}`), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	store, err := New(dir, "books")
	if err != nil {
		t.Fatalf("expected fresh store, got error: %v", err)
	}
	if store.IsStepComplete(1) {
		t.Error("expected invalid state to be discarded")
	}
	if _, err := os.Stat(path + ".invalid"); err != nil {
		t.Errorf("expected quarantined .invalid file: %v", err)
	}
}

func TestPersistKeepsBackup(t *testing.T) {
	dir := t.TempDir()

	store, err := New(dir, "books")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := store.MarkStepComplete(0, "fetch", StepResult{}); err != nil {
		t.Fatalf("failed to mark step 0: %v", err)
	}
	if err := store.MarkStepComplete(1, "parse", StepResult{}); err != nil {
		t.Fatalf("failed to mark step 1: %v", err)
	}

	// The backup holds the state prior to the latest write
	data, err := os.ReadFile(store.Path() + ".bak")
	if err != nil {
		t.Fatalf("expected backup file: %v", err)
	}
	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatalf("backup is not valid JSON: %v", err)
	}
	if len(st.CompletedSteps) != 1 {
		t.Errorf("expected backup with 1 completed step, got %d", len(st.CompletedSteps))
	}
}

func TestRerunReplacesStepRecord(t *testing.T) {
	store := setupTestStore(t)

	err := store.MarkStepComplete(0, "fetch", StepResult{Duration: 2 * time.Second})
	if err != nil {
		t.Fatalf("failed to mark step: %v", err)
	}
	err = store.MarkStepComplete(0, "fetch", StepResult{Duration: 5 * time.Second})
	if err != nil {
		t.Fatalf("failed to re-mark step: %v", err)
	}

	if got := store.LastCompletedStep(); got != 0 {
		t.Errorf("expected single completed step, got last %d", got)
	}

	store.mu.Lock()
	rec := store.st.StepOutputs[stepKey(0)]
	count := len(store.st.CompletedSteps)
	store.mu.Unlock()

	if count != 1 {
		t.Errorf("expected completed_steps to hold one entry, got %d", count)
	}
	if rec.DurationSeconds != 5 {
		t.Errorf("expected replaced record duration 5s, got %v", rec.DurationSeconds)
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	dir := t.TempDir()

	store, err := New(dir, "books")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	store.UpdateMetadata(map[string]interface{}{"region": "eu", "pages": 42})

	reopened, err := New(dir, "books")
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	meta := reopened.Metadata()
	if meta["region"] != "eu" {
		t.Errorf("expected region eu, got %v", meta["region"])
	}
}
