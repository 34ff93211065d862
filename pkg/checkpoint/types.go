package checkpoint

import (
	"fmt"
	"time"
)

// RunStatus represents the lifecycle status of a pipeline run.
type RunStatus string

const (
	StatusIdle      RunStatus = "idle"
	StatusRunning   RunStatus = "running"
	StatusResume    RunStatus = "resume"
	StatusStopped   RunStatus = "stopped"
	StatusCompleted RunStatus = "completed"
)

// Event types recorded on the checkpoint timeline.
const (
	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStatusChanged = "status_changed"
	EventRunStarted    = "run_started"
	EventError         = "error"
)

// StepRecord captures one completed pipeline step. Immutable once
// written, except for replacement by a rerun of the same step.
type StepRecord struct {
	StepNumber      int      `json:"step_number"`
	StepName        string   `json:"step_name"`
	CompletedAt     string   `json:"completed_at"`
	OutputFiles     []string `json:"output_files"`
	DurationSeconds float64  `json:"duration_seconds,omitempty"`
}

// Event is one entry on the append-only run timeline.
type Event struct {
	Seq        int64                  `json:"seq"`
	Timestamp  time.Time              `json:"timestamp"`
	Type       string                 `json:"type"`
	RunID      string                 `json:"run_id,omitempty"`
	Status     string                 `json:"status,omitempty"`
	StepNumber int                    `json:"step_number,omitempty"`
	StepName   string                 `json:"step_name,omitempty"`
	Source     string                 `json:"source,omitempty"`
	Message    string                 `json:"message,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

// sameAs reports whether two events would be consecutive duplicates.
// Seq, timestamp, and details are deliberately excluded.
func (e Event) sameAs(o Event) bool {
	return e.Type == o.Type &&
		e.RunID == o.RunID &&
		e.Status == o.Status &&
		e.StepNumber == o.StepNumber &&
		e.StepName == o.StepName &&
		e.Source == o.Source &&
		e.Message == o.Message
}

// state is the on-disk checkpoint record, one per pipeline name.
type state struct {
	Scraper        string                 `json:"scraper"`
	LastRun        time.Time              `json:"last_run"`
	CompletedSteps []int                  `json:"completed_steps"`
	StepOutputs    map[string]StepRecord  `json:"step_outputs"`
	Metadata       map[string]interface{} `json:"metadata"`
	Events         []Event                `json:"events"`
	EventSeq       int64                  `json:"event_seq"`
}

func newState(scraper string) *state {
	return &state{
		Scraper:        scraper,
		CompletedSteps: []int{},
		StepOutputs:    map[string]StepRecord{},
		Metadata:       map[string]interface{}{},
		Events:         []Event{},
	}
}

// validate performs structural validation of a loaded state. A state
// that fails here is quarantined, never repaired in place.
func (s *state) validate() error {
	if s.Scraper == "" {
		return fmt.Errorf("missing scraper name")
	}
	if s.StepOutputs == nil {
		return fmt.Errorf("missing step_outputs")
	}
	for _, step := range s.CompletedSteps {
		if step < 0 {
			return fmt.Errorf("negative step number %d in completed_steps", step)
		}
	}
	if s.EventSeq < 0 {
		return fmt.Errorf("negative event_seq")
	}
	return nil
}

func stepKey(step int) string {
	return fmt.Sprintf("step_%d", step)
}
