// Package registry loads and validates pipeline definitions. A
// definition names the scraper, its execution mode, and the command the
// orchestrator launches for it, plus queue and preflight tuning.
package registry

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Execution modes.
const (
	ModeSingle      = "single"
	ModeDistributed = "distributed"
)

// Defaults applied to definitions that leave tuning unset.
const (
	DefaultRunIDEnv     = "WARDEN_RUN_ID"
	DefaultResumeFlag   = "--resume"
	DefaultBatchSize    = 10
	DefaultLeaseSeconds = 300
)

// ErrNotFound is returned when a pipeline name is not registered.
var ErrNotFound = errors.New("pipeline not found")

// QueueTuning controls distributed-mode claim behavior.
type QueueTuning struct {
	BatchSize    int `yaml:"batch_size" validate:"omitempty,min=1"`
	LeaseSeconds int `yaml:"lease_seconds" validate:"omitempty,min=1"`
	MaxRetries   int `yaml:"max_retries" validate:"omitempty,min=1"`
}

// Lease returns the lease duration.
func (q QueueTuning) Lease() time.Duration {
	return time.Duration(q.LeaseSeconds) * time.Second
}

// PreflightTuning carries the per-pipeline health gate thresholds.
type PreflightTuning struct {
	RequiredTools  []string `yaml:"required_tools"`
	MinInputRows   int64    `yaml:"min_input_rows" validate:"omitempty,min=0"`
	MaxRunAgeHours int      `yaml:"max_run_age_hours" validate:"omitempty,min=1"`
	DiskThreshold  float64  `yaml:"disk_threshold" validate:"omitempty,gt=0,lte=1"`
}

// PipelineConfig is one pipeline definition.
type PipelineConfig struct {
	Name string `yaml:"name" validate:"required"`
	Mode string `yaml:"mode" validate:"required,oneof=single distributed"`

	// Command is the scraper invocation, argv style.
	Command []string `yaml:"command" validate:"required,min=1"`

	// RunIDEnv is the environment variable the run id is passed in.
	RunIDEnv string `yaml:"run_id_env"`

	// ResumeFlag is appended to Command when resuming.
	ResumeFlag string `yaml:"resume_flag"`

	WorkDir       string `yaml:"work_dir"`
	CheckpointDir string `yaml:"checkpoint_dir"`

	Queue     QueueTuning     `yaml:"queue"`
	Preflight PreflightTuning `yaml:"preflight"`
}

// file is the on-disk registry document.
type file struct {
	Pipelines []PipelineConfig `yaml:"pipelines" validate:"required,min=1,dive"`
}

// Registry holds the loaded pipeline definitions.
type Registry struct {
	pipelines map[string]PipelineConfig
	validator *validator.Validate
}

// Load reads and validates a registry file.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read registry file: %w", err)
	}
	return Parse(data)
}

// Parse validates a registry document.
func Parse(data []byte) (*Registry, error) {
	var doc file
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse registry: %w", err)
	}

	r := &Registry{
		pipelines: make(map[string]PipelineConfig, len(doc.Pipelines)),
		validator: validator.New(),
	}

	if err := r.validator.Struct(doc); err != nil {
		return nil, fmt.Errorf("invalid registry: %w", err)
	}

	for _, p := range doc.Pipelines {
		if _, exists := r.pipelines[p.Name]; exists {
			return nil, fmt.Errorf("duplicate pipeline name: %s", p.Name)
		}
		applyDefaults(&p)
		r.pipelines[p.Name] = p
	}

	return r, nil
}

func applyDefaults(p *PipelineConfig) {
	if p.RunIDEnv == "" {
		p.RunIDEnv = DefaultRunIDEnv
	}
	if p.ResumeFlag == "" {
		p.ResumeFlag = DefaultResumeFlag
	}
	if p.Queue.BatchSize == 0 {
		p.Queue.BatchSize = DefaultBatchSize
	}
	if p.Queue.LeaseSeconds == 0 {
		p.Queue.LeaseSeconds = DefaultLeaseSeconds
	}
	if p.Queue.MaxRetries == 0 {
		p.Queue.MaxRetries = 3
	}
	if p.Preflight.DiskThreshold == 0 {
		p.Preflight.DiskThreshold = 0.90
	}
}

// Get returns the named pipeline definition.
func (r *Registry) Get(name string) (PipelineConfig, error) {
	p, ok := r.pipelines[name]
	if !ok {
		return PipelineConfig{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return p, nil
}

// Names returns all registered pipeline names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.pipelines))
	for name := range r.pipelines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
