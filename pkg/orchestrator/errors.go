package orchestrator

import (
	"errors"
	"fmt"
)

// ErrorClass classifies a run failure for retry and reporting logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed
	// on retry. Examples: datastore timeouts, lock contention.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassBlocked indicates the preflight gate refused the run.
	ErrorClassBlocked ErrorClass = "blocked"

	// ErrorClassConfig indicates an invalid or missing pipeline
	// definition. Never retryable.
	ErrorClassConfig ErrorClass = "config"

	// ErrorClassPermanent indicates a non-recoverable failure.
	ErrorClassPermanent ErrorClass = "permanent"
)

// RunError represents a classified orchestration error with context.
type RunError struct {
	Class ErrorClass `json:"class"`

	Message string `json:"message"`

	// Pipeline is the pipeline name the error relates to, if known.
	Pipeline string `json:"pipeline,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	Err error `json:"-"`
}

// Error implements the error interface.
func (e *RunError) Error() string {
	if e.Pipeline != "" && e.Operation != "" {
		return fmt.Sprintf("[%s] %s (pipeline=%s, operation=%s): %s",
			e.Class, e.Message, e.Pipeline, e.Operation, e.unwrapMessage())
	}
	if e.Pipeline != "" {
		return fmt.Sprintf("[%s] %s (pipeline=%s): %s",
			e.Class, e.Message, e.Pipeline, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *RunError) Unwrap() error {
	return e.Err
}

func (e *RunError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *RunError {
	return &RunError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewBlockedError creates a new preflight-blocked error.
func NewBlockedError(message string, err error) *RunError {
	return &RunError{Class: ErrorClassBlocked, Message: message, Err: err}
}

// NewConfigError creates a new configuration error.
func NewConfigError(message string, err error) *RunError {
	return &RunError{Class: ErrorClassConfig, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *RunError {
	return &RunError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// WithPipeline adds pipeline context to an error.
func (e *RunError) WithPipeline(name string) *RunError {
	e.Pipeline = name
	return e
}

// WithOperation adds operation context to an error.
func (e *RunError) WithOperation(op string) *RunError {
	e.Operation = op
	return e
}

func classOf(err error) ErrorClass {
	var e *RunError
	if errors.As(err, &e) {
		return e.Class
	}
	return ErrorClassPermanent
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool { return classOf(err) == ErrorClassTransient }

// IsBlocked returns true if the error came from the preflight gate.
func IsBlocked(err error) bool { return classOf(err) == ErrorClassBlocked }

// IsConfig returns true if the error is a configuration error.
func IsConfig(err error) bool { return classOf(err) == ErrorClassConfig }
