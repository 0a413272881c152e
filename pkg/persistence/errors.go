// Package persistence provides standardized error types for persistence operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrRunNotFound indicates a run was not found by the given identifier.
	ErrRunNotFound = errors.New("run not found")

	// ErrStepNotFound indicates a step was not found by the given identifier.
	ErrStepNotFound = errors.New("step not found")

	// ErrReportNotFound indicates no report exists for the given identifier or run.
	ErrReportNotFound = errors.New("report not found")

	// ErrSnapshotNotFound indicates no snapshot exists for the given key.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrRunAlreadyExists indicates a run with the same identifier already exists.
	ErrRunAlreadyExists = errors.New("run already exists")
)

// RunError wraps run-related errors with additional context.
type RunError struct {
	Op    string // Operation being performed (e.g., "GetByID", "Update")
	RunID string // Run ID if applicable
	Err   error  // Underlying error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s operation failed for run %s: %v", e.Op, e.RunID, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for run errors.
func (e *RunError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewRunError creates a new run error with context.
func NewRunError(op, runID string, err error) *RunError {
	return &RunError{
		Op:    op,
		RunID: runID,
		Err:   err,
	}
}

// StepError wraps step-related errors with additional context.
type StepError struct {
	Op     string
	RunID  string
	StepID string
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s operation failed for step %s in run %s: %v", e.Op, e.StepID, e.RunID, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

func (e *StepError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewStepError creates a new step error with context.
func NewStepError(op, runID, stepID string, err error) *StepError {
	return &StepError{
		Op:     op,
		RunID:  runID,
		StepID: stepID,
		Err:    err,
	}
}

// IsRunNotFound checks whether err is a run-not-found error, possibly wrapped.
func IsRunNotFound(err error) bool {
	return errors.Is(err, ErrRunNotFound)
}

// IsStepNotFound checks whether err is a step-not-found error, possibly wrapped.
func IsStepNotFound(err error) bool {
	return errors.Is(err, ErrStepNotFound)
}
