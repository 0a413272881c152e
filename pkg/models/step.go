package models

import "time"

// StepStatus represents the lifecycle state of a single step.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// Terminal reports whether the status is an end state.
func (s StepStatus) Terminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed || s == StepStatusSkipped
}

// Step is one unit of work inside a run. The step list of a run is
// append-only: fan-out steps are inserted once the branch count is known,
// with contiguous orders continuing from the run's current maximum.
type Step struct {
	ID          string         `json:"id"`
	RunID       string         `json:"run_id" validate:"required"`
	Name        string         `json:"name"   validate:"required"`
	Order       int            `json:"order"`
	Status      StepStatus     `json:"status" validate:"required"`
	Input       map[string]any `json:"input,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}
