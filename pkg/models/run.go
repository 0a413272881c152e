// Package models defines the core domain models for analysis run orchestration.
package models

import "time"

// RunKind identifies which pipeline a run executes.
type RunKind string

const (
	RunKindConsensus RunKind = "consensus" // Multi-model consensus analysis
	RunKindResearch  RunKind = "research"  // Planned multi-task research
	RunKindQA        RunKind = "qa"        // Single-model question answering
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is an end state.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// Run represents one execution of a workflow pipeline. Runs are created once,
// mutated only through lifecycle transitions, and never deleted.
type Run struct {
	ID          string         `json:"id"`
	Kind        RunKind        `json:"kind"        validate:"required"`
	Status      RunStatus      `json:"status"      validate:"required"`
	Input       map[string]any `json:"input"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	UserID      string         `json:"user_id,omitempty"`
	SnapshotID  string         `json:"snapshot_id,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// ConsensusInput is the declared input shape for consensus and qa runs.
type ConsensusInput struct {
	Symbol       string   `json:"symbol"   validate:"required,min=1,max=12"`
	Exchange     string   `json:"exchange" validate:"required,min=1,max=32"`
	Models       []string `json:"models,omitempty"        validate:"omitempty,min=1,dive,required"`
	ForceRefresh bool     `json:"force_refresh,omitempty"`
}

// QAInput is the declared input shape for qa runs.
type QAInput struct {
	Symbol       string `json:"symbol"   validate:"required,min=1,max=12"`
	Exchange     string `json:"exchange" validate:"required,min=1,max=32"`
	Question     string `json:"question" validate:"required,min=4"`
	Model        string `json:"model,omitempty"`
	ForceRefresh bool   `json:"force_refresh,omitempty"`
}

// ResearchInput is the declared input shape for research runs.
type ResearchInput struct {
	Symbol       string `json:"symbol"    validate:"required,min=1,max=12"`
	Exchange     string `json:"exchange"  validate:"required,min=1,max=32"`
	Objective    string `json:"objective" validate:"required,min=8"`
	MaxTasks     int    `json:"max_tasks,omitempty" validate:"omitempty,min=1,max=16"`
	ForceRefresh bool   `json:"force_refresh,omitempty"`
}
