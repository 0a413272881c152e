// Package web provides HTTP request and response types for the run API.
package web

import (
	"github.com/consilium-ai/consilium/pkg/models"
)

// StartRunRequest represents the request body for starting a new run.
type StartRunRequest struct {
	Kind  string         `json:"kind"  validate:"required,oneof=consensus research qa"`
	Input map[string]any `json:"input" validate:"required"`
}

// RunResponse represents the API shape of a run.
type RunResponse struct {
	ID          string         `json:"id"`
	Kind        string         `json:"kind"`
	Status      string         `json:"status"`
	Input       map[string]any `json:"input,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	SnapshotID  string         `json:"snapshot_id,omitempty"`
	CreatedAt   string         `json:"created_at"`
	StartedAt   *string        `json:"started_at,omitempty"`
	CompletedAt *string        `json:"completed_at,omitempty"`
}

// StepResponse represents the API shape of a step.
type StepResponse struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Order  int            `json:"order"`
	Status string         `json:"status"`
	Output map[string]any `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// RunStatusResponse is a run together with its steps.
type RunStatusResponse struct {
	Run   RunResponse    `json:"run"`
	Steps []StepResponse `json:"steps"`
}

// TransformRunResponse transforms a Run into its API shape.
func TransformRunResponse(run *models.Run) RunResponse {
	response := RunResponse{
		ID:         run.ID,
		Kind:       string(run.Kind),
		Status:     string(run.Status),
		Input:      run.Input,
		Output:     run.Output,
		Error:      run.Error,
		SnapshotID: run.SnapshotID,
		CreatedAt:  run.CreatedAt.Format(timeFormat),
	}

	if run.StartedAt != nil {
		started := run.StartedAt.Format(timeFormat)
		response.StartedAt = &started
	}

	if run.CompletedAt != nil {
		completed := run.CompletedAt.Format(timeFormat)
		response.CompletedAt = &completed
	}

	return response
}

// TransformStepResponse transforms a Step into its API shape.
func TransformStepResponse(step *models.Step) StepResponse {
	return StepResponse{
		ID:     step.ID,
		Name:   step.Name,
		Order:  step.Order,
		Status: string(step.Status),
		Output: step.Output,
		Error:  step.Error,
	}
}

const timeFormat = "2006-01-02T15:04:05.000Z07:00"
