package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/consilium-ai/consilium/pkg/eventbus"
	"github.com/consilium-ai/consilium/pkg/events"
	"github.com/consilium-ai/consilium/pkg/lifecycle"
	"github.com/consilium-ai/consilium/pkg/models"
	"github.com/consilium-ai/consilium/pkg/persistence"
	"github.com/consilium-ai/consilium/pkg/stream"
	"github.com/consilium-ai/consilium/pkg/workflows"
)

// Runs is the service surface the web layer consumes. It owns no behavior of
// its own beyond translating between transport-shaped requests and the
// runner, lifecycle and stream components.
type Runs struct {
	persistence persistence.Persistence
	runner      *workflows.Runner
	lifecycle   *lifecycle.Manager
	emitter     *stream.Emitter
	bus         eventbus.EventBus // nil in headless mode
}

// NewRuns creates a new runs service.
func NewRuns(
	p persistence.Persistence,
	runner *workflows.Runner,
	manager *lifecycle.Manager,
	emitter *stream.Emitter,
	bus eventbus.EventBus,
) *Runs {
	return &Runs{
		persistence: p,
		runner:      runner,
		lifecycle:   manager,
		emitter:     emitter,
		bus:         bus,
	}
}

// HealthCheck checks the health of the persistence layer.
func (s *Runs) HealthCheck(ctx context.Context) (string, bool) {
	if s.persistence == nil {
		return "Persistence layer not initialized", false
	}

	err := s.persistence.HealthCheck(ctx)
	if err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

// StartRunRequest contains the parameters for starting a run.
type StartRunRequest struct {
	Kind   models.RunKind
	Input  map[string]any
	UserID string
}

// StartRun validates the request, checks quota and launches the run.
func (s *Runs) StartRun(ctx context.Context, req StartRunRequest) (*models.Run, error) {
	if req.Kind == "" {
		return nil, NewValidationError("StartRun", "missing_kind", "workflow kind is required", ErrInvalidRequest)
	}

	run, err := s.runner.Start(ctx, req.Kind, req.Input, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to start run: %w", err)
	}

	return run, nil
}

// RunStatus is a run together with its steps, ordered by step order.
type RunStatus struct {
	Run   *models.Run    `json:"run"`
	Steps []*models.Step `json:"steps"`
}

// GetRunStatus returns a run and its steps.
func (s *Runs) GetRunStatus(ctx context.Context, runID string) (*RunStatus, error) {
	run, err := s.lifecycle.Run(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", runID, err)
	}

	steps, err := s.lifecycle.Steps(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get steps for run %s: %w", runID, err)
	}

	return &RunStatus{Run: run, Steps: steps}, nil
}

// ListRuns returns a user's runs, newest first.
func (s *Runs) ListRuns(ctx context.Context, userID string) ([]*models.Run, error) {
	if userID == "" {
		return nil, NewValidationError("ListRuns", "missing_user", "user id is required", ErrInvalidRequest)
	}

	runs, err := s.persistence.RunRepository().ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	return runs, nil
}

// CancelRun requests cancellation of a run.
func (s *Runs) CancelRun(ctx context.Context, runID string) error {
	err := s.runner.Cancel(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to cancel run %s: %w", runID, err)
	}

	return nil
}

// ReplayEvents returns a run's full persisted event history in order.
func (s *Runs) ReplayEvents(ctx context.Context, runID string) ([]events.Event, error) {
	_, err := s.lifecycle.Run(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", runID, err)
	}

	return s.emitter.Replay(ctx, runID)
}

// GetReport returns the report a run produced.
func (s *Runs) GetReport(ctx context.Context, runID string) (*models.Report, error) {
	report, err := s.persistence.ReportRepository().GetByRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get report for run %s: %w", runID, err)
	}

	return report, nil
}

// Subscribe attaches a live handler for one run's events. The returned func
// detaches it; detaching never affects what gets persisted.
func (s *Runs) Subscribe(runID string, handler eventbus.EventHandler) (func(), error) {
	if s.bus == nil {
		return nil, errors.New("no live event bus attached")
	}

	return s.bus.SubscribeRun(runID, handler), nil
}

// Live reports whether a live event bus is attached.
func (s *Runs) Live() bool {
	return s.bus != nil
}
