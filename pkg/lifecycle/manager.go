package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/consilium-ai/consilium/pkg/models"
	"github.com/consilium-ai/consilium/pkg/persistence"
)

// legal run transitions. Terminal states have no successors.
var runTransitions = map[models.RunStatus][]models.RunStatus{
	models.RunStatusPending: {models.RunStatusRunning, models.RunStatusCancelled},
	models.RunStatusRunning: {models.RunStatusCompleted, models.RunStatusFailed, models.RunStatusCancelled},
}

// legal step transitions. A step must have been running before it can
// complete or fail; pending steps may be skipped directly.
var stepTransitions = map[models.StepStatus][]models.StepStatus{
	models.StepStatusPending: {models.StepStatusRunning, models.StepStatusSkipped},
	models.StepStatusRunning: {models.StepStatusCompleted, models.StepStatusFailed, models.StepStatusSkipped},
}

func transitionAllowed[S comparable](table map[S][]S, from, to S) bool {
	for _, next := range table[from] {
		if next == to {
			return true
		}
	}

	return false
}

// StepSpec describes one step to create. Orders are assigned by the manager
// at creation time, continuing from the run's current maximum.
type StepSpec struct {
	Name     string
	Input    map[string]any
	Metadata map[string]any
}

// Outcome carries the optional terminal data of a transition.
type Outcome struct {
	Output   map[string]any
	Error    string
	Metadata map[string]any
}

// Manager owns run and step lifecycles. Status writes are local to the
// owning run's goroutine; the manager needs no cross-run coordination.
type Manager struct {
	runs     persistence.RunRepository
	steps    persistence.StepRepository
	validate *validator.Validate
	logger   *slog.Logger
}

// NewManager creates a lifecycle manager.
func NewManager(runs persistence.RunRepository, steps persistence.StepRepository, logger *slog.Logger) *Manager {
	return &Manager{
		runs:     runs,
		steps:    steps,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
}

// CreateRun creates a run in pending status after validating the input
// against the workflow kind's declared shape.
func (m *Manager) CreateRun(ctx context.Context, kind models.RunKind, input map[string]any, userID string) (*models.Run, error) {
	err := m.validateInput(kind, input)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	run := &models.Run{
		ID:        fmt.Sprintf("run-%s", uuid.New().String()[:8]),
		Kind:      kind,
		Status:    models.RunStatusPending,
		Input:     input,
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = m.runs.Create(ctx, run)
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	m.logger.InfoContext(ctx, "Created run", "run_id", run.ID, "kind", kind, "user_id", userID)

	return run, nil
}

// CreateSteps appends steps to a run, assigning contiguous orders after the
// run's current maximum. Callable multiple times on the same run; fan-out
// steps are added once the branch plan is known.
func (m *Manager) CreateSteps(ctx context.Context, runID string, specs []StepSpec) ([]*models.Step, error) {
	maxOrder, err := m.steps.MaxOrder(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to determine next step order: %w", err)
	}

	now := time.Now().UTC()
	steps := make([]*models.Step, 0, len(specs))

	for i, spec := range specs {
		step := &models.Step{
			ID:        fmt.Sprintf("step-%s", uuid.New().String()[:8]),
			RunID:     runID,
			Name:      spec.Name,
			Order:     maxOrder + 1 + i,
			Status:    models.StepStatusPending,
			Input:     spec.Input,
			Metadata:  spec.Metadata,
			CreatedAt: now,
		}

		err = m.steps.Create(ctx, step)
		if err != nil {
			return nil, fmt.Errorf("failed to create step %q: %w", spec.Name, err)
		}

		steps = append(steps, step)
	}

	return steps, nil
}

// TransitionRun moves a run to a new status, stamping StartedAt once on
// entering running and CompletedAt on entering a terminal status.
func (m *Manager) TransitionRun(ctx context.Context, runID string, status models.RunStatus, outcome Outcome) error {
	run, err := m.runs.GetByID(ctx, runID)
	if err != nil {
		return err
	}

	if !transitionAllowed(runTransitions, run.Status, status) {
		return newRunTransitionError(runID, run.Status, status)
	}

	now := time.Now().UTC()
	run.Status = status
	run.UpdatedAt = now

	if status == models.RunStatusRunning && run.StartedAt == nil {
		run.StartedAt = &now
	}

	if status.Terminal() {
		run.CompletedAt = &now
	}

	if outcome.Output != nil {
		run.Output = outcome.Output
	}

	if outcome.Error != "" {
		run.Error = outcome.Error
	}

	err = m.runs.Update(ctx, run)
	if err != nil {
		return fmt.Errorf("failed to persist run transition: %w", err)
	}

	m.logger.InfoContext(ctx, "Run transitioned", "run_id", runID, "status", status)

	return nil
}

// TransitionStep moves a step to a new status with the same monotonic
// terminal rule as runs, evaluated per step independently.
func (m *Manager) TransitionStep(ctx context.Context, stepID string, status models.StepStatus, outcome Outcome) error {
	step, err := m.steps.GetByID(ctx, stepID)
	if err != nil {
		return err
	}

	if !transitionAllowed(stepTransitions, step.Status, status) {
		return newStepTransitionError(stepID, step.Status, status)
	}

	now := time.Now().UTC()
	step.Status = status

	if status == models.StepStatusRunning && step.StartedAt == nil {
		step.StartedAt = &now
	}

	if status.Terminal() {
		step.CompletedAt = &now
	}

	if outcome.Output != nil {
		step.Output = outcome.Output
	}

	if outcome.Error != "" {
		step.Error = outcome.Error
	}

	if outcome.Metadata != nil {
		if step.Metadata == nil {
			step.Metadata = make(map[string]any)
		}

		for key, value := range outcome.Metadata {
			step.Metadata[key] = value
		}
	}

	err = m.steps.Update(ctx, step)
	if err != nil {
		return fmt.Errorf("failed to persist step transition: %w", err)
	}

	return nil
}

// AttachSnapshot records the data snapshot a run consumed.
func (m *Manager) AttachSnapshot(ctx context.Context, runID, snapshotID string) error {
	run, err := m.runs.GetByID(ctx, runID)
	if err != nil {
		return err
	}

	run.SnapshotID = snapshotID
	run.UpdatedAt = time.Now().UTC()

	return m.runs.Update(ctx, run)
}

// Run returns a run by id.
func (m *Manager) Run(ctx context.Context, runID string) (*models.Run, error) {
	return m.runs.GetByID(ctx, runID)
}

// Steps returns a run's steps ordered by their integer order.
func (m *Manager) Steps(ctx context.Context, runID string) ([]*models.Step, error) {
	return m.steps.ListByRun(ctx, runID)
}

func (m *Manager) validateInput(kind models.RunKind, input map[string]any) error {
	var shape any

	switch kind {
	case models.RunKindConsensus:
		shape = &models.ConsensusInput{}
	case models.RunKindQA:
		shape = &models.QAInput{}
	case models.RunKindResearch:
		shape = &models.ResearchInput{}
	default:
		return fmt.Errorf("%w: unknown workflow kind %q", ErrValidation, kind)
	}

	data, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	err = json.Unmarshal(data, shape)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	err = m.validate.Struct(shape)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	return nil
}
