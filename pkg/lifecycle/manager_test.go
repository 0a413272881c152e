package lifecycle

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/consilium-ai/consilium/pkg/models"
	"github.com/consilium-ai/consilium/pkg/persistence/file"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()

	persistence := file.NewPersistence(t.TempDir())

	return NewManager(persistence.RunRepository(), persistence.StepRepository(), slog.Default())
}

func consensusInput() map[string]any {
	return map[string]any{
		"symbol":   "AAPL",
		"exchange": "NASDAQ",
		"models":   []any{"m1", "m2"},
	}
}

func TestCreateRun(t *testing.T) {
	manager := newTestManager(t)

	run, err := manager.CreateRun(t.Context(), models.RunKindConsensus, consensusInput(), "user-1")
	require.NoError(t, err)

	assert.NotEmpty(t, run.ID)
	assert.Equal(t, models.RunStatusPending, run.Status)
	assert.Equal(t, "user-1", run.UserID)
	assert.Nil(t, run.StartedAt)
	assert.Nil(t, run.CompletedAt)
	assert.False(t, run.CreatedAt.IsZero())
}

func TestCreateRun_InvalidInput(t *testing.T) {
	manager := newTestManager(t)

	tests := []struct {
		name  string
		kind  models.RunKind
		input map[string]any
	}{
		{"missing symbol", models.RunKindConsensus, map[string]any{"exchange": "NASDAQ"}},
		{"missing exchange", models.RunKindConsensus, map[string]any{"symbol": "AAPL"}},
		{"symbol too long", models.RunKindConsensus, map[string]any{"symbol": "TOOLONGSYMBOL", "exchange": "NASDAQ"}},
		{"empty model entry", models.RunKindConsensus, map[string]any{"symbol": "AAPL", "exchange": "NASDAQ", "models": []any{""}}},
		{"research without objective", models.RunKindResearch, map[string]any{"symbol": "AAPL", "exchange": "NASDAQ"}},
		{"qa without question", models.RunKindQA, map[string]any{"symbol": "AAPL", "exchange": "NASDAQ"}},
		{"unknown kind", models.RunKind("batch"), consensusInput()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := manager.CreateRun(t.Context(), tt.kind, tt.input, "user-1")
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestTransitionRun_LegalPath(t *testing.T) {
	manager := newTestManager(t)

	run, err := manager.CreateRun(t.Context(), models.RunKindConsensus, consensusInput(), "user-1")
	require.NoError(t, err)

	require.NoError(t, manager.TransitionRun(t.Context(), run.ID, models.RunStatusRunning, Outcome{}))

	current, err := manager.Run(t.Context(), run.ID)
	require.NoError(t, err)
	require.NotNil(t, current.StartedAt)
	startedAt := *current.StartedAt

	require.NoError(t, manager.TransitionRun(t.Context(), run.ID, models.RunStatusCompleted, Outcome{
		Output: map[string]any{"decision": "hold"},
	}))

	current, err = manager.Run(t.Context(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, current.Status)
	assert.Equal(t, "hold", current.Output["decision"])
	require.NotNil(t, current.CompletedAt)
	assert.Equal(t, startedAt, *current.StartedAt)
}

func TestTransitionRun_Illegal(t *testing.T) {
	manager := newTestManager(t)

	tests := []struct {
		name string
		path []models.RunStatus
		next models.RunStatus
	}{
		{"pending to completed", nil, models.RunStatusCompleted},
		{"pending to failed", nil, models.RunStatusFailed},
		{"completed to running", []models.RunStatus{models.RunStatusRunning, models.RunStatusCompleted}, models.RunStatusRunning},
		{"failed to completed", []models.RunStatus{models.RunStatusRunning, models.RunStatusFailed}, models.RunStatusCompleted},
		{"cancelled to running", []models.RunStatus{models.RunStatusCancelled}, models.RunStatusRunning},
		{"running to pending", []models.RunStatus{models.RunStatusRunning}, models.RunStatusPending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run, err := manager.CreateRun(t.Context(), models.RunKindConsensus, consensusInput(), "user-1")
			require.NoError(t, err)

			for _, status := range tt.path {
				require.NoError(t, manager.TransitionRun(t.Context(), run.ID, status, Outcome{}))
			}

			before, err := manager.Run(t.Context(), run.ID)
			require.NoError(t, err)

			err = manager.TransitionRun(t.Context(), run.ID, tt.next, Outcome{})
			assert.ErrorIs(t, err, ErrIllegalTransition)

			after, err := manager.Run(t.Context(), run.ID)
			require.NoError(t, err)
			assert.Equal(t, before.Status, after.Status)
		})
	}
}

func TestTransitionRun_PendingToCancelled(t *testing.T) {
	manager := newTestManager(t)

	run, err := manager.CreateRun(t.Context(), models.RunKindConsensus, consensusInput(), "user-1")
	require.NoError(t, err)

	require.NoError(t, manager.TransitionRun(t.Context(), run.ID, models.RunStatusCancelled, Outcome{}))

	current, err := manager.Run(t.Context(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCancelled, current.Status)
	assert.Nil(t, current.StartedAt)
	assert.NotNil(t, current.CompletedAt)
}

func TestCreateSteps_ContiguousOrders(t *testing.T) {
	manager := newTestManager(t)

	run, err := manager.CreateRun(t.Context(), models.RunKindConsensus, consensusInput(), "user-1")
	require.NoError(t, err)

	first, err := manager.CreateSteps(t.Context(), run.ID, []StepSpec{
		{Name: "fetch_data"},
	})
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, 1, first[0].Order)

	// A second batch continues from the current maximum.
	second, err := manager.CreateSteps(t.Context(), run.ID, []StepSpec{
		{Name: "analyze_m1"},
		{Name: "analyze_m2"},
		{Name: "analyze_m3"},
	})
	require.NoError(t, err)
	require.Len(t, second, 3)
	assert.Equal(t, 2, second[0].Order)
	assert.Equal(t, 3, second[1].Order)
	assert.Equal(t, 4, second[2].Order)

	steps, err := manager.Steps(t.Context(), run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 4)

	for i, step := range steps {
		assert.Equal(t, i+1, step.Order)
		assert.Equal(t, models.StepStatusPending, step.Status)
	}
}

func TestTransitionStep_RequiresRunning(t *testing.T) {
	manager := newTestManager(t)

	run, err := manager.CreateRun(t.Context(), models.RunKindConsensus, consensusInput(), "user-1")
	require.NoError(t, err)

	steps, err := manager.CreateSteps(t.Context(), run.ID, []StepSpec{{Name: "fetch_data"}})
	require.NoError(t, err)
	step := steps[0]

	err = manager.TransitionStep(t.Context(), step.ID, models.StepStatusCompleted, Outcome{})
	assert.ErrorIs(t, err, ErrIllegalTransition)

	err = manager.TransitionStep(t.Context(), step.ID, models.StepStatusFailed, Outcome{})
	assert.ErrorIs(t, err, ErrIllegalTransition)

	require.NoError(t, manager.TransitionStep(t.Context(), step.ID, models.StepStatusRunning, Outcome{}))
	require.NoError(t, manager.TransitionStep(t.Context(), step.ID, models.StepStatusCompleted, Outcome{
		Output: map[string]any{"snapshot_id": "snap-1"},
	}))

	current, err := manager.Steps(t.Context(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusCompleted, current[0].Status)
	assert.NotNil(t, current[0].StartedAt)
	assert.NotNil(t, current[0].CompletedAt)
}

func TestTransitionStep_SkipAndMetadata(t *testing.T) {
	manager := newTestManager(t)

	run, err := manager.CreateRun(t.Context(), models.RunKindConsensus, consensusInput(), "user-1")
	require.NoError(t, err)

	steps, err := manager.CreateSteps(t.Context(), run.ID, []StepSpec{
		{Name: "analyze_m1", Metadata: map[string]any{"branch": "m1"}},
	})
	require.NoError(t, err)
	step := steps[0]

	require.NoError(t, manager.TransitionStep(t.Context(), step.ID, models.StepStatusRunning, Outcome{}))
	require.NoError(t, manager.TransitionStep(t.Context(), step.ID, models.StepStatusFailed, Outcome{
		Error:    "model timed out",
		Metadata: map[string]any{"duration_ms": int64(1200)},
	}))

	current, err := manager.Steps(t.Context(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, "model timed out", current[0].Error)
	assert.Equal(t, "m1", current[0].Metadata["branch"])
	assert.NotNil(t, current[0].Metadata["duration_ms"])

	// Terminal steps accept no further transitions.
	err = manager.TransitionStep(t.Context(), step.ID, models.StepStatusRunning, Outcome{})
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestAttachSnapshot(t *testing.T) {
	manager := newTestManager(t)

	run, err := manager.CreateRun(t.Context(), models.RunKindConsensus, consensusInput(), "user-1")
	require.NoError(t, err)

	require.NoError(t, manager.AttachSnapshot(t.Context(), run.ID, "snap-42"))

	current, err := manager.Run(t.Context(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, "snap-42", current.SnapshotID)
}
