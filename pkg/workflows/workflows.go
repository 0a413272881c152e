// Package workflows defines the concrete analysis pipelines and the runner
// that executes them. Pipelines own no state of their own; everything they
// decide flows through the lifecycle manager, the event stream and the
// report repository.
package workflows

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/consilium-ai/consilium/pkg/events"
	"github.com/consilium-ai/consilium/pkg/fanout"
	"github.com/consilium-ai/consilium/pkg/lifecycle"
	"github.com/consilium-ai/consilium/pkg/modelcall"
	"github.com/consilium-ai/consilium/pkg/models"
	"github.com/consilium-ai/consilium/pkg/persistence"
	"github.com/consilium-ai/consilium/pkg/snapshot"
	"github.com/consilium-ai/consilium/pkg/stream"
)

// ErrNotCancellable indicates a cancel request for a run that already
// reached a terminal state.
var ErrNotCancellable = errors.New("run is not cancellable")

// ErrUnknownKind indicates no pipeline is registered for a run's kind.
var ErrUnknownKind = errors.New("unknown workflow kind")

// Pipeline is one fixed workflow definition. Execute drives the run from
// running to the point where its output is known; the runner owns the
// terminal transition and the terminal event.
type Pipeline interface {
	Kind() models.RunKind
	Execute(ctx context.Context, run *models.Run) (map[string]any, error)
}

// Deps are the collaborators every pipeline works through.
type Deps struct {
	Lifecycle *lifecycle.Manager
	Fanout    *fanout.Coordinator
	Emitter   *stream.Emitter
	Caller    modelcall.Caller
	Snapshots snapshot.Provider
	Reports   persistence.ReportRepository
	Logger    *slog.Logger
}

func decodeInput(input map[string]any, target any) error {
	data, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("failed to decode run input: %w", err)
	}

	err = json.Unmarshal(data, target)
	if err != nil {
		return fmt.Errorf("failed to decode run input: %w", err)
	}

	return nil
}

// fetchStage runs the shared fetch_data stage: one step that resolves the
// run's snapshot through the provider and attaches it to the run.
func fetchStage(ctx context.Context, deps *Deps, run *models.Run, symbol, exchange string, forceRefresh bool) (*models.Snapshot, error) {
	deps.Emitter.Emit(ctx, events.Stage{
		BaseEvent: events.NewBaseEvent(events.StageEventType, run.ID),
		Stage:     "fetch_data",
		Progress:  0.0,
		Message:   fmt.Sprintf("fetching market data for %s:%s", exchange, symbol),
	})

	steps, err := deps.Lifecycle.CreateSteps(ctx, run.ID, []lifecycle.StepSpec{
		{Name: "fetch_data", Input: map[string]any{"symbol": symbol, "exchange": exchange}},
	})
	if err != nil {
		return nil, err
	}

	step := steps[0]

	err = deps.Lifecycle.TransitionStep(ctx, step.ID, models.StepStatusRunning, lifecycle.Outcome{})
	if err != nil {
		return nil, err
	}

	snap, err := deps.Snapshots.GetOrFetch(ctx, symbol, exchange, snapshot.Options{ForceRefresh: forceRefresh})
	if err != nil {
		failErr := deps.Lifecycle.TransitionStep(ctx, step.ID, models.StepStatusFailed, lifecycle.Outcome{Error: err.Error()})
		if failErr != nil {
			deps.Logger.ErrorContext(ctx, "Failed to mark fetch step failed", "step_id", step.ID, "error", failErr)
		}

		return nil, fmt.Errorf("fetch_data failed: %w", err)
	}

	err = deps.Lifecycle.AttachSnapshot(ctx, run.ID, snap.ID)
	if err != nil {
		return nil, err
	}

	deps.Emitter.Emit(ctx, events.Progress{
		BaseEvent: events.NewBaseEvent(events.ProgressEventType, run.ID),
		StepID:    step.ID,
		Percent:   100,
		Message:   "snapshot ready",
	})

	err = deps.Lifecycle.TransitionStep(ctx, step.ID, models.StepStatusCompleted, lifecycle.Outcome{
		Output: map[string]any{"snapshot_id": snap.ID, "fetched_at": snap.FetchedAt},
	})
	if err != nil {
		return nil, err
	}

	return snap, nil
}

// synthesisStep wraps a synthesis body in its own step so that run
// completion is always anchored to the pipeline's terminal step.
func synthesisStep(ctx context.Context, deps *Deps, runID, name string, input map[string]any,
	body func(stepID string) (map[string]any, error),
) (map[string]any, error) {
	steps, err := deps.Lifecycle.CreateSteps(ctx, runID, []lifecycle.StepSpec{{Name: name, Input: input}})
	if err != nil {
		return nil, err
	}

	step := steps[0]

	err = deps.Lifecycle.TransitionStep(ctx, step.ID, models.StepStatusRunning, lifecycle.Outcome{})
	if err != nil {
		return nil, err
	}

	output, err := body(step.ID)
	if err != nil {
		failErr := deps.Lifecycle.TransitionStep(ctx, step.ID, models.StepStatusFailed, lifecycle.Outcome{Error: err.Error()})
		if failErr != nil {
			deps.Logger.ErrorContext(ctx, "Failed to mark synthesis step failed", "step_id", step.ID, "error", failErr)
		}

		return nil, err
	}

	err = deps.Lifecycle.TransitionStep(ctx, step.ID, models.StepStatusCompleted, lifecycle.Outcome{Output: output})
	if err != nil {
		return nil, err
	}

	return output, nil
}

// saveReport persists a report artifact and emits its event.
func saveReport(ctx context.Context, deps *Deps, report *models.Report) error {
	err := deps.Reports.Create(ctx, report)
	if err != nil {
		return fmt.Errorf("failed to persist report: %w", err)
	}

	reportDoc := map[string]any{
		"title":    report.Title,
		"summary":  report.Summary,
		"sections": report.Sections,
	}

	deps.Emitter.Emit(ctx, events.Report{
		BaseEvent:  events.NewBaseEvent(events.ReportEventType, report.RunID),
		ReportID:   report.ID,
		ReportType: report.Type,
		Report:     reportDoc,
	})

	return nil
}

func stringField(output map[string]any, key string) string {
	value, ok := output[key].(string)
	if !ok {
		return ""
	}

	return value
}

func newReportID() string {
	return fmt.Sprintf("report-%s", uuid.New().String()[:8])
}
