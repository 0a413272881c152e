package workflows

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/consilium-ai/consilium/pkg/events"
	"github.com/consilium-ai/consilium/pkg/lifecycle"
	"github.com/consilium-ai/consilium/pkg/models"
	"github.com/consilium-ai/consilium/pkg/otelhelper"
	"github.com/consilium-ai/consilium/pkg/quota"
	"github.com/consilium-ai/consilium/pkg/stream"
)

// RunnerConfig tunes quota gating.
type RunnerConfig struct {
	QuotaLimit int64
}

// Runner executes runs. Each run gets its own goroutine and its own cancel
// func; the runner guarantees every launched run reaches a terminal state
// and that failed or cancelled runs roll back their quota reservation.
type Runner struct {
	lifecycle *lifecycle.Manager
	ledger    *quota.Ledger
	emitter   *stream.Emitter
	pipelines map[models.RunKind]Pipeline
	cfg       RunnerConfig
	tracer    trace.Tracer
	logger    *slog.Logger

	cancels sync.Map // run id -> context.CancelFunc
	wg      sync.WaitGroup
}

// NewRunner creates a runner over the given pipelines. A nil tracer disables
// tracing.
func NewRunner(
	manager *lifecycle.Manager,
	ledger *quota.Ledger,
	emitter *stream.Emitter,
	pipelines []Pipeline,
	cfg RunnerConfig,
	tracer trace.Tracer,
	logger *slog.Logger,
) *Runner {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("workflows")
	}

	byKind := make(map[models.RunKind]Pipeline, len(pipelines))
	for _, pipeline := range pipelines {
		byKind[pipeline.Kind()] = pipeline
	}

	return &Runner{
		lifecycle: manager,
		ledger:    ledger,
		emitter:   emitter,
		pipelines: byKind,
		cfg:       cfg,
		tracer:    tracer,
		logger:    logger,
	}
}

// Start validates input and quota, creates the run and launches its
// execution. The quota check happens before the run exists, so a rejected
// caller never leaves a run behind; the reservation itself happens on the
// run's goroutine, before the first billable step.
func (r *Runner) Start(ctx context.Context, kind models.RunKind, input map[string]any, userID string) (*models.Run, error) {
	if _, ok := r.pipelines[kind]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	period := quota.Period(time.Now())

	status, err := r.ledger.Check(ctx, userID, string(kind), period, r.cfg.QuotaLimit)
	if err != nil {
		return nil, err
	}

	if !status.Allowed {
		return nil, fmt.Errorf("%w: used %d of %d for %s in %s",
			quota.ErrExhausted, status.Used, status.Limit, kind, period)
	}

	run, err := r.lifecycle.CreateRun(ctx, kind, input, userID)
	if err != nil {
		return nil, err
	}

	r.wg.Add(1)

	go r.execute(run, period)

	return run, nil
}

// Cancel signals a run to stop. Running runs are cancelled through their
// context; a pending run that has not started yet is transitioned directly.
func (r *Runner) Cancel(ctx context.Context, runID string) error {
	if cancel, ok := r.cancels.Load(runID); ok {
		cancel.(context.CancelFunc)()

		return nil
	}

	run, err := r.lifecycle.Run(ctx, runID)
	if err != nil {
		return err
	}

	if run.Status.Terminal() {
		return fmt.Errorf("%w: run %s is %s", ErrNotCancellable, runID, run.Status)
	}

	return r.lifecycle.TransitionRun(ctx, runID, models.RunStatusCancelled, lifecycle.Outcome{})
}

// Wait blocks until every launched run has reached a terminal state.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) execute(run *models.Run, period string) {
	defer r.wg.Done()

	// The run outlives the request that started it.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r.cancels.Store(run.ID, cancel)
	defer r.cancels.Delete(run.ID)

	ctx, span := otelhelper.StartSpan(ctx, r.tracer, "workflows.execute",
		attribute.String(otelhelper.RunIDKey, run.ID),
		attribute.String(otelhelper.RunKindKey, string(run.Kind)),
		attribute.String(otelhelper.UserIDKey, run.UserID),
	)
	defer span.End()

	started := time.Now()

	err := r.lifecycle.TransitionRun(ctx, run.ID, models.RunStatusRunning, lifecycle.Outcome{})
	if err != nil {
		// Cancelled before it started; nothing was reserved yet.
		r.logger.WarnContext(ctx, "Run never started", "run_id", run.ID, "error", err)

		return
	}

	mode := string(run.Kind)

	err = r.ledger.Reserve(ctx, run.UserID, mode, period, r.cfg.QuotaLimit, run.ID)
	if err != nil {
		r.finishFailed(ctx, span, run, err, false, period)

		return
	}

	output, err := r.pipelines[run.Kind].Execute(ctx, run)

	switch {
	case errors.Is(err, context.Canceled) || (err != nil && ctx.Err() != nil):
		r.finishCancelled(ctx, run, period)
	case err != nil:
		r.finishFailed(ctx, span, run, err, true, period)
	default:
		r.finishCompleted(ctx, run, output, time.Since(started))
	}
}

func (r *Runner) finishCompleted(ctx context.Context, run *models.Run, output map[string]any, duration time.Duration) {
	err := r.lifecycle.TransitionRun(ctx, run.ID, models.RunStatusCompleted, lifecycle.Outcome{Output: output})
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to complete run", "run_id", run.ID, "error", err)

		return
	}

	r.emitter.Emit(ctx, events.Complete{
		BaseEvent: events.NewBaseEvent(events.CompleteEventType, run.ID),
		Result:    output,
		Duration:  duration,
	})

	r.logger.InfoContext(ctx, "Run completed", "run_id", run.ID, "duration", duration)
}

func (r *Runner) finishFailed(ctx context.Context, span trace.Span, run *models.Run, runErr error, reserved bool, period string) {
	otelhelper.SetError(span, runErr, attribute.String(otelhelper.RunIDKey, run.ID))

	err := r.lifecycle.TransitionRun(ctx, run.ID, models.RunStatusFailed, lifecycle.Outcome{Error: runErr.Error()})
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to mark run failed", "run_id", run.ID, "error", err)
	}

	r.emitter.Emit(ctx, events.Error{
		BaseEvent:   events.NewBaseEvent(events.ErrorEventType, run.ID),
		Message:     runErr.Error(),
		Recoverable: false,
	})

	if reserved {
		r.rollback(ctx, run, period, models.UsageReasonFailed)
	}

	r.logger.ErrorContext(ctx, "Run failed", "run_id", run.ID, "error", runErr)
}

func (r *Runner) finishCancelled(ctx context.Context, run *models.Run, period string) {
	// The run's own context is cancelled; finish bookkeeping on a fresh one.
	ctx = context.WithoutCancel(ctx)

	err := r.lifecycle.TransitionRun(ctx, run.ID, models.RunStatusCancelled, lifecycle.Outcome{})
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to mark run cancelled", "run_id", run.ID, "error", err)
	}

	r.rollback(ctx, run, period, models.UsageReasonCancelled)

	r.logger.InfoContext(ctx, "Run cancelled", "run_id", run.ID)
}

func (r *Runner) rollback(ctx context.Context, run *models.Run, period, reason string) {
	err := r.ledger.Rollback(ctx, run.UserID, string(run.Kind), period, run.ID, reason)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to roll back reservation",
			"run_id", run.ID, "user_id", run.UserID, "error", err)
	}
}
