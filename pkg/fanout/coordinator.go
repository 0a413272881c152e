// Package fanout runs the parallel branches of a pipeline stage. All
// branches start together and are joined in full before quorum is evaluated;
// a slow but successful branch is never discarded because its siblings
// finished first.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/consilium-ai/consilium/pkg/events"
	"github.com/consilium-ai/consilium/pkg/lifecycle"
	"github.com/consilium-ai/consilium/pkg/models"
	"github.com/consilium-ai/consilium/pkg/stream"
)

// ErrInsufficientQuorum indicates fewer branches produced valid results than
// the stage's quorum requires.
var ErrInsufficientQuorum = errors.New("insufficient valid branches")

// QuorumError carries the counts behind a quorum failure.
type QuorumError struct {
	Stage  string
	Valid  int
	Quorum int
	Total  int
}

func (e *QuorumError) Error() string {
	return fmt.Sprintf("stage %s: insufficient valid branches: %d of %d valid, quorum %d",
		e.Stage, e.Valid, e.Total, e.Quorum)
}

func (e *QuorumError) Is(target error) bool {
	return target == ErrInsufficientQuorum
}

// BranchFunc executes one branch and returns its output.
type BranchFunc func(ctx context.Context) (map[string]any, error)

// Branch is one parallel unit of a fan-out stage. Key is the stable sort key
// for result ordering; it must be unique within the stage.
type Branch struct {
	Key     string
	Name    string
	Input   map[string]any
	Execute BranchFunc
}

// Stage describes one fan-out execution.
type Stage struct {
	RunID    string
	Name     string
	Branches []Branch
	Timeout  time.Duration // per branch attempt
	Retries  int           // per branch, beyond the first attempt
	Quorum   int           // minimum valid branches for the stage to proceed
}

// BranchResult is the outcome of one branch.
type BranchResult struct {
	Key      string
	StepID   string
	Output   map[string]any
	Err      error
	Duration time.Duration
}

// Coordinator executes fan-out stages, recording each branch as its own step
// and reporting branch status over the event protocol.
type Coordinator struct {
	lifecycle *lifecycle.Manager
	emitter   *stream.Emitter
	logger    *slog.Logger
}

// NewCoordinator creates a fan-out coordinator.
func NewCoordinator(manager *lifecycle.Manager, emitter *stream.Emitter, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		lifecycle: manager,
		emitter:   emitter,
		logger:    logger,
	}
}

// Execute runs all branches concurrently, joins on every one of them, and
// returns the valid results sorted by branch key. Branch failures are
// absorbed here: they fail only their own step, and the stage fails only
// when fewer than Quorum branches succeed.
func (c *Coordinator) Execute(ctx context.Context, stage Stage) ([]BranchResult, error) {
	if len(stage.Branches) == 0 {
		return nil, &QuorumError{Stage: stage.Name, Valid: 0, Quorum: stage.Quorum, Total: 0}
	}

	specs := make([]lifecycle.StepSpec, 0, len(stage.Branches))
	for _, branch := range stage.Branches {
		specs = append(specs, lifecycle.StepSpec{
			Name:     branch.Name,
			Input:    branch.Input,
			Metadata: map[string]any{"branch": branch.Key},
		})
	}

	steps, err := c.lifecycle.CreateSteps(ctx, stage.RunID, specs)
	if err != nil {
		return nil, fmt.Errorf("failed to create branch steps: %w", err)
	}

	pending := make([]events.BranchState, 0, len(stage.Branches))
	for _, branch := range stage.Branches {
		pending = append(pending, events.BranchState{ID: branch.Key, Status: "pending"})
	}

	c.emitBranchStatus(ctx, stage.RunID, pending...)

	results := make([]BranchResult, len(stage.Branches))

	var group errgroup.Group

	for i := range stage.Branches {
		branch := stage.Branches[i]
		step := steps[i]

		group.Go(func() error {
			results[i] = c.runBranch(ctx, stage, branch, step)

			return nil
		})
	}

	// Join on every branch before evaluating quorum.
	_ = group.Wait()

	if err := ctx.Err(); err != nil {
		// The stage was cancelled; whatever arrived late is discarded.
		return nil, err
	}

	valid := make([]BranchResult, 0, len(results))
	failed := 0

	for _, result := range results {
		if result.Err != nil {
			failed++

			continue
		}

		valid = append(valid, result)
	}

	sort.Slice(valid, func(i, j int) bool {
		return valid[i].Key < valid[j].Key
	})

	c.logger.InfoContext(ctx, "Fan-out stage joined",
		"run_id", stage.RunID, "stage", stage.Name,
		"valid", len(valid), "failed", failed, "quorum", stage.Quorum)

	if len(valid) < stage.Quorum {
		return valid, &QuorumError{
			Stage:  stage.Name,
			Valid:  len(valid),
			Quorum: stage.Quorum,
			Total:  len(stage.Branches),
		}
	}

	return valid, nil
}

func (c *Coordinator) runBranch(ctx context.Context, stage Stage, branch Branch, step *models.Step) BranchResult {
	result := BranchResult{Key: branch.Key, StepID: step.ID}

	err := c.lifecycle.TransitionStep(ctx, step.ID, models.StepStatusRunning, lifecycle.Outcome{})
	if err != nil {
		result.Err = err

		return result
	}

	c.emitBranchStatus(ctx, stage.RunID, events.BranchState{ID: branch.Key, Status: "running"})

	started := time.Now()
	output, err := c.attemptBranch(ctx, stage, branch)
	result.Duration = time.Since(started)
	durationMs := result.Duration.Milliseconds()

	if err != nil {
		result.Err = err

		transitionErr := c.lifecycle.TransitionStep(ctx, step.ID, models.StepStatusFailed, lifecycle.Outcome{
			Error:    err.Error(),
			Metadata: map[string]any{"duration_ms": durationMs},
		})
		if transitionErr != nil {
			c.logger.ErrorContext(ctx, "Failed to mark branch step failed",
				"step_id", step.ID, "error", transitionErr)
		}

		c.emitBranchStatus(ctx, stage.RunID, events.BranchState{ID: branch.Key, Status: "failed", DurationMs: durationMs})

		return result
	}

	result.Output = output

	err = c.lifecycle.TransitionStep(ctx, step.ID, models.StepStatusCompleted, lifecycle.Outcome{
		Output:   output,
		Metadata: map[string]any{"duration_ms": durationMs},
	})
	if err != nil {
		// The branch work succeeded but its record could not; surface the
		// step as failed rather than report state we did not persist.
		result.Err = err
		result.Output = nil

		c.emitBranchStatus(ctx, stage.RunID, events.BranchState{ID: branch.Key, Status: "failed", DurationMs: durationMs})

		return result
	}

	c.emitBranchStatus(ctx, stage.RunID, events.BranchState{ID: branch.Key, Status: "completed", DurationMs: durationMs})

	return result
}

func (c *Coordinator) attemptBranch(ctx context.Context, stage Stage, branch Branch) (map[string]any, error) {
	attempts := stage.Retries + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		attemptCtx := ctx
		cancel := context.CancelFunc(func() {})

		if stage.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, stage.Timeout)
		}

		output, err := branch.Execute(attemptCtx)
		cancel()

		if err == nil {
			return output, nil
		}

		lastErr = err

		c.logger.WarnContext(ctx, "Branch attempt failed",
			"run_id", stage.RunID, "stage", stage.Name, "branch", branch.Key,
			"attempt", attempt+1, "error", err)
	}

	return nil, lastErr
}

func (c *Coordinator) emitBranchStatus(ctx context.Context, runID string, states ...events.BranchState) {
	c.emitter.Emit(ctx, events.BranchStatus{
		BaseEvent: events.NewBaseEvent(events.BranchStatusEventType, runID),
		Branches:  states,
	})
}
