package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/consilium-ai/consilium/pkg/events"
	"github.com/consilium-ai/consilium/pkg/lifecycle"
	"github.com/consilium-ai/consilium/pkg/models"
	"github.com/consilium-ai/consilium/pkg/persistence/file"
	"github.com/consilium-ai/consilium/pkg/stream"
)

type fanoutFixture struct {
	coordinator *Coordinator
	manager     *lifecycle.Manager
	emitter     *stream.Emitter
	runID       string
}

func newFanoutFixture(t *testing.T) *fanoutFixture {
	t.Helper()

	p := file.NewPersistence(t.TempDir())
	manager := lifecycle.NewManager(p.RunRepository(), p.StepRepository(), slog.Default())
	emitter := stream.NewEmitter(p.EventRepository(), nil, slog.Default())

	run, err := manager.CreateRun(t.Context(), models.RunKindConsensus, map[string]any{
		"symbol":   "AAPL",
		"exchange": "NASDAQ",
	}, "user-1")
	require.NoError(t, err)

	return &fanoutFixture{
		coordinator: NewCoordinator(manager, emitter, slog.Default()),
		manager:     manager,
		emitter:     emitter,
		runID:       run.ID,
	}
}

func okBranch(key string) Branch {
	return Branch{
		Key:  key,
		Name: "analyze_" + key,
		Execute: func(_ context.Context) (map[string]any, error) {
			return map[string]any{"branch": key}, nil
		},
	}
}

func failBranch(key string) Branch {
	return Branch{
		Key:  key,
		Name: "analyze_" + key,
		Execute: func(_ context.Context) (map[string]any, error) {
			return nil, errors.New("upstream unavailable")
		},
	}
}

func TestExecute_AllSucceed(t *testing.T) {
	f := newFanoutFixture(t)

	results, err := f.coordinator.Execute(t.Context(), Stage{
		RunID:    f.runID,
		Name:     "parallel_analysis",
		Branches: []Branch{okBranch("m1"), okBranch("m2")},
		Quorum:   2,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	steps, err := f.manager.Steps(t.Context(), f.runID)
	require.NoError(t, err)
	require.Len(t, steps, 2)

	for _, step := range steps {
		assert.Equal(t, models.StepStatusCompleted, step.Status)
	}
}

func TestExecute_QuorumNotMet(t *testing.T) {
	f := newFanoutFixture(t)

	results, err := f.coordinator.Execute(t.Context(), Stage{
		RunID:    f.runID,
		Name:     "parallel_analysis",
		Branches: []Branch{okBranch("m1"), failBranch("m2")},
		Quorum:   2,
	})
	require.ErrorIs(t, err, ErrInsufficientQuorum)

	var quorumErr *QuorumError
	require.ErrorAs(t, err, &quorumErr)
	assert.Equal(t, 1, quorumErr.Valid)
	assert.Equal(t, 2, quorumErr.Quorum)
	assert.Len(t, results, 1)

	// The surviving branch's step is still completed; only the failing
	// branch's step failed.
	steps, err := f.manager.Steps(t.Context(), f.runID)
	require.NoError(t, err)

	byName := map[string]models.StepStatus{}
	for _, step := range steps {
		byName[step.Name] = step.Status
	}

	assert.Equal(t, models.StepStatusCompleted, byName["analyze_m1"])
	assert.Equal(t, models.StepStatusFailed, byName["analyze_m2"])
}

func TestExecute_PartialFailureSortedResults(t *testing.T) {
	f := newFanoutFixture(t)

	branches := make([]Branch, 0, 8)

	for i := 8; i >= 1; i-- {
		key := fmt.Sprintf("m%d", i)
		if i == 3 || i == 7 {
			branches = append(branches, failBranch(key))
		} else {
			// Later keys finish first to prove ordering is by key, not
			// by completion time.
			delay := time.Duration(i) * 5 * time.Millisecond
			k := key
			branches = append(branches, Branch{
				Key:  k,
				Name: "analyze_" + k,
				Execute: func(_ context.Context) (map[string]any, error) {
					time.Sleep(delay)

					return map[string]any{"branch": k}, nil
				},
			})
		}
	}

	results, err := f.coordinator.Execute(t.Context(), Stage{
		RunID:    f.runID,
		Name:     "parallel_analysis",
		Branches: branches,
		Quorum:   1,
	})
	require.NoError(t, err)
	require.Len(t, results, 6)

	keys := make([]string, 0, len(results))
	for _, result := range results {
		keys = append(keys, result.Key)
		assert.NotNil(t, result.Output)
		assert.NoError(t, result.Err)
	}

	assert.Equal(t, []string{"m1", "m2", "m4", "m5", "m6", "m8"}, keys)
}

func TestExecute_RetriesBranch(t *testing.T) {
	f := newFanoutFixture(t)

	var attempts atomic.Int32

	results, err := f.coordinator.Execute(t.Context(), Stage{
		RunID: f.runID,
		Name:  "parallel_analysis",
		Branches: []Branch{{
			Key:  "m1",
			Name: "analyze_m1",
			Execute: func(_ context.Context) (map[string]any, error) {
				if attempts.Add(1) < 3 {
					return nil, errors.New("transient")
				}

				return map[string]any{"branch": "m1"}, nil
			},
		}},
		Retries: 2,
		Quorum:  1,
	})
	require.NoError(t, err)
	assert.Len(t, results, 1)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestExecute_BranchTimeout(t *testing.T) {
	f := newFanoutFixture(t)

	_, err := f.coordinator.Execute(t.Context(), Stage{
		RunID: f.runID,
		Name:  "parallel_analysis",
		Branches: []Branch{{
			Key:  "m1",
			Name: "analyze_m1",
			Execute: func(ctx context.Context) (map[string]any, error) {
				<-ctx.Done()

				return nil, ctx.Err()
			},
		}},
		Timeout: 20 * time.Millisecond,
		Quorum:  1,
	})
	require.ErrorIs(t, err, ErrInsufficientQuorum)
}

func TestExecute_Cancellation(t *testing.T) {
	f := newFanoutFixture(t)

	ctx, cancel := context.WithCancel(t.Context())

	started := make(chan struct{})

	go func() {
		<-started
		cancel()
	}()

	results, err := f.coordinator.Execute(ctx, Stage{
		RunID: f.runID,
		Name:  "parallel_analysis",
		Branches: []Branch{{
			Key:  "m1",
			Name: "analyze_m1",
			Execute: func(ctx context.Context) (map[string]any, error) {
				close(started)
				<-ctx.Done()

				return nil, ctx.Err()
			},
		}},
		Quorum: 1,
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, results)
}

func TestExecute_EmitsBranchStatus(t *testing.T) {
	f := newFanoutFixture(t)

	_, err := f.coordinator.Execute(t.Context(), Stage{
		RunID:    f.runID,
		Name:     "parallel_analysis",
		Branches: []Branch{okBranch("m1"), failBranch("m2")},
		Quorum:   1,
	})
	require.NoError(t, err)

	replayed, err := f.emitter.Replay(t.Context(), f.runID)
	require.NoError(t, err)

	statuses := map[string][]string{}

	for _, event := range replayed {
		branchStatus, ok := event.(events.BranchStatus)
		if !ok {
			continue
		}

		for _, state := range branchStatus.Branches {
			statuses[state.ID] = append(statuses[state.ID], state.Status)
		}
	}

	assert.Equal(t, []string{"pending", "running", "completed"}, statuses["m1"])
	assert.Equal(t, []string{"pending", "running", "failed"}, statuses["m2"])
}
