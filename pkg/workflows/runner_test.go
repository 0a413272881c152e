package workflows

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/consilium-ai/consilium/pkg/events"
	"github.com/consilium-ai/consilium/pkg/fanout"
	"github.com/consilium-ai/consilium/pkg/lifecycle"
	"github.com/consilium-ai/consilium/pkg/mocks"
	"github.com/consilium-ai/consilium/pkg/modelcall"
	"github.com/consilium-ai/consilium/pkg/models"
	"github.com/consilium-ai/consilium/pkg/persistence"
	"github.com/consilium-ai/consilium/pkg/persistence/file"
	"github.com/consilium-ai/consilium/pkg/quota"
	"github.com/consilium-ai/consilium/pkg/snapshot"
	"github.com/consilium-ai/consilium/pkg/stream"
)

type runnerFixture struct {
	p       persistence.Persistence
	manager *lifecycle.Manager
	emitter *stream.Emitter
	caller  *mocks.MockCaller
	fetcher *mocks.MockFetcher
	runner  *Runner
}

func newRunnerFixture(t *testing.T, quotaLimit int64) *runnerFixture {
	t.Helper()

	p := file.NewPersistence(t.TempDir())
	logger := slog.Default()

	manager := lifecycle.NewManager(p.RunRepository(), p.StepRepository(), logger)
	emitter := stream.NewEmitter(p.EventRepository(), nil, logger)
	coordinator := fanout.NewCoordinator(manager, emitter, logger)
	ledger := quota.NewLedger(p.UsageRepository(), logger)

	caller := &mocks.MockCaller{}
	fetcher := &mocks.MockFetcher{}

	deps := &Deps{
		Lifecycle: manager,
		Fanout:    coordinator,
		Emitter:   emitter,
		Caller:    caller,
		Snapshots: snapshot.NewCachingProvider(fetcher, p.SnapshotRepository(), time.Minute, logger),
		Reports:   p.ReportRepository(),
		Logger:    logger,
	}

	runner := NewRunner(manager, ledger, emitter,
		[]Pipeline{
			NewConsensusPipeline(deps, ConsensusConfig{Quorum: 2, BranchTimeout: time.Second}),
			NewResearchPipeline(deps, ResearchConfig{
				PlannerModel:    "planner",
				ResearcherModel: "researcher",
				BranchTimeout:   time.Second,
			}),
			NewQAPipeline(deps, QAConfig{DefaultModel: "qa-model", CallTimeout: time.Second}),
		},
		RunnerConfig{QuotaLimit: quotaLimit},
		nil, logger)

	return &runnerFixture{
		p:       p,
		manager: manager,
		emitter: emitter,
		caller:  caller,
		fetcher: fetcher,
		runner:  runner,
	}
}

func (f *runnerFixture) expectSnapshot() {
	f.fetcher.On("Fetch", mock.Anything, "AAPL", "NASDAQ").Return(&models.Snapshot{
		ID:        "snap-1",
		Symbol:    "AAPL",
		Exchange:  "NASDAQ",
		FetchedAt: time.Now().UTC(),
		Data:      map[string]any{"price": 187.5},
	}, nil)
}

func (f *runnerFixture) expectModel(model string, output map[string]any) {
	f.caller.On("Call", mock.Anything, mock.MatchedBy(func(req modelcall.Request) bool {
		return req.Model == model
	})).Return(&modelcall.Result{Model: model, Output: output}, nil)
}

func (f *runnerFixture) expectModelError(model string, callErr error) {
	f.caller.On("Call", mock.Anything, mock.MatchedBy(func(req modelcall.Request) bool {
		return req.Model == model
	})).Return(nil, callErr)
}

func consensusRunInput() map[string]any {
	return map[string]any{
		"symbol":   "AAPL",
		"exchange": "NASDAQ",
		"models":   []any{"m1", "m2"},
	}
}

func (f *runnerFixture) usedQuota(t *testing.T, userID string, kind models.RunKind) int64 {
	t.Helper()

	used, err := f.p.UsageRepository().GetCounter(t.Context(), userID, string(kind), quota.Period(time.Now()))
	require.NoError(t, err)

	return used
}

func eventTypes(history []events.Event) []events.EventType {
	types := make([]events.EventType, 0, len(history))
	for _, event := range history {
		types = append(types, event.GetType())
	}

	return types
}

// indexOf returns the position of the first occurrence of an event type.
func indexOf(types []events.EventType, want events.EventType) int {
	for i, eventType := range types {
		if eventType == want {
			return i
		}
	}

	return -1
}

func TestConsensusRun_EndToEnd(t *testing.T) {
	f := newRunnerFixture(t, 10)
	f.expectSnapshot()
	f.expectModel("m1", map[string]any{"stance": "bullish", "summary": "strong growth", "reasoning": "earnings beat"})
	f.expectModel("m2", map[string]any{"stance": "bullish", "summary": "healthy margins", "reasoning": "stable demand"})
	f.expectModel("synthesizer", map[string]any{
		"decision": "buy", "stance": "bullish", "summary": "both analysts agree", "rationale": "unanimous",
	})

	run, err := f.runner.Start(t.Context(), models.RunKindConsensus, consensusRunInput(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPending, run.Status)

	f.runner.Wait()

	final, err := f.manager.Run(t.Context(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, final.Status)
	assert.Equal(t, "snap-1", final.SnapshotID)
	assert.Equal(t, "buy", final.Output["decision"])
	assert.NotEmpty(t, final.Output["report_id"])

	// Exactly one reservation, kept.
	assert.Equal(t, int64(1), f.usedQuota(t, "user-1", models.RunKindConsensus))

	report, err := f.p.ReportRepository().GetByRun(t.Context(), run.ID)
	require.NoError(t, err)
	require.Len(t, report.Sections, 2)
	assert.Equal(t, "m1", report.Sections[0].Key)
	assert.Equal(t, "m2", report.Sections[1].Key)

	history, err := f.emitter.Replay(t.Context(), run.ID)
	require.NoError(t, err)
	types := eventTypes(history)

	// The coarse milestones arrive in pipeline order.
	stageIdx := indexOf(types, events.StageEventType)
	progressIdx := indexOf(types, events.ProgressEventType)
	branchIdx := indexOf(types, events.BranchStatusEventType)
	reportIdx := indexOf(types, events.ReportEventType)
	completeIdx := indexOf(types, events.CompleteEventType)

	require.GreaterOrEqual(t, stageIdx, 0)
	assert.Less(t, stageIdx, progressIdx)
	assert.Less(t, progressIdx, branchIdx)
	assert.Less(t, branchIdx, reportIdx)
	assert.Less(t, reportIdx, completeIdx)
	assert.Equal(t, completeIdx, len(types)-1)

	// Replay reconstructs the same terminal picture a live observer saw.
	first, ok := history[stageIdx].(events.Stage)
	require.True(t, ok)
	assert.Equal(t, "fetch_data", first.Stage)

	steps, err := f.manager.Steps(t.Context(), run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 4)

	for _, step := range steps {
		assert.Equal(t, models.StepStatusCompleted, step.Status)
	}
}

func TestConsensusRun_QuorumFailureRollsBack(t *testing.T) {
	f := newRunnerFixture(t, 10)
	f.expectSnapshot()
	f.expectModel("m1", map[string]any{"stance": "bullish", "summary": "ok", "reasoning": "fine"})
	f.expectModelError("m2", modelcall.ErrUpstream)

	run, err := f.runner.Start(t.Context(), models.RunKindConsensus, consensusRunInput(), "user-1")
	require.NoError(t, err)

	f.runner.Wait()

	final, err := f.manager.Run(t.Context(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, final.Status)
	assert.Contains(t, final.Error, "insufficient valid branches")

	// The reservation was returned.
	assert.Equal(t, int64(0), f.usedQuota(t, "user-1", models.RunKindConsensus))

	entries, err := f.p.UsageRepository().UsageLogByRun(t.Context(), run.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, models.UsageReasonReserve, entries[0].Reason)
	assert.Equal(t, models.UsageReasonFailed, entries[1].Reason)

	history, err := f.emitter.Replay(t.Context(), run.ID)
	require.NoError(t, err)
	types := eventTypes(history)

	assert.Equal(t, -1, indexOf(types, events.ReportEventType))
	assert.Equal(t, -1, indexOf(types, events.CompleteEventType))
	assert.GreaterOrEqual(t, indexOf(types, events.ErrorEventType), 0)
}

func TestConsensusRun_CancelMidFlight(t *testing.T) {
	f := newRunnerFixture(t, 10)
	f.expectSnapshot()

	branchStarted := make(chan struct{}, 2)

	f.caller.On("Call", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		branchStarted <- struct{}{}

		ctx := args.Get(0).(context.Context)
		<-ctx.Done()
	}).Return(nil, context.Canceled)

	run, err := f.runner.Start(t.Context(), models.RunKindConsensus, consensusRunInput(), "user-1")
	require.NoError(t, err)

	<-branchStarted

	require.NoError(t, f.runner.Cancel(t.Context(), run.ID))

	f.runner.Wait()

	final, err := f.manager.Run(t.Context(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCancelled, final.Status)

	assert.Equal(t, int64(0), f.usedQuota(t, "user-1", models.RunKindConsensus))

	entries, err := f.p.UsageRepository().UsageLogByRun(t.Context(), run.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, models.UsageReasonCancelled, entries[1].Reason)

	// A cancelled run never produces a report.
	history, err := f.emitter.Replay(t.Context(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, -1, indexOf(eventTypes(history), events.ReportEventType))
	assert.Equal(t, -1, indexOf(eventTypes(history), events.CompleteEventType))
}

func TestCancel_TerminalRun(t *testing.T) {
	f := newRunnerFixture(t, 10)
	f.expectSnapshot()
	f.expectModel("m1", map[string]any{"stance": "neutral", "summary": "ok", "reasoning": "fine"})
	f.expectModel("m2", map[string]any{"stance": "neutral", "summary": "ok", "reasoning": "fine"})
	f.expectModel("synthesizer", map[string]any{"decision": "hold", "stance": "neutral", "summary": "ok"})

	run, err := f.runner.Start(t.Context(), models.RunKindConsensus, consensusRunInput(), "user-1")
	require.NoError(t, err)

	f.runner.Wait()

	err = f.runner.Cancel(t.Context(), run.ID)
	assert.ErrorIs(t, err, ErrNotCancellable)
}

func TestStart_QuotaExhausted(t *testing.T) {
	f := newRunnerFixture(t, 0)

	_, err := f.runner.Start(t.Context(), models.RunKindConsensus, consensusRunInput(), "user-1")
	require.ErrorIs(t, err, quota.ErrExhausted)

	// The rejected request never created a run.
	runs, err := f.p.RunRepository().ListByUser(t.Context(), "user-1")
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestStart_Unauthenticated(t *testing.T) {
	f := newRunnerFixture(t, 10)

	_, err := f.runner.Start(t.Context(), models.RunKindConsensus, consensusRunInput(), "")
	assert.ErrorIs(t, err, quota.ErrUnauthenticated)
}

func TestStart_InvalidInput(t *testing.T) {
	f := newRunnerFixture(t, 10)

	_, err := f.runner.Start(t.Context(), models.RunKindConsensus, map[string]any{"symbol": "AAPL"}, "user-1")
	assert.ErrorIs(t, err, lifecycle.ErrValidation)

	runs, err := f.p.RunRepository().ListByUser(t.Context(), "user-1")
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestStart_UnknownKind(t *testing.T) {
	f := newRunnerFixture(t, 10)

	_, err := f.runner.Start(t.Context(), models.RunKind("batch"), consensusRunInput(), "user-1")
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestQARun_EndToEnd(t *testing.T) {
	f := newRunnerFixture(t, 10)
	f.expectSnapshot()
	f.expectModel("qa-model", map[string]any{"answer": "The margin expanded last quarter.", "confidence": 0.8})

	run, err := f.runner.Start(t.Context(), models.RunKindQA, map[string]any{
		"symbol":   "AAPL",
		"exchange": "NASDAQ",
		"question": "What happened to margins?",
	}, "user-1")
	require.NoError(t, err)

	f.runner.Wait()

	final, err := f.manager.Run(t.Context(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, final.Status)
	assert.Equal(t, "The margin expanded last quarter.", final.Output["answer"])

	// The sequential path involves no fan-out.
	history, err := f.emitter.Replay(t.Context(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, -1, indexOf(eventTypes(history), events.BranchStatusEventType))

	steps, err := f.manager.Steps(t.Context(), run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "fetch_data", steps[0].Name)
	assert.Equal(t, "answer", steps[1].Name)
}

func TestResearchRun_EndToEnd(t *testing.T) {
	f := newRunnerFixture(t, 10)
	f.expectSnapshot()

	// The planner model serves both the plan call and the report synthesis.
	f.caller.On("Call", mock.Anything, mock.MatchedBy(func(req modelcall.Request) bool {
		return req.Model == "planner"
	})).Return(&modelcall.Result{Model: "planner", Output: map[string]any{"tasks": []any{
		map[string]any{"title": "Revenue drivers", "prompt": "Analyze revenue drivers."},
		map[string]any{"title": "Competitive risk", "prompt": "Analyze competitive risk."},
	}}}, nil).Once()
	f.expectModel("planner", map[string]any{"summary": "earnings look durable", "conclusion": "hold"})
	f.expectModel("researcher", map[string]any{"findings": "demand is stable"})

	run, err := f.runner.Start(t.Context(), models.RunKindResearch, map[string]any{
		"symbol":    "AAPL",
		"exchange":  "NASDAQ",
		"objective": "assess durability of earnings",
	}, "user-1")
	require.NoError(t, err)

	f.runner.Wait()

	final, err := f.manager.Run(t.Context(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, final.Status)

	report, err := f.p.ReportRepository().GetByRun(t.Context(), run.ID)
	require.NoError(t, err)
	require.Len(t, report.Sections, 2)
	assert.Equal(t, "task-01", report.Sections[0].Key)
	assert.Equal(t, "task-02", report.Sections[1].Key)

	steps, err := f.manager.Steps(t.Context(), run.ID)
	require.NoError(t, err)

	names := make([]string, 0, len(steps))
	for _, step := range steps {
		names = append(names, step.Name)
	}

	assert.Equal(t, []string{"fetch_data", "create_plan", "research_task-01", "research_task-02", "synthesize_report"}, names)
}
