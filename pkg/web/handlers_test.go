package web

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/consilium-ai/consilium/pkg/fanout"
	"github.com/consilium-ai/consilium/pkg/lifecycle"
	"github.com/consilium-ai/consilium/pkg/mocks"
	"github.com/consilium-ai/consilium/pkg/modelcall"
	"github.com/consilium-ai/consilium/pkg/models"
	"github.com/consilium-ai/consilium/pkg/persistence/file"
	"github.com/consilium-ai/consilium/pkg/quota"
	"github.com/consilium-ai/consilium/pkg/services"
	"github.com/consilium-ai/consilium/pkg/snapshot"
	"github.com/consilium-ai/consilium/pkg/stream"
	"github.com/consilium-ai/consilium/pkg/workflows"
)

type apiFixture struct {
	app    *fiber.App
	runner *workflows.Runner
}

func newAPIFixture(t *testing.T, quotaLimit int64) *apiFixture {
	t.Helper()

	p := file.NewPersistence(t.TempDir())
	logger := slog.Default()

	manager := lifecycle.NewManager(p.RunRepository(), p.StepRepository(), logger)
	emitter := stream.NewEmitter(p.EventRepository(), nil, logger)
	coordinator := fanout.NewCoordinator(manager, emitter, logger)
	ledger := quota.NewLedger(p.UsageRepository(), logger)

	caller := &mocks.MockCaller{}
	caller.On("Call", mock.Anything, mock.Anything).Return(&modelcall.Result{
		Model: "m1",
		Output: map[string]any{
			"stance":   "bullish",
			"summary":  "looks fine",
			"decision": "buy",
		},
	}, nil)

	fetcher := &mocks.MockFetcher{}
	fetcher.On("Fetch", mock.Anything, mock.Anything, mock.Anything).Return(&models.Snapshot{
		ID:        "snap-1",
		Symbol:    "AAPL",
		Exchange:  "NASDAQ",
		FetchedAt: time.Now().UTC(),
	}, nil)

	deps := &workflows.Deps{
		Lifecycle: manager,
		Fanout:    coordinator,
		Emitter:   emitter,
		Caller:    caller,
		Snapshots: snapshot.NewCachingProvider(fetcher, p.SnapshotRepository(), time.Minute, logger),
		Reports:   p.ReportRepository(),
		Logger:    logger,
	}

	runner := workflows.NewRunner(manager, ledger, emitter,
		[]workflows.Pipeline{
			workflows.NewConsensusPipeline(deps, workflows.ConsensusConfig{Quorum: 2, BranchTimeout: time.Second}),
			workflows.NewQAPipeline(deps, workflows.QAConfig{DefaultModel: "m1", CallTimeout: time.Second}),
		},
		workflows.RunnerConfig{QuotaLimit: quotaLimit},
		nil, logger)

	runService := services.NewRuns(p, runner, manager, emitter, nil)

	app := fiber.New()
	NewAPIHandlers(runService, validator.New()).RegisterRoutes(app)

	return &apiFixture{app: app, runner: runner}
}

func (f *apiFixture) request(t *testing.T, method, target, userID string, body any) *http.Response {
	t.Helper()

	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}

	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}

	resp, err := f.app.Test(req)
	require.NoError(t, err)

	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()

	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NoError(t, resp.Body.Close())

	return out
}

func startConsensusRun(t *testing.T, f *apiFixture) RunResponse {
	t.Helper()

	resp := f.request(t, http.MethodPost, "/runs", "user-1", map[string]any{
		"kind": "consensus",
		"input": map[string]any{
			"symbol":   "AAPL",
			"exchange": "NASDAQ",
			"models":   []string{"m1", "m2"},
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	return decodeBody[RunResponse](t, resp)
}

func TestStartRun(t *testing.T) {
	f := newAPIFixture(t, 10)

	created := startConsensusRun(t, f)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "consensus", created.Kind)
	assert.Equal(t, "pending", created.Status)

	f.runner.Wait()

	resp := f.request(t, http.MethodGet, "/runs/"+created.ID, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	status := decodeBody[RunStatusResponse](t, resp)
	assert.Equal(t, "completed", status.Run.Status)
	assert.NotEmpty(t, status.Steps)

	for _, step := range status.Steps {
		assert.Equal(t, "completed", step.Status)
	}
}

func TestStartRun_InvalidBody(t *testing.T) {
	f := newAPIFixture(t, 10)

	cases := []struct {
		name string
		body map[string]any
	}{
		{"unknown kind", map[string]any{"kind": "batch", "input": map[string]any{"symbol": "AAPL"}}},
		{"missing kind", map[string]any{"input": map[string]any{"symbol": "AAPL"}}},
		{"missing input", map[string]any{"kind": "consensus"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := f.request(t, http.MethodPost, "/runs", "user-1", tc.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			require.NoError(t, resp.Body.Close())
		})
	}
}

func TestStartRun_InvalidInputShape(t *testing.T) {
	f := newAPIFixture(t, 10)

	resp := f.request(t, http.MethodPost, "/runs", "user-1", map[string]any{
		"kind":  "consensus",
		"input": map[string]any{"symbol": "AAPL"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NoError(t, resp.Body.Close())
}

func TestStartRun_Unauthenticated(t *testing.T) {
	f := newAPIFixture(t, 10)

	resp := f.request(t, http.MethodPost, "/runs", "", map[string]any{
		"kind":  "consensus",
		"input": map[string]any{"symbol": "AAPL", "exchange": "NASDAQ"},
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.NoError(t, resp.Body.Close())
}

func TestStartRun_QuotaExceeded(t *testing.T) {
	f := newAPIFixture(t, 0)

	resp := f.request(t, http.MethodPost, "/runs", "user-1", map[string]any{
		"kind":  "consensus",
		"input": map[string]any{"symbol": "AAPL", "exchange": "NASDAQ"},
	})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.NoError(t, resp.Body.Close())
}

func TestGetRun_NotFound(t *testing.T) {
	f := newAPIFixture(t, 10)

	resp := f.request(t, http.MethodGet, "/runs/run-missing", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.NoError(t, resp.Body.Close())
}

func TestListRuns(t *testing.T) {
	f := newAPIFixture(t, 10)

	startConsensusRun(t, f)
	f.runner.Wait()

	resp := f.request(t, http.MethodGet, "/runs", "user-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody[map[string][]RunResponse](t, resp)
	assert.Len(t, body["runs"], 1)

	// Other users never see the run.
	resp = f.request(t, http.MethodGet, "/runs", "user-2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body = decodeBody[map[string][]RunResponse](t, resp)
	assert.Empty(t, body["runs"])
}

func TestListRuns_RequiresUser(t *testing.T) {
	f := newAPIFixture(t, 10)

	resp := f.request(t, http.MethodGet, "/runs", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NoError(t, resp.Body.Close())
}

func TestCancelRun_TerminalConflict(t *testing.T) {
	f := newAPIFixture(t, 10)

	created := startConsensusRun(t, f)
	f.runner.Wait()

	resp := f.request(t, http.MethodPost, "/runs/"+created.ID+"/cancel", "", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	require.NoError(t, resp.Body.Close())
}

func TestCancelRun_NotFound(t *testing.T) {
	f := newAPIFixture(t, 10)

	resp := f.request(t, http.MethodPost, "/runs/run-missing/cancel", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.NoError(t, resp.Body.Close())
}

func TestGetReport(t *testing.T) {
	f := newAPIFixture(t, 10)

	created := startConsensusRun(t, f)
	f.runner.Wait()

	resp := f.request(t, http.MethodGet, "/runs/"+created.ID+"/report", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	report := decodeBody[models.Report](t, resp)
	assert.Equal(t, created.ID, report.RunID)
	assert.Len(t, report.Sections, 2)
}

func TestGetReport_NotFound(t *testing.T) {
	f := newAPIFixture(t, 10)

	resp := f.request(t, http.MethodGet, "/runs/run-missing/report", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.NoError(t, resp.Body.Close())
}

func TestStreamRunEvents_ReplaysHistory(t *testing.T) {
	f := newAPIFixture(t, 10)

	created := startConsensusRun(t, f)
	f.runner.Wait()

	// Without a live bus the stream is exactly the persisted history.
	resp := f.request(t, http.MethodGet, "/runs/"+created.ID+"/events", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	body := string(raw)
	assert.Contains(t, body, "event: stage\n")
	assert.Contains(t, body, "event: branch-status\n")
	assert.Contains(t, body, "event: report\n")
	assert.True(t, strings.HasSuffix(strings.TrimRight(body, "\n"), "}"),
		"stream should end with the last event payload")

	last := body[strings.LastIndex(body, "event: "):]
	assert.True(t, strings.HasPrefix(last, "event: complete\n"))
}

func TestStreamRunEvents_NotFound(t *testing.T) {
	f := newAPIFixture(t, 10)

	resp := f.request(t, http.MethodGet, "/runs/run-missing/events", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.NoError(t, resp.Body.Close())
}
