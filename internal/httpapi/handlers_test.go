package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/orchkit/internal/backend/memory"
	"github.com/tombee/orchkit/internal/engine"
	"github.com/tombee/orchkit/internal/executor"
	"github.com/tombee/orchkit/internal/plugin"
	"github.com/tombee/orchkit/internal/statemanager"
	"github.com/tombee/orchkit/pkg/orchestration"
)

func newTestServer(t *testing.T) (http.Handler, *memory.Backend) {
	t.Helper()
	reg := plugin.NewRegistry()
	reg.Register("echo", plugin.HandlerFunc(func(ctx context.Context, userID, action string, params map[string]any) (plugin.Result, error) {
		return plugin.Result{Success: true, Data: params["value"]}, nil
	}))

	be := memory.New()
	exec := executor.New(reg, executor.Config{})
	state := statemanager.New(be)
	runner := engine.New(state, be, exec, &executor.RegistryPluginExecutor{Registry: reg}, nil, nil, engine.NewRegistry(), nil, engine.Config{})

	h := &handlers{runner: runner, backend: be}
	return h.routes(JWTConfig{}), be
}

func TestCreateExecution_RejectsEmptyPlan(t *testing.T) {
	mux, _ := newTestServer(t)
	body, _ := json.Marshal(createExecutionRequest{AgentID: "a", UserID: "u"})
	req := httptest.NewRequest(http.MethodPost, "/executions", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateExecution_ThenGetReturnsTheRecord(t *testing.T) {
	mux, be := newTestServer(t)
	plan := orchestration.ExecutionPlan{Steps: []orchestration.StepDescriptor{
		{ID: "a", Kind: orchestration.StepKindAction, Payload: orchestration.StepPayload{Plugin: "echo", Action: "run", Params: map[string]any{"value": "x"}}},
	}}
	body, _ := json.Marshal(createExecutionRequest{AgentID: "agent-1", UserID: "user-1", Plan: plan})
	req := httptest.NewRequest(http.MethodPost, "/executions", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var created createExecutionResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))
	require.NotEmpty(t, created.ExecutionID)

	deadline := time.Now().Add(2 * time.Second)
	var run *orchestration.ExecutionRecord
	for time.Now().Before(deadline) {
		r, err := be.GetRun(req.Context(), created.ExecutionID)
		require.NoError(t, err)
		if r.Status == orchestration.StatusCompleted {
			run = r
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.NotNil(t, run)

	getReq := httptest.NewRequest(http.MethodGet, "/executions/"+created.ExecutionID, nil)
	getRec := httptest.NewRecorder()
	mux.ServeHTTP(getRec, getReq)
	assert.Equal(t, http.StatusOK, getRec.Code)
}

func TestGetExecution_UnknownIDReturns404(t *testing.T) {
	mux, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/executions/does-not-exist", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPauseExecution_UnknownIDReturnsConflict(t *testing.T) {
	mux, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/executions/does-not-exist/pause", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHealthz_ReportsOK(t *testing.T) {
	mux, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
