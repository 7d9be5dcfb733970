package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/tombee/orchkit/internal/backend"
	"github.com/tombee/orchkit/internal/engine"
	"github.com/tombee/orchkit/internal/statemanager"
	"github.com/tombee/orchkit/pkg/orchestration"
)

type handlers struct {
	runner  *engine.Runner
	backend backend.Backend
	logger  *slog.Logger
}

func (h *handlers) routes(jwtCfg JWTConfig) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /executions", requireAuth(jwtCfg, h.createExecution))
	mux.HandleFunc("GET /executions", requireAuth(jwtCfg, h.listExecutions))
	mux.HandleFunc("GET /executions/{id}", requireAuth(jwtCfg, h.getExecution))
	mux.HandleFunc("POST /executions/{id}/pause", requireAuth(jwtCfg, h.pauseExecution))
	mux.HandleFunc("POST /executions/{id}/resume", requireAuth(jwtCfg, h.resumeExecution))
	mux.HandleFunc("POST /executions/{id}/cancel", requireAuth(jwtCfg, h.cancelExecution))
	mux.HandleFunc("POST /executions/{id}/rollback", requireAuth(jwtCfg, h.rollbackExecution))
	mux.HandleFunc("GET /healthz", h.healthz)

	return mux
}

func (h *handlers) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// createExecutionRequest is the POST /executions body.
type createExecutionRequest struct {
	AgentID     string                   `json:"agent_id"`
	UserID      string                   `json:"user_id"`
	SessionID   string                   `json:"session_id"`
	ExecutionID string                   `json:"execution_id,omitempty"`
	Plan        orchestration.ExecutionPlan `json:"plan"`
	Inputs      map[string]any           `json:"inputs,omitempty"`
	RunMode     orchestration.RunMode    `json:"run_mode,omitempty"`
}

type createExecutionResponse struct {
	ExecutionID string `json:"execution_id"`
}

func (h *handlers) createExecution(w http.ResponseWriter, r *http.Request) {
	var req createExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.AgentID == "" || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "agent_id and user_id are required")
		return
	}
	if len(req.Plan.Steps) == 0 {
		writeError(w, http.StatusBadRequest, "plan.steps must not be empty")
		return
	}

	executionID, err := h.runner.Start(r.Context(), req.AgentID, req.UserID, req.SessionID, req.Plan, req.Inputs, req.ExecutionID, req.RunMode)
	if err != nil {
		if errors.Is(err, statemanager.ErrQuotaExceeded) {
			writeError(w, http.StatusTooManyRequests, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, createExecutionResponse{ExecutionID: executionID})
}

func (h *handlers) getExecution(w http.ResponseWriter, r *http.Request) {
	run, err := h.backend.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeBackendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *handlers) listExecutions(w http.ResponseWriter, r *http.Request) {
	filter := backend.RunFilter{
		Status:  orchestration.ExecutionStatus(r.URL.Query().Get("status")),
		AgentID: r.URL.Query().Get("agent_id"),
		Limit:   queryInt(r, "limit", 50),
		Offset:  queryInt(r, "offset", 0),
	}

	runs, err := h.backend.ListRuns(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *handlers) pauseExecution(w http.ResponseWriter, r *http.Request) {
	if err := h.runner.Pause(r.PathValue("id")); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, nil)
}

func (h *handlers) resumeExecution(w http.ResponseWriter, r *http.Request) {
	if err := h.runner.Resume(r.Context(), r.PathValue("id")); err != nil {
		if errors.Is(err, statemanager.ErrInvalidResumeStatus) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		if errors.Is(err, backend.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, nil)
}

func (h *handlers) cancelExecution(w http.ResponseWriter, r *http.Request) {
	if err := h.runner.Cancel(r.PathValue("id")); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, nil)
}

func (h *handlers) rollbackExecution(w http.ResponseWriter, r *http.Request) {
	if err := h.runner.Rollback(r.Context(), r.PathValue("id")); err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, nil)
}

func (h *handlers) writeBackendError(w http.ResponseWriter, err error) {
	if errors.Is(err, backend.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
