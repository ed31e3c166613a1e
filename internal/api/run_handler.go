package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/shaiso/agentrun/internal/repo"
)

// SubmitRun запускает задачу агента в проекте.
// POST /api/v1/projects/{project}/agent/runs
func (h *Handler) SubmitRun(w http.ResponseWriter, r *http.Request) {
	var req SubmitRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	id, err := h.agent.Submit(r.Context(), req.ToDomain(r.PathValue("project")))
	if HandleServiceError(w, h.logger, err) {
		return
	}

	Created(w, SubmitRunResponse{RunID: id})
}

// ListRuns возвращает runs проекта, новые первыми.
// GET /api/v1/projects/{project}/agent/runs?limit=...
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := repo.DefaultListLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			BadRequest(w, "invalid limit")
			return
		}
		limit = n
	}

	runs, err := h.agent.List(r.Context(), r.PathValue("project"), limit)
	if HandleServiceError(w, h.logger, err) {
		return
	}

	List(w, runs, len(runs))
}

// ProjectStatus возвращает статус агента проекта.
// GET /api/v1/projects/{project}/agent/status
func (h *Handler) ProjectStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.agent.ProjectStatus(r.Context(), r.PathValue("project"))
	if HandleServiceError(w, h.logger, err) {
		return
	}

	Success(w, status)
}

// GetRun возвращает run по ID вместе с выполняющимся шагом.
// GET /api/v1/agent/runs/{id}
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid run id")
		return
	}

	snap, err := h.agent.Status(r.Context(), id)
	if HandleServiceError(w, h.logger, err) {
		return
	}

	Success(w, RunFromSnapshot(snap))
}

// CancelRun запрашивает отмену run.
// POST /api/v1/agent/runs/{id}/cancel
//
// accepted = false — run уже завершился успешно или с ошибкой.
func (h *Handler) CancelRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid run id")
		return
	}

	accepted, err := h.agent.Cancel(r.Context(), id)
	if HandleServiceError(w, h.logger, err) {
		return
	}

	Success(w, CancelRunResponse{Accepted: accepted})
}

// PauseRun запрашивает паузу run на ближайшей границе шагов.
// POST /api/v1/agent/runs/{id}/pause
//
// accepted = false — run завершён, завершается или отменяется.
func (h *Handler) PauseRun(w http.ResponseWriter, r *http.Request) {
	h.setPause(w, r, h.agent.Pause)
}

// ResumeRun снимает паузу run.
// POST /api/v1/agent/runs/{id}/resume
func (h *Handler) ResumeRun(w http.ResponseWriter, r *http.Request) {
	h.setPause(w, r, h.agent.Resume)
}

func (h *Handler) setPause(w http.ResponseWriter, r *http.Request, fn func(context.Context, uuid.UUID) (bool, error)) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid run id")
		return
	}

	accepted, err := fn(r.Context(), id)
	if HandleServiceError(w, h.logger, err) {
		return
	}

	Success(w, PauseRunResponse{Accepted: accepted})
}
