package api

import (
	"net/http"
)

// RegisterRoutes регистрирует все маршруты API.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Middleware chain
	chain := Chain(
		Recovery(h.logger),
		Logging(h.logger),
		Metrics(h.metrics),
	)

	// Project agent
	mux.Handle("POST /api/v1/projects/{project}/agent/runs", chain(http.HandlerFunc(h.SubmitRun)))
	mux.Handle("GET /api/v1/projects/{project}/agent/runs", chain(http.HandlerFunc(h.ListRuns)))
	mux.Handle("GET /api/v1/projects/{project}/agent/status", chain(http.HandlerFunc(h.ProjectStatus)))

	// Runs
	mux.Handle("GET /api/v1/agent/runs/{id}", chain(http.HandlerFunc(h.GetRun)))
	mux.Handle("POST /api/v1/agent/runs/{id}/cancel", chain(http.HandlerFunc(h.CancelRun)))
	mux.Handle("POST /api/v1/agent/runs/{id}/pause", chain(http.HandlerFunc(h.PauseRun)))
	mux.Handle("POST /api/v1/agent/runs/{id}/resume", chain(http.HandlerFunc(h.ResumeRun)))
	mux.Handle("GET /api/v1/agent/runs/{id}/events", chain(http.HandlerFunc(h.StreamEvents)))
}
