package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/agentrun/internal/domain"
	"github.com/shaiso/agentrun/internal/orchestrator"
)

// Run DTOs

// SubmitRunRequest — запрос на запуск задачи агента.
type SubmitRunRequest struct {
	FeatureRef string                  `json:"feature_ref,omitempty"`
	Title      string                  `json:"title,omitempty"`
	Steps      []domain.StepDescriptor `json:"steps"`
	Metadata   map[string]any          `json:"metadata,omitempty"`
}

// ToDomain конвертирует запрос в orchestrator.SubmitRequest.
func (r SubmitRunRequest) ToDomain(project string) orchestrator.SubmitRequest {
	return orchestrator.SubmitRequest{
		ProjectRef: project,
		FeatureRef: r.FeatureRef,
		Task: domain.TaskSpec{
			Title:    r.Title,
			Steps:    r.Steps,
			Metadata: r.Metadata,
		},
	}
}

// SubmitRunResponse — ответ на запуск.
type SubmitRunResponse struct {
	RunID uuid.UUID `json:"run_id"`
}

// CancelRunResponse — ответ на отмену.
type CancelRunResponse struct {
	Accepted bool `json:"accepted"`
}

// PauseRunResponse — ответ на паузу и продолжение.
type PauseRunResponse struct {
	Accepted bool `json:"accepted"`
}

// RunResponse — ответ с run.
type RunResponse struct {
	ID              uuid.UUID            `json:"id"`
	ProjectRef      string               `json:"project_ref"`
	FeatureRef      string               `json:"feature_ref,omitempty"`
	Title           string               `json:"title,omitempty"`
	Status          domain.RunStatus     `json:"status"`
	CancelRequested bool                 `json:"cancel_requested"`
	Paused          bool                 `json:"paused"`
	PauseRequested  bool                 `json:"pause_requested,omitempty"`
	Steps           []StepResponse       `json:"steps"`
	InFlight        *domain.InFlightStep `json:"in_flight,omitempty"`
	CreatedAt       time.Time            `json:"created_at"`
	UpdatedAt       time.Time            `json:"updated_at"`
}

// StepResponse — ответ с шагом.
type StepResponse struct {
	Index      int                    `json:"index"`
	Kind       string                 `json:"kind"`
	Attempts   int                    `json:"attempts"`
	Succeeded  bool                   `json:"succeeded"`
	Result     map[string]any         `json:"result,omitempty"`
	Next       *domain.StepDescriptor `json:"next,omitempty"`
	ErrorKind  domain.ErrorKind       `json:"error_kind,omitempty"`
	Message    string                 `json:"message,omitempty"`
	StartedAt  time.Time              `json:"started_at"`
	EndedAt    time.Time              `json:"ended_at"`
	DurationMs int64                  `json:"duration_ms"`
}

// RunFromSnapshot конвертирует domain.RunSnapshot в RunResponse.
func RunFromSnapshot(s *domain.RunSnapshot) RunResponse {
	steps := make([]StepResponse, len(s.Steps))
	for i := range s.Steps {
		steps[i] = StepFromDomain(&s.Steps[i])
	}
	return RunResponse{
		ID:              s.ID,
		ProjectRef:      s.ProjectRef,
		FeatureRef:      s.FeatureRef,
		Title:           s.Task.Title,
		Status:          s.Status,
		CancelRequested: s.CancelRequested,
		Paused:          s.Paused,
		PauseRequested:  s.PauseRequested,
		Steps:           steps,
		InFlight:        s.InFlight,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
	}
}

// StepFromDomain конвертирует domain.Step в StepResponse.
func StepFromDomain(s *domain.Step) StepResponse {
	return StepResponse{
		Index:      s.Index,
		Kind:       s.Kind,
		Attempts:   s.Attempts,
		Succeeded:  s.Succeeded(),
		Result:     s.Outcome.Result,
		Next:       s.Outcome.Next,
		ErrorKind:  s.Outcome.ErrorKind,
		Message:    s.Outcome.Message,
		StartedAt:  s.StartedAt,
		EndedAt:    s.EndedAt,
		DurationMs: s.Duration().Milliseconds(),
	}
}
