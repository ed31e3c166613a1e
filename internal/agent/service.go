package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/agentrun/internal/domain"
	"github.com/shaiso/agentrun/internal/events"
	"github.com/shaiso/agentrun/internal/orchestrator"
	"github.com/shaiso/agentrun/internal/repo"
)

// Service — точка входа для адаптеров.
type Service struct {
	sched  *orchestrator.Scheduler
	store  repo.RunStore
	hub    *events.Hub
	logger *slog.Logger
}

// Config — конфигурация Service.
//
// Hub должен быть подключён к Sink Scheduler'а, иначе Events отдаёт
// только то, что уже записано в хранилище.
type Config struct {
	Scheduler *orchestrator.Scheduler
	Store     repo.RunStore
	Hub       *events.Hub
	Logger    *slog.Logger
}

// ProjectStatus — статус агента проекта.
type ProjectStatus struct {
	ProjectRef string                    `json:"project_ref"`
	Status     domain.ProjectAgentStatus `json:"status"`
	ActiveRuns int                       `json:"active_runs"`
	LastRun    *RunSummary               `json:"last_run,omitempty"`
}

// RunSummary — краткое описание run для списков.
type RunSummary struct {
	ID         uuid.UUID        `json:"id"`
	ProjectRef string           `json:"project_ref"`
	FeatureRef string           `json:"feature_ref,omitempty"`
	Title      string           `json:"title,omitempty"`
	Status     domain.RunStatus `json:"status"`
	Paused     bool             `json:"paused,omitempty"`
	Steps      int              `json:"steps"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// New создаёт Service.
func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hub := cfg.Hub
	if hub == nil {
		hub = events.NewHub(0)
	}
	return &Service{
		sched:  cfg.Scheduler,
		store:  cfg.Store,
		hub:    hub,
		logger: logger.With("component", "agent"),
	}
}

// Submit создаёт run и возвращает его ID. Не ждёт ни слота, ни
// выполнения.
func (s *Service) Submit(ctx context.Context, req orchestrator.SubmitRequest) (uuid.UUID, error) {
	run, err := s.sched.Submit(ctx, req)
	if err != nil {
		return uuid.Nil, err
	}
	return run.ID, nil
}

// Status возвращает состояние run.
func (s *Service) Status(ctx context.Context, id uuid.UUID) (*domain.RunSnapshot, error) {
	return s.sched.Status(ctx, id)
}

// Cancel запрашивает отмену run. Реализует mq.Canceller.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	return s.sched.Cancel(ctx, id)
}

// Pause запрашивает паузу run на ближайшей границе шагов.
func (s *Service) Pause(ctx context.Context, id uuid.UUID) (bool, error) {
	return s.sched.Pause(ctx, id)
}

// Resume снимает паузу run.
func (s *Service) Resume(ctx context.Context, id uuid.UUID) (bool, error) {
	return s.sched.Resume(ctx, id)
}

// List возвращает run проекта, новые первыми.
func (s *Service) List(ctx context.Context, projectRef string, limit int) ([]RunSummary, error) {
	if projectRef == "" {
		return nil, fmt.Errorf("%w: project_ref is required", domain.ErrValidation)
	}
	runs, err := s.store.ListByProject(ctx, projectRef, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	out := make([]RunSummary, 0, len(runs))
	for i := range runs {
		out = append(out, summarize(&runs[i]))
	}
	return out, nil
}

// ProjectStatus вычисляет статус агента проекта:
// PAUSED — все активные run на паузе, RUNNING — есть активный run без
// паузы, иначе по последнему run
// (FAILED → CRASHED, SUCCEEDED/CANCELLED → STOPPED), IDLE — run нет.
func (s *Service) ProjectStatus(ctx context.Context, projectRef string) (*ProjectStatus, error) {
	if projectRef == "" {
		return nil, fmt.Errorf("%w: project_ref is required", domain.ErrValidation)
	}
	runs, err := s.store.ListByProject(ctx, projectRef, repo.DefaultListLimit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	ps := &ProjectStatus{ProjectRef: projectRef, Status: domain.ProjectAgentIdle}
	if len(runs) == 0 {
		return ps, nil
	}

	last := summarize(&runs[0])
	ps.LastRun = &last

	paused := 0
	for i := range runs {
		if runs[i].Status.IsActive() {
			ps.ActiveRuns++
			if runs[i].Paused {
				paused++
			}
		}
	}

	switch {
	case ps.ActiveRuns > 0 && paused == ps.ActiveRuns:
		ps.Status = domain.ProjectAgentPaused
	case ps.ActiveRuns > 0:
		ps.Status = domain.ProjectAgentRunning
	case runs[0].Status == domain.RunStatusFailed:
		ps.Status = domain.ProjectAgentCrashed
	default:
		ps.Status = domain.ProjectAgentStopped
	}
	return ps, nil
}

func summarize(run *domain.Run) RunSummary {
	return RunSummary{
		ID:         run.ID,
		ProjectRef: run.ProjectRef,
		FeatureRef: run.FeatureRef,
		Title:      run.Task.Title,
		Status:     run.Status,
		Paused:     run.Paused,
		Steps:      len(run.Steps),
		CreatedAt:  run.CreatedAt,
		UpdatedAt:  run.UpdatedAt,
	}
}

// mapStoreError переводит ошибки хранилища в таксономию domain.
func mapStoreError(err error, id uuid.UUID) error {
	if errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	return err
}
