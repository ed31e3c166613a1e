package repo

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/agentrun/internal/domain"
)

// MemoryStore — RunStore в памяти процесса.
// Используется по умолчанию и в тестах.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[uuid.UUID]*domain.Run
}

// NewMemoryStore создаёт пустое хранилище.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[uuid.UUID]*domain.Run)}
}

// Create реализует RunStore.
func (s *MemoryStore) Create(_ context.Context, run *domain.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[run.ID]; ok {
		return fmt.Errorf("%w: run %s", ErrAlreadyExists, run.ID)
	}
	s.runs[run.ID] = run.Clone()
	return nil
}

// AppendStep реализует RunStore.
func (s *MemoryStore) AppendStep(_ context.Context, runID uuid.UUID, step domain.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	skip, err := checkAppend(runID, run.Status, len(run.Steps), step)
	if err != nil || skip {
		return err
	}
	run.Steps = append(run.Steps, step)
	run.UpdatedAt = time.Now().UTC()
	return nil
}

// SetStatus реализует RunStore.
func (s *MemoryStore) SetStatus(_ context.Context, runID uuid.UUID, status domain.RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	skip, err := checkTransition(runID, run.Status, status)
	if err != nil || skip {
		return err
	}
	run.Status = status
	run.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkCancelRequested реализует RunStore.
func (s *MemoryStore) MarkCancelRequested(_ context.Context, runID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	if run.Status.IsTerminal() {
		return nil
	}
	run.CancelRequested = true
	return nil
}

// SetPaused реализует RunStore.
func (s *MemoryStore) SetPaused(_ context.Context, runID uuid.UUID, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	if err := checkPause(runID, run.Status); err != nil {
		return err
	}
	run.Paused = paused
	return nil
}

// Get реализует RunStore.
func (s *MemoryStore) Get(_ context.Context, runID uuid.UUID) (*domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	return run.Clone(), nil
}

// ListActive реализует RunStore.
func (s *MemoryStore) ListActive(_ context.Context) ([]domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var runs []domain.Run
	for _, run := range s.runs {
		if run.Status.IsActive() {
			runs = append(runs, *run.Clone())
		}
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.Before(runs[j].CreatedAt)
	})
	return runs, nil
}

// ListByProject реализует RunStore.
func (s *MemoryStore) ListByProject(_ context.Context, projectRef string, limit int) ([]domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var runs []domain.Run
	for _, run := range s.runs {
		if run.ProjectRef == projectRef {
			runs = append(runs, *run.Clone())
		}
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	if limit = normalizeLimit(limit); len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}
