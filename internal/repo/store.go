package repo

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/shaiso/agentrun/internal/domain"
)

// DefaultListLimit — лимит ListByProject по умолчанию.
const DefaultListLimit = 50

// RunStore — долговременное хранилище runs и их шагов.
//
// Реализации: MemoryStore, PgStore, SQLiteStore. Все операции
// атомарны относительно одного run.
type RunStore interface {
	// Create сохраняет новый run в статусе PENDING.
	Create(ctx context.Context, run *domain.Run) error

	// AppendStep добавляет шаг. Повтор с уже записанным индексом — no-op.
	AppendStep(ctx context.Context, runID uuid.UUID, step domain.Step) error

	// SetStatus переводит run в новый статус. Только вперёд по графу.
	SetStatus(ctx context.Context, runID uuid.UUID, status domain.RunStatus) error

	// MarkCancelRequested выставляет флаг отмены.
	MarkCancelRequested(ctx context.Context, runID uuid.UUID) error

	// SetPaused выставляет или снимает паузу активного run.
	// Для завершённого run возвращает ErrInvalidState.
	SetPaused(ctx context.Context, runID uuid.UUID, paused bool) error

	// Get возвращает run со всеми шагами.
	Get(ctx context.Context, runID uuid.UUID) (*domain.Run, error)

	// ListActive возвращает runs в PENDING и RUNNING, старые первыми.
	ListActive(ctx context.Context) ([]domain.Run, error)

	// ListByProject возвращает runs проекта, новые первыми.
	ListByProject(ctx context.Context, projectRef string, limit int) ([]domain.Run, error)
}

// checkAppend проверяет, можно ли записать шаг в run с текущим
// статусом и count записанными шагами. skip = true — шаг уже записан.
func checkAppend(runID uuid.UUID, status domain.RunStatus, count int, step domain.Step) (skip bool, err error) {
	if step.Index < 0 {
		return false, fmt.Errorf("%w: negative step index %d", ErrStepGap, step.Index)
	}
	if step.Index < count {
		return true, nil
	}
	if status != domain.RunStatusRunning {
		return false, fmt.Errorf("%w: append step to %s run %s", ErrInvalidState, status, runID)
	}
	if step.Index > count {
		return false, fmt.Errorf("%w: run %s expects index %d, got %d", ErrStepGap, runID, count, step.Index)
	}
	return false, nil
}

// checkTransition проверяет переход статуса. skip = true — статус не меняется.
func checkTransition(runID uuid.UUID, from, to domain.RunStatus) (skip bool, err error) {
	if from == to {
		return true, nil
	}
	if !from.CanTransitionTo(to) {
		return false, fmt.Errorf("%w: run %s: %s -> %s", ErrInvalidState, runID, from, to)
	}
	return false, nil
}

// checkPause проверяет, можно ли менять паузу run в статусе status.
func checkPause(runID uuid.UUID, status domain.RunStatus) error {
	if status.IsTerminal() {
		return fmt.Errorf("%w: pause %s run %s", ErrInvalidState, status, runID)
	}
	return nil
}

// normalizeLimit подставляет лимит по умолчанию.
func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}
