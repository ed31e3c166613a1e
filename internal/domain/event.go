package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventType — тип события run.
type EventType string

const (
	// EventRunStatus — run перешёл в новый статус.
	EventRunStatus EventType = "run.status"

	// EventStepCompleted — шаг записан в хранилище.
	EventStepCompleted EventType = "step.completed"

	// EventRunPaused — run остановился на границе шагов.
	EventRunPaused EventType = "run.paused"

	// EventRunResumed — run продолжил выполнение после паузы.
	EventRunResumed EventType = "run.resumed"
)

// Event — событие прогресса run. Публикуется после записи в хранилище,
// поэтому порядок событий одного run совпадает с порядком шагов.
type Event struct {
	Type       EventType    `json:"type"`
	RunID      uuid.UUID    `json:"run_id"`
	ProjectRef string       `json:"project_ref"`
	Status     RunStatus    `json:"status"`
	Step       *StepSummary `json:"step,omitempty"`
	Terminal   bool         `json:"terminal"`
	At         time.Time    `json:"at"`
}

// NewStatusEvent создаёт событие смены статуса.
func NewStatusEvent(run *Run) Event {
	return Event{
		Type:       EventRunStatus,
		RunID:      run.ID,
		ProjectRef: run.ProjectRef,
		Status:     run.Status,
		Terminal:   run.Status.IsTerminal(),
		At:         time.Now().UTC(),
	}
}

// NewPauseEvent создаёт событие паузы или продолжения по run.Paused.
func NewPauseEvent(run *Run) Event {
	typ := EventRunResumed
	if run.Paused {
		typ = EventRunPaused
	}
	return Event{
		Type:       typ,
		RunID:      run.ID,
		ProjectRef: run.ProjectRef,
		Status:     run.Status,
		At:         time.Now().UTC(),
	}
}

// NewStepEvent создаёт событие записанного шага.
func NewStepEvent(run *Run, step *Step) Event {
	sum := step.Summary()
	return Event{
		Type:       EventStepCompleted,
		RunID:      run.ID,
		ProjectRef: run.ProjectRef,
		Status:     run.Status,
		Step:       &sum,
		At:         time.Now().UTC(),
	}
}
