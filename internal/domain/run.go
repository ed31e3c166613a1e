package domain

import (
	"time"

	"github.com/google/uuid"
)

// Run — экземпляр выполнения задачи агента в контексте проекта.
//
// Run создаётся Scheduler'ом в статусе PENDING, изменяется только
// своим RunMachine и после финального статуса остаётся в хранилище
// как история. Шаги только добавляются в конец.
type Run struct {
	// ID — уникальный идентификатор run.
	ID uuid.UUID `json:"id"`

	// ProjectRef — идентификатор проекта (обязателен).
	ProjectRef string `json:"project_ref"`

	// FeatureRef — идентификатор фичи (опционально).
	FeatureRef string `json:"feature_ref,omitempty"`

	// Task — исходная задача. Нужна для восстановления после рестарта.
	Task TaskSpec `json:"task"`

	// Status — текущий статус выполнения.
	Status RunStatus `json:"status"`

	// Steps — упорядоченная история шагов, индексы 0..n-1 без пропусков.
	Steps []Step `json:"steps"`

	// CancelRequested — флаг отмены. Проверяется на границах шагов.
	CancelRequested bool `json:"cancel_requested"`

	// Paused — run стоит на границе шагов и ждёт Resume.
	// Статус при этом остаётся RUNNING (или PENDING для run из очереди).
	Paused bool `json:"paused"`

	// CreatedAt — время создания run.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt — время последнего перехода.
	UpdatedAt time.Time `json:"updated_at"`
}

// NewRun создаёт run в статусе PENDING.
func NewRun(projectRef, featureRef string, task TaskSpec) *Run {
	now := time.Now().UTC()
	return &Run{
		ID:         uuid.New(),
		ProjectRef: projectRef,
		FeatureRef: featureRef,
		Task:       task,
		Status:     RunStatusPending,
		Steps:      []Step{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// IsFinished возвращает true, если run завершён (в любом статусе).
func (r *Run) IsFinished() bool {
	return r.Status.IsTerminal()
}

// NextIndex возвращает индекс следующего шага.
func (r *Run) NextIndex() int {
	return len(r.Steps)
}

// LastStep возвращает последний записанный шаг или nil.
func (r *Run) LastStep() *Step {
	if len(r.Steps) == 0 {
		return nil
	}
	return &r.Steps[len(r.Steps)-1]
}

// Duration возвращает время от создания до последнего перехода.
func (r *Run) Duration() time.Duration {
	return r.UpdatedAt.Sub(r.CreatedAt)
}

// Clone возвращает копию run с независимым срезом шагов.
func (r *Run) Clone() *Run {
	cp := *r
	cp.Steps = make([]Step, len(r.Steps))
	copy(cp.Steps, r.Steps)
	return &cp
}

// RunSnapshot — состояние run для чтения снаружи.
// InFlight заполняется, если шаг выполняется прямо сейчас.
// PauseRequested — пауза запрошена: run уже на паузе или встанет на
// ближайшей границе шагов.
type RunSnapshot struct {
	Run
	InFlight       *InFlightStep `json:"in_flight,omitempty"`
	PauseRequested bool          `json:"pause_requested,omitempty"`
}

// InFlightStep описывает выполняющийся шаг.
type InFlightStep struct {
	Index     int       `json:"index"`
	Kind      string    `json:"kind"`
	Attempt   int       `json:"attempt"`
	StartedAt time.Time `json:"started_at"`
}
