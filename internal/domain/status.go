package domain

// RunStatus — статус выполнения run.
//
// Жизненный цикл:
//
//	PENDING → RUNNING → SUCCEEDED
//	                  ↘ FAILED
//	                  ↘ CANCELLED
//	PENDING → CANCELLED (run отменён до диспатча)
type RunStatus string

const (
	// RunStatusPending — run принят планировщиком, но ещё не начал выполняться.
	RunStatusPending RunStatus = "PENDING"

	// RunStatusRunning — run выполняет шаги.
	RunStatusRunning RunStatus = "RUNNING"

	// RunStatusSucceeded — все шаги выполнены успешно.
	RunStatusSucceeded RunStatus = "SUCCEEDED"

	// RunStatusFailed — последний шаг завершился ошибкой (после всех retry).
	RunStatusFailed RunStatus = "FAILED"

	// RunStatusCancelled — run отменён пользователем.
	RunStatusCancelled RunStatus = "CANCELLED"
)

// IsTerminal возвращает true, если статус финальный (run завершён).
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// IsActive возвращает true для PENDING и RUNNING.
func (s RunStatus) IsActive() bool {
	return s == RunStatusPending || s == RunStatusRunning
}

// IsValid проверяет, что статус входит в известный набор.
func (s RunStatus) IsValid() bool {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSucceeded, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo проверяет, разрешён ли переход s → next.
// Переход в тот же статус не считается переходом.
func (s RunStatus) CanTransitionTo(next RunStatus) bool {
	switch s {
	case RunStatusPending:
		return next == RunStatusRunning || next == RunStatusCancelled
	case RunStatusRunning:
		return next == RunStatusSucceeded || next == RunStatusFailed || next == RunStatusCancelled
	default:
		return false
	}
}

// String возвращает строковое представление RunStatus.
func (s RunStatus) String() string {
	return string(s)
}

// ErrorKind — класс ошибки шага.
type ErrorKind string

const (
	// ErrorKindNone — шаг завершился успешно.
	ErrorKindNone ErrorKind = ""

	// ErrorKindTransient — временная ошибка, шаг можно повторить.
	ErrorKindTransient ErrorKind = "TRANSIENT"

	// ErrorKindPermanent — постоянная ошибка, повтор бессмысленен.
	ErrorKindPermanent ErrorKind = "PERMANENT"

	// ErrorKindUnsupportedKind — для kind шага не зарегистрирован executor.
	ErrorKindUnsupportedKind ErrorKind = "UNSUPPORTED_KIND"
)

// Retryable возвращает true только для временных ошибок.
func (k ErrorKind) Retryable() bool {
	return k == ErrorKindTransient
}

// ProjectAgentStatus — агрегированный статус агента по проекту.
type ProjectAgentStatus string

const (
	// ProjectAgentIdle — у проекта нет ни одного run.
	ProjectAgentIdle ProjectAgentStatus = "IDLE"

	// ProjectAgentRunning — у проекта есть активный run.
	ProjectAgentRunning ProjectAgentStatus = "RUNNING"

	// ProjectAgentPaused — все активные run проекта на паузе.
	ProjectAgentPaused ProjectAgentStatus = "PAUSED"

	// ProjectAgentStopped — последний run завершился успешно или отменён.
	ProjectAgentStopped ProjectAgentStatus = "STOPPED"

	// ProjectAgentCrashed — последний run завершился ошибкой.
	ProjectAgentCrashed ProjectAgentStatus = "CRASHED"
)
