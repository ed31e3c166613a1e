package domain

import (
	"time"
)

// Step — завершённая попытка выполнить одно действие агента
// (вызов инструмента или шаг рассуждения).
//
// Step записывается в хранилище только после того, как исход известен
// (успех или ошибка после всех retry).
type Step struct {
	// Index — порядковый номер шага внутри run, начиная с 0.
	Index int `json:"index"`

	// Kind — тип шага: "http", "delay", "transform", ...
	Kind string `json:"kind"`

	// Input — входные данные шага.
	Input map[string]any `json:"input,omitempty"`

	// Outcome — результат выполнения.
	Outcome Outcome `json:"outcome"`

	// Attempts — сколько раз executor вызывался для этого шага.
	Attempts int `json:"attempts"`

	// StartedAt — время начала первой попытки.
	StartedAt time.Time `json:"started_at"`

	// EndedAt — время окончания последней попытки.
	EndedAt time.Time `json:"ended_at"`
}

// Duration возвращает продолжительность шага со всеми retry.
func (s *Step) Duration() time.Duration {
	return s.EndedAt.Sub(s.StartedAt)
}

// Succeeded возвращает true, если шаг завершился успешно.
func (s *Step) Succeeded() bool {
	return s.Outcome.Succeeded()
}

// Outcome — исход шага.
//
// Успех: Result и, возможно, Next (следующее действие, выбранное агентом).
// Ошибка: ErrorKind и Message.
type Outcome struct {
	Result    map[string]any  `json:"result,omitempty"`
	Next      *StepDescriptor `json:"next,omitempty"`
	ErrorKind ErrorKind       `json:"error_kind,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// Succeeded возвращает true для успешного исхода.
func (o Outcome) Succeeded() bool {
	return o.ErrorKind == ErrorKindNone
}

// SuccessOutcome создаёт успешный исход.
func SuccessOutcome(result map[string]any, next *StepDescriptor) Outcome {
	return Outcome{Result: result, Next: next}
}

// FailureOutcome создаёт исход с ошибкой.
func FailureOutcome(kind ErrorKind, msg string) Outcome {
	return Outcome{ErrorKind: kind, Message: msg}
}

// StepSummary — краткое описание шага для событий и списков.
type StepSummary struct {
	Index     int       `json:"index"`
	Kind      string    `json:"kind"`
	Attempts  int       `json:"attempts"`
	Succeeded bool      `json:"succeeded"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	Message   string    `json:"message,omitempty"`
	EndedAt   time.Time `json:"ended_at"`
}

// Summary возвращает краткое описание шага.
func (s *Step) Summary() StepSummary {
	return StepSummary{
		Index:     s.Index,
		Kind:      s.Kind,
		Attempts:  s.Attempts,
		Succeeded: s.Succeeded(),
		ErrorKind: s.Outcome.ErrorKind,
		Message:   s.Outcome.Message,
		EndedAt:   s.EndedAt,
	}
}
