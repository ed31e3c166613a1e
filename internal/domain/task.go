package domain

import (
	"fmt"
	"strings"
)

// TaskSpec — задача, которую агент должен выполнить.
//
// Steps — начальная последовательность действий. Каждое успешное
// действие может вернуть Next, который выполняется раньше оставшихся
// начальных шагов.
type TaskSpec struct {
	// Title — человекочитаемое описание задачи.
	Title string `json:"title,omitempty"`

	// Steps — начальные шаги (минимум один).
	Steps []StepDescriptor `json:"steps"`

	// Metadata — произвольные данные клиента.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// StepDescriptor — описание шага, который ещё не выполнен.
type StepDescriptor struct {
	// Kind — тип шага, должен быть зарегистрирован в реестре executor'ов.
	Kind string `json:"kind"`

	// Input — входные данные шага.
	Input map[string]any `json:"input,omitempty"`

	// TimeoutSec — таймаут одной попытки. 0 — значение из конфигурации.
	TimeoutSec int `json:"timeout_sec,omitempty"`
}

// Validate проверяет структуру задачи. Наличие executor'ов для kind
// проверяет Scheduler.
func (t TaskSpec) Validate() error {
	if len(t.Steps) == 0 {
		return fmt.Errorf("%w: task must contain at least one step", ErrValidation)
	}
	for i, s := range t.Steps {
		if strings.TrimSpace(s.Kind) == "" {
			return fmt.Errorf("%w: step %d: kind is required", ErrValidation, i)
		}
		if s.TimeoutSec < 0 {
			return fmt.Errorf("%w: step %d: timeout_sec must be >= 0", ErrValidation, i)
		}
	}
	return nil
}

// Kinds возвращает список kind начальных шагов.
func (t TaskSpec) Kinds() []string {
	kinds := make([]string, 0, len(t.Steps))
	for _, s := range t.Steps {
		kinds = append(kinds, s.Kind)
	}
	return kinds
}
