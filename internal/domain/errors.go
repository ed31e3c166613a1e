package domain

import "errors"

// Таксономия ошибок ядра. Проверяются через errors.Is.
var (
	// ErrValidation — некорректный запрос (нет project_ref, нет шагов, неизвестный kind).
	ErrValidation = errors.New("validation error")

	// ErrCapacity — достигнут лимит параллельных run, очередь заполнена.
	ErrCapacity = errors.New("capacity exceeded")

	// ErrUnsupportedStepKind — для kind шага нет executor'а.
	ErrUnsupportedStepKind = errors.New("unsupported step kind")

	// ErrTransientStep — временная ошибка шага.
	ErrTransientStep = errors.New("transient step error")

	// ErrPermanentStep — постоянная ошибка шага.
	ErrPermanentStep = errors.New("permanent step error")

	// ErrNotFound — run не найден.
	ErrNotFound = errors.New("run not found")
)
