package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/shaiso/agentrun/internal/domain"
)

// Executor — выполняет шаги одного kind.
//
// Реализации: HTTPExecutor, DelayExecutor, TransformExecutor.
//
// Ошибку нужно классифицировать через Transient или Permanent.
// Неклассифицированная ошибка считается временной.
type Executor interface {
	Kind() string
	Execute(ctx context.Context, req *Request) (*Result, error)
}

// Request — вход одной попытки шага.
type Request struct {
	RunID      uuid.UUID
	ProjectRef string
	FeatureRef string
	Index      int
	Kind       string
	Input      map[string]any
	Attempt    int
}

// Result — успешный результат шага.
type Result struct {
	// Output — выходные данные шага.
	Output map[string]any

	// Next — следующее действие, выбранное шагом (опционально).
	Next *domain.StepDescriptor
}

// stepError — ошибка с классом.
type stepError struct {
	kind domain.ErrorKind
	err  error
}

func (e *stepError) Error() string { return e.err.Error() }
func (e *stepError) Unwrap() []error {
	if e.kind == domain.ErrorKindPermanent {
		return []error{domain.ErrPermanentStep, e.err}
	}
	return []error{domain.ErrTransientStep, e.err}
}

// Transient помечает ошибку как временную.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &stepError{kind: domain.ErrorKindTransient, err: err}
}

// Permanent помечает ошибку как постоянную.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &stepError{kind: domain.ErrorKindPermanent, err: err}
}

// Transientf — Transient(fmt.Errorf(...)).
func Transientf(format string, args ...any) error {
	return Transient(fmt.Errorf(format, args...))
}

// Permanentf — Permanent(fmt.Errorf(...)).
func Permanentf(format string, args ...any) error {
	return Permanent(fmt.Errorf(format, args...))
}

// Classify возвращает класс ошибки.
//
// Таймаут и прочие инфраструктурные ошибки считаются временными.
func Classify(err error) domain.ErrorKind {
	if err == nil {
		return domain.ErrorKindNone
	}
	var se *stepError
	if errors.As(err, &se) {
		return se.kind
	}
	switch {
	case errors.Is(err, domain.ErrPermanentStep):
		return domain.ErrorKindPermanent
	case errors.Is(err, domain.ErrUnsupportedStepKind):
		return domain.ErrorKindUnsupportedKind
	default:
		return domain.ErrorKindTransient
	}
}
