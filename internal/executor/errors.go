package executor

import "errors"

// Ошибки executor'ов.
var (
	// ErrHTTPRequest — HTTP-запрос завершился ошибкой.
	ErrHTTPRequest = errors.New("http request failed")

	// ErrInvalidInput — некорректные входные данные шага.
	ErrInvalidInput = errors.New("invalid step input")

	// ErrExecutorPanic — executor запаниковал.
	ErrExecutorPanic = errors.New("executor panic")
)
