package repo

import "errors"

// Общие ошибки хранилищ.
var (
	// ErrNotFound — запись не найдена.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists — запись уже существует (конфликт уникальности).
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidState — операция невозможна в текущем состоянии run.
	ErrInvalidState = errors.New("invalid state")

	// ErrStepGap — индекс шага больше следующего ожидаемого.
	ErrStepGap = errors.New("step index gap")
)
