package orchestrator

import "errors"

// Ошибки планировщика.
var (
	// ErrSchedulerStopped — планировщик остановлен, новые run не принимаются.
	ErrSchedulerStopped = errors.New("scheduler stopped")

	// ErrAlreadyStarted — Start вызван повторно.
	ErrAlreadyStarted = errors.New("scheduler already started")
)
