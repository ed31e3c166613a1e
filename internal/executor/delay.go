package executor

import (
	"context"
	"time"
)

// DelayExecutor — executor для шага типа "delay".
//
// Input:
//   - duration_ms (number): длительность в миллисекундах
//   - duration_sec (number): длительность в секундах (если duration_ms не задан, default: 1)
type DelayExecutor struct{}

// Kind реализует Executor.
func (e *DelayExecutor) Kind() string { return "delay" }

// Execute ждёт заданное время. Отмена context прерывает ожидание
// временной ошибкой.
func (e *DelayExecutor) Execute(ctx context.Context, req *Request) (*Result, error) {
	duration := getDuration(req.Input, "duration_ms", time.Millisecond)
	if duration == 0 {
		duration = getDuration(req.Input, "duration_sec", time.Second)
	}
	if duration == 0 {
		duration = time.Second
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-timer.C:
		return &Result{
			Output: map[string]any{"delayed_ms": duration.Milliseconds()},
		}, nil
	case <-ctx.Done():
		return nil, Transient(ctx.Err())
	}
}
