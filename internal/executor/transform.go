package executor

import (
	"context"
	"fmt"

	"github.com/shaiso/agentrun/internal/domain"
)

// TransformExecutor — executor для шага типа "transform" (шаг рассуждения).
//
// Input:
//   - output (object): что вернуть как результат. Без него — весь input
//     без служебных ключей.
//   - next (object {kind, input, timeout_sec}): следующее действие.
//   - fail ("transient" | "permanent"): завершить шаг ошибкой, message — из "message".
type TransformExecutor struct{}

// Kind реализует Executor.
func (e *TransformExecutor) Kind() string { return "transform" }

// Execute возвращает output и, если задан, Next.
func (e *TransformExecutor) Execute(_ context.Context, req *Request) (*Result, error) {
	switch getString(req.Input, "fail", "") {
	case "":
	case "transient":
		return nil, Transientf("%s", getString(req.Input, "message", "transient failure"))
	case "permanent":
		return nil, Permanentf("%s", getString(req.Input, "message", "permanent failure"))
	default:
		return nil, Permanentf("%w: fail must be transient or permanent", ErrInvalidInput)
	}

	next, err := parseNext(req.Input["next"])
	if err != nil {
		return nil, Permanent(err)
	}

	output, ok := req.Input["output"].(map[string]any)
	if !ok {
		output = make(map[string]any, len(req.Input))
		for k, v := range req.Input {
			if k == "next" || k == "fail" || k == "message" {
				continue
			}
			output[k] = v
		}
	}

	return &Result{Output: output, Next: next}, nil
}

// parseNext разбирает описание следующего шага.
func parseNext(raw any) (*domain.StepDescriptor, error) {
	if raw == nil {
		return nil, nil
	}
	if d, ok := raw.(*domain.StepDescriptor); ok {
		return d, nil
	}
	if d, ok := raw.(domain.StepDescriptor); ok {
		return &d, nil
	}

	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: next must be an object", ErrInvalidInput)
	}
	kind := getString(m, "kind", "")
	if kind == "" {
		return nil, fmt.Errorf("%w: next.kind is required", ErrInvalidInput)
	}
	input, _ := m["input"].(map[string]any)
	timeout, _ := getNumber(m, "timeout_sec")

	return &domain.StepDescriptor{Kind: kind, Input: input, TimeoutSec: int(timeout)}, nil
}
