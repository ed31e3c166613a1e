package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shaiso/agentrun/internal/domain"
)

// Registry — таблица executor'ов по kind, заполняется при старте.
// Потокобезопасен.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return &Registry{
		executors: make(map[string]Executor),
	}
}

// DefaultRegistry создаёт реестр со стандартными executor'ами:
// http, delay, transform.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewHTTPExecutor(0))
	r.Register(&DelayExecutor{})
	r.Register(&TransformExecutor{})
	return r
}

// Register регистрирует executor. Существующий kind перезаписывается.
func (r *Registry) Register(e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[e.Kind()] = e
}

// Get возвращает executor по kind.
func (r *Registry) Get(kind string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.executors[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedStepKind, kind)
	}
	return e, nil
}

// Has проверяет, зарегистрирован ли kind.
func (r *Registry) Has(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.executors[kind]
	return ok
}

// Types возвращает отсортированный список kind.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.executors))
	for k := range r.executors {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Execute выполняет одну попытку шага и возвращает исход.
//
// Неизвестный kind даёт UNSUPPORTED_KIND, паника executor'а — PERMANENT.
// Ошибки наружу не выходят.
func (r *Registry) Execute(ctx context.Context, req *Request) (out domain.Outcome) {
	e, err := r.Get(req.Kind)
	if err != nil {
		return domain.FailureOutcome(domain.ErrorKindUnsupportedKind, err.Error())
	}

	defer func() {
		if rec := recover(); rec != nil {
			out = domain.FailureOutcome(domain.ErrorKindPermanent,
				fmt.Sprintf("%v: %s: %v", ErrExecutorPanic, req.Kind, rec))
		}
	}()

	res, err := e.Execute(ctx, req)
	if err != nil {
		return domain.FailureOutcome(Classify(err), err.Error())
	}
	if res == nil {
		return domain.SuccessOutcome(map[string]any{}, nil)
	}
	return domain.SuccessOutcome(res.Output, res.Next)
}
