package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/agentrun/internal/domain"
	"github.com/shaiso/agentrun/internal/executor"
	"github.com/shaiso/agentrun/internal/repo"
	"github.com/shaiso/agentrun/internal/retry"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// scriptExecutor — executor kind "script" с поведением из fn.
// Считает вызовы и максимальную параллельность внутри одного run.
type scriptExecutor struct {
	fn func(ctx context.Context, req *executor.Request) (*executor.Result, error)

	mu         sync.Mutex
	calls      map[uuid.UUID][]int
	inflight   map[uuid.UUID]int
	maxPerRun  int
	globalNow  int
	globalPeak int
}

func newScriptExecutor(fn func(ctx context.Context, req *executor.Request) (*executor.Result, error)) *scriptExecutor {
	if fn == nil {
		fn = func(context.Context, *executor.Request) (*executor.Result, error) {
			return &executor.Result{Output: map[string]any{}}, nil
		}
	}
	return &scriptExecutor{
		fn:       fn,
		calls:    make(map[uuid.UUID][]int),
		inflight: make(map[uuid.UUID]int),
	}
}

func (e *scriptExecutor) Kind() string { return "script" }

func (e *scriptExecutor) Execute(ctx context.Context, req *executor.Request) (*executor.Result, error) {
	e.mu.Lock()
	e.calls[req.RunID] = append(e.calls[req.RunID], req.Index)
	e.inflight[req.RunID]++
	e.maxPerRun = max(e.maxPerRun, e.inflight[req.RunID])
	e.globalNow++
	e.globalPeak = max(e.globalPeak, e.globalNow)
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.inflight[req.RunID]--
		e.globalNow--
		e.mu.Unlock()
	}()

	return e.fn(ctx, req)
}

func (e *scriptExecutor) callsFor(id uuid.UUID) []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int(nil), e.calls[id]...)
}

func (e *scriptExecutor) totalCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, c := range e.calls {
		n += len(c)
	}
	return n
}

// gate блокирует шаг до release. Уважает ctx.
type gate struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGate() *gate {
	return &gate{started: make(chan struct{}, 16), release: make(chan struct{})}
}

func (g *gate) wait(ctx context.Context) error {
	g.started <- struct{}{}
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *gate) open() { g.once.Do(func() { close(g.release) }) }

func (g *gate) awaitStarted(t *testing.T) {
	t.Helper()
	select {
	case <-g.started:
	case <-time.After(2 * time.Second):
		t.Fatal("step did not start")
	}
}

type testEnv struct {
	store *repo.MemoryStore
	exec  *scriptExecutor
	sched *Scheduler
}

func newTestEnv(t *testing.T, limits Limits, fn func(ctx context.Context, req *executor.Request) (*executor.Result, error)) *testEnv {
	t.Helper()
	store := repo.NewMemoryStore()
	exec := newScriptExecutor(fn)
	sched := newTestScheduler(store, exec, limits)
	t.Cleanup(sched.Stop)
	return &testEnv{store: store, exec: exec, sched: sched}
}

func newTestScheduler(store repo.RunStore, exec *scriptExecutor, limits Limits) *Scheduler {
	registry := executor.DefaultRegistry()
	registry.Register(exec)
	return New(Config{
		Store:    store,
		Registry: registry,
		Policy: retry.New(retry.Config{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
		}),
		Limits:      limits,
		StepTimeout: 5 * time.Second,
		Logger:      testLogger,
	})
}

func scriptTask(n int) domain.TaskSpec {
	steps := make([]domain.StepDescriptor, n)
	for i := range steps {
		steps[i] = domain.StepDescriptor{Kind: "script", Input: map[string]any{"n": i}}
	}
	return domain.TaskSpec{Title: "test", Steps: steps}
}

func submit(t *testing.T, s *Scheduler, project string, task domain.TaskSpec) *domain.Run {
	t.Helper()
	run, err := s.Submit(context.Background(), SubmitRequest{ProjectRef: project, Task: task})
	require.NoError(t, err)
	return run
}

func waitStatus(t *testing.T, store repo.RunStore, id uuid.UUID, want domain.RunStatus) *domain.Run {
	t.Helper()
	var run *domain.Run
	require.Eventually(t, func() bool {
		var err error
		run, err = store.Get(context.Background(), id)
		return err == nil && run.Status == want
	}, 3*time.Second, 5*time.Millisecond, "run %s did not reach %s", id, want)
	return run
}

func waitIdle(t *testing.T, s *Scheduler) {
	t.Helper()
	require.Eventually(t, func() bool {
		global, _ := s.InFlight()
		return global == 0 && s.Queued() == 0
	}, 3*time.Second, 5*time.Millisecond)
}

func requireContiguous(t *testing.T, run *domain.Run) {
	t.Helper()
	for i, step := range run.Steps {
		require.Equal(t, i, step.Index, "run %s step %d", run.ID, i)
	}
}

// hookStore — MemoryStore с перехватом записи шагов и флага отмены.
type hookStore struct {
	*repo.MemoryStore

	beforeAppend     func(step domain.Step)
	beforeMarkCancel func()
}

func (s *hookStore) AppendStep(ctx context.Context, runID uuid.UUID, step domain.Step) error {
	if s.beforeAppend != nil {
		s.beforeAppend(step)
	}
	return s.MemoryStore.AppendStep(ctx, runID, step)
}

func (s *hookStore) MarkCancelRequested(ctx context.Context, runID uuid.UUID) error {
	if s.beforeMarkCancel != nil {
		s.beforeMarkCancel()
	}
	return s.MemoryStore.MarkCancelRequested(ctx, runID)
}

func waitPaused(t *testing.T, store repo.RunStore, id uuid.UUID, want bool) *domain.Run {
	t.Helper()
	var run *domain.Run
	require.Eventually(t, func() bool {
		var err error
		run, err = store.Get(context.Background(), id)
		return err == nil && run.Paused == want
	}, 3*time.Second, 5*time.Millisecond, "run %s paused != %t", id, want)
	return run
}
