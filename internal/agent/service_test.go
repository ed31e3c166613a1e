package agent

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/agentrun/internal/domain"
	"github.com/shaiso/agentrun/internal/events"
	"github.com/shaiso/agentrun/internal/executor"
	"github.com/shaiso/agentrun/internal/orchestrator"
	"github.com/shaiso/agentrun/internal/repo"
	"github.com/shaiso/agentrun/internal/retry"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// blockingExecutor — kind "block", ждёт release или отмены ctx.
type blockingExecutor struct {
	release chan struct{}
}

func (e *blockingExecutor) Kind() string { return "block" }

func (e *blockingExecutor) Execute(ctx context.Context, req *executor.Request) (*executor.Result, error) {
	select {
	case <-e.release:
		return &executor.Result{}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type testEnv struct {
	svc   *Service
	store *repo.MemoryStore
	hub   *events.Hub
	block *blockingExecutor
}

func newTestEnv(t *testing.T, hubBuffer int) *testEnv {
	t.Helper()

	store := repo.NewMemoryStore()
	hub := events.NewHub(hubBuffer)
	block := &blockingExecutor{release: make(chan struct{})}

	registry := executor.DefaultRegistry()
	registry.Register(block)

	sched := orchestrator.New(orchestrator.Config{
		Store:    store,
		Registry: registry,
		Policy:   retry.New(retry.Config{MaxAttempts: 2, BaseDelay: time.Millisecond}),
		Sink:     events.NewMulti(testLogger, hub),
		Limits:   orchestrator.Limits{MaxPerProject: 4},
		Logger:   testLogger,
	})
	t.Cleanup(sched.Stop)

	svc := New(Config{Scheduler: sched, Store: store, Hub: hub, Logger: testLogger})
	return &testEnv{svc: svc, store: store, hub: hub, block: block}
}

func transformTask(n int) domain.TaskSpec {
	steps := make([]domain.StepDescriptor, n)
	for i := range steps {
		steps[i] = domain.StepDescriptor{Kind: "transform", Input: map[string]any{"output": map[string]any{"i": i}}}
	}
	return domain.TaskSpec{Title: "transform", Steps: steps}
}

func failingTask() domain.TaskSpec {
	return domain.TaskSpec{Steps: []domain.StepDescriptor{
		{Kind: "transform", Input: map[string]any{"fail": "permanent", "message": "boom"}},
	}}
}

func (e *testEnv) submit(t *testing.T, project string, task domain.TaskSpec) uuid.UUID {
	t.Helper()
	id, err := e.svc.Submit(context.Background(), orchestrator.SubmitRequest{ProjectRef: project, Task: task})
	require.NoError(t, err)
	return id
}

func (e *testEnv) waitStatus(t *testing.T, id uuid.UUID, want domain.RunStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		run, err := e.store.Get(context.Background(), id)
		return err == nil && run.Status == want
	}, 3*time.Second, 5*time.Millisecond)
}

func collect(t *testing.T, ch <-chan domain.Event) []domain.Event {
	t.Helper()
	var out []domain.Event
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("event stream did not close, got %d events", len(out))
		}
	}
}

func stepIndices(evs []domain.Event) []int {
	var idx []int
	for _, ev := range evs {
		if ev.Type == domain.EventStepCompleted {
			idx = append(idx, ev.Step.Index)
		}
	}
	return idx
}

// --- Facade Tests ---

func TestService_SubmitAndStatus(t *testing.T) {
	env := newTestEnv(t, 0)

	id := env.submit(t, "proj-a", transformTask(2))
	env.waitStatus(t, id, domain.RunStatusSucceeded)

	snap, err := env.svc.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, snap.Steps, 2)
	assert.Nil(t, snap.InFlight)

	_, err = env.svc.Status(context.Background(), uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestService_List(t *testing.T) {
	env := newTestEnv(t, 0)

	first := env.submit(t, "proj-a", transformTask(1))
	env.waitStatus(t, first, domain.RunStatusSucceeded)
	second := env.submit(t, "proj-a", transformTask(2))
	env.waitStatus(t, second, domain.RunStatusSucceeded)
	env.submit(t, "proj-b", transformTask(1))

	runs, err := env.svc.List(context.Background(), "proj-a", 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, second, runs[0].ID)
	assert.Equal(t, 2, runs[0].Steps)
	assert.Equal(t, first, runs[1].ID)

	_, err = env.svc.List(context.Background(), "", 10)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestService_ProjectStatus(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()

	ps, err := env.svc.ProjectStatus(ctx, "proj-a")
	require.NoError(t, err)
	assert.Equal(t, domain.ProjectAgentIdle, ps.Status)
	assert.Nil(t, ps.LastRun)

	failed := env.submit(t, "proj-a", failingTask())
	env.waitStatus(t, failed, domain.RunStatusFailed)
	ps, err = env.svc.ProjectStatus(ctx, "proj-a")
	require.NoError(t, err)
	assert.Equal(t, domain.ProjectAgentCrashed, ps.Status)
	assert.Equal(t, failed, ps.LastRun.ID)

	blocked := env.submit(t, "proj-a", domain.TaskSpec{Steps: []domain.StepDescriptor{{Kind: "block"}}})
	env.waitStatus(t, blocked, domain.RunStatusRunning)
	ps, err = env.svc.ProjectStatus(ctx, "proj-a")
	require.NoError(t, err)
	assert.Equal(t, domain.ProjectAgentRunning, ps.Status)
	assert.Equal(t, 1, ps.ActiveRuns)

	accepted, err := env.svc.Cancel(ctx, blocked)
	require.NoError(t, err)
	assert.True(t, accepted)
	close(env.block.release)
	env.waitStatus(t, blocked, domain.RunStatusCancelled)

	ps, err = env.svc.ProjectStatus(ctx, "proj-a")
	require.NoError(t, err)
	assert.Equal(t, domain.ProjectAgentStopped, ps.Status)
}

func TestService_PauseResume(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()

	id := env.submit(t, "proj-a", domain.TaskSpec{Steps: []domain.StepDescriptor{
		{Kind: "block"}, {Kind: "transform"},
	}})
	env.waitStatus(t, id, domain.RunStatusRunning)

	accepted, err := env.svc.Pause(ctx, id)
	require.NoError(t, err)
	assert.True(t, accepted)
	close(env.block.release)

	require.Eventually(t, func() bool {
		run, err := env.store.Get(ctx, id)
		return err == nil && run.Paused
	}, 3*time.Second, 5*time.Millisecond)

	ps, err := env.svc.ProjectStatus(ctx, "proj-a")
	require.NoError(t, err)
	assert.Equal(t, domain.ProjectAgentPaused, ps.Status)
	assert.True(t, ps.LastRun.Paused)

	ch, err := env.svc.Events(ctx, id, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.EventRunStatus, (<-ch).Type)
	assert.Equal(t, domain.EventStepCompleted, (<-ch).Type)
	assert.Equal(t, domain.EventRunPaused, (<-ch).Type)

	accepted, err = env.svc.Resume(ctx, id)
	require.NoError(t, err)
	assert.True(t, accepted)

	evs := collect(t, ch)
	require.Len(t, evs, 3)
	assert.Equal(t, domain.EventRunResumed, evs[0].Type)
	assert.Equal(t, []int{1}, stepIndices(evs))
	assert.Equal(t, domain.RunStatusSucceeded, evs[2].Status)

	ps, err = env.svc.ProjectStatus(ctx, "proj-a")
	require.NoError(t, err)
	assert.Equal(t, domain.ProjectAgentStopped, ps.Status)
}

// --- Events Tests ---

func TestService_EventsLiveRun(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()

	id := env.submit(t, "proj-a", domain.TaskSpec{Steps: []domain.StepDescriptor{
		{Kind: "transform"}, {Kind: "block"}, {Kind: "transform"},
	}})
	env.waitStatus(t, id, domain.RunStatusRunning)

	ch, err := env.svc.Events(ctx, id, 0)
	require.NoError(t, err)

	first := <-ch
	assert.Equal(t, domain.EventRunStatus, first.Type)
	assert.Equal(t, domain.RunStatusRunning, first.Status)

	close(env.block.release)
	evs := collect(t, ch)

	assert.Equal(t, []int{0, 1, 2}, stepIndices(evs))
	last := evs[len(evs)-1]
	assert.Equal(t, domain.RunStatusSucceeded, last.Status)
	assert.True(t, last.Terminal)
}

func TestService_EventsReplayFromIndex(t *testing.T) {
	env := newTestEnv(t, 0)

	id := env.submit(t, "proj-a", transformTask(4))
	env.waitStatus(t, id, domain.RunStatusSucceeded)

	ch, err := env.svc.Events(context.Background(), id, 2)
	require.NoError(t, err)
	evs := collect(t, ch)

	require.Len(t, evs, 3)
	assert.Equal(t, []int{2, 3}, stepIndices(evs))
	assert.Equal(t, domain.RunStatusSucceeded, evs[2].Status)
	assert.True(t, evs[2].Terminal)
}

func TestService_EventsSlowConsumerResyncs(t *testing.T) {
	env := newTestEnv(t, 1)

	id := env.submit(t, "proj-a", domain.TaskSpec{Steps: append(
		[]domain.StepDescriptor{{Kind: "block"}},
		transformTask(40).Steps...,
	)})
	env.waitStatus(t, id, domain.RunStatusRunning)

	ch, err := env.svc.Events(context.Background(), id, 0)
	require.NoError(t, err)

	// Поток не читается, пока run не завершится.
	close(env.block.release)
	env.waitStatus(t, id, domain.RunStatusSucceeded)

	evs := collect(t, ch)
	idx := stepIndices(evs)
	require.Len(t, idx, 41)
	for i, v := range idx {
		require.Equal(t, i, v)
	}
	assert.True(t, evs[len(evs)-1].Terminal)
}

func TestService_EventsErrors(t *testing.T) {
	env := newTestEnv(t, 0)

	_, err := env.svc.Events(context.Background(), uuid.New(), 0)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	id := env.submit(t, "proj-a", transformTask(1))
	_, err = env.svc.Events(context.Background(), id, -1)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestService_EventsContextCancel(t *testing.T) {
	env := newTestEnv(t, 0)
	defer close(env.block.release)

	id := env.submit(t, "proj-a", domain.TaskSpec{Steps: []domain.StepDescriptor{{Kind: "block"}}})
	env.waitStatus(t, id, domain.RunStatusRunning)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := env.svc.Events(ctx, id, 0)
	require.NoError(t, err)
	<-ch

	cancel()
	collect(t, ch)
	require.Eventually(t, func() bool { return env.hub.Subscribers(id) == 0 }, time.Second, 5*time.Millisecond)
}
