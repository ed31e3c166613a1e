package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/agentrun/internal/domain"
	"github.com/shaiso/agentrun/internal/executor"
	"github.com/shaiso/agentrun/internal/repo"
)

// --- Run lifecycle ---

func TestScheduler_ThreeStepsSucceed(t *testing.T) {
	env := newTestEnv(t, Limits{}, nil)

	run := submit(t, env.sched, "proj-a", scriptTask(3))
	assert.Equal(t, domain.RunStatusPending, run.Status)

	got := waitStatus(t, env.store, run.ID, domain.RunStatusSucceeded)
	require.Len(t, got.Steps, 3)
	requireContiguous(t, got)
	for i, step := range got.Steps {
		assert.True(t, step.Succeeded())
		assert.Equal(t, 1, step.Attempts)
		assert.Equal(t, i, step.Input["n"])
	}
	assert.Equal(t, []int{0, 1, 2}, env.exec.callsFor(run.ID))
}

func TestScheduler_TransientTwiceThenSuccess(t *testing.T) {
	env := newTestEnv(t, Limits{}, func(_ context.Context, req *executor.Request) (*executor.Result, error) {
		if req.Index == 1 && req.Attempt <= 2 {
			return nil, executor.Transientf("tool unavailable")
		}
		return &executor.Result{Output: map[string]any{"attempt": req.Attempt}}, nil
	})

	run := submit(t, env.sched, "proj-a", scriptTask(3))

	got := waitStatus(t, env.store, run.ID, domain.RunStatusSucceeded)
	require.Len(t, got.Steps, 3)
	assert.Equal(t, 3, got.Steps[1].Attempts)
	assert.Equal(t, 3, got.Steps[1].Outcome.Result["attempt"])
	assert.Equal(t, []int{0, 1, 1, 1, 2}, env.exec.callsFor(run.ID))
}

func TestScheduler_PermanentErrorFailsRun(t *testing.T) {
	env := newTestEnv(t, Limits{}, func(_ context.Context, req *executor.Request) (*executor.Result, error) {
		return nil, executor.Permanentf("bad arguments")
	})

	run := submit(t, env.sched, "proj-a", scriptTask(2))

	got := waitStatus(t, env.store, run.ID, domain.RunStatusFailed)
	require.Len(t, got.Steps, 1)
	assert.Equal(t, 1, got.Steps[0].Attempts)
	assert.Equal(t, domain.ErrorKindPermanent, got.Steps[0].Outcome.ErrorKind)
	assert.Equal(t, "bad arguments", got.Steps[0].Outcome.Message)
	assert.Equal(t, []int{0}, env.exec.callsFor(run.ID))
}

func TestScheduler_TransientExhaustedFailsRun(t *testing.T) {
	env := newTestEnv(t, Limits{}, func(context.Context, *executor.Request) (*executor.Result, error) {
		return nil, errors.New("connection reset")
	})

	run := submit(t, env.sched, "proj-a", scriptTask(1))

	got := waitStatus(t, env.store, run.ID, domain.RunStatusFailed)
	require.Len(t, got.Steps, 1)
	assert.Equal(t, 3, got.Steps[0].Attempts)
	assert.Equal(t, domain.ErrorKindTransient, got.Steps[0].Outcome.ErrorKind)
}

func TestScheduler_NextStepRunsBeforeRemaining(t *testing.T) {
	env := newTestEnv(t, Limits{}, nil)

	task := domain.TaskSpec{Steps: []domain.StepDescriptor{
		{Kind: "transform", Input: map[string]any{
			"output": map[string]any{"name": "plan"},
			"next": map[string]any{
				"kind":  "transform",
				"input": map[string]any{"output": map[string]any{"name": "tool"}},
			},
		}},
		{Kind: "transform", Input: map[string]any{"output": map[string]any{"name": "summary"}}},
	}}
	run := submit(t, env.sched, "proj-a", task)

	got := waitStatus(t, env.store, run.ID, domain.RunStatusSucceeded)
	require.Len(t, got.Steps, 3)
	requireContiguous(t, got)
	assert.Equal(t, "plan", got.Steps[0].Outcome.Result["name"])
	assert.NotNil(t, got.Steps[0].Outcome.Next)
	assert.Equal(t, "tool", got.Steps[1].Outcome.Result["name"])
	assert.Equal(t, "summary", got.Steps[2].Outcome.Result["name"])
}

func TestScheduler_UnsupportedNextKindFailsRun(t *testing.T) {
	env := newTestEnv(t, Limits{}, func(_ context.Context, req *executor.Request) (*executor.Result, error) {
		if req.Index == 0 {
			return &executor.Result{
				Output: map[string]any{},
				Next:   &domain.StepDescriptor{Kind: "nope"},
			}, nil
		}
		return &executor.Result{Output: map[string]any{}}, nil
	})

	run := submit(t, env.sched, "proj-a", scriptTask(2))

	got := waitStatus(t, env.store, run.ID, domain.RunStatusFailed)
	require.Len(t, got.Steps, 2)
	requireContiguous(t, got)
	assert.True(t, got.Steps[0].Succeeded())

	last := got.Steps[1]
	assert.Equal(t, "nope", last.Kind)
	assert.Equal(t, domain.ErrorKindUnsupportedKind, last.Outcome.ErrorKind)
	assert.Equal(t, 1, last.Attempts)

	// Неизвестный kind не доходит до executor'а, оставшийся шаг не выполняется.
	assert.Equal(t, []int{0}, env.exec.callsFor(run.ID))
}

// --- Cancellation ---

func TestScheduler_CancelDuringStep(t *testing.T) {
	g := newGate()
	env := newTestEnv(t, Limits{}, func(ctx context.Context, req *executor.Request) (*executor.Result, error) {
		if req.Index == 1 {
			if err := g.wait(ctx); err != nil {
				return nil, err
			}
		}
		return &executor.Result{Output: map[string]any{"index": req.Index}}, nil
	})

	run := submit(t, env.sched, "proj-a", scriptTask(3))
	g.awaitStarted(t)

	snap, err := env.sched.Status(context.Background(), run.ID)
	require.NoError(t, err)
	require.NotNil(t, snap.InFlight)
	assert.Equal(t, 1, snap.InFlight.Index)
	assert.Equal(t, domain.RunStatusRunning, snap.Status)

	accepted, err := env.sched.Cancel(context.Background(), run.ID)
	require.NoError(t, err)
	assert.True(t, accepted)

	// Шаг в процессе доводится до конца.
	g.open()

	got := waitStatus(t, env.store, run.ID, domain.RunStatusCancelled)
	require.Len(t, got.Steps, 2)
	assert.True(t, got.Steps[1].Succeeded())
	assert.True(t, got.CancelRequested)
	assert.Equal(t, []int{0, 1}, env.exec.callsFor(run.ID))

	// Повторная отмена идемпотентна.
	accepted, err = env.sched.Cancel(context.Background(), run.ID)
	require.NoError(t, err)
	assert.True(t, accepted)
}

func TestScheduler_CancelFlagPersistedWhenStoreSlow(t *testing.T) {
	g := newGate()
	marking := make(chan struct{}, 4)
	store := &hookStore{
		MemoryStore: repo.NewMemoryStore(),
		beforeMarkCancel: func() {
			marking <- struct{}{}
			time.Sleep(200 * time.Millisecond)
		},
	}
	exec := newScriptExecutor(func(ctx context.Context, req *executor.Request) (*executor.Result, error) {
		if req.Index == 1 {
			if err := g.wait(ctx); err != nil {
				return nil, err
			}
		}
		return &executor.Result{Output: map[string]any{}}, nil
	})
	sched := newTestScheduler(store, exec, Limits{})
	defer sched.Stop()

	run := submit(t, sched, "proj-a", scriptTask(3))
	g.awaitStarted(t)

	done := make(chan bool, 1)
	go func() {
		accepted, err := sched.Cancel(context.Background(), run.ID)
		assert.NoError(t, err)
		done <- accepted
	}()

	// Флаг уже выставлен в машине, запись в хранилище ещё идёт.
	select {
	case <-marking:
	case <-time.After(2 * time.Second):
		t.Fatal("cancel flag was not persisted")
	}
	time.Sleep(20 * time.Millisecond)
	g.open()

	got := waitStatus(t, store, run.ID, domain.RunStatusCancelled)
	assert.True(t, got.CancelRequested)
	require.Len(t, got.Steps, 2)
	assert.True(t, <-done)
}

func TestScheduler_CancelRejectedWhileFailedStepIsWritten(t *testing.T) {
	appending := make(chan struct{})
	release := make(chan struct{})
	store := &hookStore{
		MemoryStore: repo.NewMemoryStore(),
		beforeAppend: func(step domain.Step) {
			if !step.Succeeded() {
				close(appending)
				<-release
			}
		},
	}
	exec := newScriptExecutor(func(context.Context, *executor.Request) (*executor.Result, error) {
		return nil, executor.Permanentf("bad arguments")
	})
	sched := newTestScheduler(store, exec, Limits{})
	defer sched.Stop()

	run := submit(t, sched, "proj-a", scriptTask(2))

	select {
	case <-appending:
	case <-time.After(2 * time.Second):
		t.Fatal("failed step was not written")
	}

	accepted, err := sched.Cancel(context.Background(), run.ID)
	require.NoError(t, err)
	assert.False(t, accepted)
	close(release)

	got := waitStatus(t, store, run.ID, domain.RunStatusFailed)
	require.Len(t, got.Steps, 1)
	assert.Equal(t, domain.ErrorKindPermanent, got.Steps[0].Outcome.ErrorKind)
}

func TestScheduler_CancelQueuedRun(t *testing.T) {
	g := newGate()
	env := newTestEnv(t, Limits{MaxPerProject: 1, QueueDepth: 1}, func(ctx context.Context, req *executor.Request) (*executor.Result, error) {
		return nil, g.wait(ctx)
	})
	defer g.open()

	first := submit(t, env.sched, "proj-a", scriptTask(1))
	g.awaitStarted(t)
	queued := submit(t, env.sched, "proj-a", scriptTask(1))
	assert.Equal(t, 1, env.sched.Queued())

	accepted, err := env.sched.Cancel(context.Background(), queued.ID)
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.Equal(t, 0, env.sched.Queued())

	got, err := env.store.Get(context.Background(), queued.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCancelled, got.Status)
	assert.Empty(t, got.Steps)
	assert.Empty(t, env.exec.callsFor(queued.ID))

	g.open()
	waitStatus(t, env.store, first.ID, domain.RunStatusSucceeded)
	assert.Empty(t, env.exec.callsFor(queued.ID))
}

func TestScheduler_CancelFinishedRun(t *testing.T) {
	env := newTestEnv(t, Limits{}, nil)

	run := submit(t, env.sched, "proj-a", scriptTask(1))
	waitStatus(t, env.store, run.ID, domain.RunStatusSucceeded)
	waitIdle(t, env.sched)

	accepted, err := env.sched.Cancel(context.Background(), run.ID)
	require.NoError(t, err)
	assert.False(t, accepted)

	got, err := env.store.Get(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusSucceeded, got.Status)
}

func TestScheduler_UnknownRun(t *testing.T) {
	env := newTestEnv(t, Limits{}, nil)

	_, err := env.sched.Cancel(context.Background(), uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = env.sched.Status(context.Background(), uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

// --- Admission ---

func TestScheduler_Validation(t *testing.T) {
	env := newTestEnv(t, Limits{}, nil)
	ctx := context.Background()

	_, err := env.sched.Submit(ctx, SubmitRequest{ProjectRef: " ", Task: scriptTask(1)})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = env.sched.Submit(ctx, SubmitRequest{ProjectRef: "proj-a"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = env.sched.Submit(ctx, SubmitRequest{
		ProjectRef: "proj-a",
		Task:       domain.TaskSpec{Steps: []domain.StepDescriptor{{Kind: "shell"}}},
	})
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.ErrorIs(t, err, domain.ErrUnsupportedStepKind)

	global, _ := env.sched.InFlight()
	assert.Equal(t, 0, global)
}

func TestScheduler_PerProjectCapacity(t *testing.T) {
	g := newGate()
	env := newTestEnv(t, Limits{MaxPerProject: 1}, func(ctx context.Context, req *executor.Request) (*executor.Result, error) {
		return nil, g.wait(ctx)
	})
	defer g.open()

	submit(t, env.sched, "proj-a", scriptTask(1))
	g.awaitStarted(t)

	_, err := env.sched.Submit(context.Background(), SubmitRequest{ProjectRef: "proj-a", Task: scriptTask(1)})
	assert.ErrorIs(t, err, domain.ErrCapacity)

	global, perProject := env.sched.InFlight()
	assert.Equal(t, 1, global)
	assert.Equal(t, 1, perProject["proj-a"])

	// Другой проект не упирается в лимит proj-a.
	other := submit(t, env.sched, "proj-b", scriptTask(1))
	g.awaitStarted(t)
	g.open()
	waitStatus(t, env.store, other.ID, domain.RunStatusSucceeded)
}

func TestScheduler_GlobalCapacity(t *testing.T) {
	g := newGate()
	env := newTestEnv(t, Limits{MaxGlobal: 2, MaxPerProject: 2}, func(ctx context.Context, req *executor.Request) (*executor.Result, error) {
		return nil, g.wait(ctx)
	})
	defer g.open()

	submit(t, env.sched, "proj-a", scriptTask(1))
	submit(t, env.sched, "proj-b", scriptTask(1))

	_, err := env.sched.Submit(context.Background(), SubmitRequest{ProjectRef: "proj-c", Task: scriptTask(1)})
	assert.ErrorIs(t, err, domain.ErrCapacity)

	global, _ := env.sched.InFlight()
	assert.Equal(t, 2, global)
}

func TestScheduler_QueuedRunStartsWhenSlotFrees(t *testing.T) {
	g := newGate()
	env := newTestEnv(t, Limits{MaxPerProject: 1, QueueDepth: 1}, func(ctx context.Context, req *executor.Request) (*executor.Result, error) {
		return &executor.Result{}, g.wait(ctx)
	})
	defer g.open()

	first := submit(t, env.sched, "proj-a", scriptTask(1))
	g.awaitStarted(t)
	second := submit(t, env.sched, "proj-a", scriptTask(1))

	// Очередь заполнена.
	_, err := env.sched.Submit(context.Background(), SubmitRequest{ProjectRef: "proj-a", Task: scriptTask(1)})
	assert.ErrorIs(t, err, domain.ErrCapacity)

	got, err := env.store.Get(context.Background(), second.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusPending, got.Status)

	g.open()
	waitStatus(t, env.store, first.ID, domain.RunStatusSucceeded)
	waitStatus(t, env.store, second.ID, domain.RunStatusSucceeded)
	waitIdle(t, env.sched)
}

// --- Concurrency ---

func TestScheduler_ConcurrentRuns(t *testing.T) {
	env := newTestEnv(t, Limits{MaxGlobal: 4, MaxPerProject: 2, QueueDepth: 32},
		func(ctx context.Context, req *executor.Request) (*executor.Result, error) {
			time.Sleep(time.Millisecond)
			if req.Index == 2 && req.Attempt == 1 {
				return nil, executor.Transientf("flaky")
			}
			return &executor.Result{Output: map[string]any{}}, nil
		})

	var (
		mu  sync.Mutex
		ids []uuid.UUID
		wg  sync.WaitGroup
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			run, err := env.sched.Submit(context.Background(), SubmitRequest{
				ProjectRef: fmt.Sprintf("proj-%d", i%3),
				Task:       scriptTask(4),
			})
			if assert.NoError(t, err) {
				mu.Lock()
				ids = append(ids, run.ID)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		got := waitStatus(t, env.store, id, domain.RunStatusSucceeded)
		require.Len(t, got.Steps, 4)
		requireContiguous(t, got)
	}
	waitIdle(t, env.sched)

	env.exec.mu.Lock()
	defer env.exec.mu.Unlock()
	assert.Equal(t, 1, env.exec.maxPerRun)
	assert.LessOrEqual(t, env.exec.globalPeak, 4)
}

// --- Pause ---

func TestScheduler_PauseAtStepBoundary(t *testing.T) {
	g := newGate()
	env := newTestEnv(t, Limits{}, func(ctx context.Context, req *executor.Request) (*executor.Result, error) {
		if req.Index == 1 {
			if err := g.wait(ctx); err != nil {
				return nil, err
			}
		}
		return &executor.Result{Output: map[string]any{}}, nil
	})
	ctx := context.Background()

	run := submit(t, env.sched, "proj-a", scriptTask(3))
	g.awaitStarted(t)

	accepted, err := env.sched.Pause(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, accepted)

	snap, err := env.sched.Status(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, snap.PauseRequested)
	require.NotNil(t, snap.InFlight)

	// Шаг в процессе доводится до конца, следующий не начинается.
	g.open()
	got := waitPaused(t, env.store, run.ID, true)
	assert.Equal(t, domain.RunStatusRunning, got.Status)
	require.Len(t, got.Steps, 2)
	assert.Never(t, func() bool { return len(env.exec.callsFor(run.ID)) > 2 }, 50*time.Millisecond, 5*time.Millisecond)

	global, _ := env.sched.InFlight()
	assert.Equal(t, 1, global, "paused run keeps its slot")

	accepted, err = env.sched.Resume(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, accepted)

	got = waitStatus(t, env.store, run.ID, domain.RunStatusSucceeded)
	require.Len(t, got.Steps, 3)
	requireContiguous(t, got)
	assert.False(t, got.Paused)
	assert.Equal(t, []int{0, 1, 2}, env.exec.callsFor(run.ID))
}

func TestScheduler_CancelPausedRun(t *testing.T) {
	g := newGate()
	env := newTestEnv(t, Limits{}, func(ctx context.Context, req *executor.Request) (*executor.Result, error) {
		if req.Index == 0 {
			if err := g.wait(ctx); err != nil {
				return nil, err
			}
		}
		return &executor.Result{Output: map[string]any{}}, nil
	})
	ctx := context.Background()

	run := submit(t, env.sched, "proj-a", scriptTask(3))
	g.awaitStarted(t)
	accepted, err := env.sched.Pause(ctx, run.ID)
	require.NoError(t, err)
	require.True(t, accepted)
	g.open()
	waitPaused(t, env.store, run.ID, true)

	accepted, err = env.sched.Cancel(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, accepted)

	got := waitStatus(t, env.store, run.ID, domain.RunStatusCancelled)
	assert.True(t, got.CancelRequested)
	require.Len(t, got.Steps, 1)
	assert.Equal(t, []int{0}, env.exec.callsFor(run.ID))

	// Отменённый run на паузу не ставится.
	accepted, err = env.sched.Pause(ctx, run.ID)
	require.NoError(t, err)
	assert.False(t, accepted)
}

func TestScheduler_PauseQueuedRun(t *testing.T) {
	g := newGate()
	env := newTestEnv(t, Limits{MaxPerProject: 1, QueueDepth: 1}, func(ctx context.Context, req *executor.Request) (*executor.Result, error) {
		if req.Input["n"] == 0 && req.Index == 0 {
			return &executor.Result{}, g.wait(ctx)
		}
		return &executor.Result{Output: map[string]any{}}, nil
	})
	defer g.open()
	ctx := context.Background()

	first := submit(t, env.sched, "proj-a", scriptTask(1))
	g.awaitStarted(t)
	queued := submit(t, env.sched, "proj-a", domain.TaskSpec{Steps: []domain.StepDescriptor{
		{Kind: "script", Input: map[string]any{"n": 1}},
	}})
	require.Equal(t, 1, env.sched.Queued())

	accepted, err := env.sched.Pause(ctx, queued.ID)
	require.NoError(t, err)
	assert.True(t, accepted)

	got, err := env.store.Get(ctx, queued.ID)
	require.NoError(t, err)
	assert.True(t, got.Paused)
	assert.Equal(t, domain.RunStatusPending, got.Status)

	// После запуска run сразу встаёт на паузу.
	g.open()
	waitStatus(t, env.store, first.ID, domain.RunStatusSucceeded)
	got = waitStatus(t, env.store, queued.ID, domain.RunStatusRunning)
	assert.True(t, got.Paused)
	assert.Never(t, func() bool { return len(env.exec.callsFor(queued.ID)) > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	accepted, err = env.sched.Resume(ctx, queued.ID)
	require.NoError(t, err)
	assert.True(t, accepted)
	waitStatus(t, env.store, queued.ID, domain.RunStatusSucceeded)
	assert.Equal(t, []int{0}, env.exec.callsFor(queued.ID))
}

func TestScheduler_PauseFinishedRun(t *testing.T) {
	env := newTestEnv(t, Limits{}, nil)
	ctx := context.Background()

	run := submit(t, env.sched, "proj-a", scriptTask(1))
	waitStatus(t, env.store, run.ID, domain.RunStatusSucceeded)
	waitIdle(t, env.sched)

	accepted, err := env.sched.Pause(ctx, run.ID)
	require.NoError(t, err)
	assert.False(t, accepted)

	accepted, err = env.sched.Resume(ctx, run.ID)
	require.NoError(t, err)
	assert.False(t, accepted)

	_, err = env.sched.Pause(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

// --- Recovery ---

func TestScheduler_RecoversRunningRun(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemoryStore()

	run := domain.NewRun("proj-a", "", scriptTask(3))
	require.NoError(t, store.Create(ctx, run))
	require.NoError(t, store.SetStatus(ctx, run.ID, domain.RunStatusRunning))
	require.NoError(t, store.AppendStep(ctx, run.ID, domain.Step{
		Index:    0,
		Kind:     "script",
		Outcome:  domain.SuccessOutcome(map[string]any{}, nil),
		Attempts: 1,
	}))

	exec := newScriptExecutor(nil)
	sched := newTestScheduler(store, exec, Limits{})
	defer sched.Stop()
	require.NoError(t, sched.Start(ctx))

	got := waitStatus(t, store, run.ID, domain.RunStatusSucceeded)
	require.Len(t, got.Steps, 3)
	requireContiguous(t, got)
	assert.Equal(t, []int{1, 2}, exec.callsFor(run.ID))
}

func TestScheduler_RecoversCancelledPendingRun(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemoryStore()

	run := domain.NewRun("proj-a", "", scriptTask(1))
	require.NoError(t, store.Create(ctx, run))
	require.NoError(t, store.MarkCancelRequested(ctx, run.ID))

	exec := newScriptExecutor(nil)
	sched := newTestScheduler(store, exec, Limits{})
	defer sched.Stop()
	require.NoError(t, sched.Start(ctx))

	got := waitStatus(t, store, run.ID, domain.RunStatusCancelled)
	assert.Empty(t, got.Steps)
	assert.Equal(t, 0, exec.totalCalls())
}

func TestScheduler_RecoversPausedRun(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemoryStore()

	run := domain.NewRun("proj-a", "", scriptTask(3))
	require.NoError(t, store.Create(ctx, run))
	require.NoError(t, store.SetStatus(ctx, run.ID, domain.RunStatusRunning))
	require.NoError(t, store.AppendStep(ctx, run.ID, domain.Step{
		Index:    0,
		Kind:     "script",
		Outcome:  domain.SuccessOutcome(map[string]any{}, nil),
		Attempts: 1,
	}))
	require.NoError(t, store.SetPaused(ctx, run.ID, true))

	exec := newScriptExecutor(nil)
	sched := newTestScheduler(store, exec, Limits{})
	defer sched.Stop()
	require.NoError(t, sched.Start(ctx))

	assert.Never(t, func() bool { return exec.totalCalls() > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	snap, err := sched.Status(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, snap.Paused)
	assert.True(t, snap.PauseRequested)

	accepted, err := sched.Resume(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, accepted)

	got := waitStatus(t, store, run.ID, domain.RunStatusSucceeded)
	require.Len(t, got.Steps, 3)
	assert.False(t, got.Paused)
	assert.Equal(t, []int{1, 2}, exec.callsFor(run.ID))
}

func TestScheduler_StopMidStepThenResume(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemoryStore()
	g := newGate()

	exec := newScriptExecutor(func(ctx context.Context, req *executor.Request) (*executor.Result, error) {
		if req.Index == 1 {
			return &executor.Result{}, g.wait(ctx)
		}
		return &executor.Result{}, nil
	})
	sched := newTestScheduler(store, exec, Limits{})

	run := submit(t, sched, "proj-a", scriptTask(2))
	g.awaitStarted(t)
	sched.Stop()

	got, err := store.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusRunning, got.Status)
	require.Len(t, got.Steps, 1)

	_, err = sched.Submit(ctx, SubmitRequest{ProjectRef: "proj-a", Task: scriptTask(1)})
	assert.ErrorIs(t, err, ErrSchedulerStopped)

	// Новый процесс продолжает с шага 1.
	g.open()
	resumed := newTestScheduler(store, exec, Limits{})
	defer resumed.Stop()
	require.NoError(t, resumed.Start(ctx))

	got = waitStatus(t, store, run.ID, domain.RunStatusSucceeded)
	require.Len(t, got.Steps, 2)
	assert.Equal(t, []int{0, 1, 1}, exec.callsFor(run.ID))
}

func TestScheduler_StartTwice(t *testing.T) {
	env := newTestEnv(t, Limits{}, nil)
	require.NoError(t, env.sched.Start(context.Background()))
	assert.ErrorIs(t, env.sched.Start(context.Background()), ErrAlreadyStarted)
}

// --- Events ---

type recordingSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recordingSink) PublishEvent(_ context.Context, ev domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingSink) snapshot() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Event(nil), r.events...)
}

func TestScheduler_EventOrder(t *testing.T) {
	store := repo.NewMemoryStore()
	sink := &recordingSink{}
	registry := executor.DefaultRegistry()
	sched := New(Config{Store: store, Registry: registry, Sink: sink, Logger: testLogger})
	defer sched.Stop()

	run := submit(t, sched, "proj-a", domain.TaskSpec{Steps: []domain.StepDescriptor{
		{Kind: "transform"}, {Kind: "transform"},
	}})
	waitStatus(t, store, run.ID, domain.RunStatusSucceeded)

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 5 }, time.Second, 5*time.Millisecond)
	evs := sink.snapshot()

	assert.Equal(t, domain.RunStatusPending, evs[0].Status)
	assert.Equal(t, domain.RunStatusRunning, evs[1].Status)
	assert.Equal(t, domain.EventStepCompleted, evs[2].Type)
	assert.Equal(t, 0, evs[2].Step.Index)
	assert.Equal(t, 1, evs[3].Step.Index)
	assert.Equal(t, domain.RunStatusSucceeded, evs[4].Status)
	assert.True(t, evs[4].Terminal)
}
