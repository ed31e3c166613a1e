package repo

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/agentrun/internal/domain"
)

func newTestRun(project string) *domain.Run {
	return domain.NewRun(project, "feat-1", domain.TaskSpec{
		Title: "test",
		Steps: []domain.StepDescriptor{{Kind: "transform", Input: map[string]any{"a": "b"}}},
	})
}

func newTestStep(idx int) domain.Step {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return domain.Step{
		Index:     idx,
		Kind:      "transform",
		Input:     map[string]any{"i": float64(idx)},
		Outcome:   domain.SuccessOutcome(map[string]any{"ok": true}, nil),
		Attempts:  1,
		StartedAt: now,
		EndedAt:   now.Add(time.Millisecond),
	}
}

// runStoreSuite проверяет контракт RunStore на конкретной реализации.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) RunStore) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		run := newTestRun("proj-a")
		require.NoError(t, s.Create(ctx, run))

		got, err := s.Get(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, run.ID, got.ID)
		assert.Equal(t, "proj-a", got.ProjectRef)
		assert.Equal(t, "feat-1", got.FeatureRef)
		assert.Equal(t, domain.RunStatusPending, got.Status)
		assert.Equal(t, "transform", got.Task.Steps[0].Kind)
		assert.Empty(t, got.Steps)

		assert.ErrorIs(t, s.Create(ctx, run), ErrAlreadyExists)
	})

	t.Run("get unknown", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, uuid.New())
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("status is forward only", func(t *testing.T) {
		s := newStore(t)
		run := newTestRun("proj-a")
		require.NoError(t, s.Create(ctx, run))

		require.NoError(t, s.SetStatus(ctx, run.ID, domain.RunStatusRunning))
		require.NoError(t, s.SetStatus(ctx, run.ID, domain.RunStatusRunning))
		assert.ErrorIs(t, s.SetStatus(ctx, run.ID, domain.RunStatusPending), ErrInvalidState)
		require.NoError(t, s.SetStatus(ctx, run.ID, domain.RunStatusSucceeded))
		assert.ErrorIs(t, s.SetStatus(ctx, run.ID, domain.RunStatusFailed), ErrInvalidState)

		got, err := s.Get(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.RunStatusSucceeded, got.Status)

		assert.ErrorIs(t, s.SetStatus(ctx, uuid.New(), domain.RunStatusRunning), ErrNotFound)
	})

	t.Run("append step is idempotent", func(t *testing.T) {
		s := newStore(t)
		run := newTestRun("proj-a")
		require.NoError(t, s.Create(ctx, run))
		require.NoError(t, s.SetStatus(ctx, run.ID, domain.RunStatusRunning))

		step := newTestStep(0)
		require.NoError(t, s.AppendStep(ctx, run.ID, step))

		dup := step
		dup.Kind = "http"
		require.NoError(t, s.AppendStep(ctx, run.ID, dup))

		got, err := s.Get(ctx, run.ID)
		require.NoError(t, err)
		require.Len(t, got.Steps, 1)
		assert.Equal(t, "transform", got.Steps[0].Kind)
		assert.Equal(t, float64(0), got.Steps[0].Input["i"])
		assert.Equal(t, true, got.Steps[0].Outcome.Result["ok"])
		assert.True(t, got.Steps[0].StartedAt.Equal(step.StartedAt))
	})

	t.Run("append step rejects gaps", func(t *testing.T) {
		s := newStore(t)
		run := newTestRun("proj-a")
		require.NoError(t, s.Create(ctx, run))
		require.NoError(t, s.SetStatus(ctx, run.ID, domain.RunStatusRunning))

		assert.ErrorIs(t, s.AppendStep(ctx, run.ID, newTestStep(1)), ErrStepGap)
		require.NoError(t, s.AppendStep(ctx, run.ID, newTestStep(0)))
		require.NoError(t, s.AppendStep(ctx, run.ID, newTestStep(1)))
		assert.ErrorIs(t, s.AppendStep(ctx, run.ID, newTestStep(3)), ErrStepGap)
	})

	t.Run("append step to terminal run", func(t *testing.T) {
		s := newStore(t)
		run := newTestRun("proj-a")
		require.NoError(t, s.Create(ctx, run))
		require.NoError(t, s.SetStatus(ctx, run.ID, domain.RunStatusRunning))
		require.NoError(t, s.AppendStep(ctx, run.ID, newTestStep(0)))
		require.NoError(t, s.SetStatus(ctx, run.ID, domain.RunStatusFailed))

		assert.ErrorIs(t, s.AppendStep(ctx, run.ID, newTestStep(1)), ErrInvalidState)
		// Повтор уже записанного шага остаётся no-op.
		assert.NoError(t, s.AppendStep(ctx, run.ID, newTestStep(0)))
	})

	t.Run("append step to pending run", func(t *testing.T) {
		s := newStore(t)
		run := newTestRun("proj-a")
		require.NoError(t, s.Create(ctx, run))
		assert.ErrorIs(t, s.AppendStep(ctx, run.ID, newTestStep(0)), ErrInvalidState)
	})

	t.Run("cancel flag", func(t *testing.T) {
		s := newStore(t)
		run := newTestRun("proj-a")
		require.NoError(t, s.Create(ctx, run))

		require.NoError(t, s.MarkCancelRequested(ctx, run.ID))
		require.NoError(t, s.MarkCancelRequested(ctx, run.ID))

		got, err := s.Get(ctx, run.ID)
		require.NoError(t, err)
		assert.True(t, got.CancelRequested)

		assert.ErrorIs(t, s.MarkCancelRequested(ctx, uuid.New()), ErrNotFound)
	})

	t.Run("pause flag", func(t *testing.T) {
		s := newStore(t)
		run := newTestRun("proj-a")
		require.NoError(t, s.Create(ctx, run))
		require.NoError(t, s.SetStatus(ctx, run.ID, domain.RunStatusRunning))

		require.NoError(t, s.SetPaused(ctx, run.ID, true))
		require.NoError(t, s.SetPaused(ctx, run.ID, true))

		got, err := s.Get(ctx, run.ID)
		require.NoError(t, err)
		assert.True(t, got.Paused)

		active, err := s.ListActive(ctx)
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.True(t, active[0].Paused)

		require.NoError(t, s.SetPaused(ctx, run.ID, false))
		got, err = s.Get(ctx, run.ID)
		require.NoError(t, err)
		assert.False(t, got.Paused)

		require.NoError(t, s.SetStatus(ctx, run.ID, domain.RunStatusSucceeded))
		assert.ErrorIs(t, s.SetPaused(ctx, run.ID, true), ErrInvalidState)
		assert.ErrorIs(t, s.SetPaused(ctx, uuid.New(), true), ErrNotFound)
	})

	t.Run("list active and by project", func(t *testing.T) {
		s := newStore(t)
		pending := newTestRun("proj-a")
		running := newTestRun("proj-a")
		done := newTestRun("proj-b")
		for i, r := range []*domain.Run{pending, running, done} {
			r.CreatedAt = r.CreatedAt.Add(time.Duration(i) * time.Second)
			require.NoError(t, s.Create(ctx, r))
		}
		require.NoError(t, s.SetStatus(ctx, running.ID, domain.RunStatusRunning))
		require.NoError(t, s.AppendStep(ctx, running.ID, newTestStep(0)))
		require.NoError(t, s.SetStatus(ctx, done.ID, domain.RunStatusCancelled))

		active, err := s.ListActive(ctx)
		require.NoError(t, err)
		require.Len(t, active, 2)
		assert.Equal(t, pending.ID, active[0].ID)
		assert.Equal(t, running.ID, active[1].ID)
		assert.Len(t, active[1].Steps, 1)

		byProject, err := s.ListByProject(ctx, "proj-a", 0)
		require.NoError(t, err)
		require.Len(t, byProject, 2)
		assert.Equal(t, running.ID, byProject[0].ID)

		limited, err := s.ListByProject(ctx, "proj-a", 1)
		require.NoError(t, err)
		assert.Len(t, limited, 1)

		none, err := s.ListByProject(ctx, "proj-z", 10)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("concurrent appends keep indices contiguous", func(t *testing.T) {
		s := newStore(t)
		run := newTestRun("proj-a")
		require.NoError(t, s.Create(ctx, run))
		require.NoError(t, s.SetStatus(ctx, run.ID, domain.RunStatusRunning))

		// Несколько писателей повторяют одни и те же индексы.
		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 10; i++ {
					for {
						err := s.AppendStep(ctx, run.ID, newTestStep(i))
						if err == nil {
							break
						}
						if !assert.ErrorIs(t, err, ErrStepGap) {
							return
						}
						time.Sleep(time.Millisecond)
					}
				}
			}()
		}
		wg.Wait()

		got, err := s.Get(ctx, run.ID)
		require.NoError(t, err)
		require.Len(t, got.Steps, 10)
		for i, step := range got.Steps {
			assert.Equal(t, i, step.Index)
		}
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) RunStore {
		return NewMemoryStore()
	})
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	run := newTestRun("proj-a")
	require.NoError(t, s.Create(ctx, run))

	got, err := s.Get(ctx, run.ID)
	require.NoError(t, err)
	got.Status = domain.RunStatusFailed

	again, err := s.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusPending, again.Status)
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) RunStore {
		db, err := OpenSQLite(context.Background(), ":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })

		s := NewSQLiteStore(db)
		require.NoError(t, s.EnsureSchema(context.Background()))
		return s
	})
}

func TestPgStore(t *testing.T) {
	dsn := os.Getenv("DB_URL")
	if dsn == "" {
		t.Skip("DB_URL not set")
	}

	runStoreSuite(t, func(t *testing.T) RunStore {
		ctx := context.Background()
		pool, err := NewPool(ctx, dsn)
		require.NoError(t, err)
		t.Cleanup(pool.Close)

		s := NewPgStore(pool)
		require.NoError(t, s.EnsureSchema(ctx))
		_, err = pool.Exec(ctx, `TRUNCATE agent_steps, agent_runs`)
		require.NoError(t, err)
		return s
	})
}
