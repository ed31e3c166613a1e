package agent

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/shaiso/agentrun/internal/domain"
	"github.com/shaiso/agentrun/internal/events"
)

const streamBuffer = 16

// Events возвращает поток событий run, начиная с шага from.
//
// Поток начинается с события текущего статуса, затем отдаёт записанные
// шаги с индексом >= from, событие паузы (если run на паузе) и живые
// события. Канал закрывается после
// события финального статуса или при отмене ctx.
func (s *Service) Events(ctx context.Context, id uuid.UUID, from int) (<-chan domain.Event, error) {
	if from < 0 {
		return nil, fmt.Errorf("%w: from must be >= 0", domain.ErrValidation)
	}
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, mapStoreError(err, id)
	}

	out := make(chan domain.Event, streamBuffer)
	st := &stream{
		svc:  s,
		id:   id,
		next: from,
		out:  out,
	}
	go st.run(ctx)
	return out, nil
}

// stream — состояние одного потока событий.
type stream struct {
	svc *Service
	id  uuid.UUID
	out chan domain.Event

	// next — индекс следующего шага, который ещё не отдан.
	next int
	// status — последний отданный статус.
	status domain.RunStatus
	// paused — последнее отданное состояние паузы.
	paused bool
}

func (st *stream) run(ctx context.Context) {
	defer close(st.out)
	logger := st.svc.logger.With("run_id", st.id)

	for {
		// 1. Подписка до чтения хранилища
		sub := st.svc.hub.Subscribe(st.id)

		// 2. Догоняем по хранилищу
		run, err := st.svc.store.Get(ctx, st.id)
		if err != nil {
			st.svc.hub.Unsubscribe(sub)
			if ctx.Err() == nil {
				logger.Warn("event stream: load run failed", "error", err)
			}
			return
		}
		if !st.replay(ctx, run) {
			st.svc.hub.Unsubscribe(sub)
			return
		}

		// 3. Живые события
		done := st.follow(ctx, sub)
		lagged := sub.Lagged()
		st.svc.hub.Unsubscribe(sub)
		if done {
			return
		}
		logger.Debug("event stream resync", "lagged", lagged, "next", st.next)
	}
}

// replay отдаёт состояние из хранилища. false — поток завершён.
func (st *stream) replay(ctx context.Context, run *domain.Run) bool {
	if !run.Status.IsTerminal() && run.Status != st.status {
		if !st.send(ctx, domain.NewStatusEvent(run)) {
			return false
		}
		st.status = run.Status
	}

	for i := range run.Steps {
		step := &run.Steps[i]
		if step.Index < st.next {
			continue
		}
		if !st.send(ctx, domain.NewStepEvent(run, step)) {
			return false
		}
		st.next = step.Index + 1
	}

	if run.Status.IsTerminal() {
		st.send(ctx, domain.NewStatusEvent(run))
		return false
	}

	if run.Paused != st.paused {
		if !st.send(ctx, domain.NewPauseEvent(run)) {
			return false
		}
		st.paused = run.Paused
	}
	return true
}

// follow пересылает события Hub. true — поток завершён, false — нужно
// перечитать хранилище.
func (st *stream) follow(ctx context.Context, sub *events.Subscription) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case ev, ok := <-sub.C():
			if !ok {
				return !sub.Lagged()
			}

			switch ev.Type {
			case domain.EventStepCompleted:
				if ev.Step == nil || ev.Step.Index < st.next {
					continue
				}
				if ev.Step.Index > st.next {
					// Пропуск в индексах: шаги есть только в хранилище.
					return false
				}
				if !st.send(ctx, ev) {
					return true
				}
				st.next++

			case domain.EventRunStatus:
				if ev.Status == st.status {
					continue
				}
				if !st.send(ctx, ev) {
					return true
				}
				st.status = ev.Status
				if ev.Terminal {
					return true
				}

			case domain.EventRunPaused, domain.EventRunResumed:
				paused := ev.Type == domain.EventRunPaused
				if paused == st.paused {
					continue
				}
				if !st.send(ctx, ev) {
					return true
				}
				st.paused = paused
			}
		}
	}
}

func (st *stream) send(ctx context.Context, ev domain.Event) bool {
	select {
	case st.out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
