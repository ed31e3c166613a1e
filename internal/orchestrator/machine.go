package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shaiso/agentrun/internal/domain"
	"github.com/shaiso/agentrun/internal/events"
	"github.com/shaiso/agentrun/internal/executor"
	"github.com/shaiso/agentrun/internal/repo"
	"github.com/shaiso/agentrun/internal/retry"
	"github.com/shaiso/agentrun/internal/telemetry"
)

// RunMachine — конечный автомат одного run.
//
// Единственный писатель своего run: выполняет шаги строго
// последовательно, записывает каждый шаг и каждый переход в хранилище
// до начала следующего шага. Отмена проверяется только на границах
// шагов, выполняющийся шаг всегда доводится до конца. Пауза тоже
// срабатывает только на границе: машина держит слот и ждёт Resume.
type RunMachine struct {
	run         *domain.Run
	store       repo.RunStore
	registry    *executor.Registry
	policy      retry.Policy
	sink        events.Sink
	metrics     *telemetry.Metrics
	stepTimeout time.Duration
	logger      *slog.Logger

	mu sync.Mutex
	// cancelRequested — флаг отмены, выставленный Scheduler'ом.
	cancelRequested bool
	// pauseRequested — запрошена пауза на ближайшей границе шагов.
	pauseRequested bool
	// finishing — машина приняла решение о финальном статусе без отмены.
	finishing bool
	inFlight  *domain.InFlightStep
	// wake будит машину, ждущую на паузе.
	wake chan struct{}
}

// machineDeps — общие зависимости машин одного Scheduler'а.
type machineDeps struct {
	store       repo.RunStore
	registry    *executor.Registry
	policy      retry.Policy
	sink        events.Sink
	metrics     *telemetry.Metrics
	stepTimeout time.Duration
	logger      *slog.Logger
}

func newRunMachine(run *domain.Run, deps machineDeps) *RunMachine {
	logger := telemetry.WithProject(telemetry.WithRunID(deps.logger, run.ID.String()), run.ProjectRef)
	return &RunMachine{
		run:             run,
		store:           deps.store,
		registry:        deps.registry,
		policy:          deps.policy,
		sink:            deps.sink,
		metrics:         deps.metrics,
		stepTimeout:     deps.stepTimeout,
		logger:          logger,
		cancelRequested: run.CancelRequested,
		pauseRequested:  run.Paused,
		wake:            make(chan struct{}, 1),
	}
}

// RequestCancel выставляет флаг отмены. Возвращает false, если машина
// уже завершает run без отмены.
func (m *RunMachine) RequestCancel() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.finishing {
		return false
	}
	m.cancelRequested = true
	m.signal()
	return true
}

// RequestPause запрашивает паузу на ближайшей границе шагов. Возвращает
// false, если run уже завершается или отменён.
func (m *RunMachine) RequestPause() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.finishing || m.cancelRequested {
		return false
	}
	m.pauseRequested = true
	return true
}

// RequestResume снимает паузу. Возвращает false, если run уже
// завершается.
func (m *RunMachine) RequestResume() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.finishing {
		return false
	}
	m.pauseRequested = false
	m.signal()
	return true
}

// PauseRequested сообщает, запрошена ли пауза.
func (m *RunMachine) PauseRequested() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pauseRequested
}

// signal будит машину без блокировки. Вызывается под m.mu.
func (m *RunMachine) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// InFlight возвращает выполняющийся шаг или nil.
func (m *RunMachine) InFlight() *domain.InFlightStep {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.inFlight == nil {
		return nil
	}
	cp := *m.inFlight
	return &cp
}

// Run доводит run до финального статуса.
//
// Если ctx отменён (остановка процесса), Run возвращает текущий статус
// и ctx.Err(): run остаётся RUNNING и будет продолжен при восстановлении.
func (m *RunMachine) Run(ctx context.Context) (domain.RunStatus, error) {
	if err := ctx.Err(); err != nil {
		return m.run.Status, err
	}

	// 1. PENDING → RUNNING или сразу CANCELLED
	if m.run.Status == domain.RunStatusPending {
		if m.boundary(false) {
			return m.finish(ctx, domain.RunStatusCancelled)
		}
		if err := m.transition(ctx, domain.RunStatusRunning); err != nil {
			return m.run.Status, err
		}
		m.logger.Info("run started")
	}
	if m.run.Status.IsTerminal() {
		return m.run.Status, nil
	}

	// 2. Восстанавливаем очередь шагов по истории
	queue := rebuildQueue(m.run)
	if last := m.run.LastStep(); last != nil && !last.Succeeded() {
		m.markFinishing()
		return m.finish(ctx, domain.RunStatusFailed)
	}

	// 3. Основной цикл
	for {
		if err := ctx.Err(); err != nil {
			return m.run.Status, err
		}

		if err := m.waitIfPaused(ctx); err != nil {
			return m.run.Status, err
		}
		if m.boundary(len(queue) == 0) {
			return m.finish(ctx, domain.RunStatusCancelled)
		}
		if len(queue) == 0 {
			return m.finish(ctx, domain.RunStatusSucceeded)
		}

		desc := queue[0]
		queue = queue[1:]

		step, ok := m.executeStep(ctx, m.run.NextIndex(), desc)
		if !ok {
			m.logger.Info("run interrupted mid-step", "index", m.run.NextIndex())
			return m.run.Status, ctx.Err()
		}

		// Неуспешный шаг финален: отмена после этой точки уже не принимается.
		if !step.Succeeded() {
			m.markFinishing()
		}

		// Write-ahead: шаг записан до начала следующего.
		if err := m.store.AppendStep(ctx, m.run.ID, step); err != nil {
			return m.run.Status, fmt.Errorf("append step %d: %w", step.Index, err)
		}
		m.run.Steps = append(m.run.Steps, step)
		m.publish(ctx, domain.NewStepEvent(m.run, &step))
		m.metrics.StepCompleted(step.Kind, step.Succeeded(), step.Attempts, step.Duration())

		if !step.Succeeded() {
			m.logger.Warn("step failed",
				"index", step.Index,
				"kind", step.Kind,
				"error_kind", step.Outcome.ErrorKind,
				"attempts", step.Attempts,
				"error", step.Outcome.Message,
			)
			return m.finish(ctx, domain.RunStatusFailed)
		}

		m.logger.Debug("step succeeded", "index", step.Index, "kind", step.Kind, "attempts", step.Attempts)

		if next := step.Outcome.Next; next != nil {
			queue = append([]domain.StepDescriptor{*next}, queue...)
		}
	}
}

// boundary проверяет флаг отмены на границе шагов. last = true — шагов
// больше нет: без отмены машина фиксирует решение завершиться успешно.
func (m *RunMachine) boundary(last bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancelRequested {
		return true
	}
	if last {
		m.finishing = true
	}
	return false
}

// waitIfPaused держит машину на границе шагов, пока запрошена пауза и
// нет отмены. Пауза записывается в хранилище один раз при входе и
// снимается при выходе. При остановке процесса run остаётся на паузе.
func (m *RunMachine) waitIfPaused(ctx context.Context) error {
	for {
		m.mu.Lock()
		hold := m.pauseRequested && !m.cancelRequested
		m.mu.Unlock()
		if !hold {
			break
		}

		if !m.run.Paused {
			if err := m.setPaused(ctx, true); err != nil {
				return err
			}
			m.logger.Info("run paused", "next_index", m.run.NextIndex())
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.wake:
		}
	}

	if m.run.Paused {
		if err := m.setPaused(ctx, false); err != nil {
			return err
		}
		m.logger.Info("run resumed", "next_index", m.run.NextIndex())
	}
	return nil
}

// setPaused сохраняет флаг паузы и публикует событие.
func (m *RunMachine) setPaused(ctx context.Context, paused bool) error {
	if err := m.store.SetPaused(ctx, m.run.ID, paused); err != nil {
		return fmt.Errorf("set paused %t: %w", paused, err)
	}
	m.run.Paused = paused
	m.publish(ctx, domain.NewPauseEvent(m.run))
	return nil
}

func (m *RunMachine) markFinishing() {
	m.mu.Lock()
	m.finishing = true
	m.mu.Unlock()
}

// executeStep выполняет шаг с retry. ok = false — ctx отменён во время
// шага, шаг не записывается.
func (m *RunMachine) executeStep(ctx context.Context, index int, desc domain.StepDescriptor) (domain.Step, bool) {
	step := domain.Step{
		Index:     index,
		Kind:      desc.Kind,
		Input:     desc.Input,
		StartedAt: time.Now().UTC(),
	}
	defer m.setInFlight(nil)

	timeout := m.stepTimeout
	if desc.TimeoutSec > 0 {
		timeout = time.Duration(desc.TimeoutSec) * time.Second
	}

	for {
		step.Attempts++
		m.setInFlight(&domain.InFlightStep{
			Index:     index,
			Kind:      desc.Kind,
			Attempt:   step.Attempts,
			StartedAt: step.StartedAt,
		})

		attemptCtx, cancel := context.WithTimeout(telemetry.WithLogger(ctx, m.logger), timeout)
		out := m.registry.Execute(attemptCtx, &executor.Request{
			RunID:      m.run.ID,
			ProjectRef: m.run.ProjectRef,
			FeatureRef: m.run.FeatureRef,
			Index:      index,
			Kind:       desc.Kind,
			Input:      desc.Input,
			Attempt:    step.Attempts,
		})
		cancel()

		if ctx.Err() != nil {
			return domain.Step{}, false
		}
		step.Outcome = out
		step.EndedAt = time.Now().UTC()

		if out.Succeeded() {
			return step, true
		}

		decision := m.policy.ShouldRetry(desc, step.Attempts, out.ErrorKind)
		if !decision.Retry {
			return step, true
		}

		m.logger.Debug("retrying step",
			"index", index,
			"kind", desc.Kind,
			"attempt", step.Attempts,
			"delay", decision.Delay,
			"error", out.Message,
		)

		if err := sleepCtx(ctx, decision.Delay); err != nil {
			return domain.Step{}, false
		}
	}
}

func (m *RunMachine) setInFlight(s *domain.InFlightStep) {
	m.mu.Lock()
	m.inFlight = s
	m.mu.Unlock()
}

// transition сохраняет новый статус и публикует событие.
func (m *RunMachine) transition(ctx context.Context, status domain.RunStatus) error {
	if err := m.store.SetStatus(ctx, m.run.ID, status); err != nil {
		return fmt.Errorf("set status %s: %w", status, err)
	}
	m.run.Status = status
	m.run.UpdatedAt = time.Now().UTC()
	m.publish(ctx, domain.NewStatusEvent(m.run))
	return nil
}

// finish выполняет финальный переход. Для отмены флаг записывается до
// статуса: CANCELLED в хранилище всегда сопровождается cancel_requested.
func (m *RunMachine) finish(ctx context.Context, status domain.RunStatus) (domain.RunStatus, error) {
	if status == domain.RunStatusCancelled && !m.run.CancelRequested {
		if err := m.store.MarkCancelRequested(ctx, m.run.ID); err != nil {
			return m.run.Status, fmt.Errorf("mark cancel requested: %w", err)
		}
		m.run.CancelRequested = true
	}
	if err := m.transition(ctx, status); err != nil {
		return m.run.Status, err
	}
	m.metrics.RunFinished(string(status))
	m.logger.Info("run finished",
		"status", status,
		"steps", len(m.run.Steps),
		"duration", m.run.Duration(),
	)
	return status, nil
}

func (m *RunMachine) publish(ctx context.Context, ev domain.Event) {
	if err := m.sink.PublishEvent(ctx, ev); err != nil {
		m.logger.Warn("publish event failed", "type", ev.Type, "error", err)
	}
}

// rebuildQueue восстанавливает очередь оставшихся шагов по истории:
// каждый записанный шаг снимает голову очереди, его Next встаёт в начало.
func rebuildQueue(run *domain.Run) []domain.StepDescriptor {
	queue := append([]domain.StepDescriptor(nil), run.Task.Steps...)
	for _, s := range run.Steps {
		if len(queue) > 0 {
			queue = queue[1:]
		}
		if s.Succeeded() && s.Outcome.Next != nil {
			queue = append([]domain.StepDescriptor{*s.Outcome.Next}, queue...)
		}
	}
	return queue
}

// sleepCtx ждёт d или отмены ctx.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// isShutdown — ошибка машины вызвана остановкой процесса.
func isShutdown(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
