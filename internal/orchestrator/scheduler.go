package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/agentrun/internal/domain"
	"github.com/shaiso/agentrun/internal/events"
	"github.com/shaiso/agentrun/internal/executor"
	"github.com/shaiso/agentrun/internal/repo"
	"github.com/shaiso/agentrun/internal/retry"
	"github.com/shaiso/agentrun/internal/telemetry"
)

// Default configuration values.
const (
	defaultMaxGlobal     = 16
	defaultMaxPerProject = 2
	defaultStepTimeout   = 5 * time.Minute
)

// Результаты admission для метрик.
const (
	admissionDispatched = "dispatched"
	admissionQueued     = "queued"
	admissionRejected   = "rejected"
	admissionInvalid    = "invalid"
)

// Limits — лимиты параллельности.
type Limits struct {
	// MaxGlobal — максимум одновременно выполняющихся run (default: 16).
	MaxGlobal int `yaml:"max_global"`

	// MaxPerProject — максимум одновременно выполняющихся run одного проекта (default: 2).
	MaxPerProject int `yaml:"max_per_project"`

	// QueueDepth — сколько PENDING run может ждать слота (default: 0 — без очереди).
	QueueDepth int `yaml:"queue_depth"`
}

// SubmitRequest — запрос на запуск задачи агента.
type SubmitRequest struct {
	ProjectRef string
	FeatureRef string
	Task       domain.TaskSpec
}

// Scheduler принимает run, ограничивает параллельность и запускает
// RunMachine для каждого допущенного run.
//
// Счётчики (глобальный и по проектам) меняются только под mu. Слот
// освобождается, когда машина завершается; освобождение сразу
// запускает ожидающие run из очереди.
type Scheduler struct {
	deps   machineDeps
	limits Limits
	logger *slog.Logger

	mu         sync.Mutex
	global     int
	perProject map[string]int
	active     map[uuid.UUID]*RunMachine
	backlog    []*domain.Run
	// reserved — места в очереди, занятые Submit до записи run в хранилище.
	reserved int

	// Lifecycle
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	stopped bool
}

// Config — конфигурация Scheduler.
type Config struct {
	Store    repo.RunStore
	Registry *executor.Registry
	Policy   retry.Policy
	Sink     events.Sink
	Metrics  *telemetry.Metrics

	Limits Limits

	// StepTimeout — таймаут одной попытки шага по умолчанию (default: 5m).
	StepTimeout time.Duration

	Logger *slog.Logger
}

// New создаёт новый Scheduler.
func New(cfg Config) *Scheduler {
	limits := cfg.Limits
	if limits.MaxGlobal <= 0 {
		limits.MaxGlobal = defaultMaxGlobal
	}
	if limits.MaxPerProject <= 0 {
		limits.MaxPerProject = defaultMaxPerProject
	}
	if limits.QueueDepth < 0 {
		limits.QueueDepth = 0
	}

	stepTimeout := cfg.StepTimeout
	if stepTimeout <= 0 {
		stepTimeout = defaultStepTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	registry := cfg.Registry
	if registry == nil {
		registry = executor.DefaultRegistry()
	}

	var policy retry.Policy = retry.New(retry.Config{})
	if cfg.Policy != nil {
		policy = cfg.Policy
	}

	var sink events.Sink = events.Discard{}
	if cfg.Sink != nil {
		sink = cfg.Sink
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		deps: machineDeps{
			store:       cfg.Store,
			registry:    registry,
			policy:      policy,
			sink:        sink,
			metrics:     cfg.Metrics,
			stepTimeout: stepTimeout,
			logger:      logger,
		},
		limits:     limits,
		logger:     logger,
		perProject: make(map[string]int),
		active:     make(map[uuid.UUID]*RunMachine),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Limits возвращает итоговые лимиты.
func (s *Scheduler) Limits() Limits {
	return s.limits
}

// Start восстанавливает незавершённые run из хранилища.
//
// RUNNING run продолжаются после последнего записанного шага, PENDING
// запускаются заново. Восстановленные run встают в очередь без учёта
// QueueDepth.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrSchedulerStopped
	}
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	runs, err := s.deps.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active runs: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrSchedulerStopped
	}

	recovered := 0
	for i := range runs {
		run := &runs[i]
		if _, ok := s.active[run.ID]; ok || s.inBacklogLocked(run.ID) >= 0 {
			continue
		}
		if s.hasSlotLocked(run.ProjectRef) {
			s.dispatchLocked(run)
		} else {
			s.backlog = append(s.backlog, run)
		}
		recovered++
	}
	s.updateGaugesLocked()

	s.logger.Info("scheduler started",
		"max_global", s.limits.MaxGlobal,
		"max_per_project", s.limits.MaxPerProject,
		"queue_depth", s.limits.QueueDepth,
		"recovered_runs", recovered,
	)
	return nil
}

// Stop останавливает все машины и ждёт их завершения. Прерванные run
// остаются в хранилище активными.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.logger.Info("stopping scheduler...")
	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	backlog := len(s.backlog)
	s.mu.Unlock()
	s.logger.Info("scheduler stopped", "queued_runs", backlog)
}

// Submit валидирует запрос, применяет лимиты и создаёт run.
//
// Возвращает domain.ErrValidation для некорректного запроса и
// domain.ErrCapacity, если нет ни слота, ни места в очереди. Submit
// никогда не ждёт освобождения слота.
func (s *Scheduler) Submit(ctx context.Context, req SubmitRequest) (*domain.Run, error) {
	// 1. Валидация
	if err := s.validate(req); err != nil {
		s.deps.metrics.RunSubmitted(admissionInvalid)
		return nil, err
	}

	run := domain.NewRun(strings.TrimSpace(req.ProjectRef), req.FeatureRef, req.Task)

	// 2. Admission: слот или место в очереди
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, ErrSchedulerStopped
	}
	dispatch := s.hasSlotLocked(run.ProjectRef)
	switch {
	case dispatch:
		s.acquireLocked(run.ProjectRef)
	case len(s.backlog)+s.reserved < s.limits.QueueDepth:
		s.reserved++
	default:
		global, project := s.global, s.perProject[run.ProjectRef]
		s.mu.Unlock()
		s.deps.metrics.RunSubmitted(admissionRejected)
		return nil, fmt.Errorf("%w: project %s has %d/%d running, %d/%d total",
			domain.ErrCapacity, run.ProjectRef, project, s.limits.MaxPerProject, global, s.limits.MaxGlobal)
	}
	s.mu.Unlock()

	// 3. Запись PENDING run
	if err := s.deps.store.Create(ctx, run); err != nil {
		s.mu.Lock()
		if dispatch {
			s.releaseLocked(run.ProjectRef)
		} else {
			s.reserved--
		}
		s.drainLocked()
		s.mu.Unlock()
		return nil, fmt.Errorf("create run: %w", err)
	}
	s.publish(ctx, domain.NewStatusEvent(run))

	// 4. Запуск или очередь
	s.mu.Lock()
	if s.stopped {
		// Run остаётся PENDING и будет восстановлен при следующем Start.
		if dispatch {
			s.releaseLocked(run.ProjectRef)
		} else {
			s.reserved--
		}
		s.mu.Unlock()
		return run, nil
	}
	if dispatch {
		s.startLocked(run.Clone())
		s.deps.metrics.RunSubmitted(admissionDispatched)
	} else {
		s.reserved--
		s.backlog = append(s.backlog, run.Clone())
		s.drainLocked()
		s.deps.metrics.RunSubmitted(admissionQueued)
	}
	s.updateGaugesLocked()
	s.mu.Unlock()

	s.logger.Info("run submitted",
		"run_id", run.ID,
		"project", run.ProjectRef,
		"steps", len(run.Task.Steps),
		"dispatched", dispatch,
	)
	return run, nil
}

// Cancel запрашивает отмену run.
//
// Run из очереди отменяется сразу, без выполнения шагов. Выполняющийся
// run остановится на ближайшей границе шагов. Возвращает false, только
// если run уже завершился (или завершается) как SUCCEEDED или FAILED.
// Повторный вызов безопасен.
func (s *Scheduler) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	if m, ok := s.active[id]; ok {
		s.mu.Unlock()
		if !m.RequestCancel() {
			return false, nil
		}
		if err := s.deps.store.MarkCancelRequested(ctx, id); err != nil {
			s.logger.Warn("persist cancel flag failed", "run_id", id, "error", err)
		}
		s.logger.Info("cancel requested", "run_id", id)
		return true, nil
	}

	if i := s.inBacklogLocked(id); i >= 0 {
		run := s.backlog[i]
		s.backlog = append(s.backlog[:i], s.backlog[i+1:]...)
		s.updateGaugesLocked()
		s.mu.Unlock()
		if err := s.cancelQueued(ctx, run); err != nil {
			return false, err
		}
		return true, nil
	}
	s.mu.Unlock()

	run, err := s.deps.store.Get(ctx, id)
	if err != nil {
		return false, mapStoreError(err, id)
	}
	if run.Status.IsTerminal() {
		return run.Status == domain.RunStatusCancelled, nil
	}

	// Активен в хранилище, но не в этом процессе: флаг подхватит
	// восстановление.
	if err := s.deps.store.MarkCancelRequested(ctx, id); err != nil {
		return false, mapStoreError(err, id)
	}
	return true, nil
}

// cancelQueued переводит run из очереди PENDING → CANCELLED.
func (s *Scheduler) cancelQueued(ctx context.Context, run *domain.Run) error {
	if err := s.deps.store.MarkCancelRequested(ctx, run.ID); err != nil {
		return mapStoreError(err, run.ID)
	}
	if err := s.deps.store.SetStatus(ctx, run.ID, domain.RunStatusCancelled); err != nil {
		return mapStoreError(err, run.ID)
	}

	run.CancelRequested = true
	run.Status = domain.RunStatusCancelled
	run.UpdatedAt = time.Now().UTC()
	s.publish(ctx, domain.NewStatusEvent(run))
	s.deps.metrics.RunFinished(string(domain.RunStatusCancelled))

	s.logger.Info("queued run cancelled", "run_id", run.ID, "project", run.ProjectRef)
	return nil
}

// Pause запрашивает паузу run.
//
// Выполняющийся run остановится на ближайшей границе шагов и сохранит
// свой слот. Run из очереди после запуска сразу встанет на паузу.
// Возвращает false, если run завершён, завершается или отменяется.
func (s *Scheduler) Pause(ctx context.Context, id uuid.UUID) (bool, error) {
	return s.setPause(ctx, id, true)
}

// Resume снимает паузу run. Для run без паузы ничего не меняет и
// возвращает true. Возвращает false, если run завершён или завершается.
func (s *Scheduler) Resume(ctx context.Context, id uuid.UUID) (bool, error) {
	return s.setPause(ctx, id, false)
}

func (s *Scheduler) setPause(ctx context.Context, id uuid.UUID, paused bool) (bool, error) {
	s.mu.Lock()
	if m, ok := s.active[id]; ok {
		s.mu.Unlock()
		var accepted bool
		if paused {
			accepted = m.RequestPause()
		} else {
			accepted = m.RequestResume()
		}
		if accepted {
			s.logger.Info("pause state requested", "run_id", id, "paused", paused)
		}
		return accepted, nil
	}

	// Run из очереди: флаг меняется под s.mu, чтобы не разойтись с запуском.
	if i := s.inBacklogLocked(id); i >= 0 {
		run := s.backlog[i]
		if paused && run.CancelRequested {
			s.mu.Unlock()
			return false, nil
		}
		if err := s.deps.store.SetPaused(ctx, id, paused); err != nil {
			s.mu.Unlock()
			return false, mapStoreError(err, id)
		}
		run.Paused = paused
		ev := domain.NewPauseEvent(run)
		s.mu.Unlock()

		s.publish(ctx, ev)
		return true, nil
	}
	s.mu.Unlock()

	run, err := s.deps.store.Get(ctx, id)
	if err != nil {
		return false, mapStoreError(err, id)
	}
	if run.Status.IsTerminal() || (paused && run.CancelRequested) {
		return false, nil
	}

	// Активен в хранилище, но не в этом процессе: флаг подхватит
	// восстановление.
	if err := s.deps.store.SetPaused(ctx, id, paused); err != nil {
		if errors.Is(err, repo.ErrInvalidState) {
			return false, nil
		}
		return false, mapStoreError(err, id)
	}
	return true, nil
}

// Status возвращает состояние run и выполняющийся шаг, если он есть.
func (s *Scheduler) Status(ctx context.Context, id uuid.UUID) (*domain.RunSnapshot, error) {
	run, err := s.deps.store.Get(ctx, id)
	if err != nil {
		return nil, mapStoreError(err, id)
	}

	snap := &domain.RunSnapshot{Run: *run}

	s.mu.Lock()
	m, ok := s.active[id]
	s.mu.Unlock()
	if ok && !run.Status.IsTerminal() {
		snap.InFlight = m.InFlight()
		snap.PauseRequested = m.PauseRequested()
	}
	return snap, nil
}

// InFlight возвращает занятые слоты: всего и по проектам.
func (s *Scheduler) InFlight() (int, map[string]int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	perProject := make(map[string]int, len(s.perProject))
	for p, n := range s.perProject {
		perProject[p] = n
	}
	return s.global, perProject
}

// Queued возвращает число run в очереди.
func (s *Scheduler) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.backlog)
}

// Registry возвращает реестр executor'ов.
func (s *Scheduler) Registry() *executor.Registry {
	return s.deps.registry
}

// --- internals ---

func (s *Scheduler) validate(req SubmitRequest) error {
	if strings.TrimSpace(req.ProjectRef) == "" {
		return fmt.Errorf("%w: project_ref is required", domain.ErrValidation)
	}
	if err := req.Task.Validate(); err != nil {
		return err
	}
	for i, step := range req.Task.Steps {
		if !s.deps.registry.Has(step.Kind) {
			return fmt.Errorf("%w: step %d: %w: %s", domain.ErrValidation, i, domain.ErrUnsupportedStepKind, step.Kind)
		}
	}
	return nil
}

func (s *Scheduler) hasSlotLocked(project string) bool {
	return s.global < s.limits.MaxGlobal && s.perProject[project] < s.limits.MaxPerProject
}

func (s *Scheduler) acquireLocked(project string) {
	s.global++
	s.perProject[project]++
}

func (s *Scheduler) releaseLocked(project string) {
	s.global--
	if s.perProject[project]--; s.perProject[project] <= 0 {
		delete(s.perProject, project)
	}
}

// dispatchLocked занимает слот и запускает машину.
func (s *Scheduler) dispatchLocked(run *domain.Run) {
	s.acquireLocked(run.ProjectRef)
	s.startLocked(run)
}

// startLocked запускает машину для run, слот уже занят.
func (s *Scheduler) startLocked(run *domain.Run) {
	m := newRunMachine(run, s.deps)
	s.active[run.ID] = m

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		status, err := m.Run(s.ctx)
		s.onMachineDone(run, status, err)
	}()
}

// onMachineDone освобождает слот и запускает ожидающие run.
func (s *Scheduler) onMachineDone(run *domain.Run, status domain.RunStatus, err error) {
	switch {
	case err == nil:
	case isShutdown(err):
		s.logger.Info("run suspended", "run_id", run.ID, "status", status)
	default:
		s.logger.Error("run machine failed", "run_id", run.ID, "status", status, "error", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.active, run.ID)
	s.releaseLocked(run.ProjectRef)
	s.drainLocked()
	s.updateGaugesLocked()
}

// drainLocked запускает run из очереди, для которых есть слот.
// Порядок FIFO сохраняется среди run, которые можно запустить.
func (s *Scheduler) drainLocked() {
	if s.stopped {
		return
	}
	kept := s.backlog[:0]
	for _, run := range s.backlog {
		if s.hasSlotLocked(run.ProjectRef) {
			s.dispatchLocked(run)
			continue
		}
		kept = append(kept, run)
	}
	for i := len(kept); i < len(s.backlog); i++ {
		s.backlog[i] = nil
	}
	s.backlog = kept
}

func (s *Scheduler) inBacklogLocked(id uuid.UUID) int {
	for i, run := range s.backlog {
		if run.ID == id {
			return i
		}
	}
	return -1
}

func (s *Scheduler) updateGaugesLocked() {
	s.deps.metrics.SetInFlight(s.global, len(s.backlog))
}

func (s *Scheduler) publish(ctx context.Context, ev domain.Event) {
	if err := s.deps.sink.PublishEvent(ctx, ev); err != nil {
		s.logger.Warn("publish event failed", "run_id", ev.RunID, "error", err)
	}
}

// mapStoreError переводит ошибки хранилища в таксономию domain.
func mapStoreError(err error, id uuid.UUID) error {
	if errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	return err
}
