package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shaiso/Berth/internal/domain"
	"github.com/shaiso/Berth/internal/repo"
	"github.com/shaiso/Berth/internal/telemetry"
	"github.com/shaiso/Berth/internal/worker"
)

// Default configuration values.
const (
	defaultPollInterval   = 30 * time.Second
	defaultPersistTimeout = 10 * time.Second
)

// Store — durable хранилище runs и журнала попыток.
//
// Реализации: repo.PostgresStore, repo.SQLiteStore.
type Store interface {
	worker.Journal

	CreateRun(ctx context.Context, run *domain.BatchRun) (*domain.BatchRun, bool, error)
	GetRun(ctx context.Context, id string) (*domain.BatchRun, error)
	UpdateRun(ctx context.Context, run *domain.BatchRun) error
	ListUnfinished(ctx context.Context) ([]*domain.BatchRun, error)
	ListAttempts(ctx context.Context, runID string) ([]domain.ActivityAttempt, error)
}

// Notifier получает события о завершении после их durable записи.
// Ошибки Notifier логируются и не влияют на run.
type Notifier interface {
	ActivityFinished(ctx context.Context, runID string, outcome *domain.ActivityOutcome) error
	RunFinished(ctx context.Context, run *domain.BatchRun) error
}

// Orchestrator — durable движок пакетных runs.
//
// Orchestrator:
//   - Создаёт run идемпотентно по ключу runID
//   - Запускает по одной activity на уникальный контейнер, все конкурентно
//   - Сохраняет прогресс через журнал Runner
//   - Возобновляет незавершённые runs после рестарта (Open и polling)
//   - Финализирует run (COMPLETED/FAILED) и уведомляет ожидающих
type Orchestrator struct {
	store    Store
	runner   *worker.Runner
	notifier Notifier

	// Active runs — runs в процессе выполнения (runID → state)
	activeRuns map[string]*RunState
	mu         sync.RWMutex

	// Configuration
	pollInterval   time.Duration
	persistTimeout time.Duration
	maxParallel    int

	// Lifecycle
	logger  *slog.Logger
	metrics *telemetry.Metrics
	baseCtx context.Context
	stop    context.CancelCauseFunc
	wg      sync.WaitGroup
	opened  bool
	stopped bool
	stateMu sync.RWMutex
}

// Config — конфигурация Orchestrator.
type Config struct {
	// Store — durable хранилище (обязательно).
	Store Store

	// Runner — исполнитель activities (обязательно).
	Runner *worker.Runner

	// Notifier — получатель событий о завершении (опционально).
	Notifier Notifier

	// PollInterval — интервал проверки незавершённых runs,
	// которые не выполняются в процессе (default: 30s, < 0 — выключено).
	PollInterval time.Duration

	// PersistTimeout — таймаут записи итогового статуса (default: 10s).
	PersistTimeout time.Duration

	// MaxParallel — ограничение одновременных activities в одном run (0 — без ограничения).
	MaxParallel int

	// Observability
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

// New создаёт новый Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidConfig)
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("%w: runner is required", ErrInvalidConfig)
	}

	pollInterval := cfg.PollInterval
	if pollInterval == 0 {
		pollInterval = defaultPollInterval
	}

	persistTimeout := cfg.PersistTimeout
	if persistTimeout <= 0 {
		persistTimeout = defaultPersistTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	baseCtx, stop := context.WithCancelCause(context.Background())

	return &Orchestrator{
		store:          cfg.Store,
		runner:         cfg.Runner,
		notifier:       cfg.Notifier,
		activeRuns:     make(map[string]*RunState),
		pollInterval:   pollInterval,
		persistTimeout: persistTimeout,
		maxParallel:    cfg.MaxParallel,
		logger:         logger,
		metrics:        cfg.Metrics,
		baseCtx:        baseCtx,
		stop:           stop,
	}, nil
}

// Open возобновляет незавершённые runs из хранилища и запускает polling.
//
// Activities с outcome не перезапускаются; остальные продолжают
// с места остановки по журналу попыток.
func (o *Orchestrator) Open(ctx context.Context) error {
	o.stateMu.Lock()
	if o.stopped {
		o.stateMu.Unlock()
		return ErrOrchestratorStopped
	}
	if o.opened {
		o.stateMu.Unlock()
		return nil
	}
	o.opened = true
	o.stateMu.Unlock()

	o.logger.Info("opening orchestrator",
		"poll_interval", o.pollInterval,
		"max_parallel", o.maxParallel,
	)

	resumed, err := o.resumeUnfinished(ctx)
	if err != nil {
		return fmt.Errorf("resume unfinished runs: %w", err)
	}

	if o.pollInterval > 0 {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.pollLoop(o.baseCtx)
		}()
	}

	o.logger.Info("orchestrator opened", "resumed_runs", resumed)
	return nil
}

// Stop останавливает Orchestrator.
//
// Активные runs прерываются, но остаются RUNNING в хранилище
// и будут возобновлены следующим Open. Ожидающие получают ErrOrchestratorStopped.
func (o *Orchestrator) Stop() {
	o.stateMu.Lock()
	if o.stopped {
		o.stateMu.Unlock()
		return
	}
	o.stopped = true
	o.stateMu.Unlock()

	o.logger.Info("stopping orchestrator...", "active_runs", o.ActiveRunsCount())

	o.stop(ErrOrchestratorStopped)

	// Ждём завершения горутин
	o.wg.Wait()

	o.logger.Info("orchestrator stopped")
}

// IsStopped проверяет, остановлен ли Orchestrator.
func (o *Orchestrator) IsStopped() bool {
	o.stateMu.RLock()
	defer o.stateMu.RUnlock()
	return o.stopped
}

// Start создаёт run и запускает его activities.
//
// Идемпотентен: повторный Start с тем же runID возвращает существующий run
// (containerIDs повторного вызова игнорируются) и не дублирует попытки.
func (o *Orchestrator) Start(ctx context.Context, runID string, containerIDs []string) (*domain.BatchRun, error) {
	if runID == "" {
		return nil, ErrEmptyRunID
	}
	if o.IsStopped() {
		return nil, ErrOrchestratorStopped
	}

	// 1. Уже выполняется в этом процессе
	if state := o.getActiveRun(runID); state != nil {
		return state.Snapshot(), nil
	}

	// 2. Сохраняем PENDING (или получаем существующий)
	run, created, err := o.store.CreateRun(ctx, domain.NewBatchRun(runID, containerIDs))
	if err != nil {
		return nil, domain.NewFault(runID, fmt.Errorf("create run: %w", err))
	}

	if created {
		o.logger.Info("run created",
			"run_id", runID,
			"containers", len(run.ContainerIDs),
			"distinct", len(run.DistinctContainers()),
		)
	} else {
		o.logger.Debug("run already exists", "run_id", runID, "status", run.Status)
	}

	if run.IsFinished() {
		return run, nil
	}

	// 3. Запускаем (или присоединяемся к уже запущенному)
	state, err := o.launch(ctx, runID)
	if err != nil {
		return nil, err
	}
	return state.Snapshot(), nil
}

// Await ждёт завершения run.
//
// Возвращает итоговый run и nil для COMPLETED. Для FAILED — run и причину:
// domain.OrchestratorFault или ошибку отмены (errors.Is(err, domain.ErrRunCancelled)).
// Если ctx завершился раньше — ctx.Err().
func (o *Orchestrator) Await(ctx context.Context, runID string) (*domain.BatchRun, error) {
	if state := o.getActiveRun(runID); state != nil {
		select {
		case <-state.Done():
			return state.Result()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	run, err := o.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !run.IsFinished() {
		// Run мог завершиться между проверками
		if state := o.getActiveRun(runID); state != nil {
			return o.Await(ctx, runID)
		}
		return run, fmt.Errorf("%w: %s", ErrRunNotActive, runID)
	}
	return run, run.Err()
}

// Get возвращает run с outcomes.
func (o *Orchestrator) Get(ctx context.Context, runID string) (*domain.BatchRun, error) {
	if state := o.getActiveRun(runID); state != nil {
		return state.Snapshot(), nil
	}

	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// Attempts возвращает журнал попыток run по контейнерам и номерам.
func (o *Orchestrator) Attempts(ctx context.Context, runID string) ([]domain.ActivityAttempt, error) {
	if _, err := o.Get(ctx, runID); err != nil {
		return nil, err
	}

	attempts, err := o.store.ListAttempts(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	return attempts, nil
}

// Cancel отменяет run.
//
// Выполняющиеся попытки получают отменённый context, их результат
// отбрасывается, попытка записывается как cancelled. Run становится FAILED.
// Cancel ждёт финализации run (в пределах ctx). Если run завершился
// раньше, чем отмена вступила в силу, возвращается ErrRunFinished.
func (o *Orchestrator) Cancel(ctx context.Context, runID, reason string) (*domain.BatchRun, error) {
	cause := domain.ErrRunCancelled
	if reason != "" {
		cause = fmt.Errorf("%w: %s", domain.ErrRunCancelled, reason)
	}

	if state := o.getActiveRun(runID); state != nil {
		o.logger.Info("cancelling run", "run_id", runID, "reason", reason)
		state.Cancel(cause)

		select {
		case <-state.Done():
			run, err := state.Result()
			switch {
			case errors.Is(err, domain.ErrRunCancelled):
				return run, nil
			case err != nil:
				return run, err
			default:
				// Run успел завершиться раньше отмены
				return run, fmt.Errorf("%w: %s is %s", ErrRunFinished, runID, run.Status)
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	run, err := o.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.IsFinished() {
		return run, fmt.Errorf("%w: %s is %s", ErrRunFinished, runID, run.Status)
	}

	// Run не выполняется в этом процессе: финализируем в хранилище
	run.MarkFailed(cause.Error())
	if err := o.store.UpdateRun(ctx, run); err != nil {
		return nil, domain.NewFault(runID, fmt.Errorf("update run: %w", err))
	}
	o.metrics.RunFinished(string(run.Status))
	o.notifyRun(run)

	o.logger.Info("inactive run cancelled", "run_id", runID, "reason", reason)
	return run, nil
}

// ActiveRuns возвращает ID активных runs в лексикографическом порядке.
func (o *Orchestrator) ActiveRuns() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	ids := make([]string, 0, len(o.activeRuns))
	for id := range o.activeRuns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ActiveRunsCount возвращает количество активных runs.
func (o *Orchestrator) ActiveRunsCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.activeRuns)
}

// pollLoop — цикл polling для fallback.
//
// Подхватывает незавершённые runs, которые не выполняются в процессе:
// например, run сохранён, но его запуск не удался из-за сбоя хранилища.
func (o *Orchestrator) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.resumeUnfinished(ctx); err != nil && ctx.Err() == nil {
				o.logger.Error("failed to resume unfinished runs", "error", err)
			}
		}
	}
}

// resumeUnfinished запускает все незавершённые runs, которые ещё не активны.
func (o *Orchestrator) resumeUnfinished(ctx context.Context) (int, error) {
	runs, err := o.store.ListUnfinished(ctx)
	if err != nil {
		return 0, err
	}

	resumed := 0
	for _, run := range runs {
		if o.isRunActive(run.ID) {
			continue
		}

		if _, err := o.launch(ctx, run.ID); err != nil {
			o.logger.Error("failed to resume run", "run_id", run.ID, "error", err)
			continue
		}
		resumed++
	}

	if resumed > 0 {
		o.logger.Info("resumed unfinished runs", "count", resumed)
	}
	return resumed, nil
}

// isRunActive проверяет, находится ли run в обработке.
func (o *Orchestrator) isRunActive(runID string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, exists := o.activeRuns[runID]
	return exists
}

// getActiveRun возвращает активный RunState.
func (o *Orchestrator) getActiveRun(runID string) *RunState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.activeRuns[runID]
}

// addActiveRun добавляет run в активные.
// Если run уже активен, возвращает существующее состояние и ErrRunAlreadyActive.
func (o *Orchestrator) addActiveRun(state *RunState) (*RunState, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if existing, exists := o.activeRuns[state.RunID()]; exists {
		return existing, ErrRunAlreadyActive
	}

	o.activeRuns[state.RunID()] = state
	o.metrics.SetActiveRuns(len(o.activeRuns))
	return state, nil
}

// removeActiveRun удаляет run из активных.
func (o *Orchestrator) removeActiveRun(runID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.activeRuns, runID)
	o.metrics.SetActiveRuns(len(o.activeRuns))
}
