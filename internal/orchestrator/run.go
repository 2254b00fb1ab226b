package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/shaiso/Berth/internal/domain"
	"github.com/shaiso/Berth/internal/telemetry"
)

// launch делает run активным и запускает его activities.
//
// Состояние run и журнал загружаются из хранилища уже после регистрации
// в активных, поэтому параллельный polling не возобновит run по устаревшему журналу.
func (o *Orchestrator) launch(ctx context.Context, runID string) (*RunState, error) {
	logger := telemetry.WithRunID(o.logger, runID)

	// 1. Загружаем run
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return nil, domain.NewFault(runID, fmt.Errorf("get run: %w", err))
	}
	if run.IsFinished() {
		return finishedState(run), nil
	}

	// 2. Регистрируем в активных
	state, err := o.addActiveRun(NewRunState(run))
	if errors.Is(err, ErrRunAlreadyActive) {
		return state, nil
	}

	// 3. Перечитываем run и журнал после регистрации
	run, err = o.store.GetRun(ctx, runID)
	if err != nil {
		o.abortLaunch(state, err)
		return nil, domain.NewFault(runID, fmt.Errorf("get run: %w", err))
	}
	if run.IsFinished() {
		o.removeActiveRun(runID)
		state.update(func(r *domain.BatchRun) { *r = *run })
		state.finish(run.Err())
		return state, nil
	}

	attempts, err := o.store.ListAttempts(ctx, runID)
	if err != nil {
		o.abortLaunch(state, err)
		return nil, domain.NewFault(runID, fmt.Errorf("list attempts: %w", err))
	}
	history := groupAttempts(attempts)

	// 4. PENDING → RUNNING
	resumed := run.Status == domain.RunStatusRunning
	if !resumed {
		run.MarkRunning()
		if err := o.store.UpdateRun(ctx, run); err != nil {
			o.abortLaunch(state, err)
			return nil, domain.NewFault(runID, fmt.Errorf("update run to running: %w", err))
		}
	}
	state.update(func(r *domain.BatchRun) { *r = *run })

	// 5. Контекст run: отменяется Cancel (причина ErrRunCancelled) или Stop
	o.stateMu.RLock()
	if o.stopped {
		o.stateMu.RUnlock()
		o.abortLaunch(state, ErrOrchestratorStopped)
		return nil, ErrOrchestratorStopped
	}
	runCtx, cancel := context.WithCancelCause(o.baseCtx)
	state.setCancel(cancel)
	o.wg.Add(1)
	o.stateMu.RUnlock()

	pending := state.Pending()
	if resumed {
		logger.Info("resuming run",
			"pending", len(pending),
			"finished", len(run.Outcomes),
			"attempts", len(attempts),
		)
	} else {
		logger.Info("run started", "activities", len(pending))
	}

	go func() {
		defer o.wg.Done()
		defer cancel(nil)
		o.execute(runCtx, logger, state, pending, history)
	}()

	return state, nil
}

// finishedState возвращает завершённое состояние для терминального run.
func finishedState(run *domain.BatchRun) *RunState {
	state := NewRunState(run)
	state.finish(run.Err())
	return state
}

// abortLaunch снимает run с активных, если запустить его не удалось.
// Run остаётся в хранилище незавершённым и будет подхвачен polling.
func (o *Orchestrator) abortLaunch(state *RunState, err error) {
	o.removeActiveRun(state.RunID())
	state.finish(domain.NewFault(state.RunID(), err))
}

// execute выполняет activities run и финализирует его.
func (o *Orchestrator) execute(ctx context.Context, logger *slog.Logger, state *RunState, pending []string, history map[string][]domain.ActivityAttempt) {
	runID := state.RunID()

	// 1. По одной activity на контейнер
	var g errgroup.Group
	if o.maxParallel > 0 {
		g.SetLimit(o.maxParallel)
	}

	for _, containerID := range pending {
		g.Go(func() error {
			outcome, err := o.runner.Run(ctx, runID, containerID, history[containerID])
			if err != nil {
				switch {
				case domain.IsFault(err):
					if state.SetFault(err) {
						// Сбой оркестратора прерывает остальные activities
						logger.Error("activity fault, aborting run", "container_id", containerID, "error", err)
						state.Cancel(fmt.Errorf("%w: aborted after orchestrator fault", domain.ErrRunCancelled))
					}
				case errors.Is(err, domain.ErrRunCancelled) && ctx.Err() == nil:
					// Отмена из журнала: run был отменён до рестарта
					logger.Info("run cancelled before restart", "container_id", containerID, "reason", err)
					state.Cancel(err)
				}
				return err
			}

			state.SetOutcome(outcome)
			o.notifyActivity(runID, outcome)
			return nil
		})
	}

	waitErr := g.Wait()
	cause := context.Cause(ctx)

	// 2. Итог run
	switch {
	case state.Fault() != nil:
		o.fail(ctx, state, state.Fault())

	case state.IsComplete():
		o.complete(ctx, state)

	case errors.Is(cause, domain.ErrRunCancelled):
		o.fail(ctx, state, cause)

	case ctx.Err() != nil:
		// Остановка процесса: run остаётся RUNNING и возобновится при следующем Open
		o.removeActiveRun(runID)
		state.finish(fmt.Errorf("%w: run %s interrupted", ErrOrchestratorStopped, runID))
		logger.Info("run interrupted by shutdown", "pending", len(state.Pending()))

	default:
		o.fail(ctx, state, domain.NewFault(runID, fmt.Errorf("activities ended without outcome: %w", waitErr)))
	}
}

// complete записывает COMPLETED и уведомляет ожидающих.
func (o *Orchestrator) complete(ctx context.Context, state *RunState) {
	var run *domain.BatchRun
	state.update(func(r *domain.BatchRun) {
		r.MarkCompleted()
		run = r.Clone()
	})

	if err := o.persistRun(ctx, run); err != nil {
		// Run остаётся RUNNING в хранилище со всеми outcomes:
		// при возобновлении он завершится без новых попыток
		fault := domain.NewFault(run.ID, fmt.Errorf("update run to completed: %w", err))
		state.update(func(r *domain.BatchRun) { r.MarkFailed(err.Error()) })
		o.removeActiveRun(run.ID)
		state.finish(fault)
		o.logger.Error("failed to persist completed run", "run_id", run.ID, "error", err)
		return
	}

	o.removeActiveRun(run.ID)
	state.finish(nil)

	o.metrics.RunFinished(string(run.Status))
	o.logger.Info("run completed",
		"run_id", run.ID,
		"duration", run.Duration(),
		"stats", state.Stats(),
	)
	o.notifyRun(run)
}

// fail записывает FAILED с причиной err и уведомляет ожидающих.
func (o *Orchestrator) fail(ctx context.Context, state *RunState, err error) {
	// Для сбоя сохраняем исходную причину: Err() восстановит OrchestratorFault
	msg := err.Error()
	var fault *domain.OrchestratorFault
	if errors.As(err, &fault) {
		msg = fault.Err.Error()
	}

	var run *domain.BatchRun
	state.update(func(r *domain.BatchRun) {
		r.MarkFailed(msg)
		run = r.Clone()
	})

	if perr := o.persistRun(ctx, run); perr != nil {
		o.logger.Error("failed to persist failed run", "run_id", run.ID, "error", perr)
	}

	o.removeActiveRun(run.ID)
	state.finish(err)

	o.metrics.RunFinished(string(run.Status))
	o.logger.Warn("run failed", "run_id", run.ID, "error", msg)
	o.notifyRun(run)
}

// persistRun пишет статус run даже после отмены ctx, но не дольше persistTimeout.
func (o *Orchestrator) persistRun(ctx context.Context, run *domain.BatchRun) error {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.persistTimeout)
	defer cancel()
	return o.store.UpdateRun(pctx, run)
}

func (o *Orchestrator) notifyActivity(runID string, outcome *domain.ActivityOutcome) {
	if o.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.persistTimeout)
	defer cancel()
	if err := o.notifier.ActivityFinished(ctx, runID, outcome); err != nil {
		o.logger.Warn("failed to publish activity.finished",
			"run_id", runID,
			"container_id", outcome.ContainerID,
			"error", err,
		)
	}
}

func (o *Orchestrator) notifyRun(run *domain.BatchRun) {
	if o.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.persistTimeout)
	defer cancel()
	if err := o.notifier.RunFinished(ctx, run); err != nil {
		o.logger.Warn("failed to publish run.finished", "run_id", run.ID, "error", err)
	}
}
