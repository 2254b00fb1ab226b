package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/shaiso/Berth/internal/domain"
	"github.com/shaiso/Berth/internal/telemetry"
)

// maxErrorBytes — предел текста ошибки в журнале попыток.
const maxErrorBytes = 4096

// progress — позиция activity в цикле попыток.
type progress struct {
	next       int       // номер следующей попытки
	firstStart time.Time // начало первой попытки (отсчёт schedule-to-close)
	nextAt     time.Time // когда начинать следующую попытку (zero — сразу)
	lastErr    string    // текст последней ошибки
}

// Run выполняет activity до терминального outcome.
//
// history — журнал попыток этой activity по возрастанию номера;
// пустой для новой activity. По нему Run продолжает с места остановки,
// не повторяя завершённые попытки.
//
// Ошибки executor превращаются в outcome. Ошибка возвращается только
// при сбое оркестратора (domain.OrchestratorFault), отмене ctx
// (тогда это context.Cause(ctx)) или если журнал заканчивается
// отменённой попыткой (ошибка совместима с domain.ErrRunCancelled).
func (r *Runner) Run(ctx context.Context, runID, containerID string, history []domain.ActivityAttempt) (*domain.ActivityOutcome, error) {
	logger := telemetry.WithActivity(r.logger, runID, containerID)

	// 1. Восстанавливаем позицию по журналу
	p, outcome, err := r.resume(ctx, logger, runID, containerID, history)
	if err != nil || outcome != nil {
		return outcome, err
	}

	for {
		// 2. Ждём запланированный retry
		if !p.nextAt.IsZero() {
			if err := r.sleep(ctx, p.nextAt.Sub(r.now())); err != nil {
				return nil, err
			}
		}
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}

		// 3. Перед повтором проверяем schedule-to-close
		if p.next > 1 && r.now().Sub(p.firstStart) >= r.policy.ScheduleToCloseTimeout {
			return r.expire(ctx, logger, runID, containerID, p)
		}

		// 4. Выполняем попытку
		outcome, err := r.attempt(ctx, logger, runID, containerID, &p)
		if err != nil || outcome != nil {
			return outcome, err
		}
	}
}

// resume восстанавливает progress по журналу.
//
//   - пустой журнал — начинаем с попытки 1
//   - последняя попытка FAILED с запланированным retry — ждём остаток задержки
//   - последняя попытка STARTED (процесс упал во время вызова) — закрываем её
//     как временную ошибку и спрашиваем политику
//   - последняя попытка cancelled (процесс упал до записи FAILED для run) —
//     возвращаем исходную причину отмены
//   - всё остальное (терминальная попытка без outcome) — сбой оркестратора
func (r *Runner) resume(ctx context.Context, logger *slog.Logger, runID, containerID string, history []domain.ActivityAttempt) (progress, *domain.ActivityOutcome, error) {
	p := progress{next: 1}
	if len(history) == 0 {
		return p, nil, nil
	}

	for i := range history {
		if history[i].Number != i+1 {
			return p, nil, domain.NewFault(runID, fmt.Errorf("%w: %s: attempt %d at position %d",
				ErrInconsistentHistory, containerID, history[i].Number, i+1))
		}
	}

	last := history[len(history)-1]
	p.firstStart = history[0].StartedAt
	p.next = last.Number + 1
	p.lastErr = last.Error

	switch domain.StateOf(history, nil) {
	case domain.ActivityAttempting:
		logger.Warn("finalizing attempt interrupted by restart", "attempt", last.Number)
		r.metrics.ObserveAttempt("interrupted", 0)
		outcome, err := r.concludeFailure(ctx, logger, runID, containerID, &last, domain.Transient(ErrAttemptInterrupted), &p)
		return p, outcome, err

	case domain.ActivityAwaitingRetry:
		p.nextAt = *last.NextAttemptAt
		logger.Info("resuming activity awaiting retry",
			"next_attempt", p.next,
			"next_attempt_at", p.nextAt,
		)
		return p, nil, nil

	case domain.ActivityCancelled:
		cause := domain.CancelCause(last.Error)
		if cause == nil {
			cause = fmt.Errorf("%w: %s", domain.ErrRunCancelled, last.Error)
		}
		logger.Info("activity was cancelled before restart", "attempt", last.Number, "reason", cause)
		return p, nil, cause

	default:
		return p, nil, domain.NewFault(runID, fmt.Errorf("%w: %s: attempt %d is %s without outcome",
			ErrInconsistentHistory, containerID, last.Number, last.Status))
	}
}

// attempt выполняет одну попытку.
// Возвращает (nil, nil), если запланирован retry.
func (r *Runner) attempt(ctx context.Context, logger *slog.Logger, runID, containerID string, p *progress) (*domain.ActivityOutcome, error) {
	start := r.now()
	if p.firstStart.IsZero() {
		p.firstStart = start
	}

	attempt := &domain.ActivityAttempt{
		RunID:       runID,
		ContainerID: containerID,
		Number:      p.next,
		Status:      domain.AttemptStatusStarted,
		StartedAt:   start,
	}

	// 1. STARTED пишем до вызова executor
	if err := r.persist(ctx, func(ctx context.Context) error {
		return r.journal.StartAttempt(ctx, attempt)
	}); err != nil {
		return nil, domain.NewFault(runID, fmt.Errorf("start attempt %d for %s: %w", attempt.Number, containerID, err))
	}

	logger.Info("attempt started", "attempt", attempt.Number)

	// 2. Вызываем executor под deadline попытки
	spanCtx, span := r.tracer.Start(ctx, "activity.attempt", trace.WithAttributes(
		attribute.String("berth.run_id", runID),
		attribute.String("berth.container_id", containerID),
		attribute.Int("berth.attempt", attempt.Number),
	))
	attemptCtx, cancel := context.WithDeadline(spanCtx, r.attemptDeadline(start, p.firstStart))
	payload, execErr := executeWithRecovery(attemptCtx, r.executor, containerID)
	timedOut := errors.Is(attemptCtx.Err(), context.DeadlineExceeded)
	cancel()
	duration := r.now().Sub(start)

	// 3. Run отменён или процесс останавливается: поздний результат отбрасываем
	if ctx.Err() != nil {
		span.SetStatus(codes.Error, "interrupted")
		span.End()
		return nil, r.abandon(ctx, logger, attempt, context.Cause(ctx), duration)
	}

	// Executor проигнорировал deadline и вернул успех после него
	if execErr == nil && timedOut {
		execErr = domain.Transient(fmt.Errorf("%w after %s", ErrAttemptTimeout, duration.Round(time.Millisecond)))
	}

	if execErr != nil {
		span.RecordError(execErr)
		span.SetStatus(codes.Error, execErr.Error())
		span.End()
		r.metrics.ObserveAttempt("failed", duration)
		return r.concludeFailure(ctx, logger, runID, containerID, attempt, execErr, p)
	}

	span.End()
	r.metrics.ObserveAttempt("succeeded", duration)

	// 4. Успех: попытка и outcome пишутся атомарно
	finished := r.now()
	attempt.MarkSucceeded(finished)
	outcome := domain.SucceededOutcome(containerID, payload, attempt.Number, finished)

	if err := r.persist(ctx, func(ctx context.Context) error {
		return r.journal.FinishAttempt(ctx, attempt, outcome)
	}); err != nil {
		return nil, domain.NewFault(runID, fmt.Errorf("finish attempt %d for %s: %w", attempt.Number, containerID, err))
	}

	logger.Info("attempt succeeded", "attempt", attempt.Number, "duration", duration)
	r.observeOutcome(logger, outcome)
	return outcome, nil
}

// concludeFailure записывает неудачную попытку и решение политики.
// Возвращает outcome, если политика отказалась от повторов.
func (r *Runner) concludeFailure(ctx context.Context, logger *slog.Logger, runID, containerID string, attempt *domain.ActivityAttempt, execErr error, p *progress) (*domain.ActivityOutcome, error) {
	now := r.now()
	kind := domain.Classify(execErr)
	attempt.MarkFailed(now, kind, errorText(execErr))
	p.lastErr = attempt.Error

	var panicErr *PanicError
	if errors.As(execErr, &panicErr) {
		logger.Error("executor panicked",
			"attempt", attempt.Number,
			"panic", panicErr.Value,
			"stack", panicErr.Stack,
		)
	}

	decision := r.policy.Decide(attempt.Number, now.Sub(p.firstStart), execErr)

	var outcome *domain.ActivityOutcome
	if decision.Retry {
		attempt.ScheduleRetry(decision.Delay)
	} else {
		outcome = domain.GivenUpOutcome(containerID, decision.Kind, attempt.Error, attempt.Number, now)
	}

	if err := r.persist(ctx, func(ctx context.Context) error {
		return r.journal.FinishAttempt(ctx, attempt, outcome)
	}); err != nil {
		return nil, domain.NewFault(runID, fmt.Errorf("finish attempt %d for %s: %w", attempt.Number, containerID, err))
	}

	if decision.Retry {
		p.next = attempt.Number + 1
		p.nextAt = *attempt.NextAttemptAt
		r.metrics.ObserveRetry(decision.Delay)
		logger.Warn("attempt failed, retry scheduled",
			"attempt", attempt.Number,
			"error_kind", kind,
			"error", attempt.Error,
			"delay", decision.Delay,
		)
		return nil, nil
	}

	logger.Warn("attempt failed, giving up",
		"attempt", attempt.Number,
		"error_kind", kind,
		"error", attempt.Error,
		"outcome_kind", decision.Kind,
	)
	r.observeOutcome(logger, outcome)
	return outcome, nil
}

// expire завершает activity, у которой schedule-to-close истёк в ожидании retry.
func (r *Runner) expire(ctx context.Context, logger *slog.Logger, runID, containerID string, p progress) (*domain.ActivityOutcome, error) {
	reason := p.lastErr
	if reason == "" {
		reason = fmt.Sprintf("schedule-to-close timeout %s exceeded", r.policy.ScheduleToCloseTimeout)
	}
	outcome := domain.GivenUpOutcome(containerID, domain.ErrorKindRetriesExhausted, reason, p.next-1, r.now())

	if err := r.persist(ctx, func(ctx context.Context) error {
		return r.journal.RecordOutcome(ctx, runID, outcome)
	}); err != nil {
		return nil, domain.NewFault(runID, fmt.Errorf("record outcome for %s: %w", containerID, err))
	}

	logger.Warn("schedule-to-close timeout exceeded before next attempt",
		"attempts", outcome.Attempts,
		"timeout", r.policy.ScheduleToCloseTimeout,
	)
	r.observeOutcome(logger, outcome)
	return outcome, nil
}

// abandon закрывает попытку, прерванную отменой ctx.
//
// При отмене run попытка записывается как FAILED/cancelled. При остановке
// процесса она остаётся STARTED и будет закрыта при возобновлении.
func (r *Runner) abandon(ctx context.Context, logger *slog.Logger, attempt *domain.ActivityAttempt, cause error, d time.Duration) error {
	if !errors.Is(cause, domain.ErrRunCancelled) {
		r.metrics.ObserveAttempt("interrupted", d)
		logger.Info("attempt interrupted by shutdown", "attempt", attempt.Number)
		return cause
	}

	r.metrics.ObserveAttempt("cancelled", d)
	attempt.MarkFailed(r.now(), domain.ErrorKindCancelled, errorText(cause))
	if err := r.persist(ctx, func(ctx context.Context) error {
		return r.journal.FinishAttempt(ctx, attempt, nil)
	}); err != nil {
		logger.Error("failed to record cancelled attempt", "attempt", attempt.Number, "error", err)
	}

	logger.Info("attempt cancelled", "attempt", attempt.Number, "reason", cause)
	return cause
}

// attemptDeadline — раньшее из firstStart+ScheduleToClose и start+AttemptTimeout.
func (r *Runner) attemptDeadline(start, firstStart time.Time) time.Time {
	deadline := firstStart.Add(r.policy.ScheduleToCloseTimeout)
	if r.policy.AttemptTimeout > 0 {
		if d := start.Add(r.policy.AttemptTimeout); d.Before(deadline) {
			deadline = d
		}
	}
	return deadline
}

// persist пишет в журнал даже после отмены ctx, но не дольше persistTimeout.
func (r *Runner) persist(ctx context.Context, fn func(ctx context.Context) error) error {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.persistTimeout)
	defer cancel()
	return fn(pctx)
}

// sleep ждёт d с учётом context.
func (r *Runner) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// errorText — текст ошибки для журнала: валидный UTF-8 не длиннее maxErrorBytes.
func errorText(err error) string {
	return truncate(err.Error(), maxErrorBytes)
}

func (r *Runner) observeOutcome(logger *slog.Logger, outcome *domain.ActivityOutcome) {
	kind := ""
	if outcome.Error != nil {
		kind = string(outcome.Error.Kind)
	}
	r.metrics.ObserveOutcome(string(outcome.Status), kind)
	logger.Info("activity finished",
		"status", outcome.Status,
		"attempts", outcome.Attempts,
		"error_kind", kind,
	)
}
