package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// ActivityAttempt — одна попытка выполнения activity для (run, container).
//
// Журнал попыток append-only: попытка N+1 создаётся только после того,
// как попытка N записана как завершённая. Завершённая попытка не меняется.
// По журналу runner восстанавливает состояние после рестарта процесса.
type ActivityAttempt struct {
	// RunID — ссылка на BatchRun.
	RunID string `json:"run_id"`

	// ContainerID — контейнер, для которого выполнялась попытка.
	ContainerID string `json:"container_id"`

	// Number — номер попытки (начиная с 1).
	Number int `json:"attempt"`

	// Status — статус попытки.
	Status AttemptStatus `json:"status"`

	// StartedAt — время записи STARTED (до вызова executor).
	StartedAt time.Time `json:"started_at"`

	// FinishedAt — время получения результата.
	// Nil, если попытка ещё выполняется (или процесс упал во время вызова).
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// ErrorKind — классификация ошибки для FAILED.
	ErrorKind ErrorKind `json:"error_kind,omitempty"`

	// Error — исходный текст ошибки.
	Error string `json:"error,omitempty"`

	// RetryDelay — задержка перед следующей попыткой, если политика решила повторить.
	RetryDelay time.Duration `json:"retry_delay,omitempty"`

	// NextAttemptAt — когда должна начаться следующая попытка.
	// Nil, если повтор не запланирован.
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
}

// IsFinished возвращает true, если у попытки есть результат.
func (a *ActivityAttempt) IsFinished() bool {
	return a.Status.IsTerminal()
}

// Duration возвращает продолжительность попытки.
func (a *ActivityAttempt) Duration() time.Duration {
	if a.FinishedAt == nil {
		return 0
	}
	return a.FinishedAt.Sub(a.StartedAt)
}

// MarkSucceeded завершает попытку успешно.
func (a *ActivityAttempt) MarkSucceeded(at time.Time) {
	a.Status = AttemptStatusSucceeded
	a.FinishedAt = &at
}

// MarkFailed завершает попытку с ошибкой.
func (a *ActivityAttempt) MarkFailed(at time.Time, kind ErrorKind, msg string) {
	a.Status = AttemptStatusFailed
	a.FinishedAt = &at
	a.ErrorKind = kind
	a.Error = msg
}

// ScheduleRetry записывает запланированный повтор.
func (a *ActivityAttempt) ScheduleRetry(delay time.Duration) {
	next := a.FinishedAt.Add(delay)
	a.RetryDelay = delay
	a.NextAttemptAt = &next
}

// ActivityOutcome — терминальный результат activity.
//
// Записывается ровно один раз вместе с последней попыткой.
type ActivityOutcome struct {
	// ContainerID — контейнер.
	ContainerID string `json:"container_id"`

	// Status — SUCCEEDED или GIVEN_UP.
	Status OutcomeStatus `json:"status"`

	// Payload — данные от executor (для SUCCEEDED). Формат не интерпретируется.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Error — терминальная ошибка (для GIVEN_UP).
	Error *OutcomeError `json:"error,omitempty"`

	// Attempts — сколько попыток было сделано.
	Attempts int `json:"attempts"`

	// FinishedAt — время записи outcome.
	FinishedAt time.Time `json:"finished_at"`
}

// Succeeded возвращает true, если activity завершилась успешно.
func (o *ActivityOutcome) Succeeded() bool {
	return o.Status == OutcomeSucceeded
}

// Err возвращает терминальную ошибку как error (nil для успеха).
func (o *ActivityOutcome) Err() error {
	if o.Error == nil {
		return nil
	}
	return o.Error
}

// OutcomeError — терминальная ошибка activity.
type OutcomeError struct {
	// Kind — permanent, retries_exhausted или cancelled.
	Kind ErrorKind `json:"kind"`

	// Reason — исходный текст последней ошибки.
	Reason string `json:"reason"`

	// Exhausted — true, если попытки или время schedule-to-close исчерпаны.
	Exhausted bool `json:"exhausted"`
}

func (e *OutcomeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

// SucceededOutcome создаёт outcome для успешной activity.
func SucceededOutcome(containerID string, payload json.RawMessage, attempts int, at time.Time) *ActivityOutcome {
	return &ActivityOutcome{
		ContainerID: containerID,
		Status:      OutcomeSucceeded,
		Payload:     payload,
		Attempts:    attempts,
		FinishedAt:  at,
	}
}

// GivenUpOutcome создаёт outcome для activity, от которой отказалась политика.
func GivenUpOutcome(containerID string, kind ErrorKind, reason string, attempts int, at time.Time) *ActivityOutcome {
	return &ActivityOutcome{
		ContainerID: containerID,
		Status:      OutcomeGivenUp,
		Error: &OutcomeError{
			Kind:      kind,
			Reason:    reason,
			Exhausted: kind == ErrorKindRetriesExhausted,
		},
		Attempts:   attempts,
		FinishedAt: at,
	}
}

// ActivityState — состояние activity, выводимое из журнала попыток и outcome.
//
//	NOT_STARTED → ATTEMPTING → SUCCEEDED
//	                         ↘ AWAITING_RETRY → ATTEMPTING
//	                         ↘ GIVEN_UP
//	                         ↘ CANCELLED
//
// CANCELLED — попытка прервана отменой run, outcome не пишется.
// UNRESOLVED — последняя попытка завершена, но outcome нет; из такого
// журнала продолжить нельзя.
type ActivityState string

const (
	ActivityNotStarted    ActivityState = "NOT_STARTED"
	ActivityAttempting    ActivityState = "ATTEMPTING"
	ActivityAwaitingRetry ActivityState = "AWAITING_RETRY"
	ActivitySucceeded     ActivityState = "SUCCEEDED"
	ActivityGivenUp       ActivityState = "GIVEN_UP"
	ActivityCancelled     ActivityState = "CANCELLED"
	ActivityUnresolved    ActivityState = "UNRESOLVED"
)

// StateOf вычисляет состояние activity.
// attempts должны быть отсортированы по номеру.
func StateOf(attempts []ActivityAttempt, outcome *ActivityOutcome) ActivityState {
	if outcome != nil {
		if outcome.Succeeded() {
			return ActivitySucceeded
		}
		return ActivityGivenUp
	}
	if len(attempts) == 0 {
		return ActivityNotStarted
	}

	last := attempts[len(attempts)-1]
	switch {
	case last.Status == AttemptStatusStarted:
		return ActivityAttempting
	case last.Status == AttemptStatusFailed && last.NextAttemptAt != nil:
		return ActivityAwaitingRetry
	case last.Status == AttemptStatusFailed && last.ErrorKind == ErrorKindCancelled:
		return ActivityCancelled
	default:
		return ActivityUnresolved
	}
}
