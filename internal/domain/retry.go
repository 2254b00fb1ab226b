package domain

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Значения RetryPolicy по умолчанию.
const (
	DefaultMaxAttempts            = 3
	DefaultBackoffCoefficient     = 2.0
	DefaultInitialInterval        = time.Second
	DefaultMaxInterval            = 30 * time.Second
	DefaultScheduleToCloseTimeout = 60 * time.Second
	DefaultAttemptTimeout         = 10 * time.Second
)

// ErrInvalidPolicy — RetryPolicy не прошла валидацию.
var ErrInvalidPolicy = errors.New("invalid retry policy")

// RetryPolicy — политика повторных попыток одной activity.
//
// Политика — чистая функция: по номеру попытки, времени с начала первой
// попытки и последней ошибке решает, повторять ли и через сколько.
// Jitter не применяется: задержки детерминированы и записываются в журнал.
type RetryPolicy struct {
	// MaxAttempts — максимальное количество попыток (включая первую).
	MaxAttempts int `json:"max_attempts"`

	// BackoffCoefficient — множитель задержки, не меньше 1.0.
	BackoffCoefficient float64 `json:"backoff_coefficient"`

	// InitialInterval — задержка перед второй попыткой.
	InitialInterval time.Duration `json:"initial_interval"`

	// MaxInterval — верхняя граница задержки.
	MaxInterval time.Duration `json:"max_interval"`

	// ScheduleToCloseTimeout — бюджет времени на все попытки activity,
	// считается от начала первой попытки.
	ScheduleToCloseTimeout time.Duration `json:"schedule_to_close_timeout"`

	// AttemptTimeout — таймаут одной попытки. 0 — ограничение только schedule-to-close.
	AttemptTimeout time.Duration `json:"attempt_timeout,omitempty"`
}

// DefaultRetryPolicy возвращает политику по умолчанию.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:            DefaultMaxAttempts,
		BackoffCoefficient:     DefaultBackoffCoefficient,
		InitialInterval:        DefaultInitialInterval,
		MaxInterval:            DefaultMaxInterval,
		ScheduleToCloseTimeout: DefaultScheduleToCloseTimeout,
		AttemptTimeout:         DefaultAttemptTimeout,
	}
}

// Validate проверяет параметры политики.
func (p RetryPolicy) Validate() error {
	switch {
	case p.MaxAttempts < 1:
		return fmt.Errorf("%w: max_attempts must be >= 1, got %d", ErrInvalidPolicy, p.MaxAttempts)
	case p.BackoffCoefficient < 1.0 || math.IsNaN(p.BackoffCoefficient) || math.IsInf(p.BackoffCoefficient, 0):
		return fmt.Errorf("%w: backoff_coefficient must be >= 1.0, got %v", ErrInvalidPolicy, p.BackoffCoefficient)
	case p.InitialInterval <= 0:
		return fmt.Errorf("%w: initial_interval must be positive", ErrInvalidPolicy)
	case p.MaxInterval <= 0:
		return fmt.Errorf("%w: max_interval must be positive", ErrInvalidPolicy)
	case p.ScheduleToCloseTimeout <= 0:
		return fmt.Errorf("%w: schedule_to_close_timeout must be positive", ErrInvalidPolicy)
	case p.AttemptTimeout < 0:
		return fmt.Errorf("%w: attempt_timeout must not be negative", ErrInvalidPolicy)
	}
	return nil
}

// Backoff вычисляет задержку после неудачной попытки с номером attempt.
//
//	delay = min(InitialInterval * BackoffCoefficient^(attempt-1), MaxInterval)
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(p.InitialInterval) * math.Pow(p.BackoffCoefficient, float64(attempt-1))
	if math.IsInf(delay, 0) || math.IsNaN(delay) || delay >= float64(p.MaxInterval) {
		return p.MaxInterval
	}
	return time.Duration(delay)
}

// Decision — решение политики после неудачной попытки.
type Decision struct {
	// Retry — true, если нужна следующая попытка.
	Retry bool

	// Delay — задержка перед следующей попыткой (для Retry).
	Delay time.Duration

	// Kind — класс терминальной ошибки (для GiveUp).
	Kind ErrorKind

	// Reason — текст терминальной ошибки (для GiveUp).
	Reason string
}

// Decide решает, повторять ли activity после неудачной попытки.
//
// GiveUp, если ошибка окончательная, попытки исчерпаны или
// истёк schedule-to-close. Иначе Retry с задержкой Backoff(attempt).
func (p RetryPolicy) Decide(attempt int, elapsed time.Duration, lastErr error) Decision {
	reason := ""
	if lastErr != nil {
		reason = lastErr.Error()
	}

	if IsPermanent(lastErr) {
		return Decision{Kind: ErrorKindPermanent, Reason: reason}
	}

	if attempt >= p.MaxAttempts {
		return Decision{Kind: ErrorKindRetriesExhausted, Reason: reason}
	}

	if elapsed >= p.ScheduleToCloseTimeout {
		return Decision{Kind: ErrorKindRetriesExhausted, Reason: reason}
	}

	return Decision{Retry: true, Delay: p.Backoff(attempt)}
}
