package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/shaiso/Berth/internal/domain"
	"github.com/shaiso/Berth/internal/telemetry"
)

// Default configuration values.
const (
	defaultPersistTimeout = 10 * time.Second
)

// Journal — durable журнал попыток, в который Runner пишет каждый переход.
//
// Реализации: repo.PostgresStore, repo.SQLiteStore.
type Journal interface {
	// StartAttempt сохраняет попытку в статусе STARTED.
	// Вызывается до вызова executor.
	StartAttempt(ctx context.Context, attempt *domain.ActivityAttempt) error

	// FinishAttempt сохраняет результат попытки.
	// Если outcome не nil, он записывается в той же транзакции.
	FinishAttempt(ctx context.Context, attempt *domain.ActivityAttempt, outcome *domain.ActivityOutcome) error

	// RecordOutcome сохраняет outcome без новой попытки
	// (истёк schedule-to-close, пока activity ждала retry).
	RecordOutcome(ctx context.Context, runID string, outcome *domain.ActivityOutcome) error
}

// Runner выполняет одну activity с retry и таймаутами.
//
// Runner:
//   - Пишет STARTED в журнал до вызова executor
//   - Ограничивает попытку deadline'ом (attempt timeout и schedule-to-close)
//   - Классифицирует ошибку и спрашивает RetryPolicy
//   - Ждёт backoff на таймере, не блокируя другие activities
//   - Продолжает с места остановки по журналу после рестарта
//
// Один Runner обслуживает все activities процесса; состояние конкретной
// activity живёт в стеке вызова Run и в журнале.
type Runner struct {
	executor Executor
	journal  Journal
	policy   domain.RetryPolicy

	persistTimeout time.Duration

	logger  *slog.Logger
	metrics *telemetry.Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

// Config — конфигурация Runner.
type Config struct {
	// Executor — источник данных по контейнеру (обязательно).
	Executor Executor

	// Journal — durable журнал попыток (обязательно).
	Journal Journal

	// Policy — политика retry (default: domain.DefaultRetryPolicy()).
	Policy *domain.RetryPolicy

	// PersistTimeout — таймаут одной записи в журнал (default: 10s).
	PersistTimeout time.Duration

	// Observability
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
	Tracer  trace.Tracer
}

// New создаёт Runner.
func New(cfg Config) (*Runner, error) {
	if cfg.Executor == nil {
		return nil, fmt.Errorf("%w: executor is required", ErrInvalidRunner)
	}
	if cfg.Journal == nil {
		return nil, fmt.Errorf("%w: journal is required", ErrInvalidRunner)
	}

	policy := domain.DefaultRetryPolicy()
	if cfg.Policy != nil {
		policy = *cfg.Policy
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	persistTimeout := cfg.PersistTimeout
	if persistTimeout <= 0 {
		persistTimeout = defaultPersistTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	tracer := cfg.Tracer
	if tracer == nil {
		tracer = telemetry.Tracer()
	}

	return &Runner{
		executor:       cfg.Executor,
		journal:        cfg.Journal,
		policy:         policy,
		persistTimeout: persistTimeout,
		logger:         logger,
		metrics:        cfg.Metrics,
		tracer:         tracer,
		now:            func() time.Time { return time.Now().UTC() },
	}, nil
}

// Policy возвращает политику retry.
func (r *Runner) Policy() domain.RetryPolicy {
	return r.policy
}
