package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shaiso/Berth/internal/domain"
	"github.com/shaiso/Berth/internal/mq"
)

// Ошибки клиента.
var (
	// ErrTimeout — run не завершился за отведённое время.
	// Run продолжает выполняться; результат можно запросить повторно.
	ErrTimeout = errors.New("timed out waiting for run result")

	// ErrInvalidRequest — некорректный запрос на запуск пакета.
	ErrInvalidRequest = errors.New("invalid batch request")

	// ErrInvalidClient — клиент создан без Engine.
	ErrInvalidClient = errors.New("invalid client config")
)

// Engine — durable движок runs. Реализация: *orchestrator.Orchestrator.
type Engine interface {
	Start(ctx context.Context, runID string, containerIDs []string) (*domain.BatchRun, error)
	Await(ctx context.Context, runID string) (*domain.BatchRun, error)
	Get(ctx context.Context, runID string) (*domain.BatchRun, error)
	Attempts(ctx context.Context, runID string) ([]domain.ActivityAttempt, error)
	Cancel(ctx context.Context, runID, reason string) (*domain.BatchRun, error)
}

// Handle — ссылка на запущенный run.
type Handle struct {
	RunID        string    `json:"run_id"`
	ContainerIDs []string  `json:"container_ids"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
}

// Config — конфигурация Client.
type Config struct {
	// Engine — движок runs (обязательно).
	Engine Engine

	// DefaultTimeout — таймаут AwaitResult, если вызывающий передал 0 (default: 60s).
	DefaultTimeout time.Duration

	// Logger — логгер (default: slog.Default()).
	Logger *slog.Logger
}

// Client — точка входа для запуска пакетов и получения результатов.
type Client struct {
	engine         Engine
	defaultTimeout time.Duration
	logger         *slog.Logger
}

// New создаёт Client.
func New(cfg Config) (*Client, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("%w: engine is required", ErrInvalidClient)
	}

	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		engine:         cfg.Engine,
		defaultTimeout: timeout,
		logger:         logger,
	}, nil
}

// StartBatch запускает пакет под ключом runID.
//
// Идемпотентен: повторный вызов с тем же runID возвращает Handle
// исходного run, даже если containerIDs отличаются.
func (c *Client) StartBatch(ctx context.Context, runID string, containerIDs []string) (Handle, error) {
	if err := ValidateBatch(runID, containerIDs); err != nil {
		return Handle{}, err
	}

	run, err := c.engine.Start(ctx, runID, containerIDs)
	if err != nil {
		return Handle{}, err
	}
	return handleOf(run), nil
}

// AwaitResult ждёт завершения run и возвращает outcomes в порядке containerIDs.
//
// timeout <= 0 означает DefaultTimeout. Если run не завершился вовремя,
// возвращается ErrTimeout. Для FAILED run возвращается сбой оркестратора
// или ошибка отмены, частичный список не возвращается никогда.
func (c *Client) AwaitResult(ctx context.Context, h Handle, timeout time.Duration) ([]domain.ActivityOutcome, error) {
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	awaitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	run, err := c.engine.Await(awaitCtx, h.RunID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: run %s after %s", ErrTimeout, h.RunID, timeout)
		}
		return nil, err
	}

	results, ok := run.Results()
	if !ok {
		return nil, domain.NewFault(h.RunID, fmt.Errorf("run %s is %s without all outcomes", h.RunID, run.Status))
	}
	return results, nil
}

// Status возвращает текущее состояние run.
func (c *Client) Status(ctx context.Context, runID string) (*domain.BatchRun, error) {
	return c.engine.Get(ctx, runID)
}

// Attempts возвращает журнал попыток run.
func (c *Client) Attempts(ctx context.Context, runID string) ([]domain.ActivityAttempt, error) {
	return c.engine.Attempts(ctx, runID)
}

// Cancel отменяет run.
func (c *Client) Cancel(ctx context.Context, runID, reason string) (*domain.BatchRun, error) {
	return c.engine.Cancel(ctx, runID, reason)
}

// HandleBatchRequested — mq.Handler для очереди batches.requested.
//
// Запускает run и подтверждает сообщение, не дожидаясь результата.
// Некорректный запрос уходит в DLQ, сбой хранилища возвращает сообщение в очередь.
func (c *Client) HandleBatchRequested(ctx context.Context, d *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.BatchRequestedPayload](&d.Message)
	if err != nil {
		return fmt.Errorf("%w: %v", mq.ErrRejectMessage, err)
	}

	h, err := c.StartBatch(ctx, payload.RunID, payload.ContainerIDs)
	if err != nil {
		if errors.Is(err, ErrInvalidRequest) {
			return fmt.Errorf("%w: %v", mq.ErrRejectMessage, err)
		}
		return err
	}

	c.logger.Info("batch requested via queue",
		"run_id", h.RunID,
		"message_id", d.Message.ID,
		"containers", len(h.ContainerIDs),
		"status", h.Status,
	)
	return nil
}

// ValidateBatch проверяет запрос на запуск пакета.
// Пустой список допустим: такой run сразу завершается с пустым результатом.
func ValidateBatch(runID string, containerIDs []string) error {
	if strings.TrimSpace(runID) == "" {
		return fmt.Errorf("%w: run_id is required", ErrInvalidRequest)
	}
	for i, id := range containerIDs {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("%w: container_ids[%d] is empty", ErrInvalidRequest, i)
		}
	}
	return nil
}

func handleOf(run *domain.BatchRun) Handle {
	return Handle{
		RunID:        run.ID,
		ContainerIDs: run.ContainerIDs,
		Status:       string(run.Status),
		CreatedAt:    run.CreatedAt,
	}
}
