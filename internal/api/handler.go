package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/shaiso/Berth/internal/client"
	"github.com/shaiso/Berth/internal/telemetry"
)

// Pinger проверяет доступность хранилища.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ActiveCounter сообщает число активных runs.
type ActiveCounter interface {
	ActiveRunsCount() int
}

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	client   *client.Client
	store    Pinger
	runs     ActiveCounter
	maxAwait time.Duration
	logger   *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	// Client — клиент orchestrator (обязательно).
	Client *client.Client

	// Store — хранилище для /healthz (опционально).
	Store Pinger

	// Runs — источник числа активных runs для /healthz (опционально).
	Runs ActiveCounter

	// MaxAwait — верхняя граница ?timeout= для /result (default: 5m).
	MaxAwait time.Duration

	Logger *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	maxAwait := cfg.MaxAwait
	if maxAwait <= 0 {
		maxAwait = 5 * time.Minute
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{
		client:   cfg.Client,
		store:    cfg.Store,
		runs:     cfg.Runs,
		maxAwait: maxAwait,
		logger:   logger,
	}
}

// log возвращает логгер запроса с request_id.
func (h *Handler) log(r *http.Request) *slog.Logger {
	return telemetry.FromContext(r.Context(), h.logger)
}
