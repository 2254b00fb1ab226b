// Berth Server — durable пакетный lookup контейнеров.
//
// Процесс:
//   - Поднимает orchestrator поверх Postgres или SQLite
//   - Продолжает незавершённые runs после рестарта
//   - Обслуживает HTTP API (/api/v1/batches), /metrics и MCP (/mcp)
//   - Опционально принимает пакеты из RabbitMQ и публикует события о завершении
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/shaiso/Berth/internal/api"
	"github.com/shaiso/Berth/internal/client"
	"github.com/shaiso/Berth/internal/config"
	"github.com/shaiso/Berth/internal/mcp"
	"github.com/shaiso/Berth/internal/mq"
	"github.com/shaiso/Berth/internal/orchestrator"
	"github.com/shaiso/Berth/internal/repo"
	"github.com/shaiso/Berth/internal/telemetry"
	"github.com/shaiso/Berth/internal/worker"
)

// version задаётся через ldflags при сборке.
var version = "dev"

// store — хранилище, которое нужно серверу целиком.
type store interface {
	orchestrator.Store
	api.Pinger
	Close() error
}

func main() {
	// .env — только для локального запуска, отсутствие не ошибка
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("BERTH_CONFIG"))
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Инициализируем structured logging
	logger := telemetry.NewLogger(os.Stderr, telemetry.ParseLevel(cfg.Telemetry.LogLevel), cfg.Telemetry.LogFormat)
	slog.SetDefault(logger)
	logger.Info("starting berth-server", "version", version)

	if err := run(cfg, logger); err != nil {
		logger.Error("berth-server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("berth-server stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Tracing
	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.Telemetry.OTELEndpoint, cfg.Telemetry.ServiceName, version, cfg.Telemetry.OTELInsecure)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer shutdownCancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(reg)

	// Store
	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()
	logger.Info("store opened", "driver", cfg.Store.Driver)

	// Executor + Runner
	executor, err := newExecutor(cfg.Executor)
	if err != nil {
		return err
	}

	policy := cfg.Policy()
	runner, err := worker.New(worker.Config{
		Executor:       executor,
		Journal:        st,
		Policy:         &policy,
		PersistTimeout: cfg.Orchestrator.PersistTimeout.Duration,
		Logger:         logger,
		Metrics:        metrics,
		Tracer:         telemetry.Tracer(),
	})
	if err != nil {
		return err
	}

	// RabbitMQ (опционально)
	var mqConn *mq.Connection
	var notifier orchestrator.Notifier
	if cfg.AMQP.URL != "" {
		mqConn, err = mq.NewConnection(cfg.AMQP.URL, logger)
		if err != nil {
			return err
		}
		defer mqConn.Close()

		if err := mq.SetupTopology(ctx, mqConn); err != nil {
			return err
		}
		notifier = mq.NewNotifier(mq.NewPublisher(mqConn, logger))
		logger.Info("RabbitMQ connected")
	}

	// Orchestrator
	orch, err := orchestrator.New(orchestrator.Config{
		Store:          st,
		Runner:         runner,
		Notifier:       notifier,
		PollInterval:   cfg.Orchestrator.PollInterval.Duration,
		PersistTimeout: cfg.Orchestrator.PersistTimeout.Duration,
		MaxParallel:    cfg.Orchestrator.MaxParallel,
		Logger:         logger,
		Metrics:        metrics,
	})
	if err != nil {
		return err
	}
	if err := orch.Open(ctx); err != nil {
		return err
	}
	defer orch.Stop()

	c, err := client.New(client.Config{Engine: orch, Logger: logger})
	if err != nil {
		return err
	}

	// HTTP
	mux := http.NewServeMux()
	handler := api.NewHandler(api.Config{
		Client:   c,
		Store:    st,
		Runs:     orch,
		MaxAwait: cfg.Server.MaxAwait.Duration,
		Logger:   logger,
	})
	handler.RegisterRoutes(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	if cfg.MCP.Enabled {
		mcpServer := mcp.New(c, mcp.Config{Timeout: cfg.MCP.Timeout.Duration, Version: version, Logger: logger})
		mux.Handle("/mcp", mcpServer.HTTPHandler())
	}

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: cfg.Server.ReadTimeout.Duration,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("listening", "addr", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if mqConn != nil {
		consumer := mq.NewConsumer(mqConn, logger, mq.ConsumerConfig{
			Queue:    mq.QueueBatchesRequested,
			Handler:  c.HandleBatchRequested,
			Prefetch: cfg.AMQP.Prefetch,
		})
		g.Go(func() error {
			err := consumer.Start(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	// Ожидаем сигнал завершения или падение одного из компонентов
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		pool, err := repo.NewPool(ctx, cfg.DSN, int32(cfg.MaxConns))
		if err != nil {
			return nil, err
		}
		st, err := repo.NewPostgresStore(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, err
		}
		return st, nil
	default:
		st, err := repo.NewSQLiteStore(ctx, cfg.Path)
		if err != nil {
			return nil, err
		}
		return st, nil
	}
}

func newExecutor(cfg config.ExecutorConfig) (worker.Executor, error) {
	if cfg.Kind == config.ExecutorHTTP {
		executor, err := worker.NewHTTPExecutor(worker.HTTPExecutorConfig{
			URL:     cfg.URL,
			Method:  cfg.Method,
			Param:   cfg.Param,
			Headers: cfg.Headers,
			Timeout: cfg.Timeout.Duration,
		})
		if err != nil {
			return nil, err
		}
		return executor, nil
	}
	return &worker.StubExecutor{Latency: cfg.StubLatency.Duration}, nil
}
