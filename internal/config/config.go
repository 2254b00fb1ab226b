// Package config загружает конфигурацию Berth.
//
// Порядок применения: значения по умолчанию, затем TOML-файл (если есть),
// затем переменные окружения. Длительности задаются строками time.ParseDuration
// ("500ms", "30s").
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/shaiso/Berth/internal/domain"
)

// Поддерживаемые хранилища и executors.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	ExecutorHTTP = "http"
	ExecutorStub = "stub"
)

// ErrInvalidConfig — конфигурация не прошла валидацию.
var ErrInvalidConfig = errors.New("invalid config")

// Duration — time.Duration, читаемая из TOML-строки.
type Duration struct {
	time.Duration
}

// UnmarshalText разбирает строку вида "1m30s".
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText возвращает строковое представление длительности.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config — конфигурация сервера Berth.
type Config struct {
	Server       ServerConfig       `toml:"server"`
	Store        StoreConfig        `toml:"store"`
	AMQP         AMQPConfig         `toml:"amqp"`
	Retry        RetryConfig        `toml:"retry"`
	Executor     ExecutorConfig     `toml:"executor"`
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
	MCP          MCPConfig          `toml:"mcp"`
	Telemetry    TelemetryConfig    `toml:"telemetry"`
}

// ServerConfig — HTTP сервер.
type ServerConfig struct {
	Addr            string   `toml:"addr"`
	ReadTimeout     Duration `toml:"read_timeout"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
	// MaxAwait — верхняя граница ожидания результата в GET /result.
	MaxAwait Duration `toml:"max_await"`
}

// StoreConfig — durable хранилище runs и журнала попыток.
type StoreConfig struct {
	Driver   string `toml:"driver"`
	DSN      string `toml:"dsn"`
	Path     string `toml:"path"`
	MaxConns int    `toml:"max_conns"`
}

// AMQPConfig — RabbitMQ. Пустой URL выключает очереди.
type AMQPConfig struct {
	URL      string `toml:"url"`
	Prefetch int    `toml:"prefetch"`
}

// RetryConfig — RetryPolicy для всех activities.
type RetryConfig struct {
	MaxAttempts            int      `toml:"max_attempts"`
	BackoffCoefficient     float64  `toml:"backoff_coefficient"`
	InitialInterval        Duration `toml:"initial_interval"`
	MaxInterval            Duration `toml:"max_interval"`
	ScheduleToCloseTimeout Duration `toml:"schedule_to_close_timeout"`
	AttemptTimeout         Duration `toml:"attempt_timeout"`
}

// ExecutorConfig — источник данных по контейнерам.
type ExecutorConfig struct {
	Kind        string            `toml:"kind"`
	URL         string            `toml:"url"`
	Method      string            `toml:"method"`
	Param       string            `toml:"param"`
	Headers     map[string]string `toml:"headers"`
	Timeout     Duration          `toml:"timeout"`
	StubLatency Duration          `toml:"stub_latency"`
}

// OrchestratorConfig — параметры orchestrator.
type OrchestratorConfig struct {
	PollInterval   Duration `toml:"poll_interval"`
	PersistTimeout Duration `toml:"persist_timeout"`
	MaxParallel    int      `toml:"max_parallel"`
}

// MCPConfig — MCP сервер на /mcp.
type MCPConfig struct {
	Enabled bool     `toml:"enabled"`
	Timeout Duration `toml:"timeout"`
}

// TelemetryConfig — логи и трейсы.
type TelemetryConfig struct {
	LogLevel     string `toml:"log_level"`
	LogFormat    string `toml:"log_format"`
	OTELEndpoint string `toml:"otel_endpoint"`
	OTELInsecure bool   `toml:"otel_insecure"`
	ServiceName  string `toml:"service_name"`
}

// Default возвращает конфигурацию по умолчанию.
func Default() *Config {
	policy := domain.DefaultRetryPolicy()
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     Duration{15 * time.Second},
			ShutdownTimeout: Duration{30 * time.Second},
			MaxAwait:        Duration{5 * time.Minute},
		},
		Store: StoreConfig{
			Driver:   DriverSQLite,
			Path:     "berth.db",
			MaxConns: 10,
		},
		AMQP: AMQPConfig{
			Prefetch: 10,
		},
		Retry: RetryConfig{
			MaxAttempts:            policy.MaxAttempts,
			BackoffCoefficient:     policy.BackoffCoefficient,
			InitialInterval:        Duration{policy.InitialInterval},
			MaxInterval:            Duration{policy.MaxInterval},
			ScheduleToCloseTimeout: Duration{policy.ScheduleToCloseTimeout},
			AttemptTimeout:         Duration{policy.AttemptTimeout},
		},
		Executor: ExecutorConfig{
			Kind:    ExecutorStub,
			Method:  "GET",
			Param:   "container",
			Timeout: Duration{10 * time.Second},
		},
		Orchestrator: OrchestratorConfig{
			PollInterval:   Duration{30 * time.Second},
			PersistTimeout: Duration{10 * time.Second},
		},
		MCP: MCPConfig{
			Enabled: true,
			Timeout: Duration{60 * time.Second},
		},
		Telemetry: TelemetryConfig{
			LogLevel:    "info",
			LogFormat:   "json",
			ServiceName: "berth",
		},
	}
}

// Load читает конфигурацию из TOML-файла и переменных окружения.
// Отсутствующий файл (или пустой path) — не ошибка: используются значения по умолчанию.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := toml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv переопределяет значения переменными окружения.
// Ошибки разбора собираются все сразу.
func (c *Config) applyEnv() error {
	var errs []error

	c.Server.Addr = envStr("BERTH_ADDR", c.Server.Addr)
	c.Server.MaxAwait.Duration, errs = envDuration("BERTH_MAX_AWAIT", c.Server.MaxAwait.Duration, errs)

	c.Store.Driver = envStr("BERTH_STORE_DRIVER", c.Store.Driver)
	c.Store.DSN = envStr("DATABASE_URL", c.Store.DSN)
	c.Store.Path = envStr("BERTH_SQLITE_PATH", c.Store.Path)
	c.Store.MaxConns, errs = envInt("BERTH_DB_MAX_CONNS", c.Store.MaxConns, errs)

	c.AMQP.URL = envStr("AMQP_URL", c.AMQP.URL)

	c.Retry.MaxAttempts, errs = envInt("BERTH_MAX_ATTEMPTS", c.Retry.MaxAttempts, errs)
	c.Retry.BackoffCoefficient, errs = envFloat("BERTH_BACKOFF_COEFFICIENT", c.Retry.BackoffCoefficient, errs)
	c.Retry.InitialInterval.Duration, errs = envDuration("BERTH_INITIAL_INTERVAL", c.Retry.InitialInterval.Duration, errs)
	c.Retry.MaxInterval.Duration, errs = envDuration("BERTH_MAX_INTERVAL", c.Retry.MaxInterval.Duration, errs)
	c.Retry.ScheduleToCloseTimeout.Duration, errs = envDuration("BERTH_SCHEDULE_TO_CLOSE_TIMEOUT", c.Retry.ScheduleToCloseTimeout.Duration, errs)
	c.Retry.AttemptTimeout.Duration, errs = envDuration("BERTH_ATTEMPT_TIMEOUT", c.Retry.AttemptTimeout.Duration, errs)

	c.Executor.Kind = envStr("BERTH_EXECUTOR", c.Executor.Kind)
	c.Executor.URL = envStr("BERTH_LOOKUP_URL", c.Executor.URL)
	c.Executor.Method = envStr("BERTH_LOOKUP_METHOD", c.Executor.Method)
	c.Executor.Param = envStr("BERTH_LOOKUP_PARAM", c.Executor.Param)
	if ua := os.Getenv("BERTH_LOOKUP_USER_AGENT"); ua != "" {
		if c.Executor.Headers == nil {
			c.Executor.Headers = make(map[string]string)
		}
		c.Executor.Headers["User-Agent"] = ua
	}

	c.Orchestrator.PollInterval.Duration, errs = envDuration("BERTH_POLL_INTERVAL", c.Orchestrator.PollInterval.Duration, errs)
	c.Orchestrator.MaxParallel, errs = envInt("BERTH_MAX_PARALLEL", c.Orchestrator.MaxParallel, errs)

	c.MCP.Enabled, errs = envBool("BERTH_MCP_ENABLED", c.MCP.Enabled, errs)
	c.MCP.Timeout.Duration, errs = envDuration("BERTH_MCP_TIMEOUT", c.MCP.Timeout.Duration, errs)

	c.Telemetry.LogLevel = envStr("LOG_LEVEL", c.Telemetry.LogLevel)
	c.Telemetry.LogFormat = envStr("LOG_FORMAT", c.Telemetry.LogFormat)
	c.Telemetry.OTELEndpoint = envStr("OTEL_EXPORTER_OTLP_ENDPOINT", c.Telemetry.OTELEndpoint)
	c.Telemetry.ServiceName = envStr("OTEL_SERVICE_NAME", c.Telemetry.ServiceName)
	c.Telemetry.OTELInsecure, errs = envBool("OTEL_EXPORTER_OTLP_INSECURE", c.Telemetry.OTELInsecure, errs)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Validate проверяет согласованность конфигурации.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Driver {
	case DriverPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for postgres"))
		}
	case DriverSQLite:
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}

	switch c.Executor.Kind {
	case ExecutorHTTP:
		if c.Executor.URL == "" {
			errs = append(errs, errors.New("executor.url is required for http executor"))
		}
	case ExecutorStub:
	default:
		errs = append(errs, fmt.Errorf("unknown executor %q", c.Executor.Kind))
	}

	if err := c.Policy().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Orchestrator.MaxParallel < 0 {
		errs = append(errs, errors.New("orchestrator.max_parallel must not be negative"))
	}
	if c.Server.MaxAwait.Duration <= 0 {
		errs = append(errs, errors.New("server.max_await must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Policy возвращает RetryPolicy из секции [retry].
func (c *Config) Policy() domain.RetryPolicy {
	return domain.RetryPolicy{
		MaxAttempts:            c.Retry.MaxAttempts,
		BackoffCoefficient:     c.Retry.BackoffCoefficient,
		InitialInterval:        c.Retry.InitialInterval.Duration,
		MaxInterval:            c.Retry.MaxInterval.Duration,
		ScheduleToCloseTimeout: c.Retry.ScheduleToCloseTimeout.Duration,
		AttemptTimeout:         c.Retry.AttemptTimeout.Duration,
	}
}

func envStr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int, errs []error) (int, []error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, errs
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback, append(errs, fmt.Errorf("%s=%q is not a valid integer", key, v))
	}
	return n, errs
}

func envFloat(key string, fallback float64, errs []error) (float64, []error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, errs
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback, append(errs, fmt.Errorf("%s=%q is not a valid number", key, v))
	}
	return f, errs
}

func envBool(key string, fallback bool, errs []error) (bool, []error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, errs
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback, append(errs, fmt.Errorf("%s=%q is not a valid boolean", key, v))
	}
	return b, errs
}

func envDuration(key string, fallback time.Duration, errs []error) (time.Duration, []error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, errs
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback, append(errs, fmt.Errorf("%s=%q is not a valid duration", key, v))
	}
	return d, errs
}
