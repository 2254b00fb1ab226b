// Package telemetry обеспечивает наблюдаемость системы.
//
// Включает:
//   - logging.go — structured logging через slog
//   - metrics.go — Prometheus метрики попыток, outcomes и runs
//   - tracing.go — OpenTelemetry трейсинг (спан на каждую попытку activity)
//
// Сервер экспортирует метрики на /metrics endpoint.
package telemetry
