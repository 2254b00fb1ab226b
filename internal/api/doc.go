// Package api содержит HTTP API сервер.
//
// Структура:
//   - handler.go        — Handler с DI (client, хранилище для health, logger)
//   - routes.go         — регистрация маршрутов
//   - middleware.go     — middleware (request_id, logging, recovery)
//   - response.go       — JSON-ответы и отображение ошибок в HTTP коды
//   - dto.go            — Data Transfer Objects (request/response)
//   - batch_handler.go  — обработчики для /batches
//   - health_handler.go — / и /healthz
//
// Отображение ошибок:
//   - client.ErrInvalidRequest         → 400
//   - orchestrator.ErrRunNotFound      → 404
//   - domain.ErrRunCancelled           → 409
//   - orchestrator.ErrRunFinished      → 422
//   - domain.OrchestratorFault         → 500
//   - orchestrator.ErrRunNotActive     → 503
//   - client.ErrTimeout                → 504
package api
