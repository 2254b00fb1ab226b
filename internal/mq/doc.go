// Package mq предоставляет инфраструктуру для работы с RabbitMQ.
//
// Структура:
//   - connection.go — соединение с RabbitMQ (reconnect, graceful shutdown)
//   - topology.go   — объявление exchanges, queues, bindings
//   - publisher.go  — публикация сообщений
//   - consumer.go   — потребление сообщений, ack/nack/DLQ
//   - notifier.go   — события завершения для Orchestrator
//
// Типы сообщений:
//   - batch.requested    — запрос на запуск пакета {run_id, container_ids}
//   - activity.finished  — терминальный outcome контейнера
//   - run.finished       — run завершён (COMPLETED/FAILED)
//
// Exchanges:
//   - berth.batches  — входящие запросы
//   - berth.events   — события завершения
//   - berth.dlq      — dead letter queue
package mq
