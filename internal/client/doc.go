// Package client — внешний интерфейс Berth для запуска пакетов.
//
// Client оборачивает Orchestrator:
//
//	h, err := c.StartBatch(ctx, "batch-42", []string{"MSCU1234567", "TGHU7654321"})
//	results, err := c.AwaitResult(ctx, h, 30*time.Second)
//
// results содержит по одному domain.ActivityOutcome на каждый входной
// контейнер в исходном порядке. Ошибка означает одно из:
//   - ErrTimeout — run ещё выполняется
//   - domain.OrchestratorFault — сбой хранилища или планирования
//   - domain.ErrRunCancelled — run отменён
//
// HandleBatchRequested подключается к mq.Consumer очереди batches.requested.
package client
