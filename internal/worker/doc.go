// Package worker выполняет activities: один вызов executor на контейнер,
// с retry, таймаутами и durable журналом попыток.
//
// # Ключевые компоненты
//
// ## Executor
//
// Источник данных по одному контейнеру:
//
//	type Executor interface {
//	    Execute(ctx context.Context, containerID string) (json.RawMessage, error)
//	}
//
// Реализации:
//   - HTTPExecutor — запрос к HTTP-источнику (GET с query-параметром или POST с form-полем)
//   - StubExecutor — заглушка для локального запуска без источника
//
// Executor сам не повторяет вызовы. Ошибки классифицируются обёртками
// domain.Transient / domain.Permanent; неклассифицированная ошибка и паника
// считаются временными.
//
// ## Runner
//
// Выполняет activity до терминального outcome:
//
//	runner, err := worker.New(worker.Config{
//	    Executor: executor,
//	    Journal:  store,
//	    Policy:   &policy,
//	    Logger:   logger,
//	    Metrics:  metrics,
//	})
//
//	outcome, err := runner.Run(ctx, runID, containerID, history)
//
// # Цикл попытки
//
//  1. Запись попытки STARTED в журнал
//  2. Вызов executor под deadline = min(start+AttemptTimeout, firstStart+ScheduleToClose)
//  3. Успех → SUCCEEDED и outcome в одной транзакции
//  4. Ошибка → FAILED, решение RetryPolicy
//  5. Retry → в журнал пишется NextAttemptAt, Runner ждёт на таймере
//  6. GiveUp → FAILED и outcome GIVEN_UP в одной транзакции
//
// # Возобновление
//
// history — журнал попыток activity. По нему Run продолжает с места остановки:
// завершённые попытки не повторяются, ожидание retry досыпается до NextAttemptAt,
// попытка, прерванная рестартом (STARTED без результата), закрывается как
// временная ошибка ErrAttemptInterrupted.
//
// # Отмена
//
// Причина отмены ctx различает два случая:
//   - domain.ErrRunCancelled — run отменён: попытка записывается FAILED/cancelled
//   - любая другая — процесс останавливается: попытка остаётся STARTED
//
// Записи в журнал выполняются через context.WithoutCancel с таймаутом
// PersistTimeout, поэтому переход не теряется при отмене.
package worker
