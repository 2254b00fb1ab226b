package domain

// RunStatus — статус пакетного запуска.
//
// Жизненный цикл:
//
//	PENDING → RUNNING → COMPLETED
//	                  ↘ FAILED (сбой оркестратора или отмена)
type RunStatus string

const (
	// RunStatusPending — run создан и сохранён, activities ещё не запущены.
	RunStatusPending RunStatus = "PENDING"

	// RunStatusRunning — activities выполняются.
	RunStatusRunning RunStatus = "RUNNING"

	// RunStatusCompleted — у каждого контейнера есть терминальный outcome.
	// Упавшие activities не делают run FAILED.
	RunStatusCompleted RunStatus = "COMPLETED"

	// RunStatusFailed — run прерван сбоем оркестратора или отменой.
	RunStatusFailed RunStatus = "FAILED"
)

// IsTerminal возвращает true, если статус финальный (run завершён).
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed:
		return true
	default:
		return false
	}
}

// Valid проверяет, что статус известен.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusCompleted, RunStatusFailed:
		return true
	default:
		return false
	}
}

// AttemptStatus — статус отдельной попытки activity.
//
// Жизненный цикл:
//
//	STARTED → SUCCEEDED
//	        ↘ FAILED
type AttemptStatus string

const (
	// AttemptStatusStarted — попытка записана, executor вызван, результата ещё нет.
	AttemptStatusStarted AttemptStatus = "STARTED"

	// AttemptStatusSucceeded — executor вернул payload.
	AttemptStatusSucceeded AttemptStatus = "SUCCEEDED"

	// AttemptStatusFailed — executor вернул ошибку (или попытка прервана).
	AttemptStatusFailed AttemptStatus = "FAILED"
)

// IsTerminal возвращает true, если попытка завершена.
func (s AttemptStatus) IsTerminal() bool {
	return s == AttemptStatusSucceeded || s == AttemptStatusFailed
}

// OutcomeStatus — итог activity.
type OutcomeStatus string

const (
	// OutcomeSucceeded — одна из попыток вернула payload.
	OutcomeSucceeded OutcomeStatus = "SUCCEEDED"

	// OutcomeGivenUp — политика retry отказалась от дальнейших попыток.
	OutcomeGivenUp OutcomeStatus = "GIVEN_UP"
)
