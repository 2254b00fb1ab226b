package orchestrator

import "errors"

// Ошибки оркестратора.
var (
	// ErrRunNotFound — run не найден в хранилище.
	ErrRunNotFound = errors.New("run not found")

	// ErrEmptyRunID — пустой ключ run.
	ErrEmptyRunID = errors.New("run id is required")

	// ErrRunAlreadyActive — run уже обрабатывается.
	ErrRunAlreadyActive = errors.New("run already being processed")

	// ErrRunNotActive — run не завершён, но не выполняется в этом процессе.
	ErrRunNotActive = errors.New("run not in active runs")

	// ErrRunFinished — операция невозможна для завершённого run.
	ErrRunFinished = errors.New("run already finished")

	// ErrOrchestratorStopped — оркестратор остановлен.
	ErrOrchestratorStopped = errors.New("orchestrator stopped")

	// ErrInvalidConfig — оркестратор создан без обязательных зависимостей.
	ErrInvalidConfig = errors.New("invalid orchestrator config")
)
