package worker

import "errors"

// Ошибки воркера.
var (
	// ErrInvalidContainerID — пустой или некорректный идентификатор контейнера.
	ErrInvalidContainerID = errors.New("invalid container id")

	// ErrHTTPRequest — HTTP-запрос к источнику данных завершился ошибкой.
	ErrHTTPRequest = errors.New("http request failed")

	// ErrResponseTooLarge — тело ответа источника больше допустимого.
	ErrResponseTooLarge = errors.New("response too large")

	// ErrExecutorPanic — executor запаниковал.
	ErrExecutorPanic = errors.New("executor panicked")

	// ErrAttemptTimeout — попытка не уложилась в deadline.
	ErrAttemptTimeout = errors.New("attempt timed out")

	// ErrAttemptInterrupted — попытка прервана рестартом процесса.
	ErrAttemptInterrupted = errors.New("attempt interrupted by restart")

	// ErrInconsistentHistory — журнал попыток в состоянии, из которого нельзя продолжить.
	ErrInconsistentHistory = errors.New("inconsistent attempt history")

	// ErrInvalidRunner — Runner создан без обязательных зависимостей.
	ErrInvalidRunner = errors.New("invalid runner config")
)
