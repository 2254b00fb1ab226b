package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind — класс ошибки activity.
type ErrorKind string

const (
	// ErrorKindTransient — временная ошибка, попытку можно повторить.
	ErrorKindTransient ErrorKind = "transient"

	// ErrorKindPermanent — повтор бессмысленен (некорректный ID, 4xx).
	ErrorKindPermanent ErrorKind = "permanent"

	// ErrorKindRetriesExhausted — закончились попытки или время schedule-to-close.
	ErrorKindRetriesExhausted ErrorKind = "retries_exhausted"

	// ErrorKindCancelled — run отменён во время выполнения activity.
	ErrorKindCancelled ErrorKind = "cancelled"
)

// ErrRunCancelled — причина отмены контекста run.
// Отличает отмену run от остановки процесса: при остановке run возобновляется.
var ErrRunCancelled = errors.New("run cancelled")

// CancelCause восстанавливает причину отмены по её тексту.
// Возвращает nil, если msg не начинается с ErrRunCancelled.
func CancelCause(msg string) error {
	rest, ok := strings.CutPrefix(msg, ErrRunCancelled.Error())
	if !ok {
		return nil
	}
	if rest == "" {
		return ErrRunCancelled
	}
	return fmt.Errorf("%w%s", ErrRunCancelled, rest)
}

// TransientError помечает ошибку как временную.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient оборачивает err в TransientError.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Transientf создаёт TransientError из форматированного сообщения.
func Transientf(format string, args ...any) error {
	return &TransientError{Err: fmt.Errorf(format, args...)}
}

// PermanentError помечает ошибку как окончательную: retry не выполняется.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent оборачивает err в PermanentError.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Permanentf создаёт PermanentError из форматированного сообщения.
func Permanentf(format string, args ...any) error {
	return &PermanentError{Err: fmt.Errorf(format, args...)}
}

// IsPermanent проверяет, что ошибка окончательная.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// RetriesExhaustedError — политика отказалась от повторов.
type RetriesExhaustedError struct {
	Attempts int
	Last     error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *RetriesExhaustedError) Unwrap() error {
	return e.Last
}

// OrchestratorFault — сбой самого оркестратора (хранилище, нарушенный инвариант).
// Такая ошибка делает run FAILED и возвращается из AwaitResult.
type OrchestratorFault struct {
	RunID string
	Err   error
}

func (e *OrchestratorFault) Error() string {
	return fmt.Sprintf("orchestrator fault in run %s: %v", e.RunID, e.Err)
}

func (e *OrchestratorFault) Unwrap() error {
	return e.Err
}

// NewFault создаёт OrchestratorFault.
func NewFault(runID string, err error) error {
	return &OrchestratorFault{RunID: runID, Err: err}
}

// IsFault проверяет, что ошибка — сбой оркестратора.
func IsFault(err error) bool {
	var f *OrchestratorFault
	return errors.As(err, &f)
}

// Classify определяет класс ошибки executor.
// Неизвестные ошибки считаются временными.
func Classify(err error) ErrorKind {
	var re *RetriesExhaustedError
	switch {
	case err == nil:
		return ""
	case IsPermanent(err):
		return ErrorKindPermanent
	case errors.As(err, &re):
		return ErrorKindRetriesExhausted
	default:
		return ErrorKindTransient
	}
}
