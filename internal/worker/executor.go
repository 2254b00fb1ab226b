package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/shaiso/Berth/internal/domain"
)

// Executor выполняет одну activity: получает данные по одному контейнеру.
//
// Executor не делает retry. Повторы, таймауты и журнал — задача Runner.
//
// Классификация ошибок:
//   - domain.PermanentError — повтор бессмысленен (некорректный ID, 4xx)
//   - domain.TransientError или любая другая ошибка — попытку можно повторить
//
// ctx несёт deadline попытки; реализация должна его соблюдать.
type Executor interface {
	Execute(ctx context.Context, containerID string) (json.RawMessage, error)
}

// ExecutorFunc — адаптер обычной функции к Executor.
type ExecutorFunc func(ctx context.Context, containerID string) (json.RawMessage, error)

// Execute вызывает f(ctx, containerID).
func (f ExecutorFunc) Execute(ctx context.Context, containerID string) (json.RawMessage, error) {
	return f(ctx, containerID)
}

// PanicError — executor запаниковал. Считается временной ошибкой.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("%v: %v", ErrExecutorPanic, e.Value)
}

func (e *PanicError) Unwrap() error {
	return ErrExecutorPanic
}

// executeWithRecovery вызывает executor и превращает панику в ошибку.
func executeWithRecovery(ctx context.Context, executor Executor, containerID string) (payload json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			payload = nil
			err = domain.Transient(&PanicError{Value: r, Stack: string(buf[:n])})
		}
	}()

	return executor.Execute(ctx, containerID)
}
