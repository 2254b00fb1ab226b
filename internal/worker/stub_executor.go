package worker

import (
	"context"
	"encoding/json"
	"time"
)

// StubExecutor — executor без внешнего источника, для локального запуска.
//
// Ожидает Latency и возвращает LookupResult с Found=true и пустым JSON-объектом.
// Поддерживает отмену через context.
type StubExecutor struct {
	// Latency — имитация времени ответа источника (default: 0).
	Latency time.Duration
}

// Execute возвращает заглушку для контейнера.
func (e *StubExecutor) Execute(ctx context.Context, containerID string) (json.RawMessage, error) {
	id, err := normalizeContainerID(containerID)
	if err != nil {
		return nil, err
	}

	// Context-aware ожидание
	if e.Latency > 0 {
		timer := time.NewTimer(e.Latency)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return buildResult(id, 200, []byte(`{"source":"stub"}`))
}
