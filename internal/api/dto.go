package api

import (
	"encoding/json"
	"time"

	"github.com/shaiso/Berth/internal/domain"
)

// Batch DTOs

// CreateBatchRequest — запрос на запуск пакета.
// Пустой RunID заменяется сгенерированным UUID.
type CreateBatchRequest struct {
	RunID        string   `json:"run_id,omitempty"`
	ContainerIDs []string `json:"container_ids"`
}

// CancelBatchRequest — запрос на отмену пакета.
type CancelBatchRequest struct {
	Reason string `json:"reason,omitempty"`
}

// BatchResponse — ответ с run.
type BatchResponse struct {
	ID           string            `json:"id"`
	Status       string            `json:"status"`
	ContainerIDs []string          `json:"container_ids"`
	Progress     ProgressResponse  `json:"progress"`
	Results      []OutcomeResponse `json:"results,omitempty"`
	Error        string            `json:"error,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	FinishedAt   *time.Time        `json:"finished_at,omitempty"`
}

// ProgressResponse — прогресс по уникальным контейнерам.
type ProgressResponse struct {
	Total    int `json:"total"`
	Finished int `json:"finished"`
}

// BatchFromDomain конвертирует domain.BatchRun в BatchResponse.
// Results заполняется только когда у каждого контейнера есть outcome.
func BatchFromDomain(r *domain.BatchRun) BatchResponse {
	distinct := r.DistinctContainers()
	resp := BatchResponse{
		ID:           r.ID,
		Status:       string(r.Status),
		ContainerIDs: r.ContainerIDs,
		Progress: ProgressResponse{
			Total:    len(distinct),
			Finished: len(distinct) - len(r.Pending()),
		},
		Error:      r.Error,
		CreatedAt:  r.CreatedAt,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}

	if results, ok := r.Results(); ok && r.Status == domain.RunStatusCompleted {
		resp.Results = OutcomesFromDomain(results)
	}
	return resp
}

// Outcome DTOs

// OutcomeResponse — терминальный результат контейнера.
type OutcomeResponse struct {
	ContainerID string                `json:"container_id"`
	Status      string                `json:"status"`
	Payload     json.RawMessage       `json:"payload,omitempty"`
	Error       *OutcomeErrorResponse `json:"error,omitempty"`
	Attempts    int                   `json:"attempts"`
	FinishedAt  time.Time             `json:"finished_at"`
}

// OutcomeErrorResponse — терминальная ошибка контейнера.
type OutcomeErrorResponse struct {
	Kind      string `json:"kind"`
	Reason    string `json:"reason"`
	Exhausted bool   `json:"exhausted"`
}

// OutcomeFromDomain конвертирует domain.ActivityOutcome в OutcomeResponse.
func OutcomeFromDomain(o domain.ActivityOutcome) OutcomeResponse {
	resp := OutcomeResponse{
		ContainerID: o.ContainerID,
		Status:      string(o.Status),
		Payload:     o.Payload,
		Attempts:    o.Attempts,
		FinishedAt:  o.FinishedAt,
	}
	if o.Error != nil {
		resp.Error = &OutcomeErrorResponse{
			Kind:      string(o.Error.Kind),
			Reason:    o.Error.Reason,
			Exhausted: o.Error.Exhausted,
		}
	}
	return resp
}

// OutcomesFromDomain конвертирует список outcomes с сохранением порядка.
func OutcomesFromDomain(outcomes []domain.ActivityOutcome) []OutcomeResponse {
	result := make([]OutcomeResponse, len(outcomes))
	for i, o := range outcomes {
		result[i] = OutcomeFromDomain(o)
	}
	return result
}

// Attempt DTOs

// AttemptResponse — запись журнала попыток.
type AttemptResponse struct {
	ContainerID   string     `json:"container_id"`
	Attempt       int        `json:"attempt"`
	Status        string     `json:"status"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	Duration      string     `json:"duration,omitempty"`
	ErrorKind     string     `json:"error_kind,omitempty"`
	Error         string     `json:"error,omitempty"`
	RetryDelay    string     `json:"retry_delay,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
}

// AttemptFromDomain конвертирует domain.ActivityAttempt в AttemptResponse.
func AttemptFromDomain(a domain.ActivityAttempt) AttemptResponse {
	resp := AttemptResponse{
		ContainerID:   a.ContainerID,
		Attempt:       a.Number,
		Status:        string(a.Status),
		StartedAt:     a.StartedAt,
		FinishedAt:    a.FinishedAt,
		ErrorKind:     string(a.ErrorKind),
		Error:         a.Error,
		NextAttemptAt: a.NextAttemptAt,
	}
	if a.IsFinished() {
		resp.Duration = a.Duration().String()
	}
	if a.RetryDelay > 0 {
		resp.RetryDelay = a.RetryDelay.String()
	}
	return resp
}

// Health DTOs

// HealthResponse — ответ health check.
type HealthResponse struct {
	Status     string `json:"status"`
	Store      string `json:"store"`
	ActiveRuns int    `json:"active_runs"`
}
