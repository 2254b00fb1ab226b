package domain

import (
	"errors"
	"time"
)

// BatchRun — пакетный запуск: по одной activity на каждый контейнер.
//
// BatchRun создаётся когда:
// - Клиент вызывает StartBatch (in-process, HTTP API, MCP tool)
// - Из очереди batches.requested приходит запрос
//
// ID задаётся вызывающей стороной и служит ключом идемпотентности:
// повторный старт с тем же ID возвращает существующий run.
type BatchRun struct {
	// ID — ключ идемпотентности, уникален.
	ID string `json:"id"`

	// ContainerIDs — контейнеры в порядке, заданном при старте.
	// Порядок определяет порядок результатов.
	ContainerIDs []string `json:"container_ids"`

	// Status — текущий статус.
	Status RunStatus `json:"status"`

	// Outcomes — терминальные результаты по containerID.
	// Заполняется по мере завершения activities.
	Outcomes map[string]*ActivityOutcome `json:"outcomes,omitempty"`

	// Error — причина FAILED (сбой оркестратора или отмена).
	Error string `json:"error,omitempty"`

	// CreatedAt — время создания.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt — время последней смены статуса.
	UpdatedAt time.Time `json:"updated_at"`

	// StartedAt — когда run перешёл в RUNNING.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// FinishedAt — когда run стал терминальным.
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// NewBatchRun создаёт run в статусе PENDING.
func NewBatchRun(id string, containerIDs []string) *BatchRun {
	now := time.Now().UTC()
	ids := make([]string, len(containerIDs))
	copy(ids, containerIDs)
	return &BatchRun{
		ID:           id,
		ContainerIDs: ids,
		Status:       RunStatusPending,
		Outcomes:     make(map[string]*ActivityOutcome),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// IsFinished возвращает true, если run завершён (в любом статусе).
func (r *BatchRun) IsFinished() bool {
	return r.Status.IsTerminal()
}

// Duration возвращает продолжительность выполнения.
// Возвращает 0, если run ещё не завершён.
func (r *BatchRun) Duration() time.Duration {
	if r.StartedAt == nil || r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(*r.StartedAt)
}

// MarkRunning переводит run в статус RUNNING.
func (r *BatchRun) MarkRunning() {
	now := time.Now().UTC()
	r.Status = RunStatusRunning
	r.StartedAt = &now
	r.UpdatedAt = now
}

// MarkCompleted переводит run в статус COMPLETED.
func (r *BatchRun) MarkCompleted() {
	now := time.Now().UTC()
	r.Status = RunStatusCompleted
	r.FinishedAt = &now
	r.UpdatedAt = now
}

// MarkFailed переводит run в статус FAILED с ошибкой.
func (r *BatchRun) MarkFailed(err string) {
	now := time.Now().UTC()
	r.Status = RunStatusFailed
	r.FinishedAt = &now
	r.UpdatedAt = now
	r.Error = err
}

// DistinctContainers возвращает контейнеры без повторов, в порядке первого появления.
// Для каждого уникального контейнера запускается ровно одна activity.
func (r *BatchRun) DistinctContainers() []string {
	return Distinct(r.ContainerIDs)
}

// Distinct убирает повторы, сохраняя порядок первого появления.
func Distinct(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Pending возвращает контейнеры, у которых ещё нет outcome.
func (r *BatchRun) Pending() []string {
	var pending []string
	for _, id := range r.DistinctContainers() {
		if _, ok := r.Outcomes[id]; !ok {
			pending = append(pending, id)
		}
	}
	return pending
}

// Results собирает результаты в порядке ContainerIDs.
//
// Возвращает false, если хотя бы у одного контейнера нет outcome:
// частичный список наружу не отдаётся.
func (r *BatchRun) Results() ([]ActivityOutcome, bool) {
	results := make([]ActivityOutcome, len(r.ContainerIDs))
	for i, id := range r.ContainerIDs {
		outcome, ok := r.Outcomes[id]
		if !ok || outcome == nil {
			return nil, false
		}
		results[i] = *outcome
	}
	return results, true
}

// Clone возвращает копию run. Outcomes неизменяемы, копируется только map.
func (r *BatchRun) Clone() *BatchRun {
	c := *r
	c.ContainerIDs = append([]string(nil), r.ContainerIDs...)
	c.Outcomes = make(map[string]*ActivityOutcome, len(r.Outcomes))
	for id, o := range r.Outcomes {
		c.Outcomes[id] = o
	}
	return &c
}

// Err возвращает причину FAILED как error (nil для остальных статусов).
//
// Отменённый run даёт ошибку, совместимую с errors.Is(err, ErrRunCancelled),
// остальные — OrchestratorFault.
func (r *BatchRun) Err() error {
	if r.Status != RunStatusFailed {
		return nil
	}
	if cause := CancelCause(r.Error); cause != nil {
		return cause
	}
	msg := r.Error
	if msg == "" {
		msg = "run failed"
	}
	return NewFault(r.ID, errors.New(msg))
}
