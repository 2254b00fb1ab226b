package repo

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shaiso/Berth/internal/domain"
)

// Общие части PostgresStore и SQLiteStore.
//
// Таблицы:
//   - batch_runs — BatchRun без outcomes
//   - activity_attempts — append-only журнал попыток, ключ (run_id, container_id, attempt)
//   - activity_outcomes — терминальный результат activity, ключ (run_id, container_id)
//
// Попытка завершается ровно один раз: UPDATE ... WHERE status = 'STARTED'.
// Outcome пишется ровно один раз: INSERT ... ON CONFLICT DO NOTHING,
// повторная запись — ErrAlreadyExists.

// encodeContainerIDs сериализует список контейнеров с сохранением порядка.
func encodeContainerIDs(ids []string) ([]byte, error) {
	if ids == nil {
		ids = []string{}
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return nil, fmt.Errorf("marshal container ids: %w", err)
	}
	return data, nil
}

// decodeContainerIDs — обратная операция к encodeContainerIDs.
func decodeContainerIDs(data []byte) ([]string, error) {
	var ids []string
	if len(data) == 0 {
		return []string{}, nil
	}
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("unmarshal container ids: %w", err)
	}
	return ids, nil
}

// outcomeRow — колонки activity_outcomes.
type outcomeRow struct {
	status      string
	payload     []byte
	errorKind   *string
	errorReason *string
	exhausted   bool
	attempts    int
	finishedAt  time.Time
}

// newOutcomeRow раскладывает outcome по колонкам.
func newOutcomeRow(o *domain.ActivityOutcome) outcomeRow {
	row := outcomeRow{
		status:     string(o.Status),
		attempts:   o.Attempts,
		finishedAt: o.FinishedAt.UTC(),
	}
	if len(o.Payload) > 0 {
		row.payload = []byte(o.Payload)
	}
	if o.Error != nil {
		row.errorKind = nullString(string(o.Error.Kind))
		row.errorReason = &o.Error.Reason
		row.exhausted = o.Error.Exhausted
	}
	return row
}

// toOutcome собирает outcome из колонок.
func (r outcomeRow) toOutcome(containerID string) *domain.ActivityOutcome {
	o := &domain.ActivityOutcome{
		ContainerID: containerID,
		Status:      domain.OutcomeStatus(r.status),
		Attempts:    r.attempts,
		FinishedAt:  r.finishedAt.UTC(),
	}
	if len(r.payload) > 0 {
		o.Payload = json.RawMessage(r.payload)
	}
	if r.errorKind != nil {
		o.Error = &domain.OutcomeError{
			Kind:      domain.ErrorKind(*r.errorKind),
			Exhausted: r.exhausted,
		}
		if r.errorReason != nil {
			o.Error.Reason = *r.errorReason
		}
	}
	return o
}

// attemptArgs — значения для UPDATE завершённой попытки.
func attemptArgs(a *domain.ActivityAttempt) (finishedAt, nextAttemptAt *time.Time, errorKind, errMsg *string) {
	if a.FinishedAt != nil {
		t := a.FinishedAt.UTC()
		finishedAt = &t
	}
	if a.NextAttemptAt != nil {
		t := a.NextAttemptAt.UTC()
		nextAttemptAt = &t
	}
	return finishedAt, nextAttemptAt, nullString(string(a.ErrorKind)), nullString(a.Error)
}

// utcPtr переводит nullable время в UTC.
func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// nullString возвращает nil для пустой строки (для NULL в БД).
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// derefString возвращает "" для NULL.
func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
