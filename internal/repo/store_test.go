package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Berth/internal/domain"
)

// store — общий контракт PostgresStore и SQLiteStore.
type store interface {
	CreateRun(ctx context.Context, run *domain.BatchRun) (*domain.BatchRun, bool, error)
	GetRun(ctx context.Context, id string) (*domain.BatchRun, error)
	UpdateRun(ctx context.Context, run *domain.BatchRun) error
	ListUnfinished(ctx context.Context) ([]*domain.BatchRun, error)
	ListAttempts(ctx context.Context, runID string) ([]domain.ActivityAttempt, error)
	StartAttempt(ctx context.Context, a *domain.ActivityAttempt) error
	FinishAttempt(ctx context.Context, a *domain.ActivityAttempt, o *domain.ActivityOutcome) error
	RecordOutcome(ctx context.Context, runID string, o *domain.ActivityOutcome) error
	Ping(ctx context.Context) error
}

var (
	_ store = (*PostgresStore)(nil)
	_ store = (*SQLiteStore)(nil)
)

var runSeq int

func uniqueRunID(prefix string) string {
	runSeq++
	return fmt.Sprintf("%s-%d-%d", prefix, time.Now().UnixNano(), runSeq)
}

func startedAttempt(runID, containerID string, n int) *domain.ActivityAttempt {
	return &domain.ActivityAttempt{
		RunID:       runID,
		ContainerID: containerID,
		Number:      n,
		Status:      domain.AttemptStatusStarted,
		StartedAt:   time.Now().UTC(),
	}
}

// testStoreContract проверяет поведение, общее для всех хранилищ.
func testStoreContract(t *testing.T, s store) {
	ctx := context.Background()

	t.Run("create is idempotent", func(t *testing.T) {
		id := uniqueRunID("create")
		run := domain.NewBatchRun(id, []string{"C", "A", "B", "A"})

		created, ok, err := s.CreateRun(ctx, run)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, run.ID, created.ID)

		again, ok, err := s.CreateRun(ctx, domain.NewBatchRun(id, []string{"X"}))
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, []string{"C", "A", "B", "A"}, again.ContainerIDs, "existing run wins")
		assert.Equal(t, domain.RunStatusPending, again.Status)
	})

	t.Run("get missing run", func(t *testing.T) {
		_, err := s.GetRun(ctx, "no-such-run")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("update run", func(t *testing.T) {
		run := domain.NewBatchRun(uniqueRunID("update"), []string{"A"})
		_, _, err := s.CreateRun(ctx, run)
		require.NoError(t, err)

		run.MarkRunning()
		require.NoError(t, s.UpdateRun(ctx, run))

		got, err := s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.RunStatusRunning, got.Status)
		require.NotNil(t, got.StartedAt)
		assert.WithinDuration(t, *run.StartedAt, *got.StartedAt, time.Millisecond)

		run.MarkFailed("orchestrator fault: disk full")
		require.NoError(t, s.UpdateRun(ctx, run))

		got, err = s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.RunStatusFailed, got.Status)
		assert.Equal(t, "orchestrator fault: disk full", got.Error)
		assert.NotNil(t, got.FinishedAt)

		missing := domain.NewBatchRun("no-such-run", nil)
		assert.ErrorIs(t, s.UpdateRun(ctx, missing), ErrNotFound)
	})

	t.Run("attempt journal", func(t *testing.T) {
		run := domain.NewBatchRun(uniqueRunID("journal"), []string{"A", "B"})
		_, _, err := s.CreateRun(ctx, run)
		require.NoError(t, err)

		// A: FAILED с запланированным retry, затем SUCCEEDED
		a1 := startedAttempt(run.ID, "A", 1)
		require.NoError(t, s.StartAttempt(ctx, a1))
		assert.ErrorIs(t, s.StartAttempt(ctx, a1), ErrAlreadyExists)

		a1.MarkFailed(time.Now().UTC(), domain.ErrorKindTransient, "HTTP 503")
		a1.ScheduleRetry(1500 * time.Microsecond)
		require.NoError(t, s.FinishAttempt(ctx, a1, nil))
		assert.ErrorIs(t, s.FinishAttempt(ctx, a1, nil), ErrInvalidState, "finished attempt is immutable")

		a2 := startedAttempt(run.ID, "A", 2)
		require.NoError(t, s.StartAttempt(ctx, a2))
		a2.MarkSucceeded(time.Now().UTC())
		success := domain.SucceededOutcome("A", json.RawMessage(`{"found":true}`), 2, *a2.FinishedAt)
		require.NoError(t, s.FinishAttempt(ctx, a2, success))

		// B: прерван рестартом
		b1 := startedAttempt(run.ID, "B", 1)
		require.NoError(t, s.StartAttempt(ctx, b1))

		attempts, err := s.ListAttempts(ctx, run.ID)
		require.NoError(t, err)
		require.Len(t, attempts, 3)

		assert.Equal(t, "A", attempts[0].ContainerID)
		assert.Equal(t, 1, attempts[0].Number)
		assert.Equal(t, domain.AttemptStatusFailed, attempts[0].Status)
		assert.Equal(t, domain.ErrorKindTransient, attempts[0].ErrorKind)
		assert.Equal(t, "HTTP 503", attempts[0].Error)
		assert.Equal(t, 1500*time.Microsecond, attempts[0].RetryDelay)
		require.NotNil(t, attempts[0].NextAttemptAt)
		assert.WithinDuration(t, *a1.NextAttemptAt, *attempts[0].NextAttemptAt, time.Millisecond)

		assert.Equal(t, domain.AttemptStatusSucceeded, attempts[1].Status)
		assert.Nil(t, attempts[1].NextAttemptAt)

		assert.Equal(t, "B", attempts[2].ContainerID)
		assert.Equal(t, domain.AttemptStatusStarted, attempts[2].Status)
		assert.Nil(t, attempts[2].FinishedAt)

		got, err := s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		require.Len(t, got.Outcomes, 1)
		outcome := got.Outcomes["A"]
		require.NotNil(t, outcome)
		assert.True(t, outcome.Succeeded())
		assert.Equal(t, 2, outcome.Attempts)
		assert.JSONEq(t, `{"found":true}`, string(outcome.Payload))
		assert.Nil(t, outcome.Error)
	})

	t.Run("outcome is written once", func(t *testing.T) {
		run := domain.NewBatchRun(uniqueRunID("outcome"), []string{"A"})
		_, _, err := s.CreateRun(ctx, run)
		require.NoError(t, err)

		givenUp := domain.GivenUpOutcome("A", domain.ErrorKindRetriesExhausted, "HTTP 503", 3, time.Now().UTC())
		require.NoError(t, s.RecordOutcome(ctx, run.ID, givenUp))
		assert.ErrorIs(t, s.RecordOutcome(ctx, run.ID, givenUp), ErrAlreadyExists)

		got, err := s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		outcome := got.Outcomes["A"]
		require.NotNil(t, outcome)
		assert.Equal(t, domain.OutcomeGivenUp, outcome.Status)
		require.NotNil(t, outcome.Error)
		assert.Equal(t, domain.ErrorKindRetriesExhausted, outcome.Error.Kind)
		assert.Equal(t, "HTTP 503", outcome.Error.Reason)
		assert.True(t, outcome.Error.Exhausted)
		assert.Nil(t, outcome.Payload)
	})

	t.Run("failed finish rolls back outcome", func(t *testing.T) {
		run := domain.NewBatchRun(uniqueRunID("rollback"), []string{"A"})
		_, _, err := s.CreateRun(ctx, run)
		require.NoError(t, err)

		// Попытка не была начата: UPDATE не находит STARTED
		a := startedAttempt(run.ID, "A", 1)
		a.MarkSucceeded(time.Now().UTC())
		err = s.FinishAttempt(ctx, a, domain.SucceededOutcome("A", json.RawMessage(`{}`), 1, *a.FinishedAt))
		assert.ErrorIs(t, err, ErrInvalidState)

		got, err := s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Empty(t, got.Outcomes)
	})

	t.Run("list unfinished", func(t *testing.T) {
		pending := domain.NewBatchRun(uniqueRunID("unfinished"), []string{"A"})
		running := domain.NewBatchRun(uniqueRunID("unfinished"), []string{"B"})
		done := domain.NewBatchRun(uniqueRunID("unfinished"), []string{"C"})

		for _, run := range []*domain.BatchRun{pending, running, done} {
			_, _, err := s.CreateRun(ctx, run)
			require.NoError(t, err)
		}
		running.MarkRunning()
		require.NoError(t, s.UpdateRun(ctx, running))
		done.MarkCompleted()
		require.NoError(t, s.UpdateRun(ctx, done))

		runs, err := s.ListUnfinished(ctx)
		require.NoError(t, err)

		ids := make(map[string]domain.RunStatus)
		for _, run := range runs {
			ids[run.ID] = run.Status
		}
		assert.Equal(t, domain.RunStatusPending, ids[pending.ID])
		assert.Equal(t, domain.RunStatusRunning, ids[running.ID])
		assert.NotContains(t, ids, done.ID)
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, s.Ping(ctx))
	})
}
