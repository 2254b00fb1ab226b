package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Berth/internal/domain"
)

// memJournal — Journal в памяти.
type memJournal struct {
	mu       sync.Mutex
	attempts []domain.ActivityAttempt
	outcomes map[string]*domain.ActivityOutcome

	startErr  error
	finishErr error
}

func newMemJournal(history ...domain.ActivityAttempt) *memJournal {
	return &memJournal{
		attempts: append([]domain.ActivityAttempt(nil), history...),
		outcomes: make(map[string]*domain.ActivityOutcome),
	}
}

func (j *memJournal) StartAttempt(_ context.Context, a *domain.ActivityAttempt) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.startErr != nil {
		return j.startErr
	}
	j.attempts = append(j.attempts, *a)
	return nil
}

func (j *memJournal) FinishAttempt(_ context.Context, a *domain.ActivityAttempt, o *domain.ActivityOutcome) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.finishErr != nil {
		return j.finishErr
	}
	for i := range j.attempts {
		if j.attempts[i].ContainerID == a.ContainerID && j.attempts[i].Number == a.Number {
			j.attempts[i] = *a
		}
	}
	if o != nil {
		j.outcomes[o.ContainerID] = o
	}
	return nil
}

func (j *memJournal) RecordOutcome(_ context.Context, _ string, o *domain.ActivityOutcome) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.outcomes[o.ContainerID] = o
	return nil
}

func (j *memJournal) snapshot() []domain.ActivityAttempt {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]domain.ActivityAttempt(nil), j.attempts...)
}

func (j *memJournal) outcome(containerID string) *domain.ActivityOutcome {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.outcomes[containerID]
}

func fastPolicy() domain.RetryPolicy {
	return domain.RetryPolicy{
		MaxAttempts:            3,
		BackoffCoefficient:     2.0,
		InitialInterval:        10 * time.Millisecond,
		MaxInterval:            time.Second,
		ScheduleToCloseTimeout: 5 * time.Second,
		AttemptTimeout:         time.Second,
	}
}

func newTestRunner(t *testing.T, executor Executor, journal Journal, policy domain.RetryPolicy) *Runner {
	t.Helper()
	r, err := New(Config{
		Executor: executor,
		Journal:  journal,
		Policy:   &policy,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return r
}

// scripted возвращает ошибки из errs по очереди, затем успех.
func scripted(calls *atomic.Int32, errs ...error) ExecutorFunc {
	return func(ctx context.Context, containerID string) (json.RawMessage, error) {
		n := int(calls.Add(1))
		if n <= len(errs) {
			return nil, errs[n-1]
		}
		return json.RawMessage(`{"container":"` + containerID + `"}`), nil
	}
}

func TestRunner_SucceedsFirstAttempt(t *testing.T) {
	var calls atomic.Int32
	journal := newMemJournal()
	r := newTestRunner(t, scripted(&calls), journal, fastPolicy())

	outcome, err := r.Run(context.Background(), "run-1", "A", nil)
	require.NoError(t, err)

	assert.True(t, outcome.Succeeded())
	assert.Equal(t, 1, outcome.Attempts)
	assert.JSONEq(t, `{"container":"A"}`, string(outcome.Payload))
	assert.Equal(t, int32(1), calls.Load())

	attempts := journal.snapshot()
	require.Len(t, attempts, 1)
	assert.Equal(t, domain.AttemptStatusSucceeded, attempts[0].Status)
	assert.NotNil(t, attempts[0].FinishedAt)
	assert.Equal(t, outcome, journal.outcome("A"))
}

func TestRunner_RetriesTransientThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	journal := newMemJournal()
	r := newTestRunner(t, scripted(&calls,
		domain.Transientf("connection reset"),
		errors.New("unclassified"),
	), journal, fastPolicy())

	outcome, err := r.Run(context.Background(), "run-1", "B", nil)
	require.NoError(t, err)

	assert.True(t, outcome.Succeeded())
	assert.Equal(t, 3, outcome.Attempts)

	attempts := journal.snapshot()
	require.Len(t, attempts, 3)

	assert.Equal(t, domain.AttemptStatusFailed, attempts[0].Status)
	assert.Equal(t, domain.ErrorKindTransient, attempts[0].ErrorKind)
	assert.Equal(t, 10*time.Millisecond, attempts[0].RetryDelay)
	require.NotNil(t, attempts[0].NextAttemptAt)

	assert.Equal(t, domain.ErrorKindTransient, attempts[1].ErrorKind, "unclassified errors are transient")
	assert.Equal(t, 20*time.Millisecond, attempts[1].RetryDelay)

	assert.Equal(t, domain.AttemptStatusSucceeded, attempts[2].Status)
	assert.False(t, attempts[2].StartedAt.Before(*attempts[1].NextAttemptAt))
}

func TestRunner_ExhaustsAttempts(t *testing.T) {
	var calls atomic.Int32
	journal := newMemJournal()
	r := newTestRunner(t, scripted(&calls,
		domain.Transientf("boom 1"),
		domain.Transientf("boom 2"),
		domain.Transientf("boom 3"),
	), journal, fastPolicy())

	outcome, err := r.Run(context.Background(), "run-1", "C", nil)
	require.NoError(t, err)

	assert.Equal(t, domain.OutcomeGivenUp, outcome.Status)
	assert.Equal(t, 3, outcome.Attempts)
	require.NotNil(t, outcome.Error)
	assert.Equal(t, domain.ErrorKindRetriesExhausted, outcome.Error.Kind)
	assert.True(t, outcome.Error.Exhausted)
	assert.Equal(t, "boom 3", outcome.Error.Reason)
	assert.Equal(t, int32(3), calls.Load())

	attempts := journal.snapshot()
	require.Len(t, attempts, 3)
	assert.Nil(t, attempts[2].NextAttemptAt, "no retry after the last attempt")
}

func TestRunner_PermanentErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	journal := newMemJournal()
	r := newTestRunner(t, scripted(&calls, domain.Permanentf("HTTP 400: bad container")), journal, fastPolicy())

	outcome, err := r.Run(context.Background(), "run-1", "D", nil)
	require.NoError(t, err)

	assert.Equal(t, domain.OutcomeGivenUp, outcome.Status)
	assert.Equal(t, 1, outcome.Attempts)
	assert.Equal(t, domain.ErrorKindPermanent, outcome.Error.Kind)
	assert.False(t, outcome.Error.Exhausted)
	assert.Equal(t, "HTTP 400: bad container", outcome.Error.Reason)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRunner_PanicIsTransient(t *testing.T) {
	var calls atomic.Int32
	executor := ExecutorFunc(func(ctx context.Context, containerID string) (json.RawMessage, error) {
		if calls.Add(1) == 1 {
			panic("nil map")
		}
		return json.RawMessage(`{}`), nil
	})

	journal := newMemJournal()
	r := newTestRunner(t, executor, journal, fastPolicy())

	outcome, err := r.Run(context.Background(), "run-1", "E", nil)
	require.NoError(t, err)
	assert.True(t, outcome.Succeeded())
	assert.Equal(t, 2, outcome.Attempts)

	attempts := journal.snapshot()
	assert.Equal(t, domain.ErrorKindTransient, attempts[0].ErrorKind)
	assert.Contains(t, attempts[0].Error, "executor panicked")
}

func TestRunner_PanicLogsStack(t *testing.T) {
	var logs bytes.Buffer
	var calls atomic.Int32
	executor := ExecutorFunc(func(ctx context.Context, containerID string) (json.RawMessage, error) {
		if calls.Add(1) == 1 {
			panic("index out of range")
		}
		return json.RawMessage(`{}`), nil
	})

	policy := fastPolicy()
	r, err := New(Config{
		Executor: executor,
		Journal:  newMemJournal(),
		Policy:   &policy,
		Logger:   slog.New(slog.NewTextHandler(&logs, nil)),
	})
	require.NoError(t, err)

	_, err = r.Run(context.Background(), "run-1", "E", nil)
	require.NoError(t, err)

	out := logs.String()
	assert.Contains(t, out, "level=ERROR")
	assert.Contains(t, out, "executor panicked")
	assert.Contains(t, out, "panic=\"index out of range\"")
	assert.Contains(t, out, "goroutine")
}

func TestRunner_ErrorTextIsValidUTF8(t *testing.T) {
	var calls atomic.Int32
	journal := newMemJournal()
	r := newTestRunner(t, scripted(&calls, domain.Permanent(errors.New("HTTP 400: \xe9chec"))), journal, fastPolicy())

	outcome, err := r.Run(context.Background(), "run-1", "U", nil)
	require.NoError(t, err)

	assert.True(t, utf8.ValidString(outcome.Error.Reason))
	assert.Equal(t, "HTTP 400: \uFFFDchec", outcome.Error.Reason)

	attempts := journal.snapshot()
	require.Len(t, attempts, 1)
	assert.True(t, utf8.ValidString(attempts[0].Error))
}

func TestRunner_AttemptTimeout(t *testing.T) {
	// Executor соблюдает deadline
	executor := ExecutorFunc(func(ctx context.Context, containerID string) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, domain.Transient(ctx.Err())
	})

	policy := fastPolicy()
	policy.MaxAttempts = 2
	policy.AttemptTimeout = 20 * time.Millisecond

	journal := newMemJournal()
	r := newTestRunner(t, executor, journal, policy)

	outcome, err := r.Run(context.Background(), "run-1", "F", nil)
	require.NoError(t, err)

	assert.Equal(t, domain.ErrorKindRetriesExhausted, outcome.Error.Kind)
	assert.Equal(t, 2, outcome.Attempts)
	assert.Contains(t, outcome.Error.Reason, "deadline exceeded")
}

func TestRunner_LateSuccessIsDiscarded(t *testing.T) {
	var calls atomic.Int32
	// Первый вызов игнорирует deadline и возвращает успех после него
	executor := ExecutorFunc(func(ctx context.Context, containerID string) (json.RawMessage, error) {
		if calls.Add(1) == 1 {
			time.Sleep(50 * time.Millisecond)
			return json.RawMessage(`{"late":true}`), nil
		}
		return json.RawMessage(`{"late":false}`), nil
	})

	policy := fastPolicy()
	policy.AttemptTimeout = 20 * time.Millisecond

	journal := newMemJournal()
	r := newTestRunner(t, executor, journal, policy)

	outcome, err := r.Run(context.Background(), "run-1", "G", nil)
	require.NoError(t, err)

	assert.Equal(t, 2, outcome.Attempts)
	assert.JSONEq(t, `{"late":false}`, string(outcome.Payload))

	attempts := journal.snapshot()
	assert.Equal(t, domain.AttemptStatusFailed, attempts[0].Status)
	assert.Contains(t, attempts[0].Error, ErrAttemptTimeout.Error())
}

func TestRunner_ScheduleToCloseBoundsAttempt(t *testing.T) {
	executor := ExecutorFunc(func(ctx context.Context, containerID string) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, domain.Transient(ctx.Err())
	})

	policy := fastPolicy()
	policy.ScheduleToCloseTimeout = 30 * time.Millisecond

	journal := newMemJournal()
	r := newTestRunner(t, executor, journal, policy)

	start := time.Now()
	outcome, err := r.Run(context.Background(), "run-1", "H", nil)
	require.NoError(t, err)

	assert.Less(t, time.Since(start), policy.AttemptTimeout)
	assert.Equal(t, domain.ErrorKindRetriesExhausted, outcome.Error.Kind)
	assert.Equal(t, 1, outcome.Attempts)
}

func TestRunner_ScheduleToCloseExpiresWhileAwaitingRetry(t *testing.T) {
	var calls atomic.Int32
	policy := fastPolicy()
	policy.InitialInterval = 60 * time.Millisecond
	policy.ScheduleToCloseTimeout = 40 * time.Millisecond

	journal := newMemJournal()
	r := newTestRunner(t, scripted(&calls, domain.Transientf("gateway timeout")), journal, policy)

	outcome, err := r.Run(context.Background(), "run-1", "I", nil)
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load(), "no attempt after schedule-to-close")
	assert.Equal(t, domain.OutcomeGivenUp, outcome.Status)
	assert.Equal(t, domain.ErrorKindRetriesExhausted, outcome.Error.Kind)
	assert.Equal(t, "gateway timeout", outcome.Error.Reason)
	assert.Equal(t, 1, outcome.Attempts)
	assert.Equal(t, outcome, journal.outcome("I"))
}

func TestRunner_ResumeAwaitingRetry(t *testing.T) {
	now := time.Now()
	finished := now.Add(-5 * time.Millisecond)
	nextAt := now.Add(30 * time.Millisecond)
	history := []domain.ActivityAttempt{{
		RunID:         "run-1",
		ContainerID:   "J",
		Number:        1,
		Status:        domain.AttemptStatusFailed,
		StartedAt:     now.Add(-10 * time.Millisecond),
		FinishedAt:    &finished,
		ErrorKind:     domain.ErrorKindTransient,
		Error:         "503",
		RetryDelay:    35 * time.Millisecond,
		NextAttemptAt: &nextAt,
	}}

	var calledAt time.Time
	executor := ExecutorFunc(func(ctx context.Context, containerID string) (json.RawMessage, error) {
		calledAt = time.Now()
		return json.RawMessage(`{}`), nil
	})

	journal := newMemJournal(history...)
	r := newTestRunner(t, executor, journal, fastPolicy())

	outcome, err := r.Run(context.Background(), "run-1", "J", history)
	require.NoError(t, err)

	assert.True(t, outcome.Succeeded())
	assert.Equal(t, 2, outcome.Attempts)
	assert.False(t, calledAt.Before(nextAt), "retry must wait for next_attempt_at")

	attempts := journal.snapshot()
	require.Len(t, attempts, 2)
	assert.Equal(t, 2, attempts[1].Number)
}

func TestRunner_ResumeInterruptedAttempt(t *testing.T) {
	history := []domain.ActivityAttempt{{
		RunID:       "run-1",
		ContainerID: "K",
		Number:      1,
		Status:      domain.AttemptStatusStarted,
		StartedAt:   time.Now().Add(-time.Millisecond),
	}}

	var calls atomic.Int32
	journal := newMemJournal(history...)
	r := newTestRunner(t, scripted(&calls), journal, fastPolicy())

	outcome, err := r.Run(context.Background(), "run-1", "K", history)
	require.NoError(t, err)

	assert.True(t, outcome.Succeeded())
	assert.Equal(t, 2, outcome.Attempts)
	assert.Equal(t, int32(1), calls.Load())

	attempts := journal.snapshot()
	require.Len(t, attempts, 2)
	assert.Equal(t, domain.AttemptStatusFailed, attempts[0].Status)
	assert.Equal(t, domain.ErrorKindTransient, attempts[0].ErrorKind)
	assert.Equal(t, ErrAttemptInterrupted.Error(), attempts[0].Error)
}

func TestRunner_ResumeInterruptedLastAttempt(t *testing.T) {
	history := []domain.ActivityAttempt{{
		RunID:       "run-1",
		ContainerID: "L",
		Number:      1,
		Status:      domain.AttemptStatusStarted,
		StartedAt:   time.Now(),
	}}

	var calls atomic.Int32
	policy := fastPolicy()
	policy.MaxAttempts = 1

	journal := newMemJournal(history...)
	r := newTestRunner(t, scripted(&calls), journal, policy)

	outcome, err := r.Run(context.Background(), "run-1", "L", history)
	require.NoError(t, err)

	assert.Zero(t, calls.Load())
	assert.Equal(t, domain.ErrorKindRetriesExhausted, outcome.Error.Kind)
	assert.Equal(t, 1, outcome.Attempts)
}

func TestRunner_InconsistentHistory(t *testing.T) {
	finished := time.Now()
	for name, history := range map[string][]domain.ActivityAttempt{
		"gap in numbers": {{Number: 2, Status: domain.AttemptStatusStarted}},
		"terminal attempt without outcome": {{
			Number:     1,
			Status:     domain.AttemptStatusSucceeded,
			FinishedAt: &finished,
		}},
	} {
		t.Run(name, func(t *testing.T) {
			var calls atomic.Int32
			r := newTestRunner(t, scripted(&calls), newMemJournal(history...), fastPolicy())

			outcome, err := r.Run(context.Background(), "run-1", "M", history)
			require.Error(t, err)
			assert.Nil(t, outcome)
			assert.True(t, domain.IsFault(err))
			assert.ErrorIs(t, err, ErrInconsistentHistory)
			assert.Zero(t, calls.Load())
		})
	}
}

func TestRunner_ResumeCancelledAttempt(t *testing.T) {
	// Процесс упал после записи cancelled-попытки, но до FAILED для run
	started := time.Now().Add(-time.Second)
	finished := started.Add(10 * time.Millisecond)
	history := []domain.ActivityAttempt{{
		RunID:       "run-1",
		ContainerID: "V",
		Number:      1,
		Status:      domain.AttemptStatusFailed,
		StartedAt:   started,
		FinishedAt:  &finished,
		ErrorKind:   domain.ErrorKindCancelled,
		Error:       "run cancelled: operator request",
	}}

	var calls atomic.Int32
	journal := newMemJournal(history...)
	r := newTestRunner(t, scripted(&calls), journal, fastPolicy())

	outcome, err := r.Run(context.Background(), "run-1", "V", history)
	assert.Nil(t, outcome)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRunCancelled)
	assert.False(t, domain.IsFault(err))
	assert.EqualError(t, err, "run cancelled: operator request")

	assert.Zero(t, calls.Load())
	assert.Len(t, journal.snapshot(), 1)
	assert.Nil(t, journal.outcome("V"))
}

// blocking возвращает executor, который ждёт отмены и сообщает о старте.
func blocking(started chan<- struct{}) ExecutorFunc {
	return func(ctx context.Context, containerID string) (json.RawMessage, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

func TestRunner_CancelRecordsCancelledAttempt(t *testing.T) {
	started := make(chan struct{})
	journal := newMemJournal()
	r := newTestRunner(t, blocking(started), journal, fastPolicy())

	ctx, cancel := context.WithCancelCause(context.Background())
	go func() {
		<-started
		cancel(domain.ErrRunCancelled)
	}()

	outcome, err := r.Run(ctx, "run-1", "N", nil)
	assert.Nil(t, outcome)
	assert.ErrorIs(t, err, domain.ErrRunCancelled)

	attempts := journal.snapshot()
	require.Len(t, attempts, 1)
	assert.Equal(t, domain.AttemptStatusFailed, attempts[0].Status)
	assert.Equal(t, domain.ErrorKindCancelled, attempts[0].ErrorKind)
	assert.Nil(t, attempts[0].NextAttemptAt)
	assert.Nil(t, journal.outcome("N"))
}

func TestRunner_ShutdownLeavesAttemptStarted(t *testing.T) {
	started := make(chan struct{})
	journal := newMemJournal()
	r := newTestRunner(t, blocking(started), journal, fastPolicy())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	outcome, err := r.Run(ctx, "run-1", "O", nil)
	assert.Nil(t, outcome)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, domain.IsFault(err))

	attempts := journal.snapshot()
	require.Len(t, attempts, 1)
	assert.Equal(t, domain.AttemptStatusStarted, attempts[0].Status)
}

func TestRunner_CancelWhileAwaitingRetry(t *testing.T) {
	var calls atomic.Int32
	policy := fastPolicy()
	policy.InitialInterval = time.Second

	journal := newMemJournal()
	r := newTestRunner(t, scripted(&calls, domain.Transientf("503")), journal, policy)

	ctx, cancel := context.WithCancelCause(context.Background())
	time.AfterFunc(20*time.Millisecond, func() { cancel(domain.ErrRunCancelled) })

	_, err := r.Run(ctx, "run-1", "P", nil)
	assert.ErrorIs(t, err, domain.ErrRunCancelled)
	assert.Equal(t, int32(1), calls.Load())

	attempts := journal.snapshot()
	require.Len(t, attempts, 1)
	assert.NotNil(t, attempts[0].NextAttemptAt)
}

func TestRunner_JournalFailureIsFault(t *testing.T) {
	var calls atomic.Int32
	journal := newMemJournal()
	journal.startErr = errors.New("disk full")
	r := newTestRunner(t, scripted(&calls), journal, fastPolicy())

	outcome, err := r.Run(context.Background(), "run-1", "Q", nil)
	assert.Nil(t, outcome)
	assert.True(t, domain.IsFault(err))
	assert.ErrorContains(t, err, "disk full")
	assert.Zero(t, calls.Load(), "executor must not run without a STARTED record")
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Journal: newMemJournal()})
	assert.ErrorIs(t, err, ErrInvalidRunner)

	_, err = New(Config{Executor: &StubExecutor{}})
	assert.ErrorIs(t, err, ErrInvalidRunner)

	policy := fastPolicy()
	policy.MaxAttempts = 0
	_, err = New(Config{Executor: &StubExecutor{}, Journal: newMemJournal(), Policy: &policy})
	assert.ErrorIs(t, err, domain.ErrInvalidPolicy)

	r, err := New(Config{Executor: &StubExecutor{}, Journal: newMemJournal()})
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultRetryPolicy(), r.Policy())
}

func TestStubExecutor(t *testing.T) {
	e := &StubExecutor{Latency: time.Millisecond}

	payload, err := e.Execute(context.Background(), "abcu1234560")
	require.NoError(t, err)

	var result LookupResult
	require.NoError(t, json.Unmarshal(payload, &result))
	assert.True(t, result.Found)
	assert.Equal(t, "ABCU1234560", result.Container)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = (&StubExecutor{Latency: time.Second}).Execute(ctx, "ABCU1234560")
	assert.ErrorIs(t, err, context.Canceled)
}
