package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Berth/internal/domain"
	"github.com/shaiso/Berth/internal/repo"
	"github.com/shaiso/Berth/internal/worker"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func testPolicy() domain.RetryPolicy {
	return domain.RetryPolicy{
		MaxAttempts:            3,
		BackoffCoefficient:     2.0,
		InitialInterval:        10 * time.Millisecond,
		MaxInterval:            time.Second,
		ScheduleToCloseTimeout: 5 * time.Second,
		AttemptTimeout:         time.Second,
	}
}

func newTestStore(t *testing.T) *repo.SQLiteStore {
	t.Helper()
	return openTestStore(t, filepath.Join(t.TempDir(), "berth.db"))
}

func openTestStore(t *testing.T, path string) *repo.SQLiteStore {
	t.Helper()
	s, err := repo.NewSQLiteStore(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestOrchestrator(t *testing.T, store Store, executor worker.Executor, notifier Notifier) *Orchestrator {
	t.Helper()

	policy := testPolicy()
	runner, err := worker.New(worker.Config{
		Executor: executor,
		Journal:  store,
		Policy:   &policy,
		Logger:   testLogger,
	})
	require.NoError(t, err)

	o, err := New(Config{
		Store:        store,
		Runner:       runner,
		Notifier:     notifier,
		PollInterval: -1,
		Logger:       testLogger,
	})
	require.NoError(t, err)
	require.NoError(t, o.Open(context.Background()))
	t.Cleanup(o.Stop)
	return o
}

// lookup — executor, возвращающий {"container": id}.
func lookup(ctx context.Context, containerID string) (json.RawMessage, error) {
	return json.RawMessage(`{"container":"` + containerID + `"}`), nil
}

// countingExecutor считает вызовы по контейнерам.
type countingExecutor struct {
	mu    sync.Mutex
	calls map[string]int
	fn    worker.ExecutorFunc
}

func newCountingExecutor(fn worker.ExecutorFunc) *countingExecutor {
	return &countingExecutor{calls: make(map[string]int), fn: fn}
}

func (e *countingExecutor) Execute(ctx context.Context, containerID string) (json.RawMessage, error) {
	e.mu.Lock()
	e.calls[containerID]++
	e.mu.Unlock()
	return e.fn(ctx, containerID)
}

func (e *countingExecutor) count(containerID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[containerID]
}

func awaitRun(t *testing.T, o *Orchestrator, runID string) (*domain.BatchRun, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return o.Await(ctx, runID)
}

func TestOrchestrator_MixedOutcomes(t *testing.T) {
	store := newTestStore(t)
	executor := newCountingExecutor(func(ctx context.Context, containerID string) (json.RawMessage, error) {
		if containerID == "B" {
			return nil, domain.Transientf("HTTP 503")
		}
		return lookup(ctx, containerID)
	})
	o := newTestOrchestrator(t, store, executor, nil)

	run, err := o.Start(context.Background(), "run-abc", []string{"A", "B", "C"})
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusRunning, run.Status)

	run, err = awaitRun(t, o, "run-abc")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, run.Status)

	results, ok := run.Results()
	require.True(t, ok)
	require.Len(t, results, 3)

	assert.True(t, results[0].Succeeded())
	assert.JSONEq(t, `{"container":"A"}`, string(results[0].Payload))

	assert.Equal(t, domain.OutcomeGivenUp, results[1].Status)
	assert.Equal(t, domain.ErrorKindRetriesExhausted, results[1].Error.Kind)
	assert.Equal(t, "HTTP 503", results[1].Error.Reason)
	assert.Equal(t, 3, results[1].Attempts)

	assert.True(t, results[2].Succeeded())
	assert.Equal(t, 3, executor.count("B"))

	attempts, err := o.Attempts(context.Background(), "run-abc")
	require.NoError(t, err)
	byContainer := groupAttempts(attempts)
	assert.Len(t, byContainer["A"], 1)
	assert.Len(t, byContainer["B"], 3)
	assert.Len(t, byContainer["C"], 1)

	// Статус записан до уведомления ожидающих
	stored, err := store.GetRun(context.Background(), "run-abc")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, stored.Status)
	assert.Len(t, stored.Outcomes, 3)
}

func TestOrchestrator_ResultsKeepInputOrder(t *testing.T) {
	store := newTestStore(t)
	executor := newCountingExecutor(func(ctx context.Context, containerID string) (json.RawMessage, error) {
		time.Sleep(time.Duration(rand.Intn(20)) * time.Millisecond)
		return lookup(ctx, containerID)
	})
	o := newTestOrchestrator(t, store, executor, nil)

	ids := []string{"E", "C", "A", "D", "A", "B", "C"}
	_, err := o.Start(context.Background(), "run-order", ids)
	require.NoError(t, err)

	run, err := awaitRun(t, o, "run-order")
	require.NoError(t, err)

	results, ok := run.Results()
	require.True(t, ok)
	require.Len(t, results, len(ids))
	for i, id := range ids {
		assert.Equal(t, id, results[i].ContainerID, "position %d", i)
	}

	// Повторяющиеся контейнеры выполняются один раз
	assert.Equal(t, 1, executor.count("A"))
	assert.Equal(t, 1, executor.count("C"))
	assert.Equal(t, results[2], results[4])
}

func TestOrchestrator_StartIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	release := make(chan struct{})
	executor := newCountingExecutor(func(ctx context.Context, containerID string) (json.RawMessage, error) {
		<-release
		return lookup(ctx, containerID)
	})
	o := newTestOrchestrator(t, store, executor, nil)

	first, err := o.Start(context.Background(), "run-idem", []string{"A", "B"})
	require.NoError(t, err)

	// Повтор во время выполнения
	second, err := o.Start(context.Background(), "run-idem", []string{"X"})
	require.NoError(t, err)
	assert.Equal(t, first.ContainerIDs, second.ContainerIDs)
	assert.Equal(t, []string{"run-idem"}, o.ActiveRuns())

	close(release)
	_, err = awaitRun(t, o, "run-idem")
	require.NoError(t, err)

	// Повтор после завершения
	third, err := o.Start(context.Background(), "run-idem", []string{"A", "B"})
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, third.Status)

	assert.Equal(t, 1, executor.count("A"))
	assert.Equal(t, 1, executor.count("B"))

	attempts, err := o.Attempts(context.Background(), "run-idem")
	require.NoError(t, err)
	assert.Len(t, attempts, 2)
}

func TestOrchestrator_EmptyContainerList(t *testing.T) {
	o := newTestOrchestrator(t, newTestStore(t), worker.ExecutorFunc(lookup), nil)

	_, err := o.Start(context.Background(), "run-empty", nil)
	require.NoError(t, err)

	run, err := awaitRun(t, o, "run-empty")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, run.Status)

	results, ok := run.Results()
	assert.True(t, ok)
	assert.Empty(t, results)
}

func TestOrchestrator_Validation(t *testing.T) {
	o := newTestOrchestrator(t, newTestStore(t), worker.ExecutorFunc(lookup), nil)

	_, err := o.Start(context.Background(), "", []string{"A"})
	assert.ErrorIs(t, err, ErrEmptyRunID)

	_, err = o.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)

	_, err = o.Await(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)

	_, err = o.Attempts(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)

	_, err = New(Config{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestOrchestrator_ResumeFromJournal(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	// Состояние после падения: A и B завершены, C ждёт retry
	run := domain.NewBatchRun("run-resume", []string{"A", "B", "C"})
	run.MarkRunning()
	_, _, err := store.CreateRun(ctx, run)
	require.NoError(t, err)

	now := time.Now().UTC()
	finish := func(containerID string, mutate func(a *domain.ActivityAttempt), outcome *domain.ActivityOutcome) {
		a := &domain.ActivityAttempt{
			RunID:       run.ID,
			ContainerID: containerID,
			Number:      1,
			Status:      domain.AttemptStatusStarted,
			StartedAt:   now.Add(-50 * time.Millisecond),
		}
		require.NoError(t, store.StartAttempt(ctx, a))
		mutate(a)
		require.NoError(t, store.FinishAttempt(ctx, a, outcome))
	}

	finish("A", func(a *domain.ActivityAttempt) { a.MarkSucceeded(now) },
		domain.SucceededOutcome("A", json.RawMessage(`{"container":"A"}`), 1, now))
	finish("B", func(a *domain.ActivityAttempt) { a.MarkFailed(now, domain.ErrorKindPermanent, "HTTP 400") },
		domain.GivenUpOutcome("B", domain.ErrorKindPermanent, "HTTP 400", 1, now))
	finish("C", func(a *domain.ActivityAttempt) {
		a.MarkFailed(now, domain.ErrorKindTransient, "HTTP 503")
		a.ScheduleRetry(20 * time.Millisecond)
	}, nil)

	executor := newCountingExecutor(lookup)
	o := newTestOrchestrator(t, store, executor, nil)

	resumed, err := awaitRun(t, o, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, resumed.Status)

	// Только C выполнялась после рестарта
	assert.Equal(t, 0, executor.count("A"))
	assert.Equal(t, 0, executor.count("B"))
	assert.Equal(t, 1, executor.count("C"))

	results, ok := resumed.Results()
	require.True(t, ok)
	assert.True(t, results[0].Succeeded())
	assert.Equal(t, domain.ErrorKindPermanent, results[1].Error.Kind)
	assert.True(t, results[2].Succeeded())
	assert.Equal(t, 2, results[2].Attempts)
}

func TestOrchestrator_StopAndReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "berth.db")
	store := openTestStore(t, path)

	started := make(chan struct{}, 1)
	blocking := newCountingExecutor(func(ctx context.Context, containerID string) (json.RawMessage, error) {
		if containerID == "C" {
			started <- struct{}{}
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return lookup(ctx, containerID)
	})

	// 1. Первый процесс: C зависает, процесс останавливается
	first := newTestOrchestrator(t, store, blocking, nil)
	_, err := first.Start(ctx, "run-crash", []string{"A", "B", "C"})
	require.NoError(t, err)
	<-started

	// Ждём outcomes A и B
	require.Eventually(t, func() bool {
		run, err := store.GetRun(ctx, "run-crash")
		return err == nil && len(run.Outcomes) == 2
	}, 5*time.Second, 10*time.Millisecond)

	first.Stop()

	_, err = first.Await(ctx, "run-crash")
	assert.ErrorIs(t, err, ErrRunNotActive)

	stored, err := store.GetRun(ctx, "run-crash")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusRunning, stored.Status)

	attempts, err := store.ListAttempts(ctx, "run-crash")
	require.NoError(t, err)
	c := groupAttempts(attempts)["C"]
	require.Len(t, c, 1)
	assert.Equal(t, domain.AttemptStatusStarted, c[0].Status)

	// 2. Второй процесс на той же базе
	executor := newCountingExecutor(lookup)
	second := newTestOrchestrator(t, openTestStore(t, path), executor, nil)

	run, err := awaitRun(t, second, "run-crash")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, run.Status)
	assert.Equal(t, 0, executor.count("A"))
	assert.Equal(t, 1, executor.count("C"))

	attempts, err = second.Attempts(ctx, "run-crash")
	require.NoError(t, err)
	c = groupAttempts(attempts)["C"]
	require.Len(t, c, 2)
	assert.Equal(t, domain.AttemptStatusFailed, c[0].Status)
	assert.Equal(t, worker.ErrAttemptInterrupted.Error(), c[0].Error)
	assert.Equal(t, domain.AttemptStatusSucceeded, c[1].Status)
}

func TestOrchestrator_Cancel(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	started := make(chan struct{}, 1)
	executor := worker.ExecutorFunc(func(ctx context.Context, containerID string) (json.RawMessage, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	o := newTestOrchestrator(t, store, executor, nil)

	_, err := o.Start(ctx, "run-cancel", []string{"A"})
	require.NoError(t, err)
	<-started

	run, err := o.Cancel(ctx, "run-cancel", "operator request")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, run.Status)
	assert.Equal(t, "run cancelled: operator request", run.Error)

	_, err = awaitRun(t, o, "run-cancel")
	assert.ErrorIs(t, err, domain.ErrRunCancelled)
	assert.False(t, domain.IsFault(err))

	attempts, err := o.Attempts(ctx, "run-cancel")
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, domain.ErrorKindCancelled, attempts[0].ErrorKind)

	// Повторная отмена завершённого run
	_, err = o.Cancel(ctx, "run-cancel", "")
	assert.ErrorIs(t, err, ErrRunFinished)
}

func TestOrchestrator_ResumeCancelledRun(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	// Процесс упал после записи cancelled-попытки A, но до FAILED для run
	run := domain.NewBatchRun("run-cancelled", []string{"A", "B"})
	run.MarkRunning()
	_, _, err := store.CreateRun(ctx, run)
	require.NoError(t, err)

	now := time.Now().UTC()
	a := &domain.ActivityAttempt{
		RunID:       run.ID,
		ContainerID: "A",
		Number:      1,
		Status:      domain.AttemptStatusStarted,
		StartedAt:   now.Add(-time.Second),
	}
	require.NoError(t, store.StartAttempt(ctx, a))
	a.MarkFailed(now, domain.ErrorKindCancelled, "run cancelled: operator request")
	require.NoError(t, store.FinishAttempt(ctx, a, nil))

	executor := newCountingExecutor(lookup)
	o := newTestOrchestrator(t, store, executor, nil)

	resumed, err := awaitRun(t, o, run.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRunCancelled)
	assert.False(t, domain.IsFault(err))
	assert.Equal(t, domain.RunStatusFailed, resumed.Status)
	assert.Equal(t, "run cancelled: operator request", resumed.Error)
	assert.Equal(t, 0, executor.count("A"))

	stored, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, stored.Status)
	assert.ErrorIs(t, stored.Err(), domain.ErrRunCancelled)
}

// slowCompleteStore задерживает запись COMPLETED до release.
type slowCompleteStore struct {
	*repo.SQLiteStore
	entered chan struct{}
	release chan struct{}
}

func (s *slowCompleteStore) UpdateRun(ctx context.Context, run *domain.BatchRun) error {
	if run.Status == domain.RunStatusCompleted {
		close(s.entered)
		<-s.release
	}
	return s.SQLiteStore.UpdateRun(ctx, run)
}

func TestOrchestrator_CancelAfterCompletion(t *testing.T) {
	ctx := context.Background()
	store := &slowCompleteStore{
		SQLiteStore: newTestStore(t),
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	o := newTestOrchestrator(t, store, worker.ExecutorFunc(lookup), nil)

	_, err := o.Start(ctx, "run-race", []string{"A"})
	require.NoError(t, err)
	<-store.entered

	// Все activities завершены, run ещё записывается как COMPLETED
	type result struct {
		run *domain.BatchRun
		err error
	}
	done := make(chan result, 1)
	go func() {
		run, err := o.Cancel(ctx, "run-race", "too late")
		done <- result{run, err}
	}()
	time.Sleep(20 * time.Millisecond)
	close(store.release)

	res := <-done
	assert.ErrorIs(t, res.err, ErrRunFinished)
	require.NotNil(t, res.run)
	assert.Equal(t, domain.RunStatusCompleted, res.run.Status)

	run, err := awaitRun(t, o, "run-race")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, run.Status)
}

// utf8Store отклоняет невалидный UTF-8 в тексте ошибок, как Postgres.
type utf8Store struct {
	*repo.SQLiteStore
}

func (s *utf8Store) FinishAttempt(ctx context.Context, a *domain.ActivityAttempt, outcome *domain.ActivityOutcome) error {
	if !utf8.ValidString(a.Error) || (outcome != nil && outcome.Error != nil && !utf8.ValidString(outcome.Error.Reason)) {
		return errors.New(`invalid byte sequence for encoding "UTF8"`)
	}
	return s.SQLiteStore.FinishAttempt(ctx, a, outcome)
}

func TestOrchestrator_UpstreamErrorBodyDoesNotFailRun(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("container") == "B" {
			w.WriteHeader(http.StatusBadGateway)
			io.WriteString(w, strings.Repeat("a", 199)+"Жжжж")
			return
		}
		io.WriteString(w, `{"ok":true}`)
	}))
	t.Cleanup(upstream.Close)

	executor, err := worker.NewHTTPExecutor(worker.HTTPExecutorConfig{URL: upstream.URL})
	require.NoError(t, err)

	store := &utf8Store{SQLiteStore: newTestStore(t)}
	o := newTestOrchestrator(t, store, executor, nil)

	_, err = o.Start(context.Background(), "run-utf8", []string{"A", "B", "C"})
	require.NoError(t, err)

	run, err := awaitRun(t, o, "run-utf8")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, run.Status)

	results, ok := run.Results()
	require.True(t, ok)
	assert.True(t, results[0].Succeeded())
	assert.Equal(t, domain.OutcomeGivenUp, results[1].Status)
	assert.True(t, utf8.ValidString(results[1].Error.Reason))
	assert.True(t, results[2].Succeeded())
}

// faultyStore отказывает при записи попыток контейнера failOn.
type faultyStore struct {
	*repo.SQLiteStore
	failOn string
}

func (s *faultyStore) StartAttempt(ctx context.Context, a *domain.ActivityAttempt) error {
	if a.ContainerID == s.failOn {
		return errors.New("disk I/O error")
	}
	return s.SQLiteStore.StartAttempt(ctx, a)
}

func TestOrchestrator_StoreFaultFailsRun(t *testing.T) {
	ctx := context.Background()
	store := &faultyStore{SQLiteStore: newTestStore(t), failOn: "B"}
	o := newTestOrchestrator(t, store, worker.ExecutorFunc(lookup), nil)

	_, err := o.Start(ctx, "run-fault", []string{"A", "B"})
	require.NoError(t, err)

	run, err := awaitRun(t, o, "run-fault")
	require.Error(t, err)
	assert.True(t, domain.IsFault(err))
	assert.ErrorContains(t, err, "disk I/O error")
	assert.Equal(t, domain.RunStatusFailed, run.Status)

	// Persisted FAILED восстанавливает сбой
	stored, err := store.GetRun(ctx, "run-fault")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, stored.Status)
	assert.True(t, domain.IsFault(stored.Err()))
}

// recordingNotifier запоминает события и статус run в хранилище в момент события.
type recordingNotifier struct {
	store Store

	mu         sync.Mutex
	activities []string
	runStatus  domain.RunStatus
	finished   atomic.Bool
}

func (n *recordingNotifier) ActivityFinished(ctx context.Context, runID string, outcome *domain.ActivityOutcome) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.activities = append(n.activities, outcome.ContainerID)
	return nil
}

func (n *recordingNotifier) RunFinished(ctx context.Context, run *domain.BatchRun) error {
	stored, err := n.store.GetRun(ctx, run.ID)
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.runStatus = stored.Status
	n.mu.Unlock()
	n.finished.Store(true)
	return errors.New("broker unavailable")
}

func TestOrchestrator_NotifiesAfterDurableWrite(t *testing.T) {
	store := newTestStore(t)
	notifier := &recordingNotifier{store: store}
	o := newTestOrchestrator(t, store, worker.ExecutorFunc(lookup), notifier)

	_, err := o.Start(context.Background(), "run-notify", []string{"A", "B", "A"})
	require.NoError(t, err)

	_, err = awaitRun(t, o, "run-notify")
	require.NoError(t, err, "notifier errors do not fail the run")

	require.Eventually(t, notifier.finished.Load, 5*time.Second, 5*time.Millisecond)

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	assert.ElementsMatch(t, []string{"A", "B"}, notifier.activities)
	assert.Equal(t, domain.RunStatusCompleted, notifier.runStatus)
}

func TestOrchestrator_StoppedRejectsStart(t *testing.T) {
	o := newTestOrchestrator(t, newTestStore(t), worker.ExecutorFunc(lookup), nil)
	o.Stop()

	_, err := o.Start(context.Background(), "run-late", []string{"A"})
	assert.ErrorIs(t, err, ErrOrchestratorStopped)
	assert.ErrorIs(t, o.Open(context.Background()), ErrOrchestratorStopped)
}
