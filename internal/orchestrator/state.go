package orchestrator

import (
	"context"
	"sync"

	"github.com/shaiso/Berth/internal/domain"
)

// RunState — состояние выполнения одного run в памяти.
//
// RunState создаётся когда Orchestrator начинает (или возобновляет) run
// и удаляется из активных, когда run завершается или процесс останавливается.
//
// Содержит:
//   - Снимок run с outcomes, пополняемый по мере завершения activities
//   - Функцию отмены контекста run
//   - Канал done, закрываемый после durable записи итогового статуса
type RunState struct {
	run    *domain.BatchRun
	cancel context.CancelCauseFunc

	// cancelCause — причина отмены, пришедшей до запуска activities.
	cancelCause error

	// fault — первый сбой оркестратора в activities этого run.
	fault error

	// err — итог для ожидающих: nil, отмена, сбой или остановка процесса.
	err  error
	done chan struct{}

	mu sync.RWMutex
}

// NewRunState создаёт RunState.
func NewRunState(run *domain.BatchRun) *RunState {
	if run.Outcomes == nil {
		run.Outcomes = make(map[string]*domain.ActivityOutcome)
	}
	return &RunState{
		run:  run,
		done: make(chan struct{}),
	}
}

// RunID возвращает ID run.
func (s *RunState) RunID() string {
	return s.run.ID
}

// Done закрывается, когда run завершён (или процесс остановлен).
func (s *RunState) Done() <-chan struct{} {
	return s.done
}

// Snapshot возвращает копию текущего состояния run.
func (s *RunState) Snapshot() *domain.BatchRun {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.run.Clone()
}

// Result возвращает итог run. Вызывать после закрытия Done.
func (s *RunState) Result() (*domain.BatchRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.run.Clone(), s.err
}

// SetOutcome добавляет outcome activity.
func (s *RunState) SetOutcome(outcome *domain.ActivityOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.run.Outcomes[outcome.ContainerID] = outcome
}

// Pending возвращает контейнеры без outcome, в порядке первого появления.
func (s *RunState) Pending() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.run.Pending()
}

// IsComplete проверяет, что у каждого контейнера есть outcome.
func (s *RunState) IsComplete() bool {
	return len(s.Pending()) == 0
}

// SetFault запоминает первый сбой оркестратора.
// Возвращает true, если сбой первый.
func (s *RunState) SetFault(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fault != nil {
		return false
	}
	s.fault = err
	return true
}

// Fault возвращает первый сбой оркестратора.
func (s *RunState) Fault() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fault
}

// Cancel отменяет контекст run с причиной cause.
// Если activities ещё не запущены, отмена применяется при запуске.
func (s *RunState) Cancel(cause error) {
	s.mu.Lock()
	cancel := s.cancel
	if cancel == nil && s.cancelCause == nil {
		s.cancelCause = cause
	}
	s.mu.Unlock()
	if cancel != nil {
		cancel(cause)
	}
}

func (s *RunState) setCancel(cancel context.CancelCauseFunc) {
	s.mu.Lock()
	s.cancel = cancel
	cause := s.cancelCause
	s.mu.Unlock()
	if cause != nil {
		cancel(cause)
	}
}

// update применяет fn к run под мьютексом.
func (s *RunState) update(fn func(run *domain.BatchRun)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.run)
}

// finish фиксирует итог и закрывает Done.
func (s *RunState) finish(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.done)
}

// Stats возвращает статистику выполнения.
func (s *RunState) Stats() RunStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := RunStats{Total: len(s.run.DistinctContainers())}
	for _, o := range s.run.Outcomes {
		if o.Succeeded() {
			stats.Succeeded++
		} else {
			stats.GivenUp++
		}
	}
	stats.Pending = stats.Total - stats.Succeeded - stats.GivenUp
	return stats
}

// RunStats — статистика выполнения run по уникальным контейнерам.
type RunStats struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	GivenUp   int `json:"given_up"`
	Pending   int `json:"pending"`
}

// groupAttempts раскладывает журнал run по контейнерам.
// Порядок попыток внутри контейнера сохраняется.
func groupAttempts(attempts []domain.ActivityAttempt) map[string][]domain.ActivityAttempt {
	history := make(map[string][]domain.ActivityAttempt)
	for _, a := range attempts {
		history[a.ContainerID] = append(history[a.ContainerID], a)
	}
	return history
}
