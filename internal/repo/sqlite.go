package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/shaiso/Berth/internal/domain"
)

// SQLiteStore — встроенное durable хранилище на SQLite.
//
// Для одного процесса без внешней БД: локальный запуск, CLI, тесты
// восстановления после рестарта. Одно соединение, записи сериализуются.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore открывает (или создаёт) базу по пути path и применяет схему.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_time_format=sqlite&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Ping проверяет соединение с БД.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close закрывает соединение.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateRun сохраняет новый run.
//
// Если run с таким ID уже есть, возвращает сохранённый run и created=false.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *domain.BatchRun) (*domain.BatchRun, bool, error) {
	idsJSON, err := encodeContainerIDs(run.ContainerIDs)
	if err != nil {
		return nil, false, err
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO batch_runs (id, status, container_ids, error, created_at, updated_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`,
		run.ID,
		string(run.Status),
		string(idsJSON),
		nullString(run.Error),
		run.CreatedAt.UTC(),
		run.UpdatedAt.UTC(),
		utcPtr(run.StartedAt),
		utcPtr(run.FinishedAt),
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert run: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("insert run: %w", err)
	}
	if n == 0 {
		existing, err := s.GetRun(ctx, run.ID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	return run, true, nil
}

// GetRun возвращает run вместе с outcomes.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*domain.BatchRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, status, container_ids, error, created_at, updated_at, started_at, finished_at
		FROM batch_runs WHERE id = ?
	`, id)

	run, err := scanSQLiteRun(row)
	if err != nil {
		return nil, err
	}

	if run.Outcomes, err = s.listOutcomes(ctx, id); err != nil {
		return nil, err
	}
	return run, nil
}

// UpdateRun сохраняет статус, ошибку и временные метки run.
func (s *SQLiteStore) UpdateRun(ctx context.Context, run *domain.BatchRun) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE batch_runs
		SET status = ?, error = ?, updated_at = ?, started_at = ?, finished_at = ?
		WHERE id = ?
	`,
		string(run.Status),
		nullString(run.Error),
		run.UpdatedAt.UTC(),
		utcPtr(run.StartedAt),
		utcPtr(run.FinishedAt),
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListUnfinished возвращает runs в статусах PENDING и RUNNING
// в порядке создания, вместе с outcomes.
func (s *SQLiteStore) ListUnfinished(ctx context.Context) ([]*domain.BatchRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, container_ids, error, created_at, updated_at, started_at, finished_at
		FROM batch_runs
		WHERE status IN ('PENDING', 'RUNNING')
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list unfinished runs: %w", err)
	}

	// Одно соединение: курсор закрываем до следующих запросов
	var runs []*domain.BatchRun
	for rows.Next() {
		run, err := scanSQLiteRun(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		runs = append(runs, run)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list unfinished runs: %w", err)
	}

	for _, run := range runs {
		if run.Outcomes, err = s.listOutcomes(ctx, run.ID); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

// ListAttempts возвращает журнал попыток run,
// отсортированный по контейнеру и номеру попытки.
func (s *SQLiteStore) ListAttempts(ctx context.Context, runID string) ([]domain.ActivityAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, container_id, attempt, status, started_at, finished_at,
		       error_kind, error, retry_delay_ns, next_attempt_at
		FROM activity_attempts
		WHERE run_id = ?
		ORDER BY container_id, attempt
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var attempts []domain.ActivityAttempt
	for rows.Next() {
		var a domain.ActivityAttempt
		var status string
		var errorKind, errMsg sql.NullString
		var delayNS int64

		if err := rows.Scan(
			&a.RunID,
			&a.ContainerID,
			&a.Number,
			&status,
			&a.StartedAt,
			&a.FinishedAt,
			&errorKind,
			&errMsg,
			&delayNS,
			&a.NextAttemptAt,
		); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}

		a.Status = domain.AttemptStatus(status)
		a.ErrorKind = domain.ErrorKind(errorKind.String)
		a.Error = errMsg.String
		a.RetryDelay = time.Duration(delayNS)
		a.StartedAt = a.StartedAt.UTC()
		a.FinishedAt = utcPtr(a.FinishedAt)
		a.NextAttemptAt = utcPtr(a.NextAttemptAt)
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// StartAttempt сохраняет попытку в статусе STARTED.
func (s *SQLiteStore) StartAttempt(ctx context.Context, a *domain.ActivityAttempt) error {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO activity_attempts (run_id, container_id, attempt, status, started_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (run_id, container_id, attempt) DO NOTHING
	`,
		a.RunID,
		a.ContainerID,
		a.Number,
		string(a.Status),
		a.StartedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: attempt %d for %s/%s", ErrAlreadyExists, a.Number, a.RunID, a.ContainerID)
	}
	return nil
}

// FinishAttempt сохраняет результат попытки и, если outcome не nil,
// outcome activity в той же транзакции.
func (s *SQLiteStore) FinishAttempt(ctx context.Context, a *domain.ActivityAttempt, outcome *domain.ActivityOutcome) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin finish attempt tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	finishedAt, nextAttemptAt, errorKind, errMsg := attemptArgs(a)
	result, err := tx.ExecContext(ctx, `
		UPDATE activity_attempts
		SET status = ?, finished_at = ?, error_kind = ?, error = ?,
		    retry_delay_ns = ?, next_attempt_at = ?
		WHERE run_id = ? AND container_id = ? AND attempt = ? AND status = 'STARTED'
	`,
		string(a.Status),
		finishedAt,
		errorKind,
		errMsg,
		int64(a.RetryDelay),
		nextAttemptAt,
		a.RunID,
		a.ContainerID,
		a.Number,
	)
	if err != nil {
		return fmt.Errorf("update attempt: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: attempt %d for %s/%s is not STARTED", ErrInvalidState, a.Number, a.RunID, a.ContainerID)
	}

	if outcome != nil {
		if err := insertSQLiteOutcome(ctx, tx, a.RunID, outcome); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit finish attempt tx: %w", err)
	}
	return nil
}

// RecordOutcome сохраняет outcome без завершения попытки.
func (s *SQLiteStore) RecordOutcome(ctx context.Context, runID string, outcome *domain.ActivityOutcome) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin record outcome tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertSQLiteOutcome(ctx, tx, runID, outcome); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit record outcome tx: %w", err)
	}
	return nil
}

// --- Helpers ---

func insertSQLiteOutcome(ctx context.Context, tx *sql.Tx, runID string, outcome *domain.ActivityOutcome) error {
	row := newOutcomeRow(outcome)

	var payload *string
	if row.payload != nil {
		p := string(row.payload)
		payload = &p
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO activity_outcomes (run_id, container_id, status, payload, error_kind, error_reason, exhausted, attempts, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, container_id) DO NOTHING
	`,
		runID,
		outcome.ContainerID,
		row.status,
		payload,
		row.errorKind,
		row.errorReason,
		row.exhausted,
		row.attempts,
		row.finishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert outcome: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: outcome for %s/%s", ErrAlreadyExists, runID, outcome.ContainerID)
	}
	return nil
}

func (s *SQLiteStore) listOutcomes(ctx context.Context, runID string) (map[string]*domain.ActivityOutcome, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT container_id, status, payload, error_kind, error_reason, exhausted, attempts, finished_at
		FROM activity_outcomes
		WHERE run_id = ?
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	defer rows.Close()

	outcomes := make(map[string]*domain.ActivityOutcome)
	for rows.Next() {
		var containerID string
		var row outcomeRow
		var payload, errorKind, errorReason sql.NullString

		if err := rows.Scan(
			&containerID,
			&row.status,
			&payload,
			&errorKind,
			&errorReason,
			&row.exhausted,
			&row.attempts,
			&row.finishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}

		if payload.Valid {
			row.payload = []byte(payload.String)
		}
		if errorKind.Valid {
			row.errorKind = &errorKind.String
		}
		if errorReason.Valid {
			row.errorReason = &errorReason.String
		}
		outcomes[containerID] = row.toOutcome(containerID)
	}
	return outcomes, rows.Err()
}

// rowScanner — общий интерфейс *sql.Row и *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRun(row rowScanner) (*domain.BatchRun, error) {
	var run domain.BatchRun
	var status, idsJSON string
	var runError sql.NullString

	err := row.Scan(
		&run.ID,
		&status,
		&idsJSON,
		&runError,
		&run.CreatedAt,
		&run.UpdatedAt,
		&run.StartedAt,
		&run.FinishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}

	if run.ContainerIDs, err = decodeContainerIDs([]byte(idsJSON)); err != nil {
		return nil, err
	}
	run.Status = domain.RunStatus(status)
	run.Error = runError.String
	run.CreatedAt = run.CreatedAt.UTC()
	run.UpdatedAt = run.UpdatedAt.UTC()
	run.StartedAt = utcPtr(run.StartedAt)
	run.FinishedAt = utcPtr(run.FinishedAt)
	run.Outcomes = make(map[string]*domain.ActivityOutcome)
	return &run, nil
}
