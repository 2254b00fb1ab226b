package repo

// postgresSchema — схема для PostgresStore. Идемпотентна.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS batch_runs (
	id            TEXT PRIMARY KEY,
	status        TEXT NOT NULL CHECK (status IN ('PENDING', 'RUNNING', 'COMPLETED', 'FAILED')),
	container_ids JSONB NOT NULL,
	error         TEXT,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL,
	started_at    TIMESTAMPTZ,
	finished_at   TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS batch_runs_unfinished_idx
	ON batch_runs (created_at) WHERE status IN ('PENDING', 'RUNNING');

CREATE TABLE IF NOT EXISTS activity_attempts (
	run_id          TEXT NOT NULL REFERENCES batch_runs (id) ON DELETE CASCADE,
	container_id    TEXT NOT NULL,
	attempt         INTEGER NOT NULL CHECK (attempt >= 1),
	status          TEXT NOT NULL CHECK (status IN ('STARTED', 'SUCCEEDED', 'FAILED')),
	started_at      TIMESTAMPTZ NOT NULL,
	finished_at     TIMESTAMPTZ,
	error_kind      TEXT,
	error           TEXT,
	retry_delay_ns  BIGINT NOT NULL DEFAULT 0,
	next_attempt_at TIMESTAMPTZ,
	PRIMARY KEY (run_id, container_id, attempt)
);

CREATE TABLE IF NOT EXISTS activity_outcomes (
	run_id       TEXT NOT NULL REFERENCES batch_runs (id) ON DELETE CASCADE,
	container_id TEXT NOT NULL,
	status       TEXT NOT NULL CHECK (status IN ('SUCCEEDED', 'GIVEN_UP')),
	payload      JSONB,
	error_kind   TEXT,
	error_reason TEXT,
	exhausted    BOOLEAN NOT NULL DEFAULT FALSE,
	attempts     INTEGER NOT NULL,
	finished_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (run_id, container_id)
);
`

// sqliteSchema — схема для SQLiteStore. Идемпотентна.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS batch_runs (
	id            TEXT PRIMARY KEY,
	status        TEXT NOT NULL,
	container_ids TEXT NOT NULL,
	error         TEXT,
	created_at    DATETIME NOT NULL,
	updated_at    DATETIME NOT NULL,
	started_at    DATETIME,
	finished_at   DATETIME
);

CREATE INDEX IF NOT EXISTS batch_runs_status_idx ON batch_runs (status);

CREATE TABLE IF NOT EXISTS activity_attempts (
	run_id          TEXT NOT NULL REFERENCES batch_runs (id) ON DELETE CASCADE,
	container_id    TEXT NOT NULL,
	attempt         INTEGER NOT NULL,
	status          TEXT NOT NULL,
	started_at      DATETIME NOT NULL,
	finished_at     DATETIME,
	error_kind      TEXT,
	error           TEXT,
	retry_delay_ns  INTEGER NOT NULL DEFAULT 0,
	next_attempt_at DATETIME,
	PRIMARY KEY (run_id, container_id, attempt)
);

CREATE TABLE IF NOT EXISTS activity_outcomes (
	run_id       TEXT NOT NULL REFERENCES batch_runs (id) ON DELETE CASCADE,
	container_id TEXT NOT NULL,
	status       TEXT NOT NULL,
	payload      TEXT,
	error_kind   TEXT,
	error_reason TEXT,
	exhausted    BOOLEAN NOT NULL DEFAULT 0,
	attempts     INTEGER NOT NULL,
	finished_at  DATETIME NOT NULL,
	PRIMARY KEY (run_id, container_id)
);
`
