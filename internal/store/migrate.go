package store

import "database/sql"

const migrationSQL = `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS runbooks (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    version INTEGER NOT NULL DEFAULT 1,
    document TEXT NOT NULL,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS executions (
    id TEXT PRIMARY KEY,
    runbook_id TEXT NOT NULL,
    runbook_name TEXT NOT NULL,
    runbook_version INTEGER NOT NULL DEFAULT 1,
    snapshot TEXT NOT NULL,
    trigger_source TEXT NOT NULL,
    alert_id TEXT,
    alert_payload TEXT,
    requested_by TEXT,
    state TEXT NOT NULL,
    reason TEXT,
    current_order INTEGER NOT NULL DEFAULT 0,
    parked INTEGER NOT NULL DEFAULT 0,
    approval_id TEXT,
    created_at TEXT NOT NULL,
    started_at TEXT,
    finished_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_executions_runbook ON executions(runbook_id);
CREATE INDEX IF NOT EXISTS idx_executions_state ON executions(state);
CREATE INDEX IF NOT EXISTS idx_executions_started_at ON executions(started_at);

CREATE TABLE IF NOT EXISTS step_executions (
    execution_id TEXT NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
    phase TEXT NOT NULL,
    step_order INTEGER NOT NULL,
    name TEXT NOT NULL,
    kind TEXT NOT NULL,
    status TEXT NOT NULL,
    exit_code INTEGER,
    status_code INTEGER,
    stdout TEXT,
    stderr TEXT,
    error_msg TEXT,
    started_at TEXT,
    finished_at TEXT,
    PRIMARY KEY (execution_id, phase, step_order)
);

CREATE TABLE IF NOT EXISTS approvals (
    id TEXT PRIMARY KEY,
    execution_id TEXT NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
    step_order INTEGER NOT NULL DEFAULT 0,
    required_roles TEXT NOT NULL,
    status TEXT NOT NULL,
    decided_by TEXT,
    reason TEXT,
    created_at TEXT NOT NULL,
    expires_at TEXT NOT NULL,
    decided_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_approvals_execution ON approvals(execution_id);
CREATE INDEX IF NOT EXISTS idx_approvals_status ON approvals(status);

CREATE TABLE IF NOT EXISTS breakers (
    runbook_id TEXT PRIMARY KEY,
    state TEXT NOT NULL,
    failures INTEGER NOT NULL DEFAULT 0,
    openings INTEGER NOT NULL DEFAULT 0,
    opened_until TEXT,
    last_transition_at TEXT NOT NULL
);
`

// RunMigrations applies the database schema migrations.
func RunMigrations(db *sql.DB) error {
	_, err := db.Exec(migrationSQL)
	return err
}
