package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// NewExecutionID generates a new ULID-based execution identifier. ULIDs sort
// by creation time, which keeps execution listings cheap.
func NewExecutionID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// SQLiteStore implements Store backed by SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for use by other packages.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

const timeFormat = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeFormat), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

type scanner interface{ Scan(...any) error }

// --- runbooks ---

// SaveRunbook inserts or updates a runbook document.
func (s *SQLiteStore) SaveRunbook(ctx context.Context, rec *RunbookRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runbooks (id, name, version, document, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			version = excluded.version,
			document = excluded.document,
			updated_at = excluded.updated_at`,
		rec.ID, rec.Name, rec.Version, rec.Document,
		formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt),
	)
	return err
}

func (s *SQLiteStore) scanRunbook(row scanner) (*RunbookRecord, error) {
	var r RunbookRecord
	var createdAt, updatedAt string
	if err := row.Scan(&r.ID, &r.Name, &r.Version, &r.Document, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &r, nil
}

// GetRunbook retrieves a single runbook by ID. Returns nil when not found.
func (s *SQLiteStore) GetRunbook(ctx context.Context, id string) (*RunbookRecord, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, name, version, document, created_at, updated_at FROM runbooks WHERE id = ?", id)
	rec, err := s.scanRunbook(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

// ListRunbooks returns all runbook records ordered by name.
func (s *SQLiteStore) ListRunbooks(ctx context.Context) ([]*RunbookRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, version, document, created_at, updated_at FROM runbooks ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*RunbookRecord
	for rows.Next() {
		rec, err := s.scanRunbook(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// DeleteRunbook removes a runbook document.
func (s *SQLiteStore) DeleteRunbook(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM runbooks WHERE id = ?", id)
	return err
}

// --- executions ---

const selectExecutionCols = `id, runbook_id, runbook_name, runbook_version, snapshot,
	trigger_source, alert_id, alert_payload, requested_by, state, reason, current_order,
	parked, approval_id, created_at, started_at, finished_at`

// SaveExecution inserts or updates an execution record.
func (s *SQLiteStore) SaveExecution(ctx context.Context, exec *Execution) error {
	if exec.ID == "" {
		exec.ID = NewExecutionID()
	}
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = time.Now().UTC()
	}

	parked := 0
	if exec.Parked {
		parked = 1
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (
			id, runbook_id, runbook_name, runbook_version, snapshot,
			trigger_source, alert_id, alert_payload, requested_by, state, reason,
			current_order, parked, approval_id, created_at, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			reason = excluded.reason,
			current_order = excluded.current_order,
			parked = excluded.parked,
			approval_id = excluded.approval_id,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at`,
		exec.ID, exec.RunbookID, exec.RunbookName, exec.RunbookVersion, exec.Snapshot,
		exec.TriggerSource, nullString(exec.AlertID), nullString(exec.AlertPayload),
		nullString(exec.RequestedBy),
		exec.State, nullString(exec.Reason), exec.CurrentOrder, parked,
		nullString(exec.ApprovalID), formatTime(exec.CreatedAt),
		formatTimePtr(exec.StartedAt), formatTimePtr(exec.FinishedAt),
	)
	return err
}

func (s *SQLiteStore) scanExecution(row scanner) (*Execution, error) {
	var e Execution
	var createdAt string
	var alertID, alertPayload, requestedBy, reason, approvalID, startedAt, finishedAt sql.NullString
	var parked int

	err := row.Scan(
		&e.ID, &e.RunbookID, &e.RunbookName, &e.RunbookVersion, &e.Snapshot,
		&e.TriggerSource, &alertID, &alertPayload, &requestedBy, &e.State, &reason,
		&e.CurrentOrder, &parked, &approvalID, &createdAt, &startedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}

	e.AlertID = alertID.String
	e.AlertPayload = alertPayload.String
	e.RequestedBy = requestedBy.String
	e.Reason = reason.String
	e.ApprovalID = approvalID.String
	e.Parked = parked != 0

	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if e.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if e.FinishedAt, err = parseTimePtr(finishedAt); err != nil {
		return nil, fmt.Errorf("parse finished_at: %w", err)
	}
	return &e, nil
}

// GetExecution retrieves a single execution by ID. Returns nil when not found.
func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+selectExecutionCols+" FROM executions WHERE id = ?", id)
	exec, err := s.scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return exec, err
}

// ListExecutions returns executions matching the given options, newest first.
func (s *SQLiteStore) ListExecutions(ctx context.Context, opts ListOpts) ([]*Execution, error) {
	query := "SELECT " + selectExecutionCols + " FROM executions"
	var conds []string
	var args []any

	if opts.RunbookID != "" {
		conds = append(conds, "runbook_id = ?")
		args = append(args, opts.RunbookID)
	}
	if opts.State != "" {
		conds = append(conds, "state = ?")
		args = append(args, opts.State)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		e, err := s.scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

// ListExecutionsInStates returns all executions currently in any of the given
// states, oldest first. Used by crash recovery and the approval sweeper.
func (s *SQLiteStore) ListExecutionsInStates(ctx context.Context, states ...string) ([]*Execution, error) {
	if len(states) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(states)), ",")
	args := make([]any, len(states))
	for i, st := range states {
		args[i] = st
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+selectExecutionCols+" FROM executions WHERE state IN ("+placeholders+") ORDER BY created_at",
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		e, err := s.scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

// StartsSince returns the start instants of the runbook's executions at or
// after the given instant, oldest first. Seeds the rate limiter window at boot.
func (s *SQLiteStore) StartsSince(ctx context.Context, runbookID string, since time.Time) ([]time.Time, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT started_at FROM executions
		 WHERE runbook_id = ? AND started_at >= ? ORDER BY started_at`,
		runbookID, formatTime(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var starts []time.Time
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		t, err := parseTime(raw)
		if err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		starts = append(starts, t)
	}
	return starts, rows.Err()
}

// LastStartAt returns the most recent execution start for the runbook, or nil.
func (s *SQLiteStore) LastStartAt(ctx context.Context, runbookID string) (*time.Time, error) {
	var last sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT MAX(started_at) FROM executions WHERE runbook_id = ?", runbookID).Scan(&last)
	if err != nil {
		return nil, err
	}
	return parseTimePtr(last)
}

// --- step executions ---

const selectStepCols = `execution_id, phase, step_order, name, kind, status,
	exit_code, status_code, stdout, stderr, error_msg, started_at, finished_at`

// SaveStepExecution inserts or updates a step execution record, keyed by
// (execution, phase, order).
func (s *SQLiteStore) SaveStepExecution(ctx context.Context, step *StepExecution) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO step_executions (
			execution_id, phase, step_order, name, kind, status,
			exit_code, status_code, stdout, stderr, error_msg, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(execution_id, phase, step_order) DO UPDATE SET
			status = excluded.status,
			exit_code = excluded.exit_code,
			status_code = excluded.status_code,
			stdout = excluded.stdout,
			stderr = excluded.stderr,
			error_msg = excluded.error_msg,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at`,
		step.ExecutionID, step.Phase, step.Order, step.Name, step.Kind, step.Status,
		step.ExitCode, step.StatusCode, nullString(step.Stdout), nullString(step.Stderr),
		nullString(step.ErrorMsg), formatTimePtr(step.StartedAt), formatTimePtr(step.FinishedAt),
	)
	return err
}

func (s *SQLiteStore) scanStep(row scanner) (*StepExecution, error) {
	var st StepExecution
	var exitCode, statusCode sql.NullInt64
	var stdout, stderr, errorMsg, startedAt, finishedAt sql.NullString

	err := row.Scan(
		&st.ExecutionID, &st.Phase, &st.Order, &st.Name, &st.Kind, &st.Status,
		&exitCode, &statusCode, &stdout, &stderr, &errorMsg, &startedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}

	st.ExitCode = int(exitCode.Int64)
	st.StatusCode = int(statusCode.Int64)
	st.Stdout = stdout.String
	st.Stderr = stderr.String
	st.ErrorMsg = errorMsg.String

	if st.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if st.FinishedAt, err = parseTimePtr(finishedAt); err != nil {
		return nil, fmt.Errorf("parse finished_at: %w", err)
	}
	return &st, nil
}

// ListStepExecutions returns the step rows for an execution, forward phase
// first, ordered by step order.
func (s *SQLiteStore) ListStepExecutions(ctx context.Context, executionID string) ([]*StepExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+selectStepCols+` FROM step_executions WHERE execution_id = ?
		 ORDER BY CASE phase WHEN 'forward' THEN 0 ELSE 1 END, step_order`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*StepExecution
	for rows.Next() {
		st, err := s.scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// --- approvals ---

const selectApprovalCols = `id, execution_id, step_order, required_roles, status,
	decided_by, reason, created_at, expires_at, decided_at`

// SaveApproval inserts or updates an approval request.
func (s *SQLiteStore) SaveApproval(ctx context.Context, a *Approval) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approvals (
			id, execution_id, step_order, required_roles, status,
			decided_by, reason, created_at, expires_at, decided_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			decided_by = excluded.decided_by,
			reason = excluded.reason,
			decided_at = excluded.decided_at`,
		a.ID, a.ExecutionID, a.StepOrder, strings.Join(a.RequiredRoles, ","), a.Status,
		nullString(a.DecidedBy), nullString(a.Reason), formatTime(a.CreatedAt),
		formatTime(a.ExpiresAt), formatTimePtr(a.DecidedAt),
	)
	return err
}

func (s *SQLiteStore) scanApproval(row scanner) (*Approval, error) {
	var a Approval
	var roles, createdAt, expiresAt string
	var decidedBy, reason, decidedAt sql.NullString

	err := row.Scan(&a.ID, &a.ExecutionID, &a.StepOrder, &roles, &a.Status,
		&decidedBy, &reason, &createdAt, &expiresAt, &decidedAt)
	if err != nil {
		return nil, err
	}

	if roles != "" {
		a.RequiredRoles = strings.Split(roles, ",")
	}
	a.DecidedBy = decidedBy.String
	a.Reason = reason.String

	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if a.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, fmt.Errorf("parse expires_at: %w", err)
	}
	if a.DecidedAt, err = parseTimePtr(decidedAt); err != nil {
		return nil, fmt.Errorf("parse decided_at: %w", err)
	}
	return &a, nil
}

// GetApproval retrieves an approval by ID. Returns nil when not found.
func (s *SQLiteStore) GetApproval(ctx context.Context, id string) (*Approval, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+selectApprovalCols+" FROM approvals WHERE id = ?", id)
	a, err := s.scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

// PendingApprovalForExecution returns the open approval for an execution, or nil.
func (s *SQLiteStore) PendingApprovalForExecution(ctx context.Context, executionID string) (*Approval, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+selectApprovalCols+` FROM approvals
		 WHERE execution_id = ? AND status = ? ORDER BY created_at DESC LIMIT 1`,
		executionID, ApprovalPending)
	a, err := s.scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

// ListPendingApprovals returns all open approval requests, oldest first.
func (s *SQLiteStore) ListPendingApprovals(ctx context.Context) ([]*Approval, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+selectApprovalCols+" FROM approvals WHERE status = ? ORDER BY created_at",
		ApprovalPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var approvals []*Approval
	for rows.Next() {
		a, err := s.scanApproval(rows)
		if err != nil {
			return nil, err
		}
		approvals = append(approvals, a)
	}
	return approvals, rows.Err()
}

// --- breakers ---

// SaveBreaker inserts or updates the breaker record for a runbook.
func (s *SQLiteStore) SaveBreaker(ctx context.Context, rec *BreakerRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO breakers (runbook_id, state, failures, openings, opened_until, last_transition_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(runbook_id) DO UPDATE SET
			state = excluded.state,
			failures = excluded.failures,
			openings = excluded.openings,
			opened_until = excluded.opened_until,
			last_transition_at = excluded.last_transition_at`,
		rec.RunbookID, rec.State, rec.Failures, rec.Openings,
		formatTimePtr(rec.OpenedUntil), formatTime(rec.LastTransitionAt),
	)
	return err
}

func (s *SQLiteStore) scanBreaker(row scanner) (*BreakerRecord, error) {
	var r BreakerRecord
	var openedUntil sql.NullString
	var lastTransition string

	err := row.Scan(&r.RunbookID, &r.State, &r.Failures, &r.Openings, &openedUntil, &lastTransition)
	if err != nil {
		return nil, err
	}
	if r.OpenedUntil, err = parseTimePtr(openedUntil); err != nil {
		return nil, fmt.Errorf("parse opened_until: %w", err)
	}
	if r.LastTransitionAt, err = parseTime(lastTransition); err != nil {
		return nil, fmt.Errorf("parse last_transition_at: %w", err)
	}
	return &r, nil
}

// GetBreaker retrieves the breaker record for a runbook. Returns nil when the
// runbook has never tripped or been tracked.
func (s *SQLiteStore) GetBreaker(ctx context.Context, runbookID string) (*BreakerRecord, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT runbook_id, state, failures, openings, opened_until, last_transition_at FROM breakers WHERE runbook_id = ?",
		runbookID)
	rec, err := s.scanBreaker(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

// ListBreakers returns all persisted breaker records.
func (s *SQLiteStore) ListBreakers(ctx context.Context) ([]*BreakerRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT runbook_id, state, failures, openings, opened_until, last_transition_at FROM breakers")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*BreakerRecord
	for rows.Next() {
		rec, err := s.scanBreaker(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
