package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/michaelbrown/labrun/internal/storage"

	_ "modernc.org/sqlite"
)

// Fixed-width so that stored timestamps sort as strings.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const sessionColumns = `id, user_id, started_at, last_active_at`

const executionColumns = `id, session_id, submission_id, seq, language, source_code, status,
	reason, message, stdout, stderr, truncated, exit_code, duration_ms, metrics, artifacts,
	created_at, completed_at`

// SQLiteStore implements storage.Store backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path and runs migrations.
// Use ":memory:" for an in-memory database (useful for testing).
func Open(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection: every :memory: connection is a separate database,
	// and SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *storage.Session) error {
	now := time.Now().UTC()
	if sess.StartedAt.IsZero() {
		sess.StartedAt = now
	}
	if sess.LastActiveAt.IsZero() {
		sess.LastActiveAt = sess.StartedAt
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, started_at, last_active_at)
		VALUES (?, ?, ?, ?)`,
		sess.ID, sess.UserID, formatTime(sess.StartedAt), formatTime(sess.LastActiveAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("session %s: %w", sess.ID, storage.ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) EnsureSession(ctx context.Context, id, userID string) (*storage.Session, error) {
	now := formatTime(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, started_at, last_active_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		id, userID, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("ensuring session: %w", err)
	}
	return s.getSessionExact(ctx, id)
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*storage.Session, error) {
	// Try exact match first, then prefix match
	sess, err := s.getSessionExact(ctx, id)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions WHERE id LIKE ? || '%'`, id)
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}

	var matches []*storage.Session
	for rows.Next() {
		sess, err := scanSessionFromScanner(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		matches = append(matches, sess)
	}
	rows.Close()

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("session %s: %w", id, storage.ErrNotFound)
	case 1:
		if err := s.loadHistory(ctx, matches[0]); err != nil {
			return nil, err
		}
		return matches[0], nil
	default:
		return nil, fmt.Errorf("ambiguous session prefix %q matches %d sessions", id, len(matches))
	}
}

func (s *SQLiteStore) getSessionExact(ctx context.Context, id string) (*storage.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions WHERE id = ?`, id)
	sess, err := scanSessionFromScanner(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	if err := s.loadHistory(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *SQLiteStore) loadHistory(ctx context.Context, sess *storage.Session) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM executions WHERE session_id = ? ORDER BY seq`, sess.ID)
	if err != nil {
		return fmt.Errorf("loading history: %w", err)
	}
	defer rows.Close()

	sess.History = []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
		sess.History = append(sess.History, id)
	}
	return rows.Err()
}

func (s *SQLiteStore) ListSessions(ctx context.Context, opts storage.SessionListOptions) ([]storage.Session, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []any

	if opts.UserID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, opts.UserID)
	}

	query += ` ORDER BY last_active_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var sessions []storage.Session
	for rows.Next() {
		sess, err := scanSessionFromScanner(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

func (s *SQLiteStore) TouchSession(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET last_active_at = MAX(last_active_at, ?) WHERE id = ?`,
		formatTime(at), id,
	)
	if err != nil {
		return fmt.Errorf("touching session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	// Resolve prefix first
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM executions WHERE session_id = ?`, sess.ID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sess.ID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) SaveExecution(ctx context.Context, e *storage.Execution) error {
	metrics, err := json.Marshal(e.Metrics)
	if err != nil {
		return fmt.Errorf("marshaling metrics: %w", err)
	}
	artifacts, err := json.Marshal(e.Artifacts)
	if err != nil {
		return fmt.Errorf("marshaling artifacts: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) + 1 FROM executions WHERE session_id = ?`,
		e.SessionID).Scan(&seq); err != nil {
		return fmt.Errorf("allocating sequence: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SessionID, e.SubmissionID, seq, e.Language, e.SourceCode, string(e.Status),
		e.Reason, e.Message, e.Stdout, e.Stderr, e.Truncated, e.ExitCode, e.DurationMs,
		string(metrics), string(artifacts),
		formatTime(e.CreatedAt), formatTime(e.CompletedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("submission %s/%s: %w", e.SessionID, e.SubmissionID, storage.ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing execution: %w", err)
	}
	e.Seq = seq
	return nil
}

func (s *SQLiteStore) GetExecution(ctx context.Context, sessionID, submissionID string) (*storage.Execution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+executionColumns+`
		FROM executions WHERE session_id = ? AND submission_id = ?`, sessionID, submissionID)
	e, err := scanExecutionFromScanner(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("submission %s/%s: %w", sessionID, submissionID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying execution: %w", err)
	}
	return e, nil
}

func (s *SQLiteStore) ListExecutions(ctx context.Context, sessionID string) ([]storage.Execution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+executionColumns+`
		FROM executions WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	defer rows.Close()

	var executions []storage.Execution
	for rows.Next() {
		e, err := scanExecutionFromScanner(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, *e)
	}
	return executions, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Scanner interface to work with both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanSessionFromScanner(s scanner) (*storage.Session, error) {
	var sess storage.Session
	var startedAt, lastActiveAt string
	if err := s.Scan(&sess.ID, &sess.UserID, &startedAt, &lastActiveAt); err != nil {
		return nil, err
	}
	sess.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	sess.LastActiveAt, _ = time.Parse(time.RFC3339Nano, lastActiveAt)
	return &sess, nil
}

func scanExecutionFromScanner(s scanner) (*storage.Execution, error) {
	var e storage.Execution
	var status, metrics, artifacts, createdAt, completedAt string
	err := s.Scan(&e.ID, &e.SessionID, &e.SubmissionID, &e.Seq, &e.Language, &e.SourceCode, &status,
		&e.Reason, &e.Message, &e.Stdout, &e.Stderr, &e.Truncated, &e.ExitCode, &e.DurationMs,
		&metrics, &artifacts, &createdAt, &completedAt)
	if err != nil {
		return nil, err
	}
	e.Status = storage.Status(status)
	if err := json.Unmarshal([]byte(metrics), &e.Metrics); err != nil {
		return nil, fmt.Errorf("unmarshaling metrics: %w", err)
	}
	if err := json.Unmarshal([]byte(artifacts), &e.Artifacts); err != nil {
		return nil, fmt.Errorf("unmarshaling artifacts: %w", err)
	}
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	e.CompletedAt, _ = time.Parse(time.RFC3339Nano, completedAt)
	return &e, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
