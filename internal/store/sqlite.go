package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/consuma/consuma/internal/model"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS requests (
    id                TEXT PRIMARY KEY,
    mode              TEXT NOT NULL,
    input_data        TEXT NOT NULL,
    iterations        INTEGER NOT NULL,
    status            TEXT NOT NULL DEFAULT 'pending',
    result            TEXT,
    duration_ms       REAL,
    callback_url      TEXT,
    callback_status   TEXT,
    callback_attempts INTEGER NOT NULL DEFAULT 0,
    callback_error    TEXT,
    created_at        DATETIME NOT NULL,
    completed_at      DATETIME
);

CREATE TABLE IF NOT EXISTS callback_attempts (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    request_id     TEXT NOT NULL REFERENCES requests(id),
    attempt_number INTEGER NOT NULL,
    status_code    INTEGER,
    error          TEXT,
    duration_ms    REAL NOT NULL,
    created_at     DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_requests_mode ON requests(mode);
CREATE INDEX IF NOT EXISTS idx_requests_status ON requests(status);
CREATE INDEX IF NOT EXISTS idx_callback_attempts_request_id ON callback_attempts(request_id);
`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database connection is usable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// InsertRequest inserts a new pending request record.
func (s *SQLiteStore) InsertRequest(ctx context.Context, r *model.Request) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO requests (
			id, mode, input_data, iterations, status, result, duration_ms,
			callback_url, callback_status, callback_attempts, callback_error,
			created_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Mode, r.InputData, r.Iterations, r.Status, r.Result, r.DurationMS,
		r.CallbackURL, r.CallbackStatus, r.CallbackAttempts, r.CallbackError,
		r.CreatedAt, r.CompletedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("insert request %s: %w", r.ID, ErrDuplicateID)
		}
		return fmt.Errorf("insert request: %w", err)
	}
	return nil
}

// UpdateRequestResult sets the terminal status, result, and duration of a
// request and stamps completed_at. Last write wins; repeated calls with the
// same terminal values are harmless.
func (s *SQLiteStore) UpdateRequestResult(ctx context.Context, id, status, result string, durationMS float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE requests
		 SET status = ?, result = ?, duration_ms = ?, completed_at = ?
		 WHERE id = ?`,
		status, result, durationMS, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update request result: %w", err)
	}
	return checkAffected(res)
}

// UpdateCallbackStatus records the delivery outcome on the request record.
// The attempts counter never decreases; the attempt log is authoritative and
// the counter is a cache of it.
func (s *SQLiteStore) UpdateCallbackStatus(ctx context.Context, id, callbackStatus string, attempts int, errMsg *string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE requests
		 SET callback_status = ?, callback_attempts = MAX(callback_attempts, ?), callback_error = ?
		 WHERE id = ?`,
		callbackStatus, attempts, errMsg, id,
	)
	if err != nil {
		return fmt.Errorf("update callback status: %w", err)
	}
	return checkAffected(res)
}

// InsertCallbackAttempt appends one row to the delivery log.
func (s *SQLiteStore) InsertCallbackAttempt(ctx context.Context, a *model.CallbackAttempt) error {
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO callback_attempts (request_id, attempt_number, status_code, error, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		a.RequestID, a.AttemptNumber, a.StatusCode, a.Error, a.DurationMS, createdAt,
	)
	if err != nil {
		return fmt.Errorf("insert callback attempt: %w", err)
	}
	return nil
}

// GetRequest retrieves a request by id.
func (s *SQLiteStore) GetRequest(ctx context.Context, id string) (*model.Request, error) {
	r := &model.Request{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, mode, input_data, iterations, status, COALESCE(result, ''),
			duration_ms, callback_url, callback_status, callback_attempts,
			callback_error, created_at, completed_at
		 FROM requests WHERE id = ?`, id,
	).Scan(
		&r.ID, &r.Mode, &r.InputData, &r.Iterations, &r.Status, &r.Result,
		&r.DurationMS, &r.CallbackURL, &r.CallbackStatus, &r.CallbackAttempts,
		&r.CallbackError, &r.CreatedAt, &r.CompletedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get request: %w", err)
	}
	return r, nil
}

// GetCallbackAttempts returns the delivery trace for a request, ordered by
// attempt number.
func (s *SQLiteStore) GetCallbackAttempts(ctx context.Context, requestID string) ([]model.CallbackAttempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, request_id, attempt_number, status_code, error, duration_ms, created_at
		 FROM callback_attempts WHERE request_id = ? ORDER BY attempt_number`, requestID,
	)
	if err != nil {
		return nil, fmt.Errorf("get callback attempts: %w", err)
	}
	defer rows.Close()

	var attempts []model.CallbackAttempt
	for rows.Next() {
		var a model.CallbackAttempt
		if err := rows.Scan(&a.ID, &a.RequestID, &a.AttemptNumber, &a.StatusCode, &a.Error, &a.DurationMS, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan callback attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate callback attempts: %w", err)
	}
	return attempts, nil
}

// ListRequests returns a paginated list of requests ordered by created_at
// DESC, optionally filtered by mode.
func (s *SQLiteStore) ListRequests(ctx context.Context, mode string, limit, offset int) ([]*model.Request, error) {
	query := `SELECT id, mode, input_data, iterations, status, COALESCE(result, ''),
			duration_ms, callback_url, callback_status, callback_attempts,
			callback_error, created_at, completed_at
		 FROM requests`
	args := []any{}
	if mode != "" {
		query += " WHERE mode = ?"
		args = append(args, mode)
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	var requests []*model.Request
	for rows.Next() {
		r := &model.Request{}
		if err := rows.Scan(
			&r.ID, &r.Mode, &r.InputData, &r.Iterations, &r.Status, &r.Result,
			&r.DurationMS, &r.CallbackURL, &r.CallbackStatus, &r.CallbackAttempts,
			&r.CallbackError, &r.CreatedAt, &r.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		requests = append(requests, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate requests: %w", err)
	}
	return requests, nil
}

func checkAffected(res sql.Result) error {
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
