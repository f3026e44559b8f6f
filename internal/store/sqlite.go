// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides invocation ledger persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS invocations (
			id             TEXT PRIMARY KEY,
			thread_id      TEXT NOT NULL DEFAULT '',
			run_id         TEXT NOT NULL DEFAULT '',
			run_status     TEXT NOT NULL DEFAULT '',
			outcome        TEXT NOT NULL,
			stage          TEXT NOT NULL DEFAULT '',
			error          TEXT NOT NULL DEFAULT '',
			thread_created INTEGER NOT NULL DEFAULT 0,
			caller         TEXT NOT NULL DEFAULT '',
			started_at     TEXT NOT NULL,
			duration_ms    INTEGER NOT NULL DEFAULT 0,

			CHECK (outcome IN ('completed', 'failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_invocations_thread
			ON invocations(thread_id, started_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// RecordInvocation inserts a ledger entry.
func (s *SQLiteStore) RecordInvocation(ctx context.Context, inv *Invocation) error {
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	if inv.StartedAt.IsZero() {
		inv.StartedAt = time.Now()
	}

	query := `
		INSERT INTO invocations (
			id, thread_id, run_id, run_status, outcome, stage, error,
			thread_created, caller, started_at, duration_ms
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		inv.ID,
		inv.ThreadID,
		inv.RunID,
		inv.RunStatus,
		inv.Outcome,
		inv.Stage,
		inv.Error,
		boolToInt(inv.ThreadCreated),
		inv.Caller,
		inv.StartedAt.UTC().Format(timeLayout),
		inv.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("inserting invocation: %w", err)
	}

	s.logger.Debug("recorded invocation",
		"id", inv.ID,
		"thread_id", inv.ThreadID,
		"run_id", inv.RunID,
		"outcome", inv.Outcome,
	)
	return nil
}

// GetInvocation retrieves a ledger entry by ID.
func (s *SQLiteStore) GetInvocation(ctx context.Context, id string) (*Invocation, error) {
	query := `
		SELECT id, thread_id, run_id, run_status, outcome, stage, error,
		       thread_created, caller, started_at, duration_ms
		FROM invocations
		WHERE id = ?
	`

	inv, err := scanInvocation(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// ListInvocations retrieves the most recent entries of a thread, oldest first.
func (s *SQLiteStore) ListInvocations(ctx context.Context, threadID string, limit int) ([]*Invocation, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	// Take the newest N, then flip back to chronological order
	query := `
		SELECT id, thread_id, run_id, run_status, outcome, stage, error,
		       thread_created, caller, started_at, duration_ms
		FROM (
			SELECT *, rowid AS seq FROM invocations
			WHERE thread_id = ?
			ORDER BY started_at DESC, seq DESC
			LIMIT ?
		)
		ORDER BY started_at ASC, seq ASC
	`

	rows, err := s.db.QueryContext(ctx, query, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying invocations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Invocation
	for rows.Next() {
		inv, err := scanInvocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating invocation rows: %w", err)
	}

	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvocation(row rowScanner) (*Invocation, error) {
	var (
		inv           Invocation
		threadCreated int
		startedAt     string
		durationMS    int64
	)

	err := row.Scan(
		&inv.ID,
		&inv.ThreadID,
		&inv.RunID,
		&inv.RunStatus,
		&inv.Outcome,
		&inv.Stage,
		&inv.Error,
		&threadCreated,
		&inv.Caller,
		&startedAt,
		&durationMS,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning invocation: %w", err)
	}

	inv.ThreadCreated = threadCreated != 0
	inv.Duration = time.Duration(durationMS) * time.Millisecond
	inv.StartedAt, err = time.Parse(timeLayout, startedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	return &inv, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
