package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/shsh-cloudlabs/internal/domain"
	"github.com/ashureev/shsh-cloudlabs/internal/shared"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

var gooseSetupOnce sync.Once

// SQLiteStore implements AuditLog using SQLite.
type SQLiteStore struct {
	db         *sql.DB
	writeMu    sync.Mutex // serializes writers to keep SQLITE_BUSY rare
	maxRetries int
	baseDelay  time.Duration
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithRetry sets how often conflicting writes are attempted and the initial
// backoff delay, which doubles per attempt.
func WithRetry(maxRetries int, baseDelay time.Duration) Option {
	return func(s *SQLiteStore) {
		if maxRetries > 0 {
			s.maxRetries = maxRetries
		}
		if baseDelay > 0 {
			s.baseDelay = baseDelay
		}
	}
}

// NewSQLite opens the audit database at dbPath and applies migrations.
func NewSQLite(ctx context.Context, dbPath string, opts ...Option) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	s := &SQLiteStore{db: db, maxRetries: 3, baseDelay: 100 * time.Millisecond}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	gooseSetupOnce.Do(func() {
		goose.SetBaseFS(migrationFS)
		goose.SetVerbose(false)
	})
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

// RecordSessionEvent appends a lifecycle transition.
func (s *SQLiteStore) RecordSessionEvent(ctx context.Context, ev domain.SessionEvent) error {
	at := ev.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}
	return s.execWithRetry(ctx, "record session event",
		`INSERT INTO session_events (session_id, user_id, lab_id, event, detail, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.SessionID, ev.UserID, ev.LabID, ev.Event, ev.Detail, at.UnixMilli())
}

// RecordCommand appends an executed command and its outcome.
func (s *SQLiteStore) RecordCommand(ctx context.Context, rec domain.CommandRecord) error {
	at := rec.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}
	return s.execWithRetry(ctx, "record command",
		`INSERT INTO command_log (session_id, command, exit_code, error_code, created_at) VALUES (?, ?, ?, ?, ?)`,
		rec.SessionID, rec.Command, rec.ExitCode, rec.ErrorCode, at.UnixMilli())
}

// execWithRetry runs a write, retrying SQLite lock conflicts with
// exponential backoff.
func (s *SQLiteStore) execWithRetry(ctx context.Context, op, query string, args ...any) error {
	var err error
	for i := 0; i < s.maxRetries; i++ {
		err = s.execOnce(ctx, query, args...)
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) || i == s.maxRetries-1 {
			break
		}

		delay := s.baseDelay * time.Duration(1<<i)
		slog.Debug("SQLite write conflict, retrying", "op", op, "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (s *SQLiteStore) execOnce(ctx context.Context, query string, args ...any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

// ListCommands returns up to limit of the most recent commands of a session,
// oldest first. A non-positive limit returns everything.
func (s *SQLiteStore) ListCommands(ctx context.Context, sessionID string, limit int) ([]domain.CommandRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `
	SELECT session_id, command, exit_code, error_code, created_at FROM (
		SELECT id, session_id, command, exit_code, error_code, created_at
		FROM command_log WHERE session_id = ? ORDER BY id DESC LIMIT ?
	) ORDER BY id ASC`
	rows, err := s.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	defer rows.Close()

	var out []domain.CommandRecord
	for rows.Next() {
		var rec domain.CommandRecord
		var at int64
		if err := rows.Scan(&rec.SessionID, &rec.Command, &rec.ExitCode, &rec.ErrorCode, &at); err != nil {
			return nil, fmt.Errorf("scan command: %w", err)
		}
		rec.CreatedAt = time.UnixMilli(at).UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate commands: %w", err)
	}
	return out, nil
}

// ListSessionEvents returns the lifecycle events of a session, oldest first.
func (s *SQLiteStore) ListSessionEvents(ctx context.Context, sessionID string) ([]domain.SessionEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, user_id, lab_id, event, detail, created_at FROM session_events WHERE session_id = ? ORDER BY id ASC`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("list session events: %w", err)
	}
	defer rows.Close()

	var out []domain.SessionEvent
	for rows.Next() {
		var ev domain.SessionEvent
		var at int64
		if err := rows.Scan(&ev.SessionID, &ev.UserID, &ev.LabID, &ev.Event, &ev.Detail, &at); err != nil {
			return nil, fmt.Errorf("scan session event: %w", err)
		}
		ev.CreatedAt = time.UnixMilli(at).UTC()
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session events: %w", err)
	}
	return out, nil
}

// PruneBefore removes audit rows older than cutoff.
func (s *SQLiteStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin prune: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var total int64
	for _, table := range []string{"command_log", "session_events"} {
		res, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE created_at < ?", cutoff.UnixMilli())
		if err != nil {
			return 0, fmt.Errorf("prune %s: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("%s rows affected: %w", table, err)
		}
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune: %w", err)
	}
	return total, nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
