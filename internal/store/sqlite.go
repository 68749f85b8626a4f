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

	"github.com/ashureev/focus-tracker/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		started_at INTEGER NOT NULL,
		ended_at INTEGER,
		status TEXT,
		connection_count INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at);

	CREATE TABLE IF NOT EXISTS recordings (
		recording_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		stopped_at INTEGER,
		cleared INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_recordings_session ON recordings(session_id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SessionStarted records a freshly created session.
func (s *SQLiteStore) SessionStarted(ctx context.Context, sessionID string, startedAt time.Time) error {
	query := `
	INSERT INTO sessions (session_id, started_at) VALUES (?, ?)
	ON CONFLICT(session_id) DO NOTHING`

	return withBusyRetry(ctx, "insert session", func() error {
		_, err := s.db.ExecContext(ctx, query, sessionID, startedAt.UnixMilli())
		return err
	})
}

// SessionEnded marks a session as retired.
func (s *SQLiteStore) SessionEnded(ctx context.Context, sessionID, status string, endedAt time.Time) error {
	query := `UPDATE sessions SET ended_at = ?, status = ? WHERE session_id = ?`

	return withBusyRetry(ctx, "end session", func() error {
		result, err := s.db.ExecContext(ctx, query, endedAt.UnixMilli(), status, sessionID)
		if err != nil {
			return err
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			slog.Warn("SessionEnded affected 0 rows", "session_id", sessionID)
		}
		return nil
	})
}

// ConnectionOpened increments the connection counter of a session.
func (s *SQLiteStore) ConnectionOpened(ctx context.Context, sessionID string) error {
	query := `UPDATE sessions SET connection_count = connection_count + 1 WHERE session_id = ?`

	return withBusyRetry(ctx, "count connection", func() error {
		_, err := s.db.ExecContext(ctx, query, sessionID)
		return err
	})
}

// GetSession retrieves a session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.SessionRecord, error) {
	query := `
		SELECT session_id, started_at, ended_at, status, connection_count
		FROM sessions WHERE session_id = ?`

	rec, err := scanSession(s.db.QueryRowContext(ctx, query, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return rec, nil
}

// ListSessions returns the most recent sessions first.
func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]*domain.SessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT session_id, started_at, ended_at, status, connection_count
		FROM sessions ORDER BY started_at DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	var out []*domain.SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// RecordingStarted records a recording bound to a session.
func (s *SQLiteStore) RecordingStarted(ctx context.Context, recordingID, sessionID string, startedAt time.Time) error {
	query := `
	INSERT INTO recordings (recording_id, session_id, started_at) VALUES (?, ?, ?)
	ON CONFLICT(recording_id) DO UPDATE SET
		session_id = excluded.session_id,
		started_at = excluded.started_at,
		stopped_at = NULL,
		cleared = 0`

	return withBusyRetry(ctx, "insert recording", func() error {
		_, err := s.db.ExecContext(ctx, query, recordingID, sessionID, startedAt.UnixMilli())
		return err
	})
}

// RecordingStopped marks the recording as stopped.
func (s *SQLiteStore) RecordingStopped(ctx context.Context, recordingID string, stoppedAt time.Time) error {
	query := `UPDATE recordings SET stopped_at = ? WHERE recording_id = ?`

	return withBusyRetry(ctx, "stop recording", func() error {
		_, err := s.db.ExecContext(ctx, query, stoppedAt.UnixMilli(), recordingID)
		return err
	})
}

// GetRecording retrieves a recording by id.
func (s *SQLiteStore) GetRecording(ctx context.Context, recordingID string) (*domain.Recording, error) {
	query := `
		SELECT recording_id, session_id, started_at, stopped_at, cleared
		FROM recordings WHERE recording_id = ?`

	rec, err := scanRecording(s.db.QueryRowContext(ctx, query, recordingID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan recording row: %w", err)
	}
	return rec, nil
}

// ListRecordings returns recordings that were not cleared, newest first.
func (s *SQLiteStore) ListRecordings(ctx context.Context) ([]*domain.Recording, error) {
	query := `
		SELECT recording_id, session_id, started_at, stopped_at, cleared
		FROM recordings WHERE cleared = 0 ORDER BY started_at DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query recordings: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close recording rows", "error", closeErr)
		}
	}()

	var out []*domain.Recording
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recording row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recordings: %w", err)
	}
	return out, nil
}

// ClearRecording hides a recording from listings.
func (s *SQLiteStore) ClearRecording(ctx context.Context, recordingID string) error {
	query := `UPDATE recordings SET cleared = 1 WHERE recording_id = ?`

	var rows int64
	err := withBusyRetry(ctx, "clear recording", func() error {
		result, err := s.db.ExecContext(ctx, query, recordingID)
		if err != nil {
			return err
		}
		rows, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// PruneBefore removes history older than cutoff. Open sessions and active
// recordings are kept regardless of age.
func (s *SQLiteStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ts := cutoff.UnixMilli()
	var total int64

	err := withBusyRetry(ctx, "prune ledger", func() error {
		total = 0
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM recordings WHERE stopped_at IS NOT NULL AND stopped_at < ?`, ts)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		total += n

		res, err = s.db.ExecContext(ctx,
			`DELETE FROM sessions WHERE ended_at IS NOT NULL AND ended_at < ?`, ts)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		if err != nil {
			return err
		}
		total += n
		return nil
	})
	return total, err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*domain.SessionRecord, error) {
	var rec domain.SessionRecord
	var startedAt int64
	var endedAt sql.NullInt64
	var status sql.NullString

	if err := row.Scan(&rec.SessionID, &startedAt, &endedAt, &status, &rec.ConnectionCount); err != nil {
		return nil, err
	}
	rec.StartedAt = time.UnixMilli(startedAt)
	if endedAt.Valid {
		t := time.UnixMilli(endedAt.Int64)
		rec.EndedAt = &t
	}
	rec.Status = status.String
	return &rec, nil
}

func scanRecording(row rowScanner) (*domain.Recording, error) {
	var rec domain.Recording
	var startedAt int64
	var stoppedAt sql.NullInt64

	if err := row.Scan(&rec.ID, &rec.SessionID, &startedAt, &stoppedAt, &rec.Cleared); err != nil {
		return nil, err
	}
	rec.StartedAt = time.UnixMilli(startedAt)
	if stoppedAt.Valid {
		t := time.UnixMilli(stoppedAt.Int64)
		rec.StoppedAt = &t
	}
	return &rec, nil
}
