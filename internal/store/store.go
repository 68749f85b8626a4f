// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/focus-tracker/internal/domain"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// Repository defines the local ledger of sessions and recordings.
type Repository interface {
	// SessionStarted records a freshly created session.
	SessionStarted(ctx context.Context, sessionID string, startedAt time.Time) error

	// SessionEnded marks a session as retired with its terminal status.
	SessionEnded(ctx context.Context, sessionID, status string, endedAt time.Time) error

	// ConnectionOpened counts a realtime connection that reached open.
	ConnectionOpened(ctx context.Context, sessionID string) error

	// GetSession retrieves a session by id.
	GetSession(ctx context.Context, sessionID string) (*domain.SessionRecord, error)

	// ListSessions returns the most recent sessions first.
	ListSessions(ctx context.Context, limit int) ([]*domain.SessionRecord, error)

	// RecordingStarted records a recording bound to a session.
	RecordingStarted(ctx context.Context, recordingID, sessionID string, startedAt time.Time) error

	// RecordingStopped marks the recording as stopped.
	RecordingStopped(ctx context.Context, recordingID string, stoppedAt time.Time) error

	// GetRecording retrieves a recording by id.
	GetRecording(ctx context.Context, recordingID string) (*domain.Recording, error)

	// ListRecordings returns recordings that were not cleared, newest first.
	ListRecordings(ctx context.Context) ([]*domain.Recording, error)

	// ClearRecording hides a recording from listings. It returns ErrNotFound
	// for unknown ids.
	ClearRecording(ctx context.Context, recordingID string) error

	// PruneBefore removes ended sessions and cleared or stopped recordings
	// older than cutoff.
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
