// Package domain contains core domain types for the focus tracker.
package domain

import (
	"time"
)

// Session status values sent when a session is retired.
const (
	SessionStatusCompleted = "completed"
)

// Session identifies one tracking run on the analysis service.
type Session struct {
	ID          string    `json:"session_id"`
	Credential  string    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
	RecordingID string    `json:"recording_id,omitempty"`
}

// Age returns how long the session has existed.
func (s *Session) Age() time.Duration {
	if s == nil || s.CreatedAt.IsZero() {
		return 0
	}
	return time.Since(s.CreatedAt)
}

// SessionRecord is the locally persisted history entry for a session.
type SessionRecord struct {
	SessionID       string     `json:"session_id"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	Status          string     `json:"status,omitempty"`
	ConnectionCount int        `json:"connection_count"`
}

// Recording is a server-side video capture keyed by session id.
type Recording struct {
	ID        string     `json:"recording_id"`
	SessionID string     `json:"session_id"`
	StartedAt time.Time  `json:"started_at"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
	Cleared   bool       `json:"cleared,omitempty"`
}

// Active returns true until the recording has been stopped.
func (r *Recording) Active() bool {
	return r.StoppedAt == nil
}

// Downloadable returns true once a stop succeeded and the reference was not cleared.
func (r *Recording) Downloadable() bool {
	return r.StoppedAt != nil && !r.Cleared
}
