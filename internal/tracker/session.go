// Package tracker implements the live tracking session controller.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/focus-tracker/internal/domain"
	"github.com/ashureev/focus-tracker/internal/focusapi"
	"github.com/ashureev/focus-tracker/internal/metrics"
)

var (
	// ErrNoSource is returned by Start when no frame source is selected.
	ErrNoSource = errors.New("no frame source selected")
	// ErrClosed is returned after the controller was closed.
	ErrClosed = errors.New("controller closed")
	// ErrDriverStopped is returned by Start when tracking follows the study
	// timer and the timer is not running.
	ErrDriverStopped = errors.New("tracking follows the study timer, start the timer first")
	// ErrBusy is returned when an operation needs the controller to be idle.
	ErrBusy = errors.New("tracking is active")
)

// SessionAPI creates and retires remote sessions.
type SessionAPI interface {
	CreateSession(ctx context.Context, token string, req focusapi.CreateSessionRequest) (string, error)
	EndSession(ctx context.Context, token, sessionID, status string) error
}

// Ledger records session and recording history locally.
type Ledger interface {
	SessionStarted(ctx context.Context, sessionID string, startedAt time.Time) error
	SessionEnded(ctx context.Context, sessionID, status string, endedAt time.Time) error
	ConnectionOpened(ctx context.Context, sessionID string) error
	RecordingStarted(ctx context.Context, recordingID, sessionID string, startedAt time.Time) error
	RecordingStopped(ctx context.Context, recordingID string, stoppedAt time.Time) error
}

// SessionManager wraps the remote session lifecycle.
type SessionManager struct {
	api     SessionAPI
	ledger  Ledger
	request focusapi.CreateSessionRequest
	metrics *metrics.Metrics
	logger  *slog.Logger

	// creating holds one token while a create call is in flight.
	creating chan struct{}
}

// NewSessionManager creates a manager that creates sessions with req.
// ledger may be nil.
func NewSessionManager(api SessionAPI, req focusapi.CreateSessionRequest, ledger Ledger, m *metrics.Metrics, logger *slog.Logger) *SessionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{
		api:      api,
		ledger:   ledger,
		request:  req,
		metrics:  m,
		logger:   logger,
		creating: make(chan struct{}, 1),
	}
}

// Begin creates a session. It fails with focusapi.ErrAuthMissing, without a
// network call, when token is empty. Create calls never overlap: a second
// Begin waits for the first to finish or for ctx to end.
func (m *SessionManager) Begin(ctx context.Context, token string) (*domain.Session, error) {
	if token == "" {
		return nil, focusapi.ErrAuthMissing
	}
	select {
	case m.creating <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("begin session: %w", ctx.Err())
	}
	defer func() { <-m.creating }()

	id, err := m.api.CreateSession(ctx, token, m.request)
	m.metrics.SessionCreated(err == nil)
	if err != nil {
		m.logger.Error("Failed to create session", "error", err)
		return nil, fmt.Errorf("begin session: %w", err)
	}

	sess := &domain.Session{ID: id, Credential: token, CreatedAt: time.Now()}
	m.logger.Info("Session created", "session_id", id)
	if m.ledger != nil {
		if err := m.ledger.SessionStarted(ctx, id, sess.CreatedAt); err != nil {
			m.logger.Warn("Failed to record session start", "session_id", id, "error", err)
		}
	}
	return sess, nil
}

// End retires a session with the completed status. A nil session is a
// no-op. Failures are logged, never returned.
func (m *SessionManager) End(ctx context.Context, sess *domain.Session) {
	if sess == nil || sess.ID == "" {
		return
	}

	status := domain.SessionStatusCompleted
	if err := m.api.EndSession(ctx, sess.Credential, sess.ID, status); err != nil {
		m.logger.Warn("Failed to end session", "session_id", sess.ID, "error", err)
		status = "end_failed"
	} else {
		m.logger.Info("Session ended", "session_id", sess.ID, "age", sess.Age())
	}

	if m.ledger != nil {
		if err := m.ledger.SessionEnded(ctx, sess.ID, status, time.Now()); err != nil {
			m.logger.Warn("Failed to record session end", "session_id", sess.ID, "error", err)
		}
	}
}
