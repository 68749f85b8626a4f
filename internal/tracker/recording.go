package tracker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/focus-tracker/internal/domain"
	"github.com/ashureev/focus-tracker/internal/focusapi"
)

const retiredSessionMemory = 16

// RecordingAPI starts and stops server-side recordings.
type RecordingAPI interface {
	StartRecording(ctx context.Context, token, sessionID string, fps int, resolution string) (string, error)
	StopRecording(ctx context.Context, token, sessionID string) error
}

// RecordingCoordinator drives the optional recording side channel. Every
// failure is logged and otherwise ignored.
type RecordingCoordinator struct {
	api    RecordingAPI
	ledger Ledger
	logger *slog.Logger

	// mu serializes remote calls so a stop always observes a start that was in flight.
	mu      sync.Mutex
	active  map[string]*domain.Recording
	retired []string

	// lastMu guards last on its own so readers never wait on a remote call.
	lastMu sync.Mutex
	last   *domain.Recording
}

// NewRecordingCoordinator creates a coordinator. ledger may be nil.
func NewRecordingCoordinator(api RecordingAPI, ledger Ledger, logger *slog.Logger) *RecordingCoordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecordingCoordinator{
		api:    api,
		ledger: ledger,
		logger: logger,
		active: make(map[string]*domain.Recording),
	}
}

// Start begins recording a session. It fails with focusapi.ErrNoSession when
// the session is unknown or already retired.
func (r *RecordingCoordinator) Start(ctx context.Context, token, sessionID string, fps int, resolution string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sessionID == "" || r.isRetired(sessionID) {
		return "", focusapi.ErrNoSession
	}
	if rec, ok := r.active[sessionID]; ok {
		return rec.ID, nil
	}

	id, err := r.api.StartRecording(ctx, token, sessionID, fps, resolution)
	if err != nil {
		r.logger.Warn("Failed to start recording", "session_id", sessionID, "error", err)
		return "", err
	}

	rec := &domain.Recording{ID: id, SessionID: sessionID, StartedAt: time.Now()}
	r.active[sessionID] = rec
	r.logger.Info("Recording started", "session_id", sessionID, "recording_id", id, "fps", fps, "resolution", resolution)

	if r.ledger != nil {
		if err := r.ledger.RecordingStarted(ctx, id, sessionID, rec.StartedAt); err != nil {
			r.logger.Warn("Failed to record recording start", "recording_id", id, "error", err)
		}
	}
	return id, nil
}

// Stop retires the session for recording purposes and stops its recording
// if one is active. A later Start for the same session fails.
func (r *RecordingCoordinator) Stop(ctx context.Context, token, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sessionID == "" {
		return
	}
	r.retire(sessionID)

	rec, ok := r.active[sessionID]
	if !ok {
		return
	}
	delete(r.active, sessionID)

	if err := r.api.StopRecording(ctx, token, sessionID); err != nil {
		r.logger.Warn("Failed to stop recording", "session_id", sessionID, "recording_id", rec.ID, "error", err)
		return
	}

	now := time.Now()
	rec.StoppedAt = &now
	r.lastMu.Lock()
	r.last = rec
	r.lastMu.Unlock()
	r.logger.Info("Recording stopped", "session_id", sessionID, "recording_id", rec.ID)

	if r.ledger != nil {
		if err := r.ledger.RecordingStopped(ctx, rec.ID, now); err != nil {
			r.logger.Warn("Failed to record recording stop", "recording_id", rec.ID, "error", err)
		}
	}
}

// Last returns the most recently stopped recording, or nil.
func (r *RecordingCoordinator) Last() *domain.Recording {
	r.lastMu.Lock()
	defer r.lastMu.Unlock()
	if r.last == nil {
		return nil
	}
	rec := *r.last
	return &rec
}

// ClearLast drops the download reference if it matches recordingID.
func (r *RecordingCoordinator) ClearLast(recordingID string) {
	r.lastMu.Lock()
	defer r.lastMu.Unlock()
	if r.last != nil && r.last.ID == recordingID {
		r.last = nil
	}
}

func (r *RecordingCoordinator) isRetired(sessionID string) bool {
	for _, id := range r.retired {
		if id == sessionID {
			return true
		}
	}
	return false
}

func (r *RecordingCoordinator) retire(sessionID string) {
	if r.isRetired(sessionID) {
		return
	}
	r.retired = append(r.retired, sessionID)
	if len(r.retired) > retiredSessionMemory {
		r.retired = r.retired[len(r.retired)-retiredSessionMemory:]
	}
}
