// Package api provides the local HTTP control surface of the focus tracker.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/focus-tracker/internal/detection"
	"github.com/ashureev/focus-tracker/internal/frame"
	"github.com/ashureev/focus-tracker/internal/store"
	"github.com/ashureev/focus-tracker/internal/studytimer"
	"github.com/ashureev/focus-tracker/internal/tracker"
)

// Tracker is the controller surface driven by the API.
type Tracker interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	SetRecordingEnabled(ctx context.Context, enabled bool) error
	SelectSource(ctx context.Context, mode frame.Mode, path string) error
	ClearSource(ctx context.Context) error
	ClearRecording(recordingID string)
	Status() tracker.Status
}

// Timer is the study timer surface driven by the API.
type Timer interface {
	Select(mode studytimer.Mode, minutes int) error
	Start() error
	Pause()
	Reset()
	Status() studytimer.Status
}

// Detections exposes the latest analysis result.
type Detections interface {
	State() detection.State
}

// Downloads resolves the remote download location of a recording.
type Downloads interface {
	DownloadURL(recordingID string) string
}

// Deps are the collaborators of a Handler. Timer may be nil.
type Deps struct {
	Tracker    Tracker
	Timer      Timer
	Detections Detections
	Repo       store.Repository
	Downloads  Downloads
	Logger     *slog.Logger
}

// Handler provides common handler utilities.
type Handler struct {
	tracker    Tracker
	timer      Timer
	detections Detections
	repo       store.Repository
	downloads  Downloads
	logger     *slog.Logger
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(deps Deps) *Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		tracker:    deps.Tracker,
		timer:      deps.Timer,
		detections: deps.Detections,
		repo:       deps.Repo,
		downloads:  deps.Downloads,
		logger:     logger,
	}
}

// StatusDocument is the combined view served by /api/status and /ws/live.
type StatusDocument struct {
	Tracking  tracker.Status     `json:"tracking"`
	Detection detection.State    `json:"detection"`
	Timer     *studytimer.Status `json:"timer,omitempty"`
	At        time.Time          `json:"at"`
}

// Document assembles the current status document.
func (h *Handler) Document() StatusDocument {
	doc := StatusDocument{
		Tracking:  h.tracker.Status(),
		Detection: h.detections.State(),
		At:        time.Now().UTC(),
	}
	if h.timer != nil {
		st := h.timer.Status()
		doc.Timer = &st
	}
	return doc
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
