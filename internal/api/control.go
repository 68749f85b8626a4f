package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/focus-tracker/internal/focusapi"
	"github.com/ashureev/focus-tracker/internal/frame"
	"github.com/ashureev/focus-tracker/internal/studytimer"
	"github.com/ashureev/focus-tracker/internal/tracker"
)

// ControlHandler handles tracking, source, timer and recording toggles.
type ControlHandler struct {
	*Handler
}

// NewControlHandler creates a new control handler.
func NewControlHandler(base *Handler) *ControlHandler {
	return &ControlHandler{Handler: base}
}

// RegisterRoutes registers control routes.
func (h *ControlHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/status", h.GetStatus)

	r.Post("/api/tracking/start", h.StartTracking)
	r.Post("/api/tracking/stop", h.StopTracking)

	r.Put("/api/source", h.SelectSource)
	r.Delete("/api/source", h.ClearSource)

	r.Put("/api/recording", h.SetRecording)

	if h.timer != nil {
		r.Post("/api/timer/select", h.SelectTimer)
		r.Post("/api/timer/start", h.StartTimer)
		r.Post("/api/timer/pause", h.PauseTimer)
		r.Post("/api/timer/reset", h.ResetTimer)
	}
}

// GetStatus returns the combined status document.
func (h *ControlHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, h.Document())
}

// StartTracking expresses the user's intent to track.
func (h *ControlHandler) StartTracking(w http.ResponseWriter, r *http.Request) {
	if err := h.tracker.Start(r.Context()); err != nil {
		h.fail(w, "start tracking", err)
		return
	}
	JSON(w, http.StatusAccepted, h.Document())
}

// StopTracking ends tracking.
func (h *ControlHandler) StopTracking(w http.ResponseWriter, r *http.Request) {
	if err := h.tracker.Stop(r.Context()); err != nil {
		h.fail(w, "stop tracking", err)
		return
	}
	JSON(w, http.StatusOK, h.Document())
}

type sourceRequest struct {
	Mode frame.Mode `json:"mode"`
	Path string     `json:"path,omitempty"`
}

// SelectSource switches the frame source.
func (h *ControlHandler) SelectSource(w http.ResponseWriter, r *http.Request) {
	var req sourceRequest
	if err := decode(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Mode == frame.ModeNone {
		if err := h.tracker.ClearSource(r.Context()); err != nil {
			h.fail(w, "clear source", err)
			return
		}
		JSON(w, http.StatusOK, h.Document())
		return
	}
	if err := h.tracker.SelectSource(r.Context(), req.Mode, req.Path); err != nil {
		h.fail(w, "select source", err)
		return
	}
	JSON(w, http.StatusOK, h.Document())
}

// ClearSource stops tracking and releases the frame source.
func (h *ControlHandler) ClearSource(w http.ResponseWriter, r *http.Request) {
	if err := h.tracker.ClearSource(r.Context()); err != nil {
		h.fail(w, "clear source", err)
		return
	}
	JSON(w, http.StatusOK, h.Document())
}

type recordingRequest struct {
	Enabled *bool `json:"enabled"`
}

// SetRecording toggles recording for the next session.
func (h *ControlHandler) SetRecording(w http.ResponseWriter, r *http.Request) {
	var req recordingRequest
	if err := decode(r, &req); err != nil || req.Enabled == nil {
		Error(w, http.StatusBadRequest, "enabled is required")
		return
	}
	if err := h.tracker.SetRecordingEnabled(r.Context(), *req.Enabled); err != nil {
		h.fail(w, "set recording", err)
		return
	}
	JSON(w, http.StatusOK, h.Document())
}

type timerRequest struct {
	Mode    studytimer.Mode `json:"mode"`
	Minutes int             `json:"minutes,omitempty"`
}

// SelectTimer picks the study mode.
func (h *ControlHandler) SelectTimer(w http.ResponseWriter, r *http.Request) {
	var req timerRequest
	if err := decode(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.timer.Select(req.Mode, req.Minutes); err != nil {
		h.fail(w, "select timer", err)
		return
	}
	JSON(w, http.StatusOK, h.Document())
}

// StartTimer resumes the countdown.
func (h *ControlHandler) StartTimer(w http.ResponseWriter, r *http.Request) {
	if err := h.timer.Start(); err != nil {
		h.fail(w, "start timer", err)
		return
	}
	JSON(w, http.StatusOK, h.Document())
}

// PauseTimer pauses the countdown.
func (h *ControlHandler) PauseTimer(w http.ResponseWriter, r *http.Request) {
	h.timer.Pause()
	JSON(w, http.StatusOK, h.Document())
}

// ResetTimer refills the countdown.
func (h *ControlHandler) ResetTimer(w http.ResponseWriter, r *http.Request) {
	h.timer.Reset()
	JSON(w, http.StatusOK, h.Document())
}

func (h *ControlHandler) fail(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed", "op", op, "error", err)
	} else {
		h.logger.Info("Request rejected", "op", op, "error", err)
	}
	Error(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, focusapi.ErrAuthMissing):
		return http.StatusUnauthorized
	case errors.Is(err, tracker.ErrNoSource),
		errors.Is(err, tracker.ErrDriverStopped),
		errors.Is(err, tracker.ErrBusy),
		errors.Is(err, studytimer.ErrNoMode):
		return http.StatusConflict
	case errors.Is(err, frame.ErrUnsupportedMedia),
		errors.Is(err, studytimer.ErrUnknownMode),
		errors.Is(err, studytimer.ErrInvalidDuration):
		return http.StatusBadRequest
	case errors.Is(err, frame.ErrDeviceUnavailable),
		errors.Is(err, tracker.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}
