package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/focus-tracker/internal/domain"
	"github.com/ashureev/focus-tracker/internal/store"
)

const defaultSessionLimit = 50

// LedgerHandler serves the local session and recording history.
type LedgerHandler struct {
	*Handler
}

// NewLedgerHandler creates a new ledger handler.
func NewLedgerHandler(base *Handler) *LedgerHandler {
	return &LedgerHandler{Handler: base}
}

// RegisterRoutes registers ledger routes.
func (h *LedgerHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/sessions", h.ListSessions)
	r.Get("/api/recordings", h.ListRecordings)
	r.Get("/api/recordings/{id}/download", h.DownloadRecording)
	r.Delete("/api/recordings/{id}", h.ClearRecording)
}

// ListSessions returns the most recent sessions.
func (h *LedgerHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	limit := defaultSessionLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	sessions, err := h.repo.ListSessions(r.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to list sessions", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []*domain.SessionRecord{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

type recordingView struct {
	*domain.Recording
	CanDownload bool   `json:"downloadable"`
	DownloadURL string `json:"download_url,omitempty"`
}

// ListRecordings returns recordings that were not cleared, newest first.
func (h *LedgerHandler) ListRecordings(w http.ResponseWriter, r *http.Request) {
	recs, err := h.repo.ListRecordings(r.Context())
	if err != nil {
		h.logger.Error("Failed to list recordings", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list recordings")
		return
	}

	views := make([]recordingView, 0, len(recs))
	for _, rec := range recs {
		v := recordingView{Recording: rec, CanDownload: rec.Downloadable()}
		if v.CanDownload {
			v.DownloadURL = "/api/recordings/" + rec.ID + "/download"
		}
		views = append(views, v)
	}
	JSON(w, http.StatusOK, map[string]interface{}{"recordings": views})
}

// DownloadRecording redirects to the remote download location.
func (h *LedgerHandler) DownloadRecording(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := h.repo.GetRecording(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		Error(w, http.StatusNotFound, "recording not found")
		return
	}
	if err != nil {
		h.logger.Error("Failed to get recording", "recording_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "failed to get recording")
		return
	}
	if !rec.Downloadable() {
		Error(w, http.StatusConflict, "recording is not downloadable")
		return
	}
	http.Redirect(w, r, h.downloads.DownloadURL(rec.ID), http.StatusFound)
}

// ClearRecording drops the client-side reference of a recording. The remote
// file is left alone.
func (h *LedgerHandler) ClearRecording(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.repo.ClearRecording(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			Error(w, http.StatusNotFound, "recording not found")
			return
		}
		h.logger.Error("Failed to clear recording", "recording_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "failed to clear recording")
		return
	}
	h.tracker.ClearRecording(id)
	h.logger.Info("Recording reference cleared", "recording_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// HealthHandler reports liveness.
type HealthHandler struct {
	*Handler
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(base *Handler) *HealthHandler {
	return &HealthHandler{Handler: base}
}

// RegisterHealth registers the health route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}

// Health pings the ledger and reports the tracking state.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.repo.Ping(ctx); err != nil {
		h.logger.Error("Health check failed", "error", err)
		JSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"ledger": "unreachable",
		})
		return
	}
	JSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"ledger": "ok",
		"state":  h.tracker.Status().State.String(),
	})
}
