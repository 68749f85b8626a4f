package frame

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
)

// Mode identifies which kind of source is selected.
type Mode string

const (
	ModeNone   Mode = "none"
	ModeCamera Mode = "camera"
	ModeUpload Mode = "upload"
)

var videoExtensions = map[string]bool{
	".mp4":  true,
	".webm": true,
	".mov":  true,
	".mkv":  true,
	".avi":  true,
	".m4v":  true,
}

// IsVideo reports whether path names a video container the capture backend can read.
func IsVideo(path string) bool {
	return videoExtensions[strings.ToLower(filepath.Ext(path))]
}

// Opener creates device-backed sources.
type Opener interface {
	OpenCamera() (Source, error)
	OpenVideo(path string) (Source, error)
}

// Selector holds the single active source and swaps it on request.
type Selector struct {
	opener  Opener
	quality int
	logger  *slog.Logger

	mu     sync.Mutex
	mode   Mode
	source Source
}

// NewSelector creates a selector with nothing selected.
func NewSelector(opener Opener, quality int, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{opener: opener, quality: quality, logger: logger, mode: ModeNone}
}

// Mode returns the selected mode.
func (s *Selector) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Select switches to mode. path is required for ModeUpload. Selecting the
// camera again while it is active keeps the open device. On failure the
// selector falls back to ModeNone.
func (s *Selector) Select(mode Mode, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if mode == ModeCamera && s.mode == ModeCamera && s.source != nil {
		return nil
	}

	switch mode {
	case ModeNone:
		s.releaseLocked()
		return nil
	case ModeCamera, ModeUpload:
	default:
		return fmt.Errorf("unknown source mode %q", mode)
	}

	s.releaseLocked()
	src, err := s.open(mode, path)
	if err != nil {
		s.logger.Warn("Failed to open frame source", "mode", mode, "path", path, "error", err)
		return err
	}
	s.mode = mode
	s.source = src
	s.logger.Info("Frame source selected", "mode", mode, "path", path)
	return nil
}

// Clear releases the active source.
func (s *Selector) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked()
}

// Capture samples the active source. ErrNotReady is returned when nothing is selected.
func (s *Selector) Capture(ctx context.Context) (Frame, error) {
	s.mu.Lock()
	src := s.source
	s.mu.Unlock()
	if src == nil {
		return Frame{}, ErrNotReady
	}
	return src.Capture(ctx)
}

// Close releases the active source.
func (s *Selector) Close() error {
	s.Clear()
	return nil
}

func (s *Selector) open(mode Mode, path string) (Source, error) {
	if mode == ModeCamera {
		if s.opener == nil {
			return nil, ErrDeviceUnavailable
		}
		return s.opener.OpenCamera()
	}

	if path == "" {
		return nil, fmt.Errorf("%w: no file given", ErrUnsupportedMedia)
	}
	if IsVideo(path) {
		if s.opener == nil {
			return nil, ErrDeviceUnavailable
		}
		return s.opener.OpenVideo(path)
	}
	return OpenStill(path, s.quality)
}

func (s *Selector) releaseLocked() {
	if s.source != nil {
		if err := s.source.Close(); err != nil {
			s.logger.Debug("Failed to release frame source", "mode", s.mode, "error", err)
		}
	}
	s.source = nil
	s.mode = ModeNone
}
