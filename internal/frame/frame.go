// Package frame defines the frame sources the publisher samples from.
package frame

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png" // register PNG decoding for uploaded stills
	"os"
	"time"
)

var (
	// ErrNotReady means the source has no frame for this tick. Callers skip the tick.
	ErrNotReady = errors.New("frame not ready")
	// ErrDeviceUnavailable means the capture device could not be opened or was lost.
	ErrDeviceUnavailable = errors.New("capture device unavailable")
	// ErrUnsupportedMedia means an uploaded file is neither a known video nor a decodable image.
	ErrUnsupportedMedia = errors.New("unsupported media")
)

// Frame is one encoded JPEG image.
type Frame struct {
	Data       []byte
	Width      int
	Height     int
	CapturedAt time.Time
}

// Source yields the current frame on demand.
type Source interface {
	Capture(ctx context.Context) (Frame, error)
	Close() error
}

// DataURL renders a frame the way the analysis channel expects it.
func DataURL(f Frame) string {
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(f.Data)
}

// Still serves the same decoded image on every capture.
type Still struct {
	frame Frame
}

// NewStill encodes img once at the given JPEG quality.
func NewStill(img image.Image, quality int) (*Still, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode still: %w", err)
	}
	b := img.Bounds()
	return &Still{frame: Frame{Data: buf.Bytes(), Width: b.Dx(), Height: b.Dy()}}, nil
}

// OpenStill decodes a JPEG or PNG file.
func OpenStill(path string, quality int) (*Still, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnsupportedMedia, path, err)
	}
	return NewStill(img, quality)
}

// Capture returns the stored frame stamped with the current time.
func (s *Still) Capture(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	f := s.frame
	f.CapturedAt = time.Now()
	return f, nil
}

// Close is a no-op.
func (s *Still) Close() error { return nil }
