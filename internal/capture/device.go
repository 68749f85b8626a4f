// Package capture reads frames from cameras and video files through OpenCV.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/focus-tracker/internal/frame"
	"gocv.io/x/gocv"
)

// Device is an open OpenCV capture. It is safe for concurrent Capture calls.
type Device struct {
	name    string
	loop    bool
	quality int
	logger  *slog.Logger

	mu     sync.Mutex
	vc     *gocv.VideoCapture
	img    gocv.Mat
	closed bool
}

// OpenCamera opens a local camera by index.
func OpenCamera(id, width, height, quality int, logger *slog.Logger) (*Device, error) {
	vc, err := gocv.OpenVideoCapture(id)
	if err != nil {
		return nil, fmt.Errorf("%w: camera %d: %v", frame.ErrDeviceUnavailable, id, err)
	}
	if !vc.IsOpened() {
		_ = vc.Close()
		return nil, fmt.Errorf("%w: camera %d did not open", frame.ErrDeviceUnavailable, id)
	}
	if width > 0 && height > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(width))
		vc.Set(gocv.VideoCaptureFrameHeight, float64(height))
	}
	// Keep only the newest frame so sampling reflects the live scene.
	vc.Set(gocv.VideoCaptureBufferSize, 1)

	return newDevice(fmt.Sprintf("camera:%d", id), vc, false, quality, logger), nil
}

// OpenVideo opens a video file that is replayed from the start when it ends.
func OpenVideo(path string, quality int, logger *slog.Logger) (*Device, error) {
	vc, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", frame.ErrDeviceUnavailable, path, err)
	}
	if !vc.IsOpened() {
		_ = vc.Close()
		return nil, fmt.Errorf("%w: %s did not open", frame.ErrDeviceUnavailable, path)
	}
	return newDevice(path, vc, true, quality, logger), nil
}

func newDevice(name string, vc *gocv.VideoCapture, loop bool, quality int, logger *slog.Logger) *Device {
	if logger == nil {
		logger = slog.Default()
	}
	return &Device{
		name:    name,
		loop:    loop,
		quality: quality,
		logger:  logger.With("device", name),
		vc:      vc,
		img:     gocv.NewMat(),
	}
}

// Capture reads and encodes the current frame. A video that reached its end
// is rewound and reports frame.ErrNotReady for that call.
func (d *Device) Capture(ctx context.Context) (frame.Frame, error) {
	if err := ctx.Err(); err != nil {
		return frame.Frame{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return frame.Frame{}, frame.ErrDeviceUnavailable
	}

	if ok := d.vc.Read(&d.img); !ok || d.img.Empty() {
		if d.loop {
			d.vc.Set(gocv.VideoCapturePosFrames, 0)
			return frame.Frame{}, frame.ErrNotReady
		}
		if !ok {
			return frame.Frame{}, fmt.Errorf("%w: read failed on %s", frame.ErrDeviceUnavailable, d.name)
		}
		return frame.Frame{}, frame.ErrNotReady
	}

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, d.img, []int{int(gocv.IMWriteJpegQuality), d.quality})
	if err != nil {
		return frame.Frame{}, fmt.Errorf("encode frame: %w", err)
	}
	defer buf.Close()

	src := buf.GetBytes()
	data := make([]byte, len(src))
	copy(data, src)

	return frame.Frame{
		Data:       data,
		Width:      d.img.Cols(),
		Height:     d.img.Rows(),
		CapturedAt: time.Now(),
	}, nil
}

// Close releases the capture. Only the first call has an effect.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if err := d.img.Close(); err != nil {
		d.logger.Debug("Failed to release frame buffer", "error", err)
	}
	if err := d.vc.Close(); err != nil {
		return fmt.Errorf("close %s: %w", d.name, err)
	}
	d.logger.Info("Capture device released")
	return nil
}

// Opener opens devices with fixed camera and encoding settings.
type Opener struct {
	Device  int
	Width   int
	Height  int
	Quality int
	Logger  *slog.Logger
}

// OpenCamera implements frame.Opener.
func (o Opener) OpenCamera() (frame.Source, error) {
	return OpenCamera(o.Device, o.Width, o.Height, o.Quality, o.Logger)
}

// OpenVideo implements frame.Opener.
func (o Opener) OpenVideo(path string) (frame.Source, error) {
	return OpenVideo(path, o.Quality, o.Logger)
}
