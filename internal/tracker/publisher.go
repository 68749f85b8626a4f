package tracker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ashureev/focus-tracker/internal/frame"
	"github.com/ashureev/focus-tracker/internal/metrics"
	"github.com/ashureev/focus-tracker/internal/realtime"
)

// channel is the part of a connection the periodic drivers write to.
type channel interface {
	State() realtime.ReadyState
	SendText(payload []byte) bool
	Ping() bool
}

// FrameSource yields frames for the publisher.
type FrameSource interface {
	Capture(ctx context.Context) (frame.Frame, error)
}

// Publisher sends one frame per period while running. Frames are dropped,
// never queued, when the connection is not open.
type Publisher struct {
	source  FrameSource
	metrics *metrics.Metrics
	logger  *slog.Logger
	timer   *interval
}

// NewPublisher creates a stopped publisher.
func NewPublisher(source FrameSource, period time.Duration, m *metrics.Metrics, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{source: source, metrics: m, logger: logger, timer: newInterval(period)}
}

// Start begins publishing to ch. It returns false if already running.
func (p *Publisher) Start(ch channel) bool {
	return p.timer.start(func() bool {
		p.tick(ch)
		return true
	})
}

// Stop halts publishing.
func (p *Publisher) Stop() bool { return p.timer.halt() }

// Running reports whether the publishing timer is alive.
func (p *Publisher) Running() bool { return p.timer.running() }

func (p *Publisher) wait() { p.timer.wait() }

func (p *Publisher) tick(ch channel) {
	if ch.State() != realtime.StateOpen {
		p.metrics.FrameSkipped(metrics.SkipNotOpen)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timer.period)
	defer cancel()

	f, err := p.source.Capture(ctx)
	if err != nil {
		if errors.Is(err, frame.ErrNotReady) {
			p.metrics.FrameSkipped(metrics.SkipNotReady)
			return
		}
		p.metrics.FrameSkipped(metrics.SkipError)
		p.logger.Debug("Frame capture failed", "error", err)
		return
	}

	if !ch.SendText([]byte(frame.DataURL(f))) {
		p.metrics.FrameSkipped(metrics.SkipNotOpen)
		return
	}
	p.metrics.FrameSent()
}
