package tracker

import (
	"log/slog"
	"time"

	"github.com/ashureev/focus-tracker/internal/metrics"
	"github.com/ashureev/focus-tracker/internal/realtime"
)

// Keepalive sends a ping every period while the connection is
// open. Once the connection leaves the open state the run ends for good;
// a new connection needs a new Start.
type Keepalive struct {
	metrics *metrics.Metrics
	logger  *slog.Logger
	timer   *interval
}

// NewKeepalive creates a stopped keepalive driver.
func NewKeepalive(period time.Duration, m *metrics.Metrics, logger *slog.Logger) *Keepalive {
	if logger == nil {
		logger = slog.Default()
	}
	return &Keepalive{metrics: m, logger: logger, timer: newInterval(period)}
}

// Start begins probing ch. It returns false if already running.
func (k *Keepalive) Start(ch channel) bool {
	return k.timer.start(func() bool {
		if ch.State() != realtime.StateOpen {
			k.logger.Debug("Keepalive stopped, connection no longer open")
			return false
		}
		if ch.Ping() {
			k.metrics.KeepaliveSent()
		}
		return true
	})
}

// Stop halts probing.
func (k *Keepalive) Stop() bool { return k.timer.halt() }

// Running reports whether the keepalive timer is alive.
func (k *Keepalive) Running() bool { return k.timer.running() }

func (k *Keepalive) wait() { k.timer.wait() }
