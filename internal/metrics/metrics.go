// Package metrics exposes tracker counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "focus_tracker"

// Skip reasons for frames that were not sent.
const (
	SkipNotOpen  = "not_open"
	SkipNotReady = "not_ready"
	SkipError    = "error"
)

// Metrics holds the tracker's collectors on a private registry.
// All methods are safe on a nil receiver.
type Metrics struct {
	registry           *prometheus.Registry
	FramesSent         prometheus.Counter
	FramesSkipped      *prometheus.CounterVec
	KeepalivesSent     prometheus.Counter
	Reconnects         prometheus.Counter
	ConnectionsOpened  prometheus.Counter
	SessionsCreated    prometheus.Counter
	SessionCreateFails prometheus.Counter
	Snapshots          prometheus.Counter
	Alerts             *prometheus.CounterVec
	State              *prometheus.GaugeVec
}

// New creates and registers all collectors.
func New() *Metrics {
	r := prometheus.NewRegistry()
	m := &Metrics{
		registry: r,
		FramesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Frames written to the analysis channel",
		}),
		FramesSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_skipped_total",
			Help:      "Frame ticks that produced no send, by reason",
		}, []string{"reason"}),
		KeepalivesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keepalives_sent_total",
			Help:      "Keepalive pings written",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Reconnects scheduled after an abnormal close",
		}),
		ConnectionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_opened_total",
			Help:      "Analysis channel connections that reached open",
		}),
		SessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Sessions created on the analysis service",
		}),
		SessionCreateFails: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_create_failures_total",
			Help:      "Session creations that failed",
		}),
		Snapshots: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_total",
			Help:      "Analysis snapshots received",
		}),
		Alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Snapshots carrying an alert, by type",
		}, []string{"type"}),
		State: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "state",
			Help:      "1 for the current controller state, 0 otherwise",
		}, []string{"state"}),
	}
	r.MustRegister(
		m.FramesSent, m.FramesSkipped, m.KeepalivesSent, m.Reconnects,
		m.ConnectionsOpened, m.SessionsCreated, m.SessionCreateFails,
		m.Snapshots, m.Alerts, m.State,
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) FrameSent() {
	if m != nil {
		m.FramesSent.Inc()
	}
}

func (m *Metrics) FrameSkipped(reason string) {
	if m != nil {
		m.FramesSkipped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) KeepaliveSent() {
	if m != nil {
		m.KeepalivesSent.Inc()
	}
}

func (m *Metrics) ReconnectScheduled() {
	if m != nil {
		m.Reconnects.Inc()
	}
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.ConnectionsOpened.Inc()
	}
}

func (m *Metrics) SessionCreated(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.SessionsCreated.Inc()
		return
	}
	m.SessionCreateFails.Inc()
}

// SnapshotReceived counts a snapshot and, when present, its alert type.
func (m *Metrics) SnapshotReceived(alertType string) {
	if m == nil {
		return
	}
	m.Snapshots.Inc()
	if alertType != "" {
		m.Alerts.WithLabelValues(alertType).Inc()
	}
}

// SetState marks current as the only active state among all.
func (m *Metrics) SetState(current string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		m.State.WithLabelValues(s).Set(v)
	}
}
