// Package detection holds the latest analysis result of the active session.
package detection

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/focus-tracker/internal/domain"
)

// Alerter produces a user-facing cue for an escalated classification.
type Alerter interface {
	Alert(domain.AlertType)
}

// State is a copy of the aggregator contents.
type State struct {
	Snapshot  *domain.Snapshot `json:"snapshot"`
	Alert     domain.AlertType `json:"alert_type"`
	LastError string           `json:"last_error,omitempty"`
	Updates   uint64           `json:"updates"`
	UpdatedAt time.Time        `json:"updated_at,omitempty"`
}

// Aggregator keeps the most recent snapshot. Each snapshot replaces the
// previous one wholesale; nothing is merged across updates.
type Aggregator struct {
	alerter Alerter
	logger  *slog.Logger

	mu        sync.RWMutex
	snapshot  *domain.Snapshot
	lastError string
	updates   uint64
	updatedAt time.Time
	listeners []func(State)
}

// NewAggregator creates an aggregator. alerter may be nil.
func NewAggregator(alerter Alerter, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{alerter: alerter, logger: logger}
}

// OnChange registers a listener invoked after every change, outside the lock.
func (a *Aggregator) OnChange(fn func(State)) {
	a.mu.Lock()
	a.listeners = append(a.listeners, fn)
	a.mu.Unlock()
}

// Apply stores s as the current snapshot. A cue fires when the
// classification is escalated and differs from the previous one.
func (a *Aggregator) Apply(s domain.Snapshot) {
	a.mu.Lock()
	prev := domain.AlertNone
	if a.snapshot != nil {
		prev = a.snapshot.AlertType
	}
	snap := s
	a.snapshot = &snap
	a.lastError = ""
	a.updates++
	a.updatedAt = time.Now()
	state := a.stateLocked()
	listeners := a.listeners
	a.mu.Unlock()

	if s.AlertType.Escalated() && s.AlertType != prev {
		a.logger.Info("Escalated alert", "alert_type", s.AlertType.String(), "message", s.Message)
		if a.alerter != nil {
			a.alerter.Alert(s.AlertType)
		}
	}
	notify(listeners, state)
}

// SetError records a transport or service error. The snapshot is left as is.
func (a *Aggregator) SetError(msg string) {
	a.mu.Lock()
	a.lastError = msg
	a.updatedAt = time.Now()
	state := a.stateLocked()
	listeners := a.listeners
	a.mu.Unlock()

	notify(listeners, state)
}

// Reset clears the snapshot and error, typically when tracking stops.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	if a.snapshot == nil && a.lastError == "" {
		a.mu.Unlock()
		return
	}
	a.snapshot = nil
	a.lastError = ""
	a.updatedAt = time.Now()
	state := a.stateLocked()
	listeners := a.listeners
	a.mu.Unlock()

	notify(listeners, state)
}

// State returns a copy of the current contents.
func (a *Aggregator) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.stateLocked()
}

func (a *Aggregator) stateLocked() State {
	st := State{
		LastError: a.lastError,
		Updates:   a.updates,
		UpdatedAt: a.updatedAt,
	}
	if a.snapshot != nil {
		snap := *a.snapshot
		st.Snapshot = &snap
		st.Alert = snap.AlertType
	}
	return st
}

func notify(listeners []func(State), st State) {
	for _, fn := range listeners {
		fn(st)
	}
}
