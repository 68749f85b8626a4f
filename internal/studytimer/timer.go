// Package studytimer implements the countdown that drives tracking when
// tracking is bound to a study session.
package studytimer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Mode selects how long a study session lasts.
type Mode string

// Supported modes.
const (
	ModeNone     Mode = ""
	ModePomodoro Mode = "pomodoro"
	ModeManual   Mode = "manual"
)

const (
	// PomodoroDuration is the default length of a pomodoro session.
	PomodoroDuration = 25 * time.Minute
	// DefaultManualMinutes is the default used when manual mode is selected
	// without minutes.
	DefaultManualMinutes = 30
	// MaxManualMinutes caps manual sessions.
	MaxManualMinutes = 24 * 60

	step = time.Second
)

var (
	// ErrUnknownMode is returned by Select for an unsupported mode.
	ErrUnknownMode = errors.New("unknown study mode")
	// ErrInvalidDuration is returned by Select for out-of-range minutes.
	ErrInvalidDuration = errors.New("invalid study duration")
	// ErrNoMode is returned by Start before a mode was selected.
	ErrNoMode = errors.New("no study mode selected")
)

// Status is a point-in-time view of the timer.
type Status struct {
	Mode             Mode `json:"mode"`
	Running          bool `json:"running"`
	RemainingSeconds int  `json:"remaining_seconds"`
	TotalSeconds     int  `json:"total_seconds"`
}

// Options configures a Timer.
type Options struct {
	// Tick is the wall-clock period of one countdown second. Zero means one second.
	Tick time.Duration
	// PomodoroMinutes overrides PomodoroDuration when positive.
	PomodoroMinutes int
	// ManualMinutes overrides DefaultManualMinutes when positive.
	ManualMinutes int
	Logger        *slog.Logger
}

// Timer counts a study session down to zero and stops itself there.
type Timer struct {
	tick          time.Duration
	pomodoro      time.Duration
	manualMinutes int
	logger        *slog.Logger

	mu        sync.Mutex
	mode      Mode
	total     time.Duration
	remaining time.Duration
	stop      chan struct{}
	closed    bool
	wg        sync.WaitGroup

	// notifyMu keeps listener calls in transition order.
	notifyMu  sync.Mutex
	onRunning []func(bool)
	onChange  []func(Status)
}

// New creates a timer with no mode selected.
func New(opts Options) *Timer {
	if opts.Tick <= 0 {
		opts.Tick = step
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	t := &Timer{
		tick:          opts.Tick,
		pomodoro:      PomodoroDuration,
		manualMinutes: DefaultManualMinutes,
		logger:        opts.Logger,
	}
	if opts.PomodoroMinutes > 0 {
		t.pomodoro = time.Duration(opts.PomodoroMinutes) * time.Minute
	}
	if opts.ManualMinutes > 0 {
		t.manualMinutes = opts.ManualMinutes
	}
	return t
}

// OnRunning registers fn to be called whenever the timer starts or stops
// running. Listeners may read the Timer but must not change it.
func (t *Timer) OnRunning(fn func(running bool)) {
	t.notifyMu.Lock()
	t.onRunning = append(t.onRunning, fn)
	t.notifyMu.Unlock()
}

// OnChange registers fn to be called on every status change, including each
// countdown step.
func (t *Timer) OnChange(fn func(Status)) {
	t.notifyMu.Lock()
	t.onChange = append(t.onChange, fn)
	t.notifyMu.Unlock()
}

// Select switches mode and refills the countdown. A running timer is paused.
// minutes only applies to manual mode; zero picks the configured default.
func (t *Timer) Select(mode Mode, minutes int) error {
	var total time.Duration
	switch mode {
	case ModePomodoro:
		total = t.pomodoro
	case ModeManual:
		if minutes == 0 {
			minutes = t.manualMinutes
		}
		if minutes < 0 || minutes > MaxManualMinutes {
			return fmt.Errorf("%w: %d minutes", ErrInvalidDuration, minutes)
		}
		total = time.Duration(minutes) * time.Minute
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}

	t.mu.Lock()
	wasRunning := t.halt()
	t.mode = mode
	t.total = total
	t.remaining = total
	t.logger.Info("Study mode selected", "mode", mode, "duration", total)
	t.commit(wasRunning, false)
	return nil
}

// Start resumes the countdown. Starting an expired timer refills it first.
// Starting a running timer is a no-op.
func (t *Timer) Start() error {
	t.mu.Lock()
	if t.mode == ModeNone {
		t.mu.Unlock()
		return ErrNoMode
	}
	if t.closed || t.stop != nil {
		t.mu.Unlock()
		return nil
	}
	if t.remaining <= 0 {
		t.remaining = t.total
	}
	stop := make(chan struct{})
	t.stop = stop
	t.wg.Add(1)
	go t.run(stop)
	t.logger.Info("Study timer started", "mode", t.mode, "remaining", t.remaining)
	t.commit(false, true)
	return nil
}

// Pause stops the countdown and keeps the remaining time.
func (t *Timer) Pause() {
	t.mu.Lock()
	if !t.halt() {
		t.mu.Unlock()
		return
	}
	t.logger.Info("Study timer paused", "remaining", t.remaining)
	t.commit(true, false)
}

// Reset stops the countdown and refills it for the current mode.
func (t *Timer) Reset() {
	t.mu.Lock()
	wasRunning := t.halt()
	t.remaining = t.total
	t.commit(wasRunning, false)
}

// Remaining returns the time left in the current session.
func (t *Timer) Remaining() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remaining
}

// Running reports whether the countdown is active.
func (t *Timer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stop != nil
}

// Status returns the current status.
func (t *Timer) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status()
}

// Close stops the countdown for good and waits for it to exit.
func (t *Timer) Close() {
	t.mu.Lock()
	t.closed = true
	wasRunning := t.halt()
	t.commit(wasRunning, false)
	t.wg.Wait()
}

func (t *Timer) run(stop chan struct{}) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.tick)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		t.mu.Lock()
		if t.stop != stop {
			t.mu.Unlock()
			return
		}
		t.remaining -= step
		if t.remaining > 0 {
			t.commit(false, false)
			continue
		}
		t.remaining = 0
		t.halt()
		t.logger.Info("Study session finished", "mode", t.mode)
		t.commit(true, false)
		return
	}
}

// halt must be called with mu held.
func (t *Timer) halt() bool {
	if t.stop == nil {
		return false
	}
	close(t.stop)
	t.stop = nil
	return true
}

func (t *Timer) status() Status {
	return Status{
		Mode:             t.mode,
		Running:          t.stop != nil,
		RemainingSeconds: int(t.remaining / time.Second),
		TotalSeconds:     int(t.total / time.Second),
	}
}

// commit must be called with mu held and releases it. Listeners run after
// the state lock is released but before the next transition can notify.
func (t *Timer) commit(stopped, started bool) {
	st := t.status()
	t.notifyMu.Lock()
	t.mu.Unlock()
	defer t.notifyMu.Unlock()

	if stopped || started {
		for _, fn := range t.onRunning {
			fn(st.Running)
		}
	}
	for _, fn := range t.onChange {
		fn(st)
	}
}
