package detection

import (
	"log/slog"

	"github.com/ashureev/focus-tracker/internal/domain"
	"github.com/gen2brain/beeep"
)

// Cue is a single tone.
type Cue struct {
	Frequency  float64
	DurationMs int
}

// CueFor returns the tone for an alert type; ok is false when no cue applies.
func CueFor(a domain.AlertType) (Cue, bool) {
	switch a {
	case domain.AlertCritical:
		return Cue{Frequency: 1000, DurationMs: 300}, true
	case domain.AlertUrgent:
		return Cue{Frequency: 800, DurationMs: 200}, true
	default:
		return Cue{}, false
	}
}

// Beeper plays cues on the system speaker.
type Beeper struct {
	play   func(freq float64, durationMs int) error
	logger *slog.Logger
}

// NewBeeper creates an alerter that uses the platform beep.
func NewBeeper(logger *slog.Logger) *Beeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Beeper{play: beeep.Beep, logger: logger}
}

// Alert plays the cue for a in the background. Playback failures are logged.
func (b *Beeper) Alert(a domain.AlertType) {
	cue, ok := CueFor(a)
	if !ok {
		return
	}
	go func() {
		if err := b.play(cue.Frequency, cue.DurationMs); err != nil {
			b.logger.Debug("Failed to play alert cue", "alert_type", a.String(), "error", err)
		}
	}()
}
