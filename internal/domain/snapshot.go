package domain

// AlertType classifies how strongly the analysis service wants attention.
type AlertType string

const (
	AlertNone     AlertType = ""
	AlertGentle   AlertType = "gentle"
	AlertUrgent   AlertType = "urgent"
	AlertCritical AlertType = "critical"
)

// Severity orders alert types: none < gentle < urgent < critical.
// Unknown values rank as none.
func (a AlertType) Severity() int {
	switch a {
	case AlertGentle:
		return 1
	case AlertUrgent:
		return 2
	case AlertCritical:
		return 3
	default:
		return 0
	}
}

// Escalated reports whether the alert warrants an audible cue.
func (a AlertType) Escalated() bool {
	return a.Severity() >= AlertUrgent.Severity()
}

// String returns "none" for the empty classification.
func (a AlertType) String() string {
	if a.Severity() == 0 {
		return "none"
	}
	return string(a)
}

// RecordingStatus is the recording flag block echoed by the analysis service.
type RecordingStatus struct {
	Enabled bool `json:"enabled"`
	Active  bool `json:"active"`
}

// SessionStats holds cumulative counters owned by the analysis service.
type SessionStats struct {
	SessionID          string  `json:"session_id"`
	DurationSeconds    float64 `json:"duration_seconds"`
	CurrentScore       float64 `json:"current_score"`
	TotalViolations    int     `json:"total_violations"`
	PhoneDetectedCount int     `json:"phone_detected_count"`
	LeftSeatCount      int     `json:"left_seat_count"`
	TotalAlerts        int     `json:"total_alerts"`
	GentleAlerts       int     `json:"gentle_alerts"`
	UrgentAlerts       int     `json:"urgent_alerts"`
	FocusPercentage    float64 `json:"focus_percentage"`
	TotalFrames        int     `json:"total_frames"`
	FocusedFrames      int     `json:"focused_frames"`
}

// Snapshot is one analysis result plus the session statistics at that point.
type Snapshot struct {
	SessionID             string           `json:"session_id"`
	Timestamp             string           `json:"timestamp"`
	IsFocused             bool             `json:"is_focused"`
	PersonDetected        bool             `json:"person_detected"`
	PersonConfidence      *float64         `json:"person_confidence,omitempty"`
	PhoneDetected         bool             `json:"phone_detected"`
	Confidence            float64          `json:"confidence"`
	Message               string           `json:"message"`
	AlertType             AlertType        `json:"alert_type"`
	ViolationType         *string          `json:"violation_type,omitempty"`
	ConsecutiveViolations *int             `json:"consecutive_violations,omitempty"`
	Recording             *RecordingStatus `json:"recording,omitempty"`
	Stats                 SessionStats     `json:"stats"`
}
