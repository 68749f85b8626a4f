package tracker

import "fmt"

// State is the controller run state.
type State int

const (
	StateIdle State = iota
	StateCreating
	StateConnecting
	StateTracking
	StateReconnecting
)

var stateNames = []string{"idle", "creating", "connecting", "tracking", "reconnecting"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText renders the state name in JSON documents.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Active reports whether the controller holds or is acquiring a session.
func (s State) Active() bool {
	return s != StateIdle
}

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(text []byte) error {
	for i, name := range stateNames {
		if name == string(text) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", text)
}
