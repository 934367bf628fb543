package worker

import "fmt"

// State is a channel's lifecycle state.
type State int32

const (
	Stopped State = iota
	Starting
	Initializing
	Initialized
	Faulted
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Initializing:
		return "initializing"
	case Initialized:
		return "initialized"
	case Faulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON and logs.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts the names MarshalText produces.
func (s *State) UnmarshalText(b []byte) error {
	for _, st := range []State{Stopped, Starting, Initializing, Initialized, Faulted} {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown channel state %q", b)
}

// Terminal reports whether the channel is no longer running.
func (s State) Terminal() bool {
	return s == Stopped || s == Faulted
}

// transitions lists the legal moves. Faulted has none: a faulted channel is
// replaced, never restarted.
var transitions = map[State][]State{
	Stopped:      {Starting},
	Starting:     {Initializing, Faulted, Stopped},
	Initializing: {Initialized, Faulted, Stopped},
	Initialized:  {Faulted, Stopped},
	Faulted:      {},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
