package session

import (
	"fmt"
	"time"
)

// State is where a session is in its connect/disconnect lifecycle.
type State int

const (
	StateNew State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateDisconnected
	StateAwaitingClose
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	case StateAwaitingClose:
		return "awaiting_close"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for st := StateNew; st <= StateAwaitingClose; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", b)
}

// stateHistorySize is the number of transitions kept per session.
const stateHistorySize = 50

// StateTransition records a single state change.
type StateTransition struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}

// stateHistory is a fixed-size ring of transitions.
type stateHistory struct {
	transitions [stateHistorySize]StateTransition
	head        int
	count       int
}

func (h *stateHistory) record(from, to State, reason string) {
	h.transitions[h.head] = StateTransition{
		From:      from,
		To:        to,
		Timestamp: time.Now(),
		Reason:    reason,
	}
	h.head = (h.head + 1) % stateHistorySize
	if h.count < stateHistorySize {
		h.count++
	}
}

// list returns transitions oldest first.
func (h *stateHistory) list() []StateTransition {
	if h.count == 0 {
		return nil
	}
	result := make([]StateTransition, h.count)
	if h.count < stateHistorySize {
		copy(result, h.transitions[:h.count])
	} else {
		n := copy(result, h.transitions[h.head:])
		copy(result[n:], h.transitions[:h.head])
	}
	return result
}
