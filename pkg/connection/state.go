// Package connection tracks the readiness lifecycle of WebSocket
// connections and owns the per-connection resources derived from it.
//
// Every connection walks a fixed, linear path before it may receive
// application messages:
//
//	CONNECTING → ACCEPTED → AUTHENTICATING → AUTHENTICATED →
//	SERVICES_INITIALIZING → SERVICES_READY → PROCESSING_READY
//
// DISCONNECTING and DISCONNECTED may be entered from any non-terminal
// state. DISCONNECTED is terminal. The table is fixed and not configurable.
package connection

import "fmt"

// State is a connection readiness phase.
type State int32

const (
	StateConnecting State = iota
	StateAccepted
	StateAuthenticating
	StateAuthenticated
	StateServicesInitializing
	StateServicesReady
	StateProcessingReady
	StateDisconnecting
	StateDisconnected
)

var stateNames = [...]string{
	StateConnecting:           "CONNECTING",
	StateAccepted:             "ACCEPTED",
	StateAuthenticating:       "AUTHENTICATING",
	StateAuthenticated:        "AUTHENTICATED",
	StateServicesInitializing: "SERVICES_INITIALIZING",
	StateServicesReady:        "SERVICES_READY",
	StateProcessingReady:      "PROCESSING_READY",
	StateDisconnecting:        "DISCONNECTING",
	StateDisconnected:         "DISCONNECTED",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// MarshalText renders the state name in JSON diagnostics.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name produced by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for i, name := range stateNames {
		if name == string(text) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown connection state %q", text)
}

// IsTerminal reports whether no further transitions are possible.
func (s State) IsTerminal() bool {
	return s == StateDisconnected
}

// successor returns the next state on the readiness path.
func (s State) successor() (State, bool) {
	if s < StateProcessingReady {
		return s + 1, true
	}
	return 0, false
}

// canTransition implements the allowed-transition table.
func canTransition(from, to State) bool {
	if from.IsTerminal() {
		return false
	}
	switch to {
	case StateDisconnecting:
		return from != StateDisconnecting
	case StateDisconnected:
		return true
	}
	next, ok := from.successor()
	return ok && next == to
}
