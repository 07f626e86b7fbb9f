// ABOUTME: Provider lifecycle states and the state-change event emitted on every transition.
// ABOUTME: States form a closed set; Stopped is terminal until an operator restart.

package supervisor

import "time"

// State is the lifecycle state of a provider.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateDegraded
	StateRestarting
	StateStopped
)

var stateNames = [...]string{
	StateStarting:   "Starting",
	StateRunning:    "Running",
	StateDegraded:   "Degraded",
	StateRestarting: "Restarting",
	StateStopped:    "Stopped",
}

// AllStates lists every state in declaration order.
var AllStates = []State{StateStarting, StateRunning, StateDegraded, StateRestarting, StateStopped}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "Unknown"
	}
	return stateNames[s]
}

// MarshalText renders the state name in JSON and logs.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Serving reports whether the provider accepts calls in this state.
func (s State) Serving() bool {
	return s == StateRunning || s == StateDegraded
}

// Transitional reports whether the provider is on its way to serving.
func (s State) Transitional() bool {
	return s == StateStarting || s == StateRestarting
}

// StateChange describes one provider transition.
type StateChange struct {
	ProviderID   string    `json:"providerId"`
	From         State     `json:"from"`
	To           State     `json:"to"`
	RestartCount int       `json:"restartCount"`
	Reason       string    `json:"reason,omitempty"`
	Fatal        bool      `json:"fatal,omitempty"`
	At           time.Time `json:"at"`
}
