package model

import "time"

// ModelSelection is the router's answer for one cycle: the model to use
// and the ordered fallback chain to walk on failure.
type ModelSelection struct {
	Model    string   `json:"model"`
	Fallback []string `json:"fallback,omitempty"`
}

// CircuitState is the per (agent, capability) breaker state. Held in
// process memory only; resets on restart.
type CircuitState int

const (
	// CircuitClosed is the normal state: the capability is visible.
	CircuitClosed CircuitState = iota
	// CircuitOpen hides the capability after repeated failures.
	CircuitOpen
	// CircuitHalfOpen makes the capability visible again as a trial
	// after the recovery timeout.
	CircuitHalfOpen
)

// String implements fmt.Stringer for log fields.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// Circuit pairs a breaker state with the time it opened. OpenedAt is only
// meaningful in the Open and HalfOpen states.
type Circuit struct {
	State    CircuitState
	OpenedAt time.Time
}
