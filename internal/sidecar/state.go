package sidecar

import "time"

// State is the lifecycle position of the sidecar.
type State string

const (
	StateStopped    State = "stopped"
	StateInstalling State = "installing"
	StateLaunching  State = "launching"
	StateRunning    State = "running"
	StateFailed     State = "failed"
)

// busy reports whether EnsureStarted must leave the state alone.
func (s State) busy() bool {
	return s == StateInstalling || s == StateLaunching || s == StateRunning
}

// Transition is reported to the observer on every state change.
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
	// Reason is set for failures and unexpected exits.
	Reason string `json:"reason,omitempty"`
}

// Status is a point-in-time view of the manager.
type Status struct {
	State   State  `json:"state"`
	PID     int    `json:"pid,omitempty"`
	WorkDir string `json:"work_dir,omitempty"`
}
