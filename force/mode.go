package force

import (
	"time"

	"github.com/pkg/errors"
)

// Mode is the controller state.
type Mode int

// Controller modes.
const (
	ModeIdle Mode = iota
	ModeSeeking
	ModeHolding
	ModeFaulted
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeSeeking:
		return "seeking"
	case ModeHolding:
		return "holding"
	case ModeFaulted:
		return "faulted"
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// pressing reports if the mode commands motion on every tick.
func (m Mode) pressing() bool { return m == ModeSeeking || m == ModeHolding }

var (
	// ErrSafetyFault is returned to seek waiters when the force ceiling trips.
	ErrSafetyFault = errors.New("force ceiling exceeded, robot powered off")

	// ErrFaulted is returned for requests made while the controller is faulted.
	ErrFaulted = errors.New("controller is faulted")

	// ErrPreempted is returned to a seek waiter when another request
	// takes over.
	ErrPreempted = errors.New("preempted by another request")

	// ErrMaxTravel is returned when a seek moves farther than the
	// configured travel limit without converging.
	ErrMaxTravel = errors.New("maximum travel reached")
)

// Setpoint is the active force request.
type Setpoint struct {
	Target     float64 `json:"target"`
	WiggleRoom float64 `json:"wiggleRoom"`
	Mode       Mode    `json:"mode"`
}

// SafetyLimit is the force ceiling. Armed means exceeding Ceiling
// trips the controller; it is disarmed while faulted so the trip
// actions run once.
type SafetyLimit struct {
	Ceiling float64 `json:"ceiling"`
	Armed   bool    `json:"armed"`
}

// Result is returned by a completed seek.
type Result struct {
	Force  float64 `json:"force"`
	Target float64 `json:"target"`
}

// Status is a point-in-time snapshot of the controller.
type Status struct {
	Setpoint
	Limit      SafetyLimit `json:"limit"`
	Force      float64     `json:"force"`
	Fault      string      `json:"fault,omitempty"`
	Unsticking bool        `json:"unsticking"`
	Manual     bool        `json:"manual"`
}

// EventKind identifies controller notices.
type EventKind string

// Event kinds.
const (
	EventModeChanged   EventKind = "mode"
	EventTargetChanged EventKind = "target"
	EventFault         EventKind = "fault"
	EventWarning       EventKind = "warning"
	EventStall         EventKind = "stall"
)

// Event is a controller notice for the push channel.
type Event struct {
	Kind    EventKind `json:"kind"`
	Mode    Mode      `json:"mode"`
	Target  float64   `json:"target"`
	Force   float64   `json:"force"`
	Message string    `json:"message,omitempty"`
	Time    time.Time `json:"time"`
}
