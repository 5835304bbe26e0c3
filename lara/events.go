package lara

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/mastercactapus/pressctl/coord"
)

// Inbound event names.
const (
	EventCartesianPose   = "Cartesian_Pose"
	EventJointAngle      = "Joint_Angle"
	EventHeartbeatCheck  = "heartbeat_check"
	EventPowerStatus     = "PowerStatus"
	EventCollisionStatus = "getCollisionStatus"
	EventSimulateReal    = "SimulateReal"
	EventError           = "Error"
)

// PoseMessage is a Cartesian_Pose report. Position is in meters, the
// orientation is given both as Euler angles (A,B,C) and as a quaternion.
type PoseMessage struct {
	X, Y, Z *flexFloat
	A, B, C *flexFloat

	QX *flexFloat `json:"_X"`
	QY *flexFloat `json:"_Y"`
	QZ *flexFloat `json:"_Z"`
	QW *flexFloat `json:"_W"`
}

func set(dst *float64, v *flexFloat) {
	if v != nil {
		*dst = float64(*v)
	}
}

// apply merges the reported fields onto p; missing fields keep
// their previous value.
func (m *PoseMessage) apply(p coord.Pose) coord.Pose {
	set(&p.Position.X, m.X)
	set(&p.Position.Y, m.Y)
	set(&p.Position.Z, m.Z)

	set(&p.Orientation.X, m.QX)
	set(&p.Orientation.Y, m.QY)
	set(&p.Orientation.Z, m.QZ)
	set(&p.Orientation.W, m.QW)
	return p
}

// JointMessage is a Joint_Angle report, in radians.
type JointMessage struct {
	A1, A2, A3, A4, A5, A6 *flexFloat
}

func (m *JointMessage) apply(j [6]float64) [6]float64 {
	for i, v := range []*flexFloat{m.A1, m.A2, m.A3, m.A4, m.A5, m.A6} {
		set(&j[i], v)
	}
	return j
}

// HeartbeatCheck must be answered with heartbeat_response or the
// service stops any jog motion.
type HeartbeatCheck struct{}

// PowerStatusMessage reports "Power On" or "Power Off".
type PowerStatusMessage struct {
	Data string `json:"data"`
}

// On reports whether robot power is enabled.
func (m *PowerStatusMessage) On() bool { return m.Data == "Power On" }

// CollisionStatusMessage reports if GUI collision detection is active.
type CollisionStatusMessage struct {
	GUICollision onOff `json:"gui_collision"`
}

// onOff accepts true/false as well as "on"/"off".
type onOff bool

func (b *onOff) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case "true", `"on"`, `"ON"`, `"true"`:
		*b = true
	case "false", `"off"`, `"OFF"`, `"false"`, "null":
		*b = false
	default:
		return errors.New("invalid on/off value: " + string(data))
	}
	return nil
}

// Enabled reports if collision detection is on.
func (m *CollisionStatusMessage) Enabled() bool { return bool(m.GUICollision) }

// SimulationMessage reports whether the service runs in simulation.
type SimulationMessage struct {
	Data bool `json:"data"`
}

// ErrorMessage is a free-form error or warning string from the service.
type ErrorMessage struct {
	Text string
}

// Connected is delivered once a Socket.IO session is established.
type Connected struct {
	SID string
}

// Disconnected is delivered when the session ends for any reason.
type Disconnected struct {
	Err error
}

func parseEvent(name string, args []json.RawMessage) (val interface{}, err error) {
	arg := json.RawMessage("null")
	if len(args) > 0 {
		arg = args[0]
	}
	decode := func(v interface{}) (interface{}, error) {
		err := json.Unmarshal(arg, v)
		if err != nil {
			return nil, errors.Wrapf(err, "decode %s", name)
		}
		return v, nil
	}

	switch name {
	case EventCartesianPose:
		return decode(&PoseMessage{})
	case EventJointAngle:
		return decode(&JointMessage{})
	case EventHeartbeatCheck:
		return &HeartbeatCheck{}, nil
	case EventPowerStatus:
		return decode(&PowerStatusMessage{})
	case EventCollisionStatus:
		return decode(&CollisionStatusMessage{})
	case EventSimulateReal:
		return decode(&SimulationMessage{})
	case EventError:
		var s string
		_, err := decode(&s)
		if err != nil {
			return nil, err
		}
		return &ErrorMessage{Text: s}, nil
	}

	return nil, errors.New("unknown event: " + name)
}
