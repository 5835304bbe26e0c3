package coord

import (
	"time"

	"github.com/golang/geo/r3"
)

// Pose is a tool pose as reported by the motion service, in meters.
type Pose struct {
	Position    r3.Vector
	Orientation Quaternion

	// Seq increases by one for every pose received on a connection.
	Seq  uint64
	Time time.Time
}

// Valid returns false for the zero Pose (nothing received yet).
func (p Pose) Valid() bool { return p.Seq > 0 }

// Displacement will return the straight-line distance between
// the positions of p and prev.
func (p Pose) Displacement(prev Pose) float64 {
	return p.Position.Sub(prev.Position).Norm()
}

// Offset returns p translated by d, keeping orientation.
func (p Pose) Offset(d r3.Vector) Pose {
	p.Position = p.Position.Add(d)
	return p
}

// Equal compares position and orientation only.
func (p Pose) Equal(b Pose) bool {
	return p.Position == b.Position && p.Orientation == b.Orientation
}
