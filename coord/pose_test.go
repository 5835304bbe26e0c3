package coord

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
)

func TestPose_Displacement(t *testing.T) {
	a := Pose{Position: r3.Vector{X: 1, Y: 2, Z: 3}}
	b := Pose{Position: r3.Vector{X: 1, Y: 2, Z: 3.5}}

	assert.InDelta(t, 0.5, b.Displacement(a), 1e-9)
	assert.Equal(t, 0.0, a.Displacement(a))
}

func TestPose_Offset(t *testing.T) {
	a := Pose{Position: r3.Vector{Z: 0.2}, Orientation: Identity}
	b := a.Offset(r3.Vector{Z: 0.001})

	assert.InDelta(t, 0.201, b.Position.Z, 1e-12)
	assert.Equal(t, Identity, b.Orientation)
	assert.False(t, a.Equal(b))
}

func TestQuaternion_Euler(t *testing.T) {
	assert.Equal(t, Euler{}, Identity.Euler())

	e := Euler{X: 0.3, Y: -0.2, Z: 1.1}
	res := FromEuler(e).Euler()
	assert.InDelta(t, e.X, res.X, 1e-9)
	assert.InDelta(t, e.Y, res.Y, 1e-9)
	assert.InDelta(t, e.Z, res.Z, 1e-9)

	// tool pointing down, as the arm normally presses
	down := FromEuler(Euler{X: math.Pi})
	assert.InDelta(t, math.Pi, math.Abs(down.Euler().X), 1e-9)
}

func TestQuaternion_Normalize(t *testing.T) {
	assert.Equal(t, Identity, Quaternion{}.Normalize())
	assert.InDelta(t, 1.0, Quaternion{X: 2, W: 2}.Normalize().Norm(), 1e-12)
}
