package coord

import "math"

// Quaternion is a unit rotation quaternion.
type Quaternion struct{ X, Y, Z, W float64 }

// Identity is the zero rotation.
var Identity = Quaternion{W: 1}

func (q Quaternion) Norm() float64 {
	return math.Sqrt(q.X*q.X + q.Y*q.Y + q.Z*q.Z + q.W*q.W)
}

// Normalize will return q scaled to unit length. A zero quaternion
// is returned as Identity.
func (q Quaternion) Normalize() Quaternion {
	n := q.Norm()
	if n == 0 {
		return Identity
	}
	return Quaternion{q.X / n, q.Y / n, q.Z / n, q.W / n}
}

// Euler holds intrinsic XYZ angles in radians.
type Euler struct{ X, Y, Z float64 }

// Euler will convert q to XYZ-ordered angles.
//
// Near gimbal lock (|Y| == pi/2) the Z angle is folded into X.
func (q Quaternion) Euler() Euler {
	q = q.Normalize()
	x, y, z, w := q.X, q.Y, q.Z, q.W

	m11 := 1 - 2*(y*y+z*z)
	m12 := 2 * (x*y - w*z)
	m13 := 2 * (x*z + w*y)
	m22 := 1 - 2*(x*x+z*z)
	m23 := 2 * (y*z - w*x)
	m32 := 2 * (y*z + w*x)
	m33 := 1 - 2*(x*x+y*y)

	var e Euler
	e.Y = math.Asin(clamp(m13, -1, 1))
	if math.Abs(m13) < 0.9999999 {
		e.X = math.Atan2(-m23, m33)
		e.Z = math.Atan2(-m12, m11)
	} else {
		e.X = math.Atan2(m32, m22)
	}
	return e
}

// FromEuler builds a quaternion from XYZ-ordered angles.
func FromEuler(e Euler) Quaternion {
	c1, s1 := math.Cos(e.X/2), math.Sin(e.X/2)
	c2, s2 := math.Cos(e.Y/2), math.Sin(e.Y/2)
	c3, s3 := math.Cos(e.Z/2), math.Sin(e.Z/2)

	return Quaternion{
		X: s1*c2*c3 + c1*s2*s3,
		Y: c1*s2*c3 - s1*c2*s3,
		Z: c1*c2*s3 + s1*s2*c3,
		W: c1*c2*c3 - s1*s2*s3,
	}
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
