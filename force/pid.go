package force

import (
	"math"
	"time"
)

// IntegralLimit bounds the accumulated integral term.
const IntegralLimit = 1000

// Gains are the PID coefficients. The shipped defaults are P-only.
type Gains struct {
	Kp float64
	Ki float64
	Kd float64
}

// PID is a discrete PID controller using wall-clock time between updates.
type PID struct {
	Gains
	Limit float64

	integral float64
	prevErr  float64
	last     time.Time
}

// Reset clears accumulated state.
func (p *PID) Reset() {
	p.integral = 0
	p.prevErr = 0
	p.last = time.Time{}
}

// Update returns the control signal for err, clamped to [-Limit, Limit].
//
// The first update after a Reset, or any update with a non-positive
// time step, skips the integral and derivative terms.
func (p *PID) Update(err float64, now time.Time) float64 {
	var dt float64
	if !p.last.IsZero() {
		dt = now.Sub(p.last).Seconds()
	}
	p.last = now

	out := p.Kp * err
	if dt > 0 {
		p.integral = clamp(p.integral+err*dt, -IntegralLimit, IntegralLimit)
		out += p.Kd * (err - p.prevErr) / dt
	}
	out += p.Ki * p.integral
	p.prevErr = err

	if math.IsNaN(out) {
		return 0
	}
	return clamp(out, -p.Limit, p.Limit)
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
