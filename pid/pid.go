// Package pid implements the position controller: proportional-integral-
// derivative with an anti-windup clamp on the integral accumulator and a
// single-pole low-pass on the derivative.  The controller is pure state +
// arithmetic; periods, references, and actuation live in the servo package.
package pid

import (
	"github.com/servolab/servobench/mathx"
)

// DefaultAlpha is the derivative low-pass coefficient.  At the 10ms control
// period the encoder quantization (~1 deg) makes the raw derivative useless
// without it.
const DefaultAlpha = 0.2

// DefaultIntegralLimit bounds the integral accumulator (not the I output) so
// a long saturation does not wind up minutes of correction.
const DefaultIntegralLimit = 100

// Controller is a PID position controller.  Zero value is not usable; call
// New.
type Controller struct {
	// Alpha is the derivative filter coefficient in (0,1]; 1 disables the
	// filter.
	Alpha float64

	// IntegralMin and IntegralMax clamp the integral accumulator.
	IntegralMin, IntegralMax float64

	// WrapError reduces the error to the shortest arc, for plants measured
	// on a circle.  Leave false when the position is an unwrapped
	// multi-turn angle.
	WrapError bool

	kp, ki, kd float64

	integral float64
	prevErr  float64
	filtered float64
	lastOut  float64
}

// New returns a Controller with the given gains and default filter and
// anti-windup settings.
func New(kp, ki, kd float64) *Controller {
	return &Controller{
		Alpha:       DefaultAlpha,
		IntegralMin: -DefaultIntegralLimit,
		IntegralMax: DefaultIntegralLimit,
		kp:          kp,
		ki:          ki,
		kd:          kd,
	}
}

// Update advances the controller one tick and returns the unsaturated
// control signal.  dt is in seconds; a non-positive dt performs no update
// and returns the previous output, so a degenerate tick is a no-op.
func (c *Controller) Update(reference, measured, dt float64) float64 {
	if dt <= 0 {
		return c.lastOut
	}
	e := reference - measured
	if c.WrapError {
		e = mathx.ShortestArc(e)
	}

	p := c.kp * e

	// clamp the accumulator, not the output, so a later gain change cannot
	// resurrect wound-up error
	integral := mathx.Clamp(c.integral+e*dt, c.IntegralMin, c.IntegralMax)
	i := c.ki * integral

	raw := (e - c.prevErr) / dt
	filtered := c.Alpha*raw + (1-c.Alpha)*c.filtered
	d := c.kd * filtered

	out := p + i + d

	c.integral = integral
	c.prevErr = e
	c.filtered = filtered
	c.lastOut = out
	return out
}

// Reset zeroes the integral accumulator, the previous error, and the
// derivative filter.  Called whenever the reference or gains change so stale
// integral action from the prior setpoint cannot kick the new one.
func (c *Controller) Reset() {
	c.integral = 0
	c.prevErr = 0
	c.filtered = 0
	c.lastOut = 0
}

// SetGains replaces Kp, Ki, Kd and resets the controller state.
func (c *Controller) SetGains(kp, ki, kd float64) {
	c.kp = kp
	c.ki = ki
	c.kd = kd
	c.Reset()
}

// Gains returns Kp, Ki, Kd.
func (c *Controller) Gains() (kp, ki, kd float64) {
	return c.kp, c.ki, c.kd
}

// Integral returns the current accumulator value, for inspection.
func (c *Controller) Integral() float64 {
	return c.integral
}

// FilteredDerivative returns the current derivative filter state.
func (c *Controller) FilteredDerivative() float64 {
	return c.filtered
}
