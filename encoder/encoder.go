// Package encoder converts quadrature pulse counts into angles and angular
// velocity.  It owns no hardware detail beyond the count => angle scaling;
// where the counts come from is the mcu package's problem.
package encoder

import (
	"time"

	movingaverage "github.com/RobinUS2/golang-moving-average"

	"github.com/servolab/servobench/mathx"
)

// DefaultPPR is the pulse count of one output-shaft revolution for the
// bench's gearmotor (11 PPR motor shaft * 34:1 gearbox).
const DefaultPPR = 374

// AngleSample is a timestamped position reading.
type AngleSample struct {
	// T is when the count was read.
	T time.Time

	// Count is the raw pulse count.
	Count int64

	// Angle is the shaft angle in degrees, wrapped into [0,360).
	Angle float64
}

// VelocitySample is a timestamped angular velocity estimate.
type VelocitySample struct {
	T time.Time

	// DegPerSec is signed; negative is reverse rotation.
	DegPerSec float64
}

// Adapter scales pulse counts to angles and differentiates consecutive
// samples into velocity.  The moving average is display smoothing only and
// never feeds the control or identification path.
type Adapter struct {
	ppr    float64
	window int
	avg    *movingaverage.MovingAverage
}

// New returns an Adapter for a ppr counts/rev encoder.  window is the
// smoothing span for SmoothedVelocity, in samples.
func New(ppr float64, window int) *Adapter {
	if ppr <= 0 {
		ppr = DefaultPPR
	}
	if window < 1 {
		window = 1
	}
	return &Adapter{ppr: ppr, window: window, avg: movingaverage.New(window)}
}

// Sample converts a raw count into an AngleSample with the angle wrapped
// into [0,360).
func (a *Adapter) Sample(count int64, now time.Time) AngleSample {
	return AngleSample{T: now, Count: count, Angle: mathx.Wrap360(a.Continuous(count))}
}

// Continuous converts a raw count into an unwrapped multi-turn angle in
// degrees.  Step-response tuning uses this; the wrapped form would fold a
// two-turn move back onto itself.
func (a *Adapter) Continuous(count int64) float64 {
	return float64(count) / a.ppr * 360
}

// Velocity differentiates two consecutive samples.  The delta is corrected
// for the 0/360 wrap so a crossing reads as a small step, never a near-360
// spike.  ok is false when the samples are not separated in time; the caller
// skips that tick.
func (a *Adapter) Velocity(prev, cur AngleSample) (VelocitySample, bool) {
	dt := cur.T.Sub(prev.T).Seconds()
	if dt <= 0 {
		return VelocitySample{}, false
	}
	delta := mathx.ShortestArc(cur.Angle - prev.Angle)
	v := VelocitySample{T: cur.T, DegPerSec: delta / dt}
	a.avg.Add(v.DegPerSec)
	return v, true
}

// SmoothedVelocity is the moving average of recent velocity samples, for
// status reporting.
func (a *Adapter) SmoothedVelocity() float64 {
	return a.avg.Avg()
}

// Reset clears the smoothing window, e.g. after the counter is zeroed.
func (a *Adapter) Reset() {
	a.avg = movingaverage.New(a.window)
}
