// Package mathx provides the small pieces of angle arithmetic shared by the
// sensing and control packages.  Everything works in degrees.
package mathx

import "math"

// Wrap360 reduces an angle into [0,360).
func Wrap360(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	return deg
}

// ShortestArc maps an angular difference onto [-180,180] so that motion
// across the 0/360 boundary reads as a small step instead of a near-360 jump.
func ShortestArc(deg float64) float64 {
	if deg > 180 {
		deg -= 360
	} else if deg < -180 {
		deg += 360
	}
	return deg
}

// Clamp limits x to [lo, hi].
func Clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
