// Package drive maps signed control signals onto the direction + magnitude
// commands the motor driver understands.
package drive

import (
	"fmt"

	"github.com/servolab/servobench/mathx"
)

// PWMMax is the largest magnitude the driver accepts (8-bit PWM).
const PWMMax = 255

// DefaultDeadzone is the control magnitude below which the bench motor does
// not overcome static friction; commanding it only burns integral action.
const DefaultDeadzone = 50

// Direction of rotation commanded to the driver.
type Direction int

const (
	// Stop releases the motor (both legs low, zero PWM).
	Stop Direction = iota
	// Forward drives positive angle.
	Forward
	// Reverse drives negative angle.
	Reverse
)

func (d Direction) String() string {
	switch d {
	case Forward:
		return "forward"
	case Reverse:
		return "reverse"
	default:
		return "stop"
	}
}

// Command is one actuation request: a direction and a PWM magnitude in
// [0, PWMMax].
type Command struct {
	Direction Direction
	Magnitude int
}

func (c Command) String() string {
	return fmt.Sprintf("%s/%d", c.Direction, c.Magnitude)
}

// Signed folds the command back into a signed duty for logging and telemetry.
func (c Command) Signed() int {
	if c.Direction == Reverse {
		return -c.Magnitude
	}
	if c.Direction == Stop {
		return 0
	}
	return c.Magnitude
}

// Mapper applies deadzone and saturation.
type Mapper struct {
	// Deadzone is the stop threshold on |control|.
	Deadzone float64

	// Max is the saturation bound.
	Max float64
}

// NewMapper returns a Mapper with the bench defaults.
func NewMapper() Mapper {
	return Mapper{Deadzone: DefaultDeadzone, Max: PWMMax}
}

// Map converts a control signal into a Command.  Signals inside the deadzone
// stop the motor; everything else is clamped to [-Max, Max] with the sign
// deciding direction.
func (m Mapper) Map(control float64) Command {
	if control <= m.Deadzone && control >= -m.Deadzone {
		return Command{Direction: Stop}
	}
	clamped := mathx.Clamp(control, -m.Max, m.Max)
	if clamped < 0 {
		return Command{Direction: Reverse, Magnitude: int(-clamped)}
	}
	return Command{Direction: Forward, Magnitude: int(clamped)}
}

// ForDuty wraps an open-loop duty into a Command: positive drives forward,
// zero stops.  The identification sweep and the manual passthrough mode use
// this; no deadzone applies because the duty is the operator's explicit ask.
func ForDuty(duty int) Command {
	if duty == 0 {
		return Command{Direction: Stop}
	}
	if duty < 0 {
		if duty < -PWMMax {
			duty = -PWMMax
		}
		return Command{Direction: Reverse, Magnitude: -duty}
	}
	if duty > PWMMax {
		duty = PWMMax
	}
	return Command{Direction: Forward, Magnitude: duty}
}
