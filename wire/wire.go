// Package wire implements the bench's line protocol: the four text commands
// that parameterize the controller and the telemetry lines the loop emits.
// The exact byte shapes matter; the data-collection tooling on the other end
// of the stream parses them with fixed prefixes and field counts.
package wire

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Task identifier lines, sent once at startup so the collector knows which
// stream shape to expect.
const (
	TaskPosition = "TASK:2-1"
	TaskIdent    = "TASK:1-2"
	TaskTuning   = "TASK:KP_TUNING"
	TaskManual   = "TASK:MANUAL"
)

// Fixed reply lines.
const (
	MotorStopped   = "Motor stopped"
	Zeroed         = "ZEROED"
	UnknownReply   = "Unknown command"
	BadGainsReply  = "Error: Invalid gain format. Use G:<Kp>,<Ki>,<Kd>"
	SteadyReached  = "  Steady state reached. Stopping motor..."
	SettleComplete = "  Motor stopped.\n"
	CycleRestart   = "\nAll tests complete. Restarting cycle...\n"
	SweepComplete  = "All tests complete."
	IdentBanner    = "Starting automatic duty cycle test..."
)

// Parse errors.  The loop echoes a human reply and keeps running; nothing
// here is fatal.
var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrBadReference   = errors.New("invalid reference")
	ErrBadGains       = errors.New("invalid gain format")
	ErrBadDuty        = errors.New("duty out of range")
)

// Kind discriminates Command variants.
type Kind int

const (
	// SetReference carries Ref.
	SetReference Kind = iota
	// SetGains carries Kp, Ki, Kd.
	SetGains
	// Stop halts actuation.
	Stop
	// Zero resets the position origin.
	Zero
	// SetDuty carries Duty; only the manual passthrough mode accepts it.
	SetDuty
)

// Command is one parsed instruction.  Only the fields its Kind names are
// meaningful; Parse never returns a partially filled Command with an error.
type Command struct {
	T          Kind
	Ref        float64
	Kp, Ki, Kd float64
	Duty       int
}

// Parse decodes one newline-terminated command line.  Leading/trailing
// whitespace is ignored.  A malformed line returns an error and a zero
// Command; the caller must not apply any of it.
func Parse(line string) (Command, error) {
	s := strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(s, "R:"):
		f, err := strconv.ParseFloat(strings.TrimSpace(s[2:]), 64)
		if err != nil {
			return Command{}, fmt.Errorf("%w: %q", ErrBadReference, s)
		}
		return Command{T: SetReference, Ref: f}, nil

	case strings.HasPrefix(s, "G:"):
		fields := strings.Split(s[2:], ",")
		if len(fields) != 3 {
			return Command{}, fmt.Errorf("%w: want 3 fields, got %d", ErrBadGains, len(fields))
		}
		vals := make([]float64, 3)
		for i, fld := range fields {
			f, err := strconv.ParseFloat(strings.TrimSpace(fld), 64)
			if err != nil {
				return Command{}, fmt.Errorf("%w: field %d %q", ErrBadGains, i+1, fld)
			}
			vals[i] = f
		}
		return Command{T: SetGains, Kp: vals[0], Ki: vals[1], Kd: vals[2]}, nil

	case s == "S":
		return Command{T: Stop}, nil

	case s == "Z":
		return Command{T: Zero}, nil
	}

	// a bare integer is a manual-mode duty
	if d, err := strconv.Atoi(s); err == nil {
		if d < 0 || d > 255 {
			return Command{}, fmt.Errorf("%w: %d", ErrBadDuty, d)
		}
		return Command{T: SetDuty, Duty: d}, nil
	}

	return Command{}, fmt.Errorf("%w: %q", ErrUnknownCommand, s)
}

// Ack is the reply line for a successfully applied command, matching the
// firmware's echoes.  SetDuty is silent and returns "".
func Ack(c Command) string {
	switch c.T {
	case SetReference:
		return fmt.Sprintf("Reference set to: %.2f deg", c.Ref)
	case SetGains:
		return fmt.Sprintf("Gains updated: Kp=%.3f, Ki=%.3f, Kd=%.3f", c.Kp, c.Ki, c.Kd)
	case Stop:
		return MotorStopped
	case Zero:
		return Zeroed
	}
	return ""
}

// ControlData is the position-control telemetry line:
// Data:<time>,<position>,<reference>,<error>,<control>.
func ControlData(t, pos, ref, err, ctl float64) string {
	return fmt.Sprintf("Data:%.3f,%.2f,%.2f,%.2f,%.2f", t, pos, ref, err, ctl)
}

// TuningData is the tuning telemetry line: Data:<time>,<position>,<reference>.
func TuningData(t, pos, ref float64) string {
	return fmt.Sprintf("Data:%.3f,%.2f,%.2f", t, pos, ref)
}

// IdentData is the identification telemetry line:
// Data:<duty>,<time>,<velocity>.
func IdentData(duty int, t, vel float64) string {
	return fmt.Sprintf("Data:%d,%.3f,%.2f", duty, t, vel)
}

// ManualData is the manual-mode telemetry line: Angle:<deg>.
func ManualData(angle float64) string {
	return fmt.Sprintf("Angle:%.2f", angle)
}

// TauLine is the one-shot time-constant capture: Tau:<duty>,<time>,<tau>.
func TauLine(duty int, t, tau float64) string {
	return fmt.Sprintf("Tau:%d,%.3f,%.3f", duty, t, tau)
}

// TauDiagnostic is the human-readable companion to TauLine.
func TauDiagnostic(start, steady, threshold float64) string {
	return fmt.Sprintf("  [Start: %.1f -> Steady: %.1f -> 63.2%% at %.1f deg/s]", start, steady, threshold)
}

// TestProgress announces the start of one sweep run.
func TestProgress(index, total, duty int) string {
	return fmt.Sprintf("Test %d/%d: d=%d", index, total, duty)
}

// PositionBanner is the startup text for the position-control mode: the
// command help and the initial settings echo.
func PositionBanner(ref, kp, ki, kd float64) []string {
	return []string{
		"PID Position Controller Started",
		"Commands:",
		"  R:<value>  - Set reference position (e.g., R:200)",
		"  G:<Kp>,<Ki>,<Kd> - Set PID gains (e.g., G:10.5,5.2,2.1)",
		"  S - Stop motor",
		"  Z - Zero position and reference",
		"",
		fmt.Sprintf("Initial reference: %.2f deg", ref),
		fmt.Sprintf("PID gains: Kp=%.3f, Ki=%.3f, Kd=%.3f", kp, ki, kd),
		"",
	}
}
