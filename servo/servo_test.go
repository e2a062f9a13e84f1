package servo

import (
	"bytes"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/servolab/servobench/drive"
	"github.com/servolab/servobench/ident"
	"github.com/servolab/servobench/mathx"
	"github.com/servolab/servobench/mcu"
	"github.com/servolab/servobench/wire"
)

// fakeBench scripts the counter and records every drive command.
type fakeBench struct {
	counts   int64
	countErr error
	cmds     []drive.Command
	zeroes   int
}

func (f *fakeBench) Counts() (int64, error) {
	if f.countErr != nil {
		return 0, f.countErr
	}
	return f.counts, nil
}

func (f *fakeBench) Drive(c drive.Command) error {
	f.cmds = append(f.cmds, c)
	return nil
}

func (f *fakeBench) Zero() error {
	f.zeroes++
	f.counts = 0
	return nil
}

func (f *fakeBench) Close() error { return nil }

func (f *fakeBench) last() drive.Command {
	if len(f.cmds) == 0 {
		return drive.Command{}
	}
	return f.cmds[len(f.cmds)-1]
}

// tickN drives the loop by hand on a synthetic clock.
func tickN(l *Loop, start time.Time, n int, period time.Duration, between func(i int)) time.Time {
	now := start
	for i := 0; i < n; i++ {
		now = now.Add(period)
		l.tick(now)
		if between != nil {
			between(i)
		}
	}
	return now
}

func TestModeStrings(t *testing.T) {
	cases := []struct {
		m    Mode
		name string
		task string
	}{
		{ModePosition, "position", wire.TaskPosition},
		{ModeIdent, "ident", wire.TaskIdent},
		{ModeTuning, "tuning", wire.TaskTuning},
		{ModeManual, "manual", wire.TaskManual},
	}
	for _, tc := range cases {
		if tc.m.String() != tc.name {
			t.Errorf("expected %q, got %q", tc.name, tc.m.String())
		}
		if tc.m.Task() != tc.task {
			t.Errorf("expected task %q, got %q", tc.task, tc.m.Task())
		}
		back, err := ParseMode(tc.name)
		if err != nil || back != tc.m {
			t.Errorf("ParseMode(%q) = %v, %v", tc.name, back, err)
		}
	}
	if _, err := ParseMode("warp"); err == nil {
		t.Error("expected an error for an unknown mode")
	}
	if ModeIdent.Period() != 50*time.Millisecond {
		t.Errorf("ident period: got %v", ModeIdent.Period())
	}
	if ModePosition.Period() != 10*time.Millisecond {
		t.Errorf("position period: got %v", ModePosition.Period())
	}
}

func TestConfigOverrides(t *testing.T) {
	l := NewLoop(&fakeBench{}, Config{Mode: ModePosition, Alpha: 0.5, IntegralLimit: 40, Deadzone: 30}, nil)
	if l.pid.Alpha != 0.5 {
		t.Errorf("expected the filter coefficient overridden, got %f", l.pid.Alpha)
	}
	if l.pid.IntegralMin != -40 || l.pid.IntegralMax != 40 {
		t.Errorf("expected the windup clamp at +-40, got %f..%f", l.pid.IntegralMin, l.pid.IntegralMax)
	}
	if l.mapper.Deadzone != 30 {
		t.Errorf("expected the deadzone overridden, got %f", l.mapper.Deadzone)
	}
}

func TestPositionTickDrivesTowardReference(t *testing.T) {
	fake := &fakeBench{counts: 0}
	var buf bytes.Buffer
	l := NewLoop(fake, Config{Mode: ModePosition, Kp: 5, Reference: 90}, &buf)
	l.start = time.Unix(0, 0)
	tickN(l, l.start, 3, 10*time.Millisecond, nil)

	c := fake.last()
	if c.Direction != drive.Forward {
		t.Fatalf("expected forward drive toward +90, got %v", c)
	}
	if !strings.Contains(buf.String(), "Data:") {
		t.Error("expected telemetry lines in the sink")
	}
	st := l.Snapshot()
	if st.Reference != 90 || st.Mode != "position" {
		t.Errorf("snapshot off: %+v", st)
	}
}

func TestShortestArcActuation(t *testing.T) {
	// angle 10, reference 350: the short way is backward through zero
	fake := &fakeBench{counts: 10}
	l := NewLoop(fake, Config{Mode: ModePosition, Kp: 5, Reference: 350}, nil)
	l.start = time.Unix(0, 0)
	tickN(l, l.start, 3, 10*time.Millisecond, nil)
	if c := fake.last(); c.Direction != drive.Reverse {
		t.Errorf("expected reverse drive for the short arc, got %v", c)
	}
}

func TestStopLatchesUntilNewReference(t *testing.T) {
	fake := &fakeBench{counts: 0}
	var buf bytes.Buffer
	l := NewLoop(fake, Config{Mode: ModePosition, Kp: 5, Reference: 180}, &buf)
	l.start = time.Unix(0, 0)
	now := tickN(l, l.start, 3, 10*time.Millisecond, nil)
	if fake.last().Direction == drive.Stop {
		t.Fatal("loop should be driving before the stop")
	}

	l.Submit(wire.Command{T: wire.Stop})
	mark := len(fake.cmds)
	now = tickN(l, now, 20, 10*time.Millisecond, nil)
	for _, c := range fake.cmds[mark:] {
		if c.Direction != drive.Stop {
			t.Fatalf("stop did not latch: drove %v with the error still large", c)
		}
	}
	if !strings.Contains(buf.String(), wire.MotorStopped) {
		t.Error("expected the stop reply line")
	}

	l.Submit(wire.Command{T: wire.SetReference, Ref: 90})
	tickN(l, now, 3, 10*time.Millisecond, nil)
	if fake.last().Direction == drive.Stop {
		t.Error("a new reference should resume actuation")
	}
}

func TestGainUpdateAndAck(t *testing.T) {
	fake := &fakeBench{}
	var buf bytes.Buffer
	l := NewLoop(fake, Config{Mode: ModePosition, Kp: 1, Ki: 1, Kd: 1}, &buf)
	l.start = time.Unix(0, 0)
	l.Submit(wire.Command{T: wire.SetGains, Kp: 10.5, Ki: 5.2, Kd: 2.1})
	tickN(l, l.start, 2, 10*time.Millisecond, nil)
	st := l.Snapshot()
	if st.Kp != 10.5 || st.Ki != 5.2 || st.Kd != 2.1 {
		t.Errorf("gains not applied: %+v", st)
	}
	if !strings.Contains(buf.String(), "Gains updated: Kp=10.500, Ki=5.200, Kd=2.100") {
		t.Errorf("expected the gains reply, got %q", buf.String())
	}
}

func TestZeroResetsCounterAndReference(t *testing.T) {
	fake := &fakeBench{counts: 187}
	var buf bytes.Buffer
	l := NewLoop(fake, Config{Mode: ModePosition, Kp: 5, Reference: 200}, &buf)
	l.start = time.Unix(0, 0)
	now := tickN(l, l.start, 3, 10*time.Millisecond, nil)

	l.Submit(wire.Command{T: wire.Zero})
	tickN(l, now, 3, 10*time.Millisecond, nil)
	if fake.zeroes != 1 {
		t.Errorf("expected one zero on the bench, got %d", fake.zeroes)
	}
	st := l.Snapshot()
	if st.Reference != 0 {
		t.Errorf("zero should reset the reference, got %.2f", st.Reference)
	}
	if st.Angle != 0 {
		t.Errorf("expected zeroed angle, got %.2f", st.Angle)
	}
	if !strings.Contains(buf.String(), wire.Zeroed) {
		t.Error("expected the ZEROED reply")
	}
}

func TestDutyRejectedOutsideManual(t *testing.T) {
	fake := &fakeBench{}
	var buf bytes.Buffer
	l := NewLoop(fake, Config{Mode: ModePosition}, &buf)
	l.start = time.Unix(0, 0)
	l.Submit(wire.Command{T: wire.SetDuty, Duty: 200})
	tickN(l, l.start, 2, 10*time.Millisecond, nil)
	if !strings.Contains(buf.String(), wire.UnknownReply) {
		t.Error("a bare duty outside manual mode should get the unknown reply")
	}
}

func TestManualMode(t *testing.T) {
	fake := &fakeBench{counts: 187}
	var buf bytes.Buffer
	l := NewLoop(fake, Config{Mode: ModeManual}, &buf)
	l.start = time.Unix(0, 0)
	l.Submit(wire.Command{T: wire.SetDuty, Duty: 200})
	now := tickN(l, l.start, 3, 10*time.Millisecond, nil)
	if c := fake.last(); c.Direction != drive.Forward || c.Magnitude != 200 {
		t.Fatalf("expected fwd/200, got %v", c)
	}
	if !strings.Contains(buf.String(), "Angle:180.00") {
		t.Errorf("expected angle telemetry, got %q", buf.String())
	}

	l.Submit(wire.Command{T: wire.Stop})
	now = tickN(l, now, 2, 10*time.Millisecond, nil)
	if c := fake.last(); c.Direction != drive.Stop {
		t.Errorf("stop should zero the duty, got %v", c)
	}

	l.Submit(wire.Command{T: wire.SetDuty, Duty: 120})
	tickN(l, now, 2, 10*time.Millisecond, nil)
	if c := fake.last(); c.Direction != drive.Forward || c.Magnitude != 120 {
		t.Errorf("a new duty should resume the drive, got %v", c)
	}

	l.Submit(wire.Command{T: wire.SetReference, Ref: 90})
	tickN(l, l.start.Add(time.Second), 1, 10*time.Millisecond, nil)
	if !strings.Contains(buf.String(), wire.UnknownReply) {
		t.Error("R: has no meaning in manual mode")
	}
}

func TestTuningTracksUnwrappedPosition(t *testing.T) {
	fake := &fakeBench{counts: 748} // two full turns
	var buf bytes.Buffer
	l := NewLoop(fake, Config{Mode: ModeTuning, Kp: 1, Reference: 720}, &buf)
	l.start = time.Unix(0, 0)
	if l.pid.WrapError {
		t.Fatal("tuning must compare against the multi-turn position without wrapping")
	}

	l.Submit(wire.Command{T: wire.SetReference, Ref: 1080})
	now := tickN(l, l.start, 3, 10*time.Millisecond, nil)

	// a full turn of error folds to zero on the circle; the unwrapped
	// difference keeps driving
	if c := fake.last(); c.Direction != drive.Forward || c.Magnitude != 255 {
		t.Fatalf("expected fwd/255 on the 360 deg error, got %v", c)
	}
	out := buf.String()
	if !strings.Contains(out, ",720.00,1080.00") {
		t.Errorf("expected the multi-turn position in telemetry, got %q", out)
	}
	if strings.Contains(out, "Reference set to") {
		t.Error("tuning reference changes are silent")
	}

	l.Console("bogus")
	l.Console("G:1,2")
	l.Submit(wire.Command{T: wire.Zero})
	tickN(l, now, 2, 10*time.Millisecond, nil)
	out = buf.String()
	if strings.Contains(out, wire.UnknownReply) || strings.Contains(out, wire.BadGainsReply) {
		t.Errorf("tuning console errors stay quiet, got %q", out)
	}
	if !strings.Contains(out, wire.Zeroed) {
		t.Error("Z still echoes in tuning")
	}
	if fake.zeroes != 1 {
		t.Errorf("expected one zero on the bench, got %d", fake.zeroes)
	}
	// zeroing moves the origin: position and reference both read 0
	if !strings.Contains(out, ",0.00,0.00") {
		t.Errorf("expected zeroed telemetry after Z, got %q", out)
	}
}

func TestCountErrorSkipsTick(t *testing.T) {
	fake := &fakeBench{countErr: errors.New("bus glitch")}
	l := NewLoop(fake, Config{Mode: ModePosition, Kp: 5, Reference: 90}, nil)
	l.start = time.Unix(0, 0)
	tickN(l, l.start, 3, 10*time.Millisecond, nil)
	if len(fake.cmds) != 0 {
		t.Errorf("no drive should be issued when the counter read fails, got %d", len(fake.cmds))
	}
}

func TestIdentSweepOverSim(t *testing.T) {
	sim := mcu.NewSim(2, 0.05)
	var buf bytes.Buffer
	l := NewLoop(sim, Config{
		Mode: ModeIdent,
		Sweep: ident.Config{
			Duties:       []int{150, 200},
			SteadyTime:   500 * time.Millisecond,
			StopTime:     200 * time.Millisecond,
			Warmup:       300 * time.Millisecond,
			RestartDelay: 100 * time.Millisecond,
			MinVelocity:  50,
		},
	}, &buf)
	l.start = time.Unix(0, 0)
	tickN(l, l.start, 40, 50*time.Millisecond, func(int) { sim.Step(0.05) })

	out := buf.String()
	for _, want := range []string{
		"Test 1/2: d=150",
		"Test 2/2: d=200",
		"Tau:150,",
		"Tau:200,",
		wire.SteadyReached,
		wire.SweepComplete,
		"Data:150,",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("sweep output missing %q", want)
		}
	}

	st := l.Snapshot()
	if st.SweepState != "finished" {
		t.Errorf("expected a finished sweep, state %q", st.SweepState)
	}
	res := l.SweepResults()
	if len(res) != 2 {
		t.Fatalf("expected 2 results, got %d", len(res))
	}
	for _, r := range res {
		if !r.TauMeasured {
			t.Errorf("duty %d: tau not measured", r.Duty)
		}
		if k := r.K(); math.Abs(k-2) > 0.3 {
			t.Errorf("duty %d: expected K near 2, got %.3f", r.Duty, k)
		}
	}
}

func TestSweepRestartAfterFinish(t *testing.T) {
	sim := mcu.NewSim(2, 0.05)
	var buf bytes.Buffer
	cfg := Config{
		Mode: ModeIdent,
		Sweep: ident.Config{
			Duties:      []int{150},
			SteadyTime:  400 * time.Millisecond,
			StopTime:    100 * time.Millisecond,
			Warmup:      200 * time.Millisecond,
			MinVelocity: 50,
		},
	}
	l := NewLoop(sim, cfg, &buf)
	l.start = time.Unix(0, 0)
	now := tickN(l, l.start, 15, 50*time.Millisecond, func(int) { sim.Step(0.05) })
	if l.Snapshot().SweepState != "finished" {
		t.Fatalf("expected finished, got %q", l.Snapshot().SweepState)
	}

	l.RestartSweep()
	tickN(l, now, 15, 50*time.Millisecond, func(int) { sim.Step(0.05) })
	res := l.SweepResults()
	if res[0].Passes != 2 {
		t.Errorf("expected a second pass after restart, got %d", res[0].Passes)
	}
}

func TestHistoryRing(t *testing.T) {
	fake := &fakeBench{counts: 187}
	l := NewLoop(fake, Config{Mode: ModePosition, Kp: 5, Reference: 180, History: 8}, nil)
	l.start = time.Unix(0, 0)
	tickN(l, l.start, 20, 10*time.Millisecond, nil)
	h := l.History()
	if len(h.T) != 8 {
		t.Fatalf("expected the ring to cap at 8, got %d", len(h.T))
	}
	for i := 1; i < len(h.T); i++ {
		if h.T[i] <= h.T[i-1] {
			t.Fatalf("history times not ascending: %v", h.T)
		}
	}
	if h.Angle[0] != 180 {
		t.Errorf("expected angle history of 180, got %v", h.Angle[0])
	}
}

func TestPositionClosedLoopOnSim(t *testing.T) {
	sim := mcu.NewSim(2, 0.3)
	l := NewLoop(sim, Config{Mode: ModePosition, Kp: 10.5, Ki: 1.5, Kd: 2.1, Reference: 200}, nil)
	l.start = time.Unix(0, 0)
	tickN(l, l.start, 4000, 10*time.Millisecond, func(int) { sim.Step(0.01) })
	st := l.Snapshot()
	if e := mathx.ShortestArc(200 - st.Angle); math.Abs(e) > 5 {
		t.Errorf("loop did not converge: angle %.2f, error %.2f", st.Angle, e)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	fake := &fakeBench{counts: 187}
	var buf bytes.Buffer
	l := NewLoop(fake, Config{Mode: ModePosition, Kp: 5, Reference: 180}, &buf)
	if err := l.Start(); err != nil {
		t.Fatal(err)
	}
	if err := l.Start(); !errors.Is(err, ErrRunning) {
		t.Errorf("second start: expected ErrRunning, got %v", err)
	}
	l.Console("R:90")
	time.Sleep(60 * time.Millisecond)
	l.Stop()

	out := buf.String()
	for _, want := range []string{
		wire.TaskPosition,
		"PID Position Controller Started",
		"Initial reference: 180.00 deg",
		"Reference set to: 90.00 deg",
		"Data:",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("lifecycle output missing %q", want)
		}
	}
	if st := l.Snapshot(); st.Running {
		t.Error("expected Running false after Stop")
	}
	if c := fake.last(); c.Direction != drive.Stop {
		t.Errorf("expected the motor left stopped, got %v", c)
	}
}

func TestConsoleErrorReplies(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoop(&fakeBench{}, Config{Mode: ModePosition}, &buf)
	l.Console("G:1,2")
	if !strings.Contains(buf.String(), wire.BadGainsReply) {
		t.Errorf("expected the gain-format reply, got %q", buf.String())
	}
	buf.Reset()
	l.Console("bogus")
	if !strings.Contains(buf.String(), wire.UnknownReply) {
		t.Errorf("expected the unknown reply, got %q", buf.String())
	}
	buf.Reset()
	l.Console("   ")
	if buf.Len() != 0 {
		t.Errorf("blank lines should be ignored, got %q", buf.String())
	}
}
