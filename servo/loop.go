package servo

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/servolab/servobench/drive"
	"github.com/servolab/servobench/encoder"
	"github.com/servolab/servobench/ident"
	"github.com/servolab/servobench/mathx"
	"github.com/servolab/servobench/wire"
)

func (l *Loop) runner() {
	defer close(l.done)
	t := time.NewTicker(l.cfg.Period)
	defer t.Stop()
	for {
		select {
		case now := <-t.C:
			l.tick(now)
		case <-l.stop:
			return
		}
	}
}

// tick runs one period: drain pending commands, sample the bench, and do
// the mode's work.
func (l *Loop) tick(now time.Time) {
	l.drain()
	counts, err := l.bench.Counts()
	if err != nil {
		log.Warn().Err(err).Msg("could not read the counter register")
		return
	}
	sample := l.enc.Sample(counts, now)
	if !l.havePrev {
		l.prev = sample
		l.havePrev = true
		return
	}
	vel, velOK := l.enc.Velocity(l.prev, sample)
	if !velOK {
		return
	}
	dt := sample.T.Sub(l.prev.T).Seconds()
	t := now.Sub(l.start).Seconds()

	switch l.cfg.Mode {
	case ModeIdent:
		l.tickIdent(now, t, sample, vel)
	case ModeManual:
		l.tickManual(t, sample)
	default:
		l.tickControl(t, dt, sample)
	}
	l.prev = sample

	if l.echo.Allow() {
		log.Debug().
			Float64("t", t).
			Float64("angle", sample.Angle).
			Float64("velocity", vel.DegPerSec).
			Msg("servo status")
	}
}

func (l *Loop) tickControl(t, dt float64, s encoder.AngleSample) {
	pos := s.Angle
	if l.cfg.Mode == ModeTuning {
		// step-response tuning tracks the multi-turn position; folding a
		// two-turn move back onto the circle would corrupt the trace
		pos = l.enc.Continuous(s.Count)
	}
	var u float64
	if l.stopped {
		l.drive(drive.Command{})
	} else {
		u = l.pid.Update(l.ref, pos, dt)
		l.drive(l.mapper.Map(u))
	}
	if l.cfg.Mode == ModeTuning {
		fmt.Fprintln(l.sink, wire.TuningData(t, pos, l.ref))
	} else {
		e := mathx.ShortestArc(l.ref - pos)
		fmt.Fprintln(l.sink, wire.ControlData(t, pos, l.ref, e, u))
	}
	l.record(t, pos, u, 0)
}

func (l *Loop) tickIdent(now time.Time, t float64, s encoder.AngleSample, vel encoder.VelocitySample) {
	duty, evs := l.sweep.Tick(now, vel.DegPerSec)
	l.drive(drive.ForDuty(duty))
	for _, ev := range evs {
		l.renderEvent(ev)
	}
	// data streams through the rise and the settle; the pauses between
	// passes are quiet
	if st := l.sweep.State(); st == ident.Rising || st == ident.SteadyWait {
		fmt.Fprintln(l.sink, wire.IdentData(duty, t, vel.DegPerSec))
	}
	l.record(t, s.Angle, float64(duty), duty)
}

func (l *Loop) tickManual(t float64, s encoder.AngleSample) {
	l.drive(drive.ForDuty(l.manualDuty))
	fmt.Fprintln(l.sink, wire.ManualData(s.Angle))
	l.record(t, s.Angle, float64(l.manualDuty), l.manualDuty)
}

// renderEvent turns a sweep event into the firmware's report lines.
func (l *Loop) renderEvent(ev ident.Event) {
	switch ev.Kind {
	case ident.EvStarted:
		fmt.Fprintln(l.sink, wire.TestProgress(ev.Index, ev.Total, ev.Duty))
	case ident.EvTauCaptured:
		fmt.Fprintln(l.sink, wire.TauLine(ev.Duty, ev.Time.Sub(l.start).Seconds(), ev.Tau))
		fmt.Fprintln(l.sink, wire.TauDiagnostic(ev.Start, ev.Steady, ev.Threshold))
		log.Info().
			Int("duty", ev.Duty).
			Float64("tau", ev.Tau).
			Float64("steady", ev.Steady).
			Msg("time constant captured")
	case ident.EvSteadyReached:
		fmt.Fprintln(l.sink, wire.SteadyReached)
	case ident.EvStopped:
		fmt.Fprintln(l.sink, wire.SettleComplete)
	case ident.EvRestarting:
		fmt.Fprintln(l.sink, wire.CycleRestart)
	case ident.EvFinished:
		fmt.Fprintln(l.sink, wire.SweepComplete)
		log.Info().Int("passes", l.sweep.Passes()).Msg("duty sweep finished")
	}
}

func (l *Loop) drain() {
	for {
		select {
		case c := <-l.cmds:
			l.apply(c)
		case op := <-l.ops:
			op()
		default:
			return
		}
	}
}

// apply executes one command in loop context and writes the firmware's
// reply line.  Commands that do not belong to the mode get the unknown
// reply, as the firmware's console does.
func (l *Loop) apply(c wire.Command) {
	switch c.T {
	case wire.SetReference:
		if l.cfg.Mode == ModeIdent || l.cfg.Mode == ModeManual {
			fmt.Fprintln(l.sink, wire.UnknownReply)
			return
		}
		l.ref = c.Ref
		l.pid.Reset()
		l.stopped = false
	case wire.SetGains:
		if l.cfg.Mode == ModeIdent || l.cfg.Mode == ModeManual {
			fmt.Fprintln(l.sink, wire.UnknownReply)
			return
		}
		l.pid.SetGains(c.Kp, c.Ki, c.Kd)
	case wire.Stop:
		l.stopped = true
		l.manualDuty = 0
		l.pid.Reset()
		if l.sweep != nil {
			l.sweep.Halt()
		}
		l.drive(drive.Command{})
	case wire.Zero:
		if err := l.bench.Zero(); err != nil {
			log.Warn().Err(err).Msg("could not zero the counter")
			return
		}
		l.enc.Reset()
		l.pid.Reset()
		l.ref = 0
		l.havePrev = false
	case wire.SetDuty:
		if l.cfg.Mode != ModeManual {
			fmt.Fprintln(l.sink, wire.UnknownReply)
			return
		}
		l.manualDuty = c.Duty
		l.stopped = false
	}
	// the tuning stream stays clean for the collector; only ZEROED echoes
	if l.cfg.Mode == ModeTuning && c.T != wire.Zero {
		return
	}
	if ack := wire.Ack(c); ack != "" {
		fmt.Fprintln(l.sink, ack)
	}
}

func (l *Loop) drive(c drive.Command) {
	if err := l.bench.Drive(c); err != nil {
		log.Warn().Err(err).Msg("could not apply drive command")
	}
}

// record refreshes the history ring and the snapshot under the lock.
func (l *Loop) record(t, angle, u float64, duty int) {
	kp, ki, kd := l.pid.Gains()
	var e float64
	switch l.cfg.Mode {
	case ModePosition:
		e = mathx.ShortestArc(l.ref - angle)
	case ModeTuning:
		e = l.ref - angle
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.histT.Append(t)
	l.histA.Append(angle)
	l.histR.Append(l.ref)
	l.histC.Append(u)
	l.snap = Status{
		Stopped:   l.stopped,
		T:         t,
		Angle:     angle,
		Velocity:  l.enc.SmoothedVelocity(),
		Reference: l.ref,
		Error:     e,
		Control:   u,
		Kp:        kp,
		Ki:        ki,
		Kd:        kd,
		Duty:      duty,
	}
	if l.sweep != nil {
		l.snap.SweepState = l.sweep.State().String()
		l.snap.Passes = l.sweep.Passes()
		l.results = l.sweep.Results()
	}
}
