// Package ident drives the open-loop duty sweep that characterizes the
// bench motor: for each duty in a configured list it steps the plant,
// estimates the steady-state velocity with an EMA, and times the 63.2% rise
// to get the time constant.  DC gain falls out of the steady estimate.
//
// The sweep is a passive state machine; the servo loop calls Tick once per
// identification period with the current velocity and applies the returned
// duty.
package ident

import (
	"math"
	"time"
)

// State of the sweep.
type State int

const (
	// Starting begins the next duty's run on the upcoming tick.
	Starting State = iota
	// Rising is the open-loop step, bounded by SteadyTime.
	Rising
	// SteadyWait is the stopped settle period between duties.
	SteadyWait
	// Restarting is the pause between full passes.
	Restarting
	// Halted is an operator stop; only Restart leaves it.
	Halted
	// Finished is the terminal state when looping is disabled.
	Finished
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Rising:
		return "rising"
	case SteadyWait:
		return "steady-wait"
	case Restarting:
		return "restarting"
	case Halted:
		return "halted"
	case Finished:
		return "finished"
	}
	return "unknown"
}

// Config parameterizes a sweep.
type Config struct {
	// Duties is the ordered list of PWM duty levels to step through.
	Duties []int

	// SteadyTime bounds each open-loop rise.
	SteadyTime time.Duration

	// StopTime is the settle period after each rise.
	StopTime time.Duration

	// Warmup is how long after the step before the EMA starts taking
	// samples; early transient would drag the steady estimate down.
	Warmup time.Duration

	// RestartDelay is the pause between full passes when looping.
	RestartDelay time.Duration

	// MinVelocity is the floor the steady estimate must clear before the
	// 63.2% threshold means anything; below it noise dominates and tau is
	// reported unmeasured.
	MinVelocity float64

	// Loop restarts the sweep after the last duty.  When false the sweep
	// ends in Finished after one pass.
	Loop bool
}

// DefaultConfig returns the bench sweep: five duties, 5s rises, 2s settles.
func DefaultConfig() Config {
	return Config{
		Duties:       []int{150, 175, 200, 225, 250},
		SteadyTime:   5 * time.Second,
		StopTime:     2 * time.Second,
		Warmup:       3 * time.Second,
		RestartDelay: 3 * time.Second,
		MinVelocity:  50,
		Loop:         true,
	}
}

// Result is the outcome for one duty level, updated each pass.
type Result struct {
	Duty int

	// Tau is the 63.2% rise time in seconds, valid only when TauMeasured.
	Tau         float64
	TauMeasured bool

	// Steady is the last pass's steady-state velocity estimate, deg/s.
	Steady float64

	// Passes counts completed runs at this duty.
	Passes int
}

// K is the DC gain, steady-state velocity per duty count.  It is derived
// from the steady estimate, never stored, and zero when nothing was
// estimated yet.
func (r Result) K() float64 {
	if r.Duty == 0 {
		return 0
	}
	return r.Steady / float64(r.Duty)
}

// EventKind tags sweep events.
type EventKind int

const (
	// EvStarted begins the run at Duty (test Index of Total).
	EvStarted EventKind = iota
	// EvTauCaptured is the one-shot threshold crossing.
	EvTauCaptured
	// EvSteadyReached ends the rise; the motor is being stopped.
	EvSteadyReached
	// EvStopped ends the settle period.
	EvStopped
	// EvRestarting announces a new pass after the last duty.
	EvRestarting
	// EvFinished ends a non-looping sweep.
	EvFinished
)

// Event is something the sweep wants reported.  The servo loop turns these
// into telemetry lines.
type Event struct {
	Kind  EventKind
	Time  time.Time
	Duty  int
	Index int // 1-based, EvStarted only
	Total int

	// EvTauCaptured diagnostics
	Tau       float64
	Start     float64
	Steady    float64
	Threshold float64
}

// run is the per-duty working state, reset when a new duty starts.
type run struct {
	duty        int
	startVel    float64
	riseStart   time.Time
	steady      float64
	tau         float64
	tauMeasured bool
}

// Sweep executes the identification procedure.  Not safe for concurrent
// use; the servo loop is its only caller.
type Sweep struct {
	cfg        Config
	state      State
	stateStart time.Time
	idx        int
	cur        run
	results    []Result
	passes     int
}

// New returns a Sweep ready to start on the first Tick.
func New(cfg Config) *Sweep {
	s := &Sweep{cfg: cfg, results: make([]Result, len(cfg.Duties))}
	for i, d := range cfg.Duties {
		s.results[i].Duty = d
	}
	if len(cfg.Duties) == 0 {
		s.state = Finished
	}
	return s
}

// Tick advances the sweep and returns the duty to apply for the next
// period, plus any events to report.  velocity is the current signed
// angular velocity in deg/s.
func (s *Sweep) Tick(now time.Time, velocity float64) (int, []Event) {
	var evs []Event

	switch s.state {
	case Rising:
		if now.Sub(s.stateStart) >= s.cfg.SteadyTime {
			s.record()
			evs = append(evs, Event{Kind: EvSteadyReached, Time: now, Duty: s.cur.duty})
			s.state = SteadyWait
			s.stateStart = now
		}
	case SteadyWait:
		if now.Sub(s.stateStart) >= s.cfg.StopTime {
			evs = append(evs, Event{Kind: EvStopped, Time: now, Duty: s.cur.duty})
			s.idx++
			s.state = Starting
			s.stateStart = now
		}
	case Restarting:
		if now.Sub(s.stateStart) >= s.cfg.RestartDelay {
			s.state = Starting
			s.stateStart = now
		}
	}

	if s.state == Starting {
		if s.idx >= len(s.cfg.Duties) {
			if s.cfg.Loop {
				s.idx = 0
				s.passes++
				evs = append(evs, Event{Kind: EvRestarting, Time: now})
				s.state = Restarting
				s.stateStart = now
			} else {
				evs = append(evs, Event{Kind: EvFinished, Time: now})
				s.state = Finished
			}
		} else {
			d := s.cfg.Duties[s.idx]
			s.cur = run{duty: d, startVel: math.Abs(velocity), riseStart: now}
			evs = append(evs, Event{
				Kind:  EvStarted,
				Time:  now,
				Duty:  d,
				Index: s.idx + 1,
				Total: len(s.cfg.Duties),
			})
			s.state = Rising
			s.stateStart = now
		}
	}

	if s.state == Rising {
		if ev, ok := s.observe(now, velocity); ok {
			evs = append(evs, ev)
		}
	}

	return s.Duty(), evs
}

// observe feeds one velocity sample into the rise measurement.  Once tau is
// captured the run is frozen: the steady estimate that produced the
// threshold is the one reported.
func (s *Sweep) observe(now time.Time, velocity float64) (Event, bool) {
	if s.cur.tauMeasured {
		return Event{}, false
	}
	absV := math.Abs(velocity)

	if now.Sub(s.cur.riseStart) >= s.cfg.Warmup {
		if s.cur.steady == 0 {
			s.cur.steady = absV
		} else {
			s.cur.steady = 0.9*s.cur.steady + 0.1*absV
		}
	}

	if s.cur.steady > s.cfg.MinVelocity {
		threshold := s.cur.startVel + 0.632*(s.cur.steady-s.cur.startVel)
		if absV >= threshold {
			s.cur.tau = now.Sub(s.cur.riseStart).Seconds()
			s.cur.tauMeasured = true
			return Event{
				Kind:      EvTauCaptured,
				Time:      now,
				Duty:      s.cur.duty,
				Tau:       s.cur.tau,
				Start:     s.cur.startVel,
				Steady:    s.cur.steady,
				Threshold: threshold,
			}, true
		}
	}
	return Event{}, false
}

// record folds the finished run into the result table.
func (s *Sweep) record() {
	r := &s.results[s.idx]
	r.Passes++
	r.Steady = s.cur.steady
	if s.cur.tauMeasured {
		r.Tau = s.cur.tau
		r.TauMeasured = true
	}
}

// Duty returns the duty commanded in the current state: the active level
// during a rise, zero everywhere else.
func (s *Sweep) Duty() int {
	if s.state == Rising {
		return s.cur.duty
	}
	return 0
}

// State returns the current state.
func (s *Sweep) State() State {
	return s.state
}

// Passes returns the number of completed full passes over the duty list.
func (s *Sweep) Passes() int {
	return s.passes
}

// Results copies out the per-duty result table.
func (s *Sweep) Results() []Result {
	out := make([]Result, len(s.results))
	copy(out, s.results)
	return out
}

// Halt stops the sweep until Restart; the caller is responsible for
// stopping the motor (Duty reads zero from here on).
func (s *Sweep) Halt() {
	s.state = Halted
}

// Restart begins a fresh pass from the first duty, from any state.
func (s *Sweep) Restart(now time.Time) {
	if len(s.cfg.Duties) == 0 {
		return
	}
	s.idx = 0
	s.state = Starting
	s.stateStart = now
}
