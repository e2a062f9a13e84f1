/*Package servo contains the machinery for the motor bench control loop.

A Loop owns the bench for the life of the process and runs one of four
tasks on a fixed period: closed-loop position control, open-loop duty-sweep
identification, gain tuning, and manual duty drive.  Commands arrive over a
queue and apply between periods; telemetry streams to a sink as protocol
lines, and a ring of recent samples is kept for HTTP consumers.
*/
package servo

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/brandondube/ringo"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/servolab/servobench/drive"
	"github.com/servolab/servobench/encoder"
	"github.com/servolab/servobench/ident"
	"github.com/servolab/servobench/mcu"
	"github.com/servolab/servobench/pid"
	"github.com/servolab/servobench/wire"
)

// ErrRunning is generated when Start is called on a loop that already runs
var ErrRunning = errors.New("control loop already running")

// Mode selects the task the loop runs.  It is fixed for the life of the
// loop, as on the bench firmware where each task is a separate build.
type Mode int

const (
	// ModePosition is closed-loop PID position control
	ModePosition Mode = iota

	// ModeIdent is the open-loop duty sweep for system identification
	ModeIdent

	// ModeTuning is position control with the reduced tuning telemetry
	ModeTuning

	// ModeManual drives a fixed duty and reports the angle
	ModeManual
)

func (m Mode) String() string {
	switch m {
	case ModePosition:
		return "position"
	case ModeIdent:
		return "ident"
	case ModeTuning:
		return "tuning"
	case ModeManual:
		return "manual"
	}
	return "invalid"
}

// Task is the announcement line printed when the loop starts
func (m Mode) Task() string {
	switch m {
	case ModeIdent:
		return wire.TaskIdent
	case ModeTuning:
		return wire.TaskTuning
	case ModeManual:
		return wire.TaskManual
	}
	return wire.TaskPosition
}

// Period is the default loop period for the mode.  Identification samples
// at 50ms; the control tasks run at 10ms.
func (m Mode) Period() time.Duration {
	if m == ModeIdent {
		return 50 * time.Millisecond
	}
	return 10 * time.Millisecond
}

// ParseMode converts a config string to a Mode
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "position":
		return ModePosition, nil
	case "ident":
		return ModeIdent, nil
	case "tuning":
		return ModeTuning, nil
	case "manual":
		return ModeManual, nil
	}
	return ModePosition, fmt.Errorf("mode %q is not one of position, ident, tuning, manual", s)
}

// Config holds the loop parameters.  The zero value runs position control
// with zero gains; fill in what the task needs.
type Config struct {
	Mode Mode

	// Kp, Ki, Kd are the controller gains for the position and tuning tasks.
	Kp, Ki, Kd float64

	// Reference is the initial reference angle in degrees.
	Reference float64

	// Period overrides the mode's default loop period when nonzero.
	Period time.Duration

	// History is the telemetry ring depth.  Zero means 4096 samples.
	History int

	// PPR is the encoder resolution.  Zero means the bench default.
	PPR float64

	// Window is the velocity display smoothing window.  Zero means 5.
	Window int

	// Alpha overrides the derivative filter coefficient when nonzero.
	Alpha float64

	// IntegralLimit overrides the anti-windup clamp when nonzero.
	IntegralLimit float64

	// Deadzone overrides the actuation stop threshold when nonzero.
	Deadzone float64

	// LogEvery is the status log interval.  Zero means once per second.
	LogEvery time.Duration

	// Sweep configures the identification task.  An empty duty list means
	// the standard sweep.
	Sweep ident.Config
}

// Status is a point-in-time view of the loop for HTTP consumers.
type Status struct {
	Mode      string  `json:"mode"`
	Running   bool    `json:"running"`
	Stopped   bool    `json:"stopped"`
	T         float64 `json:"t"`
	Angle     float64 `json:"angle"`
	Velocity  float64 `json:"velocity"`
	Reference float64 `json:"reference"`
	Error     float64 `json:"error"`
	Control   float64 `json:"control"`
	Kp        float64 `json:"kp"`
	Ki        float64 `json:"ki"`
	Kd        float64 `json:"kd"`
	Duty      int     `json:"duty"`

	// SweepState and Passes are only populated in ident mode.
	SweepState string `json:"sweepState,omitempty"`
	Passes     int    `json:"passes,omitempty"`
}

// History is the telemetry ring contents from least to most recent.
type History struct {
	T         []float64 `json:"t"`
	Angle     []float64 `json:"angle"`
	Reference []float64 `json:"reference"`
	Control   []float64 `json:"control"`
}

// Loop runs one bench task on a fixed period.
type Loop struct {
	cfg    Config
	bench  mcu.Bench
	enc    *encoder.Adapter
	pid    *pid.Controller
	mapper drive.Mapper
	sweep  *ident.Sweep
	sink   io.Writer
	echo   *rate.Limiter

	cmds chan wire.Command
	ops  chan func()
	stop chan struct{}
	done chan struct{}

	mu      sync.Mutex
	running bool
	snap    Status
	results []ident.Result
	histT   ringo.CircleF64
	histA   ringo.CircleF64
	histR   ringo.CircleF64
	histC   ringo.CircleF64

	// state below is owned by the loop goroutine
	start      time.Time
	prev       encoder.AngleSample
	havePrev   bool
	stopped    bool
	ref        float64
	manualDuty int
}

// NewLoop builds a Loop over the bench.  Telemetry and protocol replies go
// to sink; pass nil to discard them.
func NewLoop(bench mcu.Bench, cfg Config, sink io.Writer) *Loop {
	if cfg.Period == 0 {
		cfg.Period = cfg.Mode.Period()
	}
	if cfg.History == 0 {
		cfg.History = 4096
	}
	if cfg.PPR == 0 {
		cfg.PPR = encoder.DefaultPPR
	}
	if cfg.Window == 0 {
		cfg.Window = 5
	}
	if cfg.LogEvery == 0 {
		cfg.LogEvery = time.Second
	}
	if sink == nil {
		sink = io.Discard
	}
	l := &Loop{
		cfg:    cfg,
		bench:  bench,
		enc:    encoder.New(cfg.PPR, cfg.Window),
		pid:    pid.New(cfg.Kp, cfg.Ki, cfg.Kd),
		mapper: drive.NewMapper(),
		sink:   sink,
		echo:   rate.NewLimiter(rate.Every(cfg.LogEvery), 1),
		cmds:   make(chan wire.Command, 16),
		ops:    make(chan func(), 4),
		stop:   make(chan struct{}),
		ref:    cfg.Reference,
	}
	// tuning tracks an unwrapped multi-turn position, so its error is a
	// plain difference
	l.pid.WrapError = cfg.Mode != ModeTuning
	if cfg.Alpha > 0 {
		l.pid.Alpha = cfg.Alpha
	}
	if cfg.IntegralLimit > 0 {
		l.pid.IntegralMin = -cfg.IntegralLimit
		l.pid.IntegralMax = cfg.IntegralLimit
	}
	if cfg.Deadzone > 0 {
		l.mapper.Deadzone = cfg.Deadzone
	}
	if cfg.Mode == ModeIdent {
		sc := cfg.Sweep
		if len(sc.Duties) == 0 {
			sc = ident.DefaultConfig()
		}
		l.sweep = ident.New(sc)
	}
	l.histT.Init(cfg.History)
	l.histA.Init(cfg.History)
	l.histR.Init(cfg.History)
	l.histC.Init(cfg.History)
	// seed the snapshot so HTTP reads are sane before the first tick
	l.snap = Status{
		Mode:      cfg.Mode.String(),
		Reference: cfg.Reference,
		Kp:        cfg.Kp,
		Ki:        cfg.Ki,
		Kd:        cfg.Kd,
	}
	return l
}

// Start prints the task banner and begins ticking.  The loop may be
// restarted after Stop.
func (l *Loop) Start() error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return ErrRunning
	}
	l.running = true
	l.done = make(chan struct{})
	l.mu.Unlock()
	l.start = time.Now()
	l.banner()
	log.Info().Str("mode", l.cfg.Mode.String()).Dur("period", l.cfg.Period).Msg("control loop started")
	go l.runner()
	return nil
}

// Stop halts the loop and leaves the motor stopped.  It blocks until the
// current tick finishes.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	l.mu.Unlock()
	l.stop <- struct{}{}
	<-l.done
	l.drive(drive.Command{})
	log.Info().Msg("control loop stopped")
}

// Submit queues a command for the next tick.  It never blocks; a full
// queue drops the command.
func (l *Loop) Submit(c wire.Command) {
	select {
	case l.cmds <- c:
	default:
		log.Warn().Int("kind", int(c.T)).Msg("command queue full, dropped")
	}
}

// Exec parses one protocol line and queues it, returning the echo the
// console prints for it.  The command itself applies at the next tick.
func (l *Loop) Exec(line string) (string, error) {
	c, err := wire.Parse(line)
	if err != nil {
		return "", err
	}
	l.Submit(c)
	return wire.Ack(c), nil
}

// Console parses one protocol line and queues it, writing error replies to
// the sink the way the firmware does.  The tuning task swallows them to
// keep its stream parseable.
func (l *Loop) Console(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	if _, err := l.Exec(line); err != nil && l.cfg.Mode != ModeTuning {
		if errors.Is(err, wire.ErrBadGains) {
			fmt.Fprintln(l.sink, wire.BadGainsReply)
		} else {
			fmt.Fprintln(l.sink, wire.UnknownReply)
		}
	}
}

// Snapshot returns the most recent loop state.
func (l *Loop) Snapshot() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.snap
	s.Mode = l.cfg.Mode.String()
	s.Running = l.running
	return s
}

// History returns a copy of the telemetry ring.
func (l *Loop) History() History {
	l.mu.Lock()
	defer l.mu.Unlock()
	return History{
		T:         copyF64(l.histT.Contiguous()),
		Angle:     copyF64(l.histA.Contiguous()),
		Reference: copyF64(l.histR.Contiguous()),
		Control:   copyF64(l.histC.Contiguous()),
	}
}

// SweepResults returns the per-duty identification results so far, or nil
// outside ident mode.
func (l *Loop) SweepResults() []ident.Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.results == nil {
		return nil
	}
	out := make([]ident.Result, len(l.results))
	copy(out, l.results)
	return out
}

// RestartSweep queues a sweep restart from the first duty.  It applies at
// the next tick and is a no-op outside ident mode.
func (l *Loop) RestartSweep() {
	if l.sweep == nil {
		return
	}
	op := func() {
		l.sweep.Restart(time.Now())
		l.stopped = false
	}
	select {
	case l.ops <- op:
	default:
		log.Warn().Msg("op queue full, sweep restart dropped")
	}
}

func (l *Loop) banner() {
	fmt.Fprintln(l.sink, l.cfg.Mode.Task())
	switch l.cfg.Mode {
	case ModePosition:
		kp, ki, kd := l.pid.Gains()
		for _, line := range wire.PositionBanner(l.ref, kp, ki, kd) {
			fmt.Fprintln(l.sink, line)
		}
	case ModeIdent:
		fmt.Fprintln(l.sink, wire.IdentBanner)
	}
}

func copyF64(f []float64) []float64 {
	out := make([]float64, len(f))
	copy(out, f)
	return out
}
