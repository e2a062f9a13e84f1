package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/servolab/servobench/ident"
	"github.com/servolab/servobench/mcu"
	"github.com/servolab/servobench/server"
	"github.com/servolab/servobench/server/middleware/locker"
	"github.com/servolab/servobench/servo"
)

// BoardSetup points the daemon at the counter/driver board
type BoardSetup struct {
	// Addr is the serial device (Serial true) or host:port of the board
	Addr   string `yaml:"Addr"`
	Serial bool   `yaml:"Serial"`

	// Baud is the serial line rate; zero means 115200
	Baud int `yaml:"Baud"`

	// Mock substitutes the simulated plant for the real board
	Mock bool `yaml:"Mock"`
}

// SimSetup parameterizes the simulated plant used when Board.Mock is true
type SimSetup struct {
	// K is the DC gain, steady-state deg/s per duty count
	K float64 `yaml:"K"`

	// Tau is the time constant in seconds
	Tau float64 `yaml:"Tau"`

	// Stiction is the duty floor below which the motor does not turn
	Stiction int `yaml:"Stiction"`

	// Jitter adds uniform count noise of the given half-width
	Jitter int `yaml:"Jitter"`
}

// ControlSetup holds the control loop parameters
type ControlSetup struct {
	Kp float64 `yaml:"Kp"`
	Ki float64 `yaml:"Ki"`
	Kd float64 `yaml:"Kd"`

	// Reference is the initial reference angle in degrees
	Reference float64 `yaml:"Reference"`

	// PeriodMS overrides the mode's default loop period when nonzero
	PeriodMS int `yaml:"PeriodMS"`

	// PPR is the encoder resolution in counts per revolution
	PPR float64 `yaml:"PPR"`

	// Window is the velocity display smoothing window
	Window int `yaml:"Window"`

	// History is the telemetry ring depth
	History int `yaml:"History"`

	// Alpha is the derivative filter coefficient; zero keeps the default
	Alpha float64 `yaml:"Alpha"`

	// IntegralLimit bounds the integral accumulator; zero keeps the default
	IntegralLimit float64 `yaml:"IntegralLimit"`

	// Deadzone is the stop threshold on the control magnitude; zero keeps
	// the default
	Deadzone float64 `yaml:"Deadzone"`

	// LogMS is the status log interval in milliseconds; zero means 1000
	LogMS int `yaml:"LogMS"`
}

// SweepSetup holds the identification sweep parameters.  An empty duty
// list means the standard sweep.
type SweepSetup struct {
	Duties      []int   `yaml:"Duties"`
	SteadyMS    int     `yaml:"SteadyMS"`
	StopMS      int     `yaml:"StopMS"`
	WarmupMS    int     `yaml:"WarmupMS"`
	RestartMS   int     `yaml:"RestartMS"`
	MinVelocity float64 `yaml:"MinVelocity"`
	Loop        bool    `yaml:"Loop"`
}

// Config is the daemon's initialization parameters, populated from the
// yaml file over the built-in defaults.
type Config struct {
	// Mode is the task to run: position, ident, tuning, or manual
	Mode string `yaml:"Mode"`

	// Addr is the address the HTTP interface listens at
	Addr string `yaml:"Addr"`

	// Endpoint is the URL stem the bench routes mount under
	Endpoint string `yaml:"Endpoint"`

	// ZMQAddr binds the REP command socket when nonempty, e.g. tcp://*:5555
	ZMQAddr string `yaml:"ZMQAddr"`

	// Telemetry is a file path for the protocol stream; empty means stdout
	Telemetry string `yaml:"Telemetry"`

	// Verbose enables debug logging
	Verbose bool `yaml:"Verbose"`

	Board   BoardSetup   `yaml:"Board"`
	Sim     SimSetup     `yaml:"Sim"`
	Control ControlSetup `yaml:"Control"`
	Sweep   SweepSetup   `yaml:"Sweep"`
}

func defaults() Config {
	return Config{
		Mode:     "position",
		Addr:     ":8080",
		Endpoint: "/bench",
		Board:    BoardSetup{Mock: true, Baud: 115200},
		Sim:      SimSetup{K: 2, Tau: 0.25, Stiction: 50},
		Control: ControlSetup{
			Kp:            0,
			Ki:            1.663,
			Kd:            7.117,
			Reference:     200,
			Alpha:         0.2,
			IntegralLimit: 100,
			Deadzone:      50,
			LogMS:         1000,
		},
	}
}

// setupBench opens the real board or starts the simulated one
func setupBench(c Config) (mcu.Bench, error) {
	if c.Board.Mock {
		sim := mcu.NewSim(c.Sim.K, c.Sim.Tau)
		if c.Sim.Stiction > 0 {
			sim.Stiction = c.Sim.Stiction
		}
		sim.Jitter = c.Sim.Jitter
		sim.Run(time.Millisecond)
		log.Info().Float64("K", c.Sim.K).Float64("tau", c.Sim.Tau).Msg("using the simulated bench")
		return sim, nil
	}
	bd := mcu.NewBoard(c.Board.Addr, c.Board.Serial)
	if c.Board.Baud > 0 {
		bd.Baud = c.Board.Baud
	}
	if err := bd.Open(); err != nil {
		return nil, err
	}
	if err := bd.Ping(); err != nil {
		bd.Close()
		return nil, fmt.Errorf("board at %s did not answer ping: %w", c.Board.Addr, err)
	}
	return bd, nil
}

// setupSink opens the telemetry stream
func setupSink(path string) (io.Writer, func(), error) {
	if path == "" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { f.Close() }, nil
}

// loopConfig translates the file config into the loop's
func loopConfig(mode servo.Mode, c Config) servo.Config {
	sc := servo.Config{
		Mode:          mode,
		Kp:            c.Control.Kp,
		Ki:            c.Control.Ki,
		Kd:            c.Control.Kd,
		Reference:     c.Control.Reference,
		History:       c.Control.History,
		PPR:           c.Control.PPR,
		Window:        c.Control.Window,
		Alpha:         c.Control.Alpha,
		IntegralLimit: c.Control.IntegralLimit,
		Deadzone:      c.Control.Deadzone,
	}
	if c.Control.PeriodMS > 0 {
		sc.Period = time.Duration(c.Control.PeriodMS) * time.Millisecond
	}
	if c.Control.LogMS > 0 {
		sc.LogEvery = time.Duration(c.Control.LogMS) * time.Millisecond
	}
	if len(c.Sweep.Duties) > 0 {
		sc.Sweep = ident.Config{
			Duties:       c.Sweep.Duties,
			SteadyTime:   time.Duration(c.Sweep.SteadyMS) * time.Millisecond,
			StopTime:     time.Duration(c.Sweep.StopMS) * time.Millisecond,
			Warmup:       time.Duration(c.Sweep.WarmupMS) * time.Millisecond,
			RestartDelay: time.Duration(c.Sweep.RestartMS) * time.Millisecond,
			MinVelocity:  c.Sweep.MinVelocity,
			Loop:         c.Sweep.Loop,
		}
	}
	return sc
}

// BuildMux mounts the bench routes under the configured endpoint behind
// the lock middleware, with /endpoints listing the route graph.
func BuildMux(c Config, loop *servo.Loop) chi.Router {
	root := chi.NewRouter()
	root.Use(middleware.Logger)

	httper := servo.NewHTTPBench(loop)
	lock := locker.New()
	lock.DoNotProtect = append(lock.DoNotProtect, "status", "history", "mode", "running", "results")
	locker.Inject(httper, lock)

	stem := server.SubMuxSanitize(c.Endpoint)
	supergraph := map[string][]string{stem: httper.RT().Endpoints()}

	r := chi.NewRouter()
	r.Use(lock.Check)
	httper.RT().Bind(r)
	root.Mount(stem, r)

	root.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		err := json.NewEncoder(w).Encode(supergraph)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	return root
}

// console feeds stdin lines to the loop the way the board's serial
// console does
func console(loop *servo.Loop) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		loop.Console(sc.Text())
	}
}

func run() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal().Err(err).Msg("")
	}
	if c.Verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	mode, err := servo.ParseMode(c.Mode)
	if err != nil {
		log.Fatal().Err(err).Msg("")
	}
	bench, err := setupBench(c)
	if err != nil {
		log.Fatal().Err(err).Msg("could not reach the bench")
	}
	defer bench.Close()

	sink, closeSink, err := setupSink(c.Telemetry)
	if err != nil {
		log.Fatal().Err(err).Msg("could not open the telemetry stream")
	}
	defer closeSink()

	loop := servo.NewLoop(bench, loopConfig(mode, c), sink)
	if err := loop.Start(); err != nil {
		log.Fatal().Err(err).Msg("")
	}
	defer loop.Stop()

	if c.ZMQAddr != "" {
		if err := serveZMQ(c.ZMQAddr, loop); err != nil {
			log.Fatal().Err(err).Msg("could not bind the zmq command socket")
		}
	}
	go console(loop)

	mux := BuildMux(c, loop)
	log.Info().Str("addr", c.Addr).Msg("now listening for requests")
	log.Fatal().Err(http.ListenAndServe(c.Addr, mux)).Msg("http server exited")
}
