// Command benchsim exercises the bench stack against the simulated plant:
// an identification sweep with a progress spinner, a bounded position
// control run, or the simulator served over TCP as if it were the real
// board.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/theckman/yacspin"

	"github.com/servolab/servobench/ident"
	"github.com/servolab/servobench/mcu"
	"github.com/servolab/servobench/servo"
	"github.com/servolab/servobench/util"
)

func main() {
	var (
		mode     = flag.String("mode", "ident", "ident, position, or serve")
		k        = flag.Float64("k", 2, "plant gain, steady deg/s per duty count")
		tau      = flag.Float64("tau", 0.25, "plant time constant, seconds")
		stiction = flag.Int("stiction", 50, "duty floor below which the plant holds still")
		jitter   = flag.Int("jitter", 0, "uniform count noise half-width")
		duties   = flag.String("duties", "150,175,200,225,250", "comma separated sweep duties")
		steady   = flag.Duration("steady", 5*time.Second, "rise time bound per duty")
		settle   = flag.Duration("settle", 2*time.Second, "settle time between duties")
		warmup   = flag.Duration("warmup", 3*time.Second, "steady estimator warmup after each step")
		kp       = flag.Float64("kp", 0, "proportional gain")
		ki       = flag.Float64("ki", 1.663, "integral gain")
		kd       = flag.Float64("kd", 7.117, "derivative gain")
		ref      = flag.Float64("ref", 200, "position reference, degrees")
		duration = flag.Duration("duration", 10*time.Second, "position run length")
		addr     = flag.String("addr", ":9000", "listen address for serve mode")
		verbose  = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	}

	sim := mcu.NewSim(*k, *tau)
	sim.Stiction = *stiction
	sim.Jitter = *jitter
	sim.Run(time.Millisecond)
	defer sim.Close()

	switch *mode {
	case "ident":
		runSweep(sim, *duties, *steady, *settle, *warmup)
	case "position":
		runPosition(sim, *kp, *ki, *kd, *ref, *duration)
	case "serve":
		serveBoard(sim, *addr)
	default:
		fmt.Fprintf(os.Stderr, "mode %q is not one of ident, position, serve\n", *mode)
		os.Exit(2)
	}
}

func parseDuties(csv string) ([]int, error) {
	fields := strings.Split(csv, ",")
	duties := make([]int, len(fields))
	for i, f := range fields {
		d, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil || d < 1 || d > 255 {
			return nil, fmt.Errorf("duty %q is not an integer in 1..255", f)
		}
		duties[i] = d
	}
	return duties, nil
}

func runSweep(sim *mcu.Sim, dutyCSV string, steady, settle, warmup time.Duration) {
	duties, err := parseDuties(dutyCSV)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	sc := ident.DefaultConfig()
	sc.Duties = duties
	sc.SteadyTime = steady
	sc.StopTime = settle
	sc.Warmup = warmup
	sc.Loop = false

	fmt.Printf("sweeping duties %s against the plant (K=%.1f, tau=%.2fs)\n",
		util.IntSliceToCSV(duties), sim.K, sim.Tau)

	loop := servo.NewLoop(sim, servo.Config{Mode: servo.ModeIdent, Sweep: sc}, nil)
	spin, err := yacspin.New(yacspin.Config{
		Frequency:       100 * time.Millisecond,
		CharSet:         yacspin.CharSets[59],
		Suffix:          " duty sweep",
		SuffixAutoColon: true,
		StopCharacter:   "✓",
		StopColors:      []string{"fgGreen"},
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	spin.Start()
	if err := loop.Start(); err != nil {
		spin.StopFail()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	t := time.NewTicker(200 * time.Millisecond)
	defer t.Stop()
	for range t.C {
		s := loop.Snapshot()
		spin.Message(fmt.Sprintf("d=%d %s", s.Duty, s.SweepState))
		if s.SweepState == "finished" {
			break
		}
	}
	loop.Stop()
	spin.Stop()
	printTable(loop.SweepResults())
}

func printTable(rows []ident.Result) {
	fmt.Printf("\n%-6s %-9s %-9s %-12s %s\n", "duty", "tau(s)", "K", "steady", "passes")
	for _, r := range rows {
		tau := "-"
		if r.TauMeasured {
			tau = strconv.FormatFloat(r.Tau, 'f', 3, 64)
		}
		fmt.Printf("%-6d %-9s %-9.3f %-12.1f %d\n", r.Duty, tau, r.K(), r.Steady, r.Passes)
	}
}

func runPosition(sim *mcu.Sim, kp, ki, kd, ref float64, d time.Duration) {
	fmt.Printf("position control, gains %s, reference %.1f deg\n",
		util.FloatSliceToCSV([]float64{kp, ki, kd}, 2), ref)
	loop := servo.NewLoop(sim, servo.Config{
		Mode:      servo.ModePosition,
		Kp:        kp,
		Ki:        ki,
		Kd:        kd,
		Reference: ref,
	}, os.Stdout)
	if err := loop.Start(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	time.Sleep(d)
	loop.Stop()
	s := loop.Snapshot()
	fmt.Printf("after %v: angle %.2f deg against reference %.2f deg\n", d, s.Angle, s.Reference)
}

func serveBoard(sim *mcu.Sim, addr string) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("serving the simulated board at %s\n", addr)
	if err := mcu.Serve(ln, sim); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
