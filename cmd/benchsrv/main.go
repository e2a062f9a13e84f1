package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/rs/zerolog/log"

	yml "gopkg.in/yaml.v2"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "benchsrv.yml"
	k              = koanf.New(".")
)

func setupconfig() {
	k.Load(structs.Provider(defaults(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatal().Err(err).Msg("error loading config")
		}
	}
}

func root() {
	str := `benchsrv runs the DC motor bench: a control loop over the counter/driver
board (or its simulator) with the serial console protocol on stdin/stdout
and an HTTP interface for everything else.

Usage:
	benchsrv <command>

Commands:
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `benchsrv is configured via its .yaml file.  For a primer on YAML, see
https://yaml.org/start.html

Without a configuration the daemon runs position control against the
simulated bench with the stock gains, listening at :8080.

Mode selects the task and is fixed for the life of the process:
- "position"  closed-loop PID position control
- "ident"     open-loop duty sweep, measures tau and K per duty
- "tuning"    position control with the reduced telemetry stream
- "manual"    fixed duty drive, reports the angle

The console on stdin accepts the board protocol:
	R:<deg>           set the reference angle
	G:<Kp>,<Ki>,<Kd>  set the controller gains
	S                 stop the motor (latches until a new reference)
	Z                 zero the counter at the current position
	<0..255>          duty command, manual mode only

Board.Mock true runs against the simulated plant; otherwise Board.Addr
is the serial device (Serial true) or host:port of the real board.

The HTTP routes mount under Endpoint; GET /endpoints lists them.  When
ZMQAddr is set (e.g. tcp://*:5555) the same console lines are answered
on a REP socket.`
	fmt.Println(str)
}

func mkconf() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal().Err(err).Msg("")
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal().Err(err).Msg("")
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal().Err(err).Msg("")
	}
}

func printconf() {
	c := Config{}
	k.Unmarshal("", &c)
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal().Err(err).Msg("")
	}
}

func pversion() {
	fmt.Printf("benchsrv version %v\n", Version)
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		run()
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal().Str("command", cmd).Msg("unknown command")
	}
}
