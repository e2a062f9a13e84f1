package main

import (
	"encoding/json"
	"errors"

	"github.com/pebbe/zmq4"
	"github.com/rs/zerolog/log"

	"github.com/servolab/servobench/servo"
	"github.com/servolab/servobench/wire"
)

// serveZMQ answers console lines on a REP socket.  Each message is one
// protocol line and the reply is its echo; "status?" answers with the
// loop snapshot as JSON.
func serveZMQ(addr string, loop *servo.Loop) error {
	ctx, err := zmq4.NewContext()
	if err != nil {
		return err
	}
	socket, err := ctx.NewSocket(zmq4.REP)
	if err != nil {
		return err
	}
	err = socket.Bind(addr)
	if err != nil {
		socket.Close()
		return err
	}
	log.Info().Str("addr", addr).Msg("zmq command socket bound")
	go func() {
		defer socket.Close()
		for {
			msg, err := socket.Recv(0)
			if err != nil {
				log.Warn().Err(err).Msg("zmq recv")
				continue
			}
			socket.Send(answerLine(loop, msg), 0)
		}
	}()
	return nil
}

// answerLine produces the one-message reply to a command line
func answerLine(loop *servo.Loop, msg string) string {
	if msg == "status?" {
		b, err := json.Marshal(loop.Snapshot())
		if err != nil {
			return wire.UnknownReply
		}
		return string(b)
	}
	echo, err := loop.Exec(msg)
	if err != nil {
		if errors.Is(err, wire.ErrBadGains) {
			return wire.BadGainsReply
		}
		return wire.UnknownReply
	}
	if echo == "" {
		echo = "OK"
	}
	return echo
}
