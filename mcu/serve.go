package mcu

import (
	"bufio"
	"net"

	"github.com/servolab/servobench/drive"
)

// Serve answers board telegrams on ln, applying them to b.  It blocks until
// the listener fails.  benchsim uses this to stand in for the real bench, so
// a daemon pointed at the listener address cannot tell the difference.
func Serve(ln net.Listener, b Bench) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go ServeConn(conn, b)
	}
}

// ServeConn speaks the telegram protocol on a single connection until it
// closes or errors.
func ServeConn(conn net.Conn, b Bench) {
	defer conn.Close()
	rdr := bufio.NewReader(conn)
	for {
		raw, err := rdr.ReadBytes(telEnd)
		if err != nil {
			return
		}
		t, err := Decode(raw)
		if err != nil {
			conn.Write(Encode(nack(NackBadFrame)))
			continue
		}
		if _, err := conn.Write(Encode(answer(t, b))); err != nil {
			return
		}
	}
}

func nack(code byte) Telegram {
	return Telegram{Cmd: RespNack, Data: []byte{code}}
}

func answer(t Telegram, b Bench) Telegram {
	switch t.Cmd {
	case CmdPing:
		return Telegram{Cmd: CmdPing | RespFlag, Data: []byte{protoVersion}}
	case CmdCount:
		n, err := b.Counts()
		if err != nil {
			return nack(NackInternal)
		}
		data := make([]byte, 8)
		dataOrder.PutUint64(data, uint64(n))
		return Telegram{Cmd: CmdCount | RespFlag, Data: data}
	case CmdDrive:
		if len(t.Data) != 2 || t.Data[0] > byte(drive.Reverse) {
			return nack(NackBadArg)
		}
		cmd := drive.Command{Direction: drive.Direction(t.Data[0]), Magnitude: int(t.Data[1])}
		if err := b.Drive(cmd); err != nil {
			return nack(NackInternal)
		}
		return Telegram{Cmd: CmdDrive | RespFlag}
	case CmdZero:
		if err := b.Zero(); err != nil {
			return nack(NackInternal)
		}
		return Telegram{Cmd: CmdZero | RespFlag}
	default:
		return nack(NackUnknownCmd)
	}
}
