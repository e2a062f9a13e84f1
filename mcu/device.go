/*Package mcu talks to the motor bench microcontroller.

The board carries the quadrature counter and the H-bridge.  It exposes three
registers over a framed binary telegram protocol: the encoder count, the
drive command, and a zero latch for the counter.  Board reaches a physical
unit over serial or TCP; Sim is a software twin behind the same interface,
and Serve exposes any Bench on a listener so the daemon can be pointed at a
simulated bench without knowing the difference.
*/
package mcu

import (
	"fmt"
	"io"

	"github.com/servolab/servobench/comm"
	"github.com/servolab/servobench/drive"
)

// Bench is the hardware capability the control loop needs: read the encoder
// register, push an actuation command, zero the counter.
type Bench interface {
	io.Closer

	// Counts returns the current quadrature count
	Counts() (int64, error)

	// Drive applies an actuation command to the H-bridge
	Drive(drive.Command) error

	// Zero resets the quadrature counter to zero
	Zero() error
}

// Board is the physical bench MCU reached over a serial or TCP link.
type Board struct {
	*comm.Link
}

// NewBoard returns a Board for the MCU at addr.  Open must be called before
// any exchange.
func NewBoard(addr string, isSerial bool) *Board {
	return &Board{Link: comm.NewLink(addr, isSerial, telEnd)}
}

func (b *Board) txn(t Telegram) (Telegram, error) {
	resp, err := b.SendRecv(Encode(t))
	if err != nil {
		return Telegram{}, err
	}
	rt, err := Decode(resp)
	if err != nil {
		return Telegram{}, err
	}
	if rt.Cmd == RespNack {
		code := byte(0)
		if len(rt.Data) > 0 {
			code = rt.Data[0]
		}
		return Telegram{}, fmt.Errorf("board rejected %s: %s", CmdNames[t.Cmd], nackNames[code])
	}
	if rt.Cmd != t.Cmd|RespFlag {
		return Telegram{}, fmt.Errorf("reply type %#x does not answer %s", rt.Cmd, CmdNames[t.Cmd])
	}
	return rt, nil
}

// Ping checks the link and the firmware protocol version
func (b *Board) Ping() error {
	rt, err := b.txn(Telegram{Cmd: CmdPing})
	if err != nil {
		return err
	}
	if len(rt.Data) != 1 || rt.Data[0] != protoVersion {
		return fmt.Errorf("firmware speaks protocol %v, host speaks %d", rt.Data, protoVersion)
	}
	return nil
}

// Counts returns the current quadrature count
func (b *Board) Counts() (int64, error) {
	rt, err := b.txn(Telegram{Cmd: CmdCount})
	if err != nil {
		return 0, err
	}
	if len(rt.Data) != 8 {
		return 0, fmt.Errorf("count reply carries %d bytes, want 8", len(rt.Data))
	}
	return int64(dataOrder.Uint64(rt.Data)), nil
}

// Drive applies an actuation command to the H-bridge
func (b *Board) Drive(c drive.Command) error {
	_, err := b.txn(Telegram{Cmd: CmdDrive, Data: []byte{byte(c.Direction), byte(c.Magnitude)}})
	return err
}

// Zero resets the quadrature counter
func (b *Board) Zero() error {
	_, err := b.txn(Telegram{Cmd: CmdZero})
	return err
}
