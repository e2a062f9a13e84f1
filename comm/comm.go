/*Package comm provides the wire link between the host and the bench MCU.

The MCU speaks self-delimited binary telegrams: every frame the firmware
emits ends with a fixed sentinel byte, and payload escaping guarantees the
sentinel cannot occur inside a frame.  A Link therefore reads whole frames
by scanning for the sentinel, and writes frames verbatim with no added
terminator.

Most usages boil down to:
 1. embed *Link in a type that represents your board
 2. call Open before talking, Close when done
 3. use SendRecv for command/response exchanges; it holds the link lock
    for the whole round trip so concurrent callers cannot interleave

A minimal example for a board that answers a one-byte ping frame:

	type Board struct {
		*comm.Link
	}

	func (b *Board) Ping() error {
		frame := []byte{0x7E, 0x01, 0x7F}
		resp, err := b.SendRecv(frame)
		if err != nil {
			return err
		}
		if len(resp) < 3 {
			return fmt.Errorf("short ping reply: % x", resp)
		}
		return nil
	}
*/
package comm

import (
	"bufio"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"

	"github.com/servolab/servobench/util"
)

var (
	// ErrNotConnected is generated when Conn is nil and Send or Recv is called.
	ErrNotConnected = errors.New("conn is nil, not connected to remote")

	// ErrFrameIncomplete is generated when the link errors before the frame
	// end byte arrives.  The partial frame is returned alongside it.
	ErrFrameIncomplete = errors.New("frame end byte not found before read error")
)

// Sender has a Send method that writes one complete frame
type Sender interface {
	Send([]byte) error
}

// Recver has a Recv method that reads one complete frame
type Recver interface {
	Recv() ([]byte, error)
}

// SendRecver can send and receive, and provides a method that does a full
// round trip under one lock
type SendRecver interface {
	Sender
	Recver

	SendRecv([]byte) ([]byte, error)
}

// Opener can open ("establish a connection" but in io language)
type Opener interface {
	Open() error
}

// A Communicator can Open, Send, Recv and Close
type Communicator interface {
	io.Closer
	Opener
	SendRecver
}

/*Link is a serial or TCP connection to the bench MCU and implements
Communicator.

Bare Send and Recv assume a single caller.  Concurrent users (an HTTP
handler racing the control loop) must go through SendRecv, which holds the
link for the whole exchange.
*/
type Link struct {
	Addr     string
	IsSerial bool

	// Baud is only consulted when IsSerial is true.
	Baud int

	// Timeout bounds dial, read, and write on TCP links and the read
	// timeout on serial links.
	Timeout time.Duration

	// FrameEnd is the sentinel byte that terminates every frame.
	FrameEnd byte

	Conn io.ReadWriteCloser

	rdr *bufio.Reader
	mu  sync.Mutex
}

// NewLink creates a new Link instance with the default baud rate and timeout
func NewLink(addr string, isSerial bool, frameEnd byte) *Link {
	return &Link{
		Addr:     addr,
		IsSerial: isSerial,
		Baud:     115200,
		Timeout:  3 * time.Second,
		FrameEnd: frameEnd}
}

// SerialConf yields a pointer to a serial config object for use with serial.OpenPort
func (l *Link) SerialConf() *serial.Config {
	return &serial.Config{
		Name:        l.Addr,
		Baud:        l.Baud,
		ReadTimeout: l.Timeout}
}

// Open the connection, setting the Conn variable
func (l *Link) Open() error {
	// the USB serial bridge on the bench drops the port
	// when the connection is thrashed, so back off between attempts
	wasTimeout := false
	op := func() error {
		err := l.open()
		if err != nil {
			errS := strings.ToLower(err.Error())
			if strings.Contains(errS, "refused") {
				return err
			}
			wasTimeout = true
			return nil
		}
		return nil
	}

	// backoff will cease on a timeout so we don't wait
	// forever, so we need to check for err != nil && !wasTimeout
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock})
	if err == nil && !wasTimeout {
		return nil
	}
	// err != nil
	if wasTimeout {
		return errors.New("connection timeout to " + l.Addr)
	}
	return err
}

func (l *Link) open() error {
	var err error
	var conn io.ReadWriteCloser
	if l.IsSerial {
		conn, err = serial.OpenPort(l.SerialConf())
	} else {
		conn, err = util.TCPSetup(l.Addr, l.Timeout)
	}
	if err != nil {
		return err
	}
	l.Conn = conn
	l.rdr = bufio.NewReader(conn)
	return nil
}

// Close the connection, nil-ing the Conn variable
func (l *Link) Close() error {
	if l.Conn == nil {
		return nil
	}
	err := l.Conn.Close()
	if err == nil {
		l.Conn = nil
		l.rdr = nil
	}
	return err
}

// Send writes one frame to the remote.  The frame must already carry its
// delimiters; nothing is appended.
func (l *Link) Send(b []byte) error {
	if l.Conn == nil {
		return ErrNotConnected
	}
	l.refreshDeadline()
	_, err := l.Conn.Write(b)
	return err
}

// Recv reads one frame from the remote, delimiters included.  The reader is
// persistent across calls, so back-to-back frames in a single packet are
// handed out one at a time instead of being dropped.
func (l *Link) Recv() ([]byte, error) {
	if l.Conn == nil {
		return nil, ErrNotConnected
	}
	if l.rdr == nil {
		l.rdr = bufio.NewReader(l.Conn)
	}
	l.refreshDeadline()
	buf, err := l.rdr.ReadBytes(l.FrameEnd)
	if err != nil {
		if len(buf) > 0 {
			return buf, ErrFrameIncomplete
		}
		return nil, err
	}
	return buf, nil
}

// SendRecv sends a frame, then returns the response frame.  The link is held
// for the whole round trip.
func (l *Link) SendRecv(b []byte) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	err := l.Send(b)
	if err != nil {
		return nil, err
	}
	return l.Recv()
}

// refreshDeadline pushes the IO deadline forward on TCP links.  The deadline
// set at dial time would otherwise expire under a long-lived telemetry
// stream.
func (l *Link) refreshDeadline() {
	if nc, ok := l.Conn.(net.Conn); ok {
		nc.SetDeadline(time.Now().Add(l.Timeout))
	}
}
