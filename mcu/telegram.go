package mcu

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/snksoft/crc"
)

const (
	// telStart is the start of telegram byte
	telStart = 0x7E

	// telEnd is the end of telegram byte
	telEnd = 0x7F

	// escByte marks an escaped special character
	escByte = 0x7D

	// escXor is xored onto special characters after the escape marker.
	// 0x7D..0x7F xor 0x20 land at 0x5D..0x5F, outside the special set
	escXor = 0x20

	// protoVersion is reported in the ping reply
	protoVersion = 1
)

// Command bytes for host to board telegrams.  Replies echo the command with
// RespFlag set; RespNack answers anything the board could not honor.
const (
	CmdPing  byte = 0x01
	CmdCount byte = 0x02
	CmdDrive byte = 0x03
	CmdZero  byte = 0x04

	RespFlag byte = 0x80
	RespNack byte = 0xFF
)

// Nack codes carried in the first data byte of a RespNack telegram.
const (
	NackBadFrame   byte = 1
	NackUnknownCmd byte = 2
	NackBadArg     byte = 3
	NackInternal   byte = 4
)

var (
	// dataOrder is the byte order of multi-byte payload values
	dataOrder = binary.BigEndian

	// specialChars is a byte slice of values that must be escaped inside a frame
	specialChars = []byte{telStart, telEnd, escByte}

	crcTable = crc.NewTable(crc.XMODEM)

	// CmdNames maps command bytes to names for error text
	CmdNames = map[byte]string{
		CmdPing:  "ping",
		CmdCount: "count",
		CmdDrive: "drive",
		CmdZero:  "zero",
		RespNack: "nack",
	}

	nackNames = map[byte]string{
		0:              "unspecified",
		NackBadFrame:   "bad frame",
		NackUnknownCmd: "unknown command",
		NackBadArg:     "bad argument",
		NackInternal:   "internal error",
	}

	// ErrNoStart is generated when a buffer holds no start of telegram byte
	ErrNoStart = errors.New("telegram start byte not found")

	// ErrNoEnd is generated when a buffer holds no end of telegram byte
	ErrNoEnd = errors.New("telegram end byte not found")

	// ErrShortFrame is generated when a frame is too small to carry a
	// command byte and a CRC
	ErrShortFrame = errors.New("telegram too short for command and CRC")

	// ErrCRCMismatch is generated when the received and computed CRCs differ
	ErrCRCMismatch = errors.New("crc mismatch, data lost in transmission")
)

// Telegram is one message before framing, CRC, and escaping.
type Telegram struct {
	Cmd  byte
	Data []byte
}

// crcHelper computes the two-byte CRC value in a concurrent safe way and one line
func crcHelper(buf []byte) []byte {
	crcUint := crcTable.InitCrc()
	crcUint = crcTable.UpdateCrc(crcUint, buf)
	crcBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(crcBytes, crcTable.CRC16(crcUint))
	return crcBytes
}

func escape(data []byte) []byte {
	out := []byte{}
	for _, b := range data {
		if bytes.Contains(specialChars, []byte{b}) {
			out = append(out, escByte, b^escXor)
		} else {
			out = append(out, b)
		}
	}
	return out
}

func unescape(data []byte) []byte {
	out := []byte{}
	xorNext := false
	for _, b := range data {
		if b == escByte {
			// do nothing with the marker itself, xor the next byte back
			xorNext = true
		} else {
			if xorNext {
				b = b ^ escXor
			}
			out = append(out, b)
			xorNext = false
		}
	}
	return out
}

// frames are encoded as [SOT][MESSAGE][EOT].
// the message is formatted as
// [CMD] [0..n data bytes] [CRC hi] [CRC lo]
// and escaped so neither delimiter can occur inside it

// Encode produces a complete frame from a Telegram.
// the workflow is:
//  0. concatenate the command byte and data into the message body
//  1. calculate a CRC-16 value based on CRC-CCITT XMODEM and append it
//  2. scan for special characters and replace them as implemented in escape()
//  3. prepend and append [SOT] and [EOT]
func Encode(t Telegram) []byte {
	body := append([]byte{t.Cmd}, t.Data...)
	body = append(body, crcHelper(body)...)
	body = escape(body)
	out := append([]byte{telStart}, body...)
	return append(out, telEnd)
}

// Decode renders a raw frame back into a Telegram, dropping any line noise
// before the start byte and validating the CRC
func Decode(raw []byte) (Telegram, error) {
	iStart := bytes.IndexByte(raw, telStart)
	if iStart == -1 {
		return Telegram{}, ErrNoStart
	}
	iEnd := bytes.IndexByte(raw, telEnd)
	if iEnd < iStart {
		return Telegram{}, ErrNoEnd
	}
	body := unescape(raw[iStart+1 : iEnd])
	if len(body) < 3 {
		return Telegram{}, ErrShortFrame
	}

	// pop the CRC bytes, recompute, and ensure we match
	fidx := len(body) - 2
	crcBytesRecv := body[fidx:]
	body = body[:fidx]
	if !bytes.Equal(crcBytesRecv, crcHelper(body)) {
		return Telegram{}, ErrCRCMismatch
	}

	return Telegram{
		Cmd:  body[0],
		Data: body[1:],
	}, nil
}
