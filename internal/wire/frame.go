// Package wire is the binary protocol range servers speak to the master.
//
// Every message is a frame: a fixed 16 byte header (uint32 total length,
// uint32 command, uint64 request id, little-endian) followed by the payload.
// Responses reuse the request id so a client can pipeline requests on one
// connection.
package wire

import (
	"errors"
	"fmt"
	"io"

	"rangemaster/pkg/encoding/serial"
)

const HeaderLen = 16

// Command codes.
const (
	CommandRegisterServer uint32 = 1
)

var ErrFrameTooLarge = errors.New("wire: frame exceeds size limit")

type Header struct {
	Length    uint32
	Command   uint32
	RequestID uint64
}

type Frame struct {
	Header
	Payload []byte
}

func commandName(c uint32) string {
	switch c {
	case CommandRegisterServer:
		return "register_server"
	default:
		return fmt.Sprintf("command_%d", c)
	}
}

// WriteFrame sets the length field and writes header and payload in one call.
func WriteFrame(w io.Writer, f Frame) error {
	buf := make([]byte, 0, HeaderLen+len(f.Payload))
	buf = serial.AppendU32(buf, uint32(HeaderLen+len(f.Payload)))
	buf = serial.AppendU32(buf, f.Command)
	buf = serial.AppendU64(buf, f.RequestID)
	buf = append(buf, f.Payload...)

	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one frame. maxBytes bounds the total frame length; a
// larger frame leaves the stream unusable and returns ErrFrameTooLarge.
func ReadFrame(r io.Reader, maxBytes int) (Frame, error) {
	var hdr [HeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}

	var (
		f    Frame
		rest = hdr[:]
		err  error
	)
	if f.Length, rest, err = serial.DecodeU32(rest); err != nil {
		return Frame{}, err
	}
	if f.Command, rest, err = serial.DecodeU32(rest); err != nil {
		return Frame{}, err
	}
	if f.RequestID, _, err = serial.DecodeU64(rest); err != nil {
		return Frame{}, err
	}

	if f.Length < HeaderLen {
		return Frame{}, fmt.Errorf("wire: frame length %d shorter than header", f.Length)
	}
	if maxBytes > 0 && int(f.Length) > maxBytes {
		return Frame{}, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, f.Length, maxBytes)
	}

	f.Payload = make([]byte, int(f.Length)-HeaderLen)
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		return Frame{}, fmt.Errorf("wire: truncated payload: %w", err)
	}
	return f, nil
}
