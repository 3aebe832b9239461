// Package serial implements the binary primitives used by the wire protocol:
// fixed-width little-endian integers and "vstr" strings (uvarint length,
// bytes, NUL terminator).
package serial

import (
	"encoding/binary"
	"fmt"
	"math"
)

// MaxVStrLen bounds a decoded string so a corrupt length can't force a huge allocation.
const MaxVStrLen = 1 << 16

type EncodeError struct {
	Message string
}

func (e *EncodeError) Error() string {
	return e.Message
}

type DecodeError struct {
	Message string
}

func (e *DecodeError) Error() string {
	return e.Message
}

func AppendI32(buf []byte, v int32) []byte {
	return binary.LittleEndian.AppendUint32(buf, uint32(v))
}

func AppendU32(buf []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(buf, v)
}

func AppendI64(buf []byte, v int64) []byte {
	return binary.LittleEndian.AppendUint64(buf, uint64(v))
}

func AppendU64(buf []byte, v uint64) []byte {
	return binary.LittleEndian.AppendUint64(buf, v)
}

// AppendVStr writes s as uvarint(len) || s || 0.
func AppendVStr(buf []byte, s string) ([]byte, error) {
	if len(s) > MaxVStrLen {
		return nil, &EncodeError{Message: fmt.Sprintf("string too long: %d bytes", len(s))}
	}
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	buf = append(buf, s...)
	return append(buf, 0), nil
}

// EncodedLenVStr is the number of bytes AppendVStr writes for s.
func EncodedLenVStr(s string) int {
	var tmp [binary.MaxVarintLen64]byte
	return binary.PutUvarint(tmp[:], uint64(len(s))) + len(s) + 1
}

func DecodeI32(data []byte) (int32, []byte, error) {
	if len(data) < 4 {
		return 0, data, &DecodeError{Message: "insufficient data for int32"}
	}
	return int32(binary.LittleEndian.Uint32(data)), data[4:], nil
}

func DecodeU32(data []byte) (uint32, []byte, error) {
	if len(data) < 4 {
		return 0, data, &DecodeError{Message: "insufficient data for uint32"}
	}
	return binary.LittleEndian.Uint32(data), data[4:], nil
}

func DecodeI64(data []byte) (int64, []byte, error) {
	if len(data) < 8 {
		return 0, data, &DecodeError{Message: "insufficient data for int64"}
	}
	return int64(binary.LittleEndian.Uint64(data)), data[8:], nil
}

func DecodeU64(data []byte) (uint64, []byte, error) {
	if len(data) < 8 {
		return 0, data, &DecodeError{Message: "insufficient data for uint64"}
	}
	return binary.LittleEndian.Uint64(data), data[8:], nil
}

// DecodeVStr reads a string written by AppendVStr and returns the remaining bytes.
func DecodeVStr(data []byte) (string, []byte, error) {
	length, n := binary.Uvarint(data)
	switch {
	case n == 0:
		return "", data, &DecodeError{Message: "insufficient data for string length"}
	case n < 0:
		return "", data, &DecodeError{Message: "malformed string length"}
	case length > MaxVStrLen || length > math.MaxInt32:
		return "", data, &DecodeError{Message: fmt.Sprintf("string length %d exceeds limit", length)}
	}

	rest := data[n:]
	if uint64(len(rest)) < length+1 {
		return "", data, &DecodeError{Message: "insufficient data for string content"}
	}
	if rest[length] != 0 {
		return "", data, &DecodeError{Message: "string is not NUL terminated"}
	}
	return string(rest[:length]), rest[length+1:], nil
}
