package wire

import (
	"fmt"
	"time"

	"rangemaster/pkg/encoding/serial"
	"rangemaster/pkg/mastererr"
	"rangemaster/pkg/registry"
)

// RegisterResult is the decoded OK response of RegisterServer.
type RegisterResult struct {
	ServerID   uint64
	Generation uint64
	Lease      time.Duration
}

// EncodeRegisterRequest builds the RegisterServer payload: vstr location.
func EncodeRegisterRequest(location string) ([]byte, error) {
	return serial.AppendVStr(make([]byte, 0, serial.EncodedLenVStr(location)), location)
}

// DecodeRegisterRequest fails with a *serial.DecodeError on a malformed
// payload. Trailing bytes are ignored.
func DecodeRegisterRequest(payload []byte) (string, error) {
	location, _, err := serial.DecodeVStr(payload)
	return location, err
}

// encodeRegisterOK: i32 code | u64 server id | u64 generation | i64 lease ms.
func encodeRegisterOK(reg registry.Registration) []byte {
	buf := make([]byte, 0, 28)
	buf = serial.AppendI32(buf, mastererr.OK.Code())
	buf = serial.AppendU64(buf, reg.ServerID)
	buf = serial.AppendU64(buf, reg.Generation)
	return serial.AppendI64(buf, reg.Lease.Milliseconds())
}

// encodeError: i32 code | vstr message.
func encodeError(kind mastererr.Kind, msg string) []byte {
	buf := serial.AppendI32(make([]byte, 0, 8+len(msg)), kind.Code())
	out, err := serial.AppendVStr(buf, msg)
	if err != nil {
		out, _ = serial.AppendVStr(buf, msg[:serial.MaxVStrLen])
	}
	return out
}

// DecodeRegisterResponse returns the result, or the master's error as a
// *mastererr.Error.
func DecodeRegisterResponse(payload []byte) (RegisterResult, error) {
	code, rest, err := serial.DecodeI32(payload)
	if err != nil {
		return RegisterResult{}, err
	}

	if kind := mastererr.FromCode(code); code != mastererr.OK.Code() {
		msg, _, err := serial.DecodeVStr(rest)
		if err != nil {
			return RegisterResult{}, fmt.Errorf("decode error response: %w", err)
		}
		return RegisterResult{}, mastererr.New(kind, "%s", msg)
	}

	var (
		res     RegisterResult
		leaseMS int64
	)
	if res.ServerID, rest, err = serial.DecodeU64(rest); err != nil {
		return RegisterResult{}, err
	}
	if res.Generation, rest, err = serial.DecodeU64(rest); err != nil {
		return RegisterResult{}, err
	}
	if leaseMS, _, err = serial.DecodeI64(rest); err != nil {
		return RegisterResult{}, err
	}
	res.Lease = time.Duration(leaseMS) * time.Millisecond
	return res, nil
}
