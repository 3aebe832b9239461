package metadata

import (
	"fmt"
	"time"

	"rangemaster/pkg/encoding/serial"
	"rangemaster/pkg/registry"
)

const recordVersion = 1

// encodeRecord lays out a record as
// u32 version | vstr location | u64 id | vstr addr | u32 state |
// i64 lease | u64 generation | i64 registered | i64 updated.
// Times are unix nanoseconds, zero time is 0.
func encodeRecord(rec registry.ServerRecord) ([]byte, error) {
	buf := make([]byte, 0, 64+serial.EncodedLenVStr(rec.Location)+serial.EncodedLenVStr(rec.Address))
	buf = serial.AppendU32(buf, recordVersion)

	var err error
	if buf, err = serial.AppendVStr(buf, rec.Location); err != nil {
		return nil, err
	}
	buf = serial.AppendU64(buf, rec.ServerID)
	if buf, err = serial.AppendVStr(buf, rec.Address); err != nil {
		return nil, err
	}
	buf = serial.AppendU32(buf, uint32(rec.State))
	buf = serial.AppendI64(buf, unixNano(rec.LeaseExpiresAt))
	buf = serial.AppendU64(buf, rec.Generation)
	buf = serial.AppendI64(buf, unixNano(rec.RegisteredAt))
	buf = serial.AppendI64(buf, unixNano(rec.UpdatedAt))
	return buf, nil
}

func decodeRecord(data []byte) (registry.ServerRecord, error) {
	var (
		rec   registry.ServerRecord
		err   error
		ver   uint32
		state uint32
		lease int64
		reg   int64
		upd   int64
	)

	if ver, data, err = serial.DecodeU32(data); err != nil {
		return rec, err
	}
	if ver != recordVersion {
		return rec, fmt.Errorf("metadata: unsupported record version %d", ver)
	}
	if rec.Location, data, err = serial.DecodeVStr(data); err != nil {
		return rec, err
	}
	if rec.ServerID, data, err = serial.DecodeU64(data); err != nil {
		return rec, err
	}
	if rec.Address, data, err = serial.DecodeVStr(data); err != nil {
		return rec, err
	}
	if state, data, err = serial.DecodeU32(data); err != nil {
		return rec, err
	}
	if lease, data, err = serial.DecodeI64(data); err != nil {
		return rec, err
	}
	if rec.Generation, data, err = serial.DecodeU64(data); err != nil {
		return rec, err
	}
	if reg, data, err = serial.DecodeI64(data); err != nil {
		return rec, err
	}
	if upd, data, err = serial.DecodeI64(data); err != nil {
		return rec, err
	}
	if len(data) != 0 {
		return rec, fmt.Errorf("metadata: %d trailing bytes after record", len(data))
	}

	rec.State = registry.State(state)
	rec.LeaseExpiresAt = fromUnixNano(lease)
	rec.RegisteredAt = fromUnixNano(reg)
	rec.UpdatedAt = fromUnixNano(upd)
	return rec, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
