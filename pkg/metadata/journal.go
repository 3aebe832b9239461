package metadata

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"

	"rangemaster/pkg/encoding/serial"
	"rangemaster/pkg/registry"
)

const journalFile = "metadata.log"

// journal ops, stored in entry.Op
const (
	opPut uint64 = iota + 1
	opDelete
	opCeiling
)

// entryHeaderLen: seq u64 | op u64 | key len u32 | value len u32.
const entryHeaderLen = 24

// compact on open once dead entries outnumber live ones by this factor
const compactRatio = 4

type entry struct {
	Seq   uint64
	Op    uint64
	Key   []byte
	Value []byte
}

// Journal is a single-node Store: an append-only log of record puts, deletes
// and id ceilings, fsynced on every write and replayed into memory on open.
type Journal struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	path   string
	seq    uint64
	index  *Memory
	log    *slog.Logger

	// size is the end of the last complete entry; a failed append is cut back to it
	size int64
	// broken is set when a failed append could not be cut back
	broken error
}

// OpenJournal replays dir/metadata.log. A torn final entry from a crash is
// cut off; any other corruption is an error.
func OpenJournal(dir string, log *slog.Logger) (*Journal, error) {
	if log == nil {
		log = slog.Default()
	}
	if dir == "" {
		return nil, fmt.Errorf("empty journal dir")
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	j := &Journal{
		path:  filepath.Join(dir, journalFile),
		index: NewMemory(),
		log:   log.With("component", "journal"),
	}

	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	entries, err := j.replay(file)
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	if j.size, err = file.Seek(0, io.SeekEnd); err != nil {
		_ = file.Close()
		return nil, err
	}
	j.file = file
	j.writer = bufio.NewWriter(file)

	live := len(j.index.records) + 1
	if entries > compactRatio*live {
		if err := j.compact(); err != nil {
			_ = j.Close()
			return nil, fmt.Errorf("compact journal: %w", err)
		}
		j.log.Info("journal compacted", "entries", entries, "live", live)
	}
	return j, nil
}

// replay applies every complete entry and returns how many it read.
func (j *Journal) replay(file *os.File) (int, error) {
	reader := bufio.NewReader(file)
	var (
		offset int64
		n      int
	)
	for {
		e, size, err := readEntry(reader)
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			j.log.Warn("truncating torn journal tail", "offset", offset)
			return n, file.Truncate(offset)
		}
		if err != nil {
			return n, fmt.Errorf("failed to read journal entry at %d: %w", offset, err)
		}
		if err := j.apply(e); err != nil {
			return n, fmt.Errorf("journal entry %d: %w", e.Seq, err)
		}
		j.seq = e.Seq
		offset += size
		n++
	}
}

func (j *Journal) apply(e entry) error {
	switch e.Op {
	case opPut:
		j.index.records[string(e.Key)] = e.Value
	case opDelete:
		delete(j.index.records, string(e.Key))
	case opCeiling:
		ceiling, _, err := serial.DecodeU64(e.Value)
		if err != nil {
			return err
		}
		j.index.ceiling = ceiling
	default:
		return fmt.Errorf("unknown op %d", e.Op)
	}
	return nil
}

// append writes e and waits for it to reach the disk. Caller holds mu.
func (j *Journal) append(op uint64, key string, value []byte) error {
	if j.writer == nil {
		return ErrClosed
	}
	if j.broken != nil {
		return j.broken
	}
	e := entry{Seq: j.seq + 1, Op: op, Key: []byte(key), Value: value}
	if err := writeEntry(j.writer, e); err != nil {
		return j.rollback(fmt.Errorf("failed to write journal entry: %w", err))
	}
	if err := j.writer.Flush(); err != nil {
		return j.rollback(fmt.Errorf("failed to flush journal: %w", err))
	}
	if err := j.file.Sync(); err != nil {
		return j.rollback(fmt.Errorf("failed to sync journal: %w", err))
	}
	j.seq = e.Seq
	j.size += int64(entryHeaderLen + len(e.Key) + len(e.Value))
	return j.apply(e)
}

// rollback cuts a partly written entry off the file so the next append
// starts at an entry boundary. If that fails too, the journal refuses further
// writes; replay on the next open drops the torn tail.
func (j *Journal) rollback(cause error) error {
	err := j.file.Truncate(j.size)
	if err == nil {
		_, err = j.file.Seek(j.size, io.SeekStart)
	}
	if err != nil {
		j.broken = fmt.Errorf("%w: %v", ErrJournalBroken, cause)
		j.log.Error("journal append failed and could not be undone", "offset", j.size, "error", err, "cause", cause)
		return j.broken
	}
	j.writer.Reset(j.file)
	j.log.Warn("journal append rolled back", "offset", j.size, "error", cause)
	return cause
}

// compact rewrites the journal as one put per live record plus the ceiling.
func (j *Journal) compact() error {
	tmpPath := j.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(tmp)

	var seq uint64
	write := func(op uint64, key string, value []byte) error {
		seq++
		return writeEntry(w, entry{Seq: seq, Op: op, Key: []byte(key), Value: value})
	}
	err = write(opCeiling, "", serial.AppendU64(nil, j.index.ceiling))
	for loc, data := range j.index.records {
		if err != nil {
			break
		}
		err = write(opPut, loc, data)
	}
	if err == nil {
		err = w.Flush()
	}
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, j.path); err != nil {
		return err
	}

	_ = j.file.Close()
	file, err := os.OpenFile(j.path, os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		j.file, j.writer = nil, nil
		return err
	}
	size, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		_ = file.Close()
		j.file, j.writer = nil, nil
		return err
	}
	j.file = file
	j.writer = bufio.NewWriter(file)
	j.seq = seq
	j.size = size
	return nil
}

func (j *Journal) LoadRecords(ctx context.Context) ([]registry.ServerRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.writer == nil {
		return nil, ErrClosed
	}
	return j.index.LoadRecords(ctx)
}

func (j *Journal) PutRecord(ctx context.Context, rec registry.ServerRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.append(opPut, rec.Location, data)
}

func (j *Journal) DeleteRecord(ctx context.Context, location string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.index.records[location]; !ok {
		return nil
	}
	return j.append(opDelete, location, nil)
}

func (j *Journal) ReserveIDs(ctx context.Context, n uint64) (uint64, uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	from := j.index.ceiling
	if from > math.MaxUint64-n {
		return 0, 0, fmt.Errorf("server id space exhausted at %d", from)
	}
	if err := j.append(opCeiling, "", serial.AppendU64(nil, from+n)); err != nil {
		return 0, 0, err
	}
	return from, from + n, nil
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.writer != nil {
		if j.broken == nil {
			if err := j.writer.Flush(); err != nil {
				return fmt.Errorf("failed to flush journal on close: %w", err)
			}
		}
		j.writer = nil
	}
	if j.file != nil {
		if err := j.file.Close(); err != nil {
			return fmt.Errorf("failed to close journal file: %w", err)
		}
		j.file = nil
	}
	return nil
}

func writeEntry(w io.Writer, e entry) error {
	if len(e.Key) > math.MaxUint32 {
		return fmt.Errorf("key too large: %d", len(e.Key))
	}
	if len(e.Value) > math.MaxUint32 {
		return fmt.Errorf("value too large: %d", len(e.Value))
	}

	hdr := make([]byte, 0, entryHeaderLen)
	hdr = binary.LittleEndian.AppendUint64(hdr, e.Seq)
	hdr = binary.LittleEndian.AppendUint64(hdr, e.Op)
	hdr = binary.LittleEndian.AppendUint32(hdr, uint32(len(e.Key)))
	hdr = binary.LittleEndian.AppendUint32(hdr, uint32(len(e.Value)))
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	if _, err := w.Write(e.Key); err != nil {
		return err
	}
	_, err := w.Write(e.Value)
	return err
}

// readEntry returns io.EOF only at a clean entry boundary.
func readEntry(r io.Reader) (entry, int64, error) {
	var e entry

	var hdr [entryHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return e, 0, err
	}
	e.Seq = binary.LittleEndian.Uint64(hdr[0:8])
	e.Op = binary.LittleEndian.Uint64(hdr[8:16])
	keyLen := binary.LittleEndian.Uint32(hdr[16:20])
	valueLen := binary.LittleEndian.Uint32(hdr[20:24])
	if keyLen > serial.MaxVStrLen || valueLen > 1<<20 {
		return e, 0, fmt.Errorf("corrupt entry lengths key=%d value=%d", keyLen, valueLen)
	}

	body := make([]byte, int(keyLen)+int(valueLen))
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return e, 0, err
	}
	e.Key = body[:keyLen]
	e.Value = body[keyLen:]
	return e, int64(entryHeaderLen) + int64(len(body)), nil
}
