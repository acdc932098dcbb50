package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"

	"pagedb/pkg/clock"
	"pagedb/pkg/types"
)

const fileName = "wal.log"

// Frame layout, little-endian:
//
//	[record_len u32][seq u64][op u8][key_len u32][key][value_len u32][value][crc32 u32]
//
// record_len counts every byte after the length prefix, CRC included.
// The CRC covers the length prefix and everything up to itself.
const (
	lenPrefixSize = 4
	// seq + op + key_len + value_len + crc
	fixedBodySize = 8 + 1 + 4 + 4 + 4
)

// Op tags a WAL record as a put or a delete.
type Op uint8

const (
	OpPut Op = iota
	OpDelete
)

// Record is a single entry in the write-ahead log.
type Record struct {
	Seq   types.SeqN
	Op    Op
	Key   types.Key
	Value types.Value
}

// WAL implements durable write-ahead logging: records are framed,
// checksummed, and fsynced before Append returns.
type WAL struct {
	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	filePath string
	seq      *clock.AtomicClock
}

// New opens (or creates) the WAL in dir. Existing frames are scanned to
// resume sequence numbering; a torn tail frame left by a crash mid-append
// is truncated away so that later appends land on a valid boundary.
func New(dir string) (*WAL, error) {
	if dir == "" {
		return nil, fmt.Errorf("empty WAL dir")
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	filePath := filepath.Join(dir, fileName)
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	w := &WAL{
		file:     file,
		writer:   bufio.NewWriter(file),
		filePath: filePath,
	}

	lastSeq, validSize, err := w.scanTail()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to scan WAL: %w", err)
	}
	w.seq = clock.NewAtomic(lastSeq)

	if stat, err := file.Stat(); err == nil && stat.Size() > validSize {
		slog.Warn("truncating torn WAL tail",
			"path", filePath, "size", stat.Size(), "valid", validSize)
		if err := file.Truncate(validSize); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to truncate torn WAL tail: %w", err)
		}
	}

	return w, nil
}

// Append assigns the next sequence number to the operation, writes the
// frame, and syncs it to stable storage before returning. The returned
// record carries the assigned sequence. On error the mutation is not
// durable and must not be applied to the page store.
func (w *WAL) Append(op Op, key, value []byte) (Record, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer == nil {
		return Record{}, fmt.Errorf("WAL is closed")
	}

	rec := Record{Seq: w.seq.Next(), Op: op, Key: key, Value: value}

	frame, err := encodeFrame(rec)
	if err != nil {
		return Record{}, err
	}
	if _, err := w.writer.Write(frame); err != nil {
		return Record{}, fmt.Errorf("failed to write WAL frame: %w", err)
	}
	if err := w.writer.Flush(); err != nil {
		return Record{}, fmt.Errorf("failed to flush WAL: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return Record{}, fmt.Errorf("failed to sync WAL: %w", err)
	}

	return rec, nil
}

// Replay reads frames from the start of the log in append order and passes
// each record to the callback. A truncated or checksum-failing tail frame
// is the expected signature of a crash mid-append: it is dropped silently
// and replay ends cleanly.
func (w *WAL) Replay(callback func(Record) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer != nil {
		if err := w.writer.Flush(); err != nil {
			return fmt.Errorf("failed to flush WAL before replay: %w", err)
		}
	}

	file, err := os.Open(w.filePath)
	if err != nil {
		return fmt.Errorf("failed to open WAL for reading: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			slog.Warn("failed to close WAL read file", "error", cerr)
		}
	}()

	reader := bufio.NewReader(file)
	for {
		rec, err := readFrame(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if errors.Is(err, errTornFrame) {
				slog.Warn("dropping torn WAL tail frame", "path", w.filePath)
				return nil
			}
			return fmt.Errorf("failed to read WAL frame: %w", err)
		}
		if err := callback(rec); err != nil {
			return fmt.Errorf("WAL replay callback failed: %w", err)
		}
	}
}

// LastSeq returns the sequence number of the most recently appended record,
// or zero if the log is empty.
func (w *WAL) LastSeq() types.SeqN {
	return w.seq.Val()
}

func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer != nil {
		if err := w.writer.Flush(); err != nil {
			return fmt.Errorf("failed to flush WAL on close: %w", err)
		}
		w.writer = nil
	}
	if w.file != nil {
		if err := w.file.Close(); err != nil {
			return fmt.Errorf("failed to close WAL file: %w", err)
		}
		w.file = nil
	}
	return nil
}

// errTornFrame marks a frame that ends early or fails its checksum. A torn
// frame can only originate from a crash mid-append, so it is never an error
// for the records before it.
var errTornFrame = errors.New("torn WAL frame")

func encodeFrame(rec Record) ([]byte, error) {
	if len(rec.Key) > math.MaxUint32 {
		return nil, fmt.Errorf("key too large: %d", len(rec.Key))
	}
	if len(rec.Value) > math.MaxUint32 {
		return nil, fmt.Errorf("value too large: %d", len(rec.Value))
	}

	bodyLen := fixedBodySize + len(rec.Key) + len(rec.Value)
	buf := make([]byte, lenPrefixSize+bodyLen)

	binary.LittleEndian.PutUint32(buf[0:4], uint32(bodyLen))
	binary.LittleEndian.PutUint64(buf[4:12], rec.Seq)
	buf[12] = byte(rec.Op)
	off := 13
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(rec.Key)))
	off += 4
	copy(buf[off:], rec.Key)
	off += len(rec.Key)
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(rec.Value)))
	off += 4
	copy(buf[off:], rec.Value)
	off += len(rec.Value)

	crc := crc32.ChecksumIEEE(buf[:off])
	binary.LittleEndian.PutUint32(buf[off:], crc)

	return buf, nil
}

func readFrame(reader *bufio.Reader) (Record, error) {
	var lenb [lenPrefixSize]byte
	if _, err := io.ReadFull(reader, lenb[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		return Record{}, errTornFrame
	}
	bodyLen := binary.LittleEndian.Uint32(lenb[:])
	if bodyLen < fixedBodySize || bodyLen > math.MaxInt32 {
		// garbage length field: crash landed inside the prefix
		return Record{}, errTornFrame
	}

	buf := make([]byte, lenPrefixSize+int(bodyLen))
	copy(buf, lenb[:])
	if _, err := io.ReadFull(reader, buf[lenPrefixSize:]); err != nil {
		return Record{}, errTornFrame
	}

	crcOff := len(buf) - 4
	want := binary.LittleEndian.Uint32(buf[crcOff:])
	if crc32.ChecksumIEEE(buf[:crcOff]) != want {
		return Record{}, errTornFrame
	}

	var rec Record
	rec.Seq = binary.LittleEndian.Uint64(buf[4:12])
	rec.Op = Op(buf[12])
	off := 13
	keyLen := binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	if off+int(keyLen)+4 > crcOff {
		return Record{}, errTornFrame
	}
	rec.Key = make([]byte, keyLen)
	copy(rec.Key, buf[off:off+int(keyLen)])
	off += int(keyLen)
	valueLen := binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	if off+int(valueLen) != crcOff {
		// length fields disagree with the bytes actually read
		return Record{}, errTornFrame
	}
	rec.Value = make([]byte, valueLen)
	copy(rec.Value, buf[off:off+int(valueLen)])

	return rec, nil
}

// scanTail walks every frame to find the highest sequence number and the
// byte offset where valid data ends.
func (w *WAL) scanTail() (lastSeq types.SeqN, validSize int64, err error) {
	file, err := os.Open(w.filePath)
	if err != nil {
		return 0, 0, err
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	for {
		rec, err := readFrame(reader)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, errTornFrame) {
				return lastSeq, validSize, nil
			}
			return 0, 0, err
		}
		if rec.Seq > lastSeq {
			lastSeq = rec.Seq
		}
		validSize += int64(lenPrefixSize + fixedBodySize + len(rec.Key) + len(rec.Value))
	}
}
