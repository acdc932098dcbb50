package snapshot

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"pagedb/pkg/compression"
	"pagedb/pkg/engine"
)

// A snapshot is a point-in-time dump of the store's live key-value state:
// a magic header followed by a zstd stream of length-framed pairs
// [key_len u32][key][value_len u32][value]. It is a convenience for
// backup and seeding; the WAL and page files remain the durable state.

var magicHeader = []byte("PDBSNAP1")

// Export streams every live key-value pair of the engine into w and
// returns the number of pairs written.
func Export(e *engine.Engine, w io.Writer) (int, error) {
	if _, err := w.Write(magicHeader); err != nil {
		return 0, fmt.Errorf("failed to write snapshot header: %w", err)
	}

	pr, pw := io.Pipe()
	defer pr.Close()

	countCh := make(chan int, 1)
	go func() {
		n, err := writeEntries(e, pw)
		countCh <- n
		pw.CloseWithError(err)
	}()

	if _, err := compression.CompressZstd(pr, w); err != nil {
		return 0, fmt.Errorf("failed to compress snapshot: %w", err)
	}
	return <-countCh, nil
}

func writeEntries(e *engine.Engine, w io.Writer) (int, error) {
	bw := bufio.NewWriter(w)
	count := 0

	err := e.ForEach(func(key, value []byte) error {
		var lenb [4]byte
		binary.LittleEndian.PutUint32(lenb[:], uint32(len(key)))
		if _, err := bw.Write(lenb[:]); err != nil {
			return err
		}
		if _, err := bw.Write(key); err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(lenb[:], uint32(len(value)))
		if _, err := bw.Write(lenb[:]); err != nil {
			return err
		}
		if _, err := bw.Write(value); err != nil {
			return err
		}
		count++
		return nil
	})
	if err != nil {
		return count, err
	}
	return count, bw.Flush()
}

// Import replays a snapshot stream into the engine through ordinary Puts,
// so every imported pair is WAL-logged and durable. Returns the number of
// pairs applied.
func Import(e *engine.Engine, r io.Reader) (int, error) {
	header := make([]byte, len(magicHeader))
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, fmt.Errorf("failed to read snapshot header: %w", err)
	}
	if !bytes.Equal(header, magicHeader) {
		return 0, fmt.Errorf("not a pagedb snapshot (bad magic %q)", header)
	}

	pr, pw := io.Pipe()
	defer pr.Close()
	go func() {
		_, err := compression.DecompressZstd(r, pw)
		pw.CloseWithError(err)
	}()

	br := bufio.NewReader(pr)
	count := 0
	for {
		key, err := readChunk(br)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return count, nil
			}
			return count, fmt.Errorf("failed to read snapshot key: %w", err)
		}
		value, err := readChunk(br)
		if err != nil {
			return count, fmt.Errorf("failed to read snapshot value for %q: %w", key, err)
		}
		if err := e.Put(key, value); err != nil {
			return count, err
		}
		count++
	}
}

func readChunk(r *bufio.Reader) ([]byte, error) {
	var lenb [4]byte
	if _, err := io.ReadFull(r, lenb[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenb[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}

// ExportFile writes a snapshot to path, going through a temp file and a
// rename so a partial export never looks like a valid snapshot.
func ExportFile(e *engine.Engine, path string) (int, error) {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return 0, fmt.Errorf("failed to create snapshot file: %w", err)
	}

	n, err := Export(e, f)
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return 0, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to sync snapshot file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to close snapshot file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to finalize snapshot file: %w", err)
	}
	return n, nil
}

// ImportFile loads a snapshot file into the engine.
func ImportFile(e *engine.Engine, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open snapshot file: %w", err)
	}
	defer f.Close()

	return Import(e, f)
}
