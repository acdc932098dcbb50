package engine

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"pagedb/pkg/dberrors"
	"pagedb/pkg/index"
	"pagedb/pkg/metrics"
	"pagedb/pkg/pager"
	"pagedb/pkg/types"
	"pagedb/pkg/wal"
)

const identityFileName = "IDENTITY"

// Options configure an engine instance.
type Options struct {
	// Dir is the store directory, holding the WAL file, the page file and
	// the IDENTITY file.
	Dir string
	// PageSize overrides pager.DefaultPageSize when positive.
	PageSize int
	// Metrics receives operation counters. Defaults to the no-op
	// collector; pass metrics.NewCounters() to have Stats expose counts.
	Metrics metrics.Collector
}

// Engine is the key-value façade: it owns the WAL handle, the page-store
// handle and the key index, and orchestrates them into atomic, durable
// operations. Mutations are serialized (single writer); each one completes
// its WAL append-plus-fsync and its page write before returning.
type Engine struct {
	mu       sync.RWMutex
	dir      string
	pageSize int
	wal      *wal.WAL
	pager    *pager.Pager
	idx      *index.Index
	mc       metrics.Collector
	closed   bool
}

// Open runs recovery to completion and returns a ready engine. One engine
// instance per store directory; no other locking discipline is provided.
func Open(opts Options) (*Engine, error) {
	e, rs, err := open(opts)
	if err != nil {
		return nil, err
	}
	slog.Info("engine ready",
		"dir", e.dir,
		"replayed", rs.Replayed,
		"last_seq", rs.LastSeq,
		"pages", rs.Pages,
		"keys", rs.Keys)
	return e, nil
}

// Recover replays the WAL into the page store and reports what was
// restored, then releases the store. Open runs the same path implicitly.
func Recover(opts Options) (RecoveryStats, error) {
	e, rs, err := open(opts)
	if err != nil {
		return RecoveryStats{}, err
	}
	if cerr := e.Close(); cerr != nil {
		return rs, cerr
	}
	return rs, nil
}

func open(opts Options) (*Engine, RecoveryStats, error) {
	if opts.Dir == "" {
		return nil, RecoveryStats{}, fmt.Errorf("empty store dir: %w", dberrors.ErrInvalidArgument)
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = pager.DefaultPageSize
	}
	mc := opts.Metrics
	if mc == nil {
		mc = metrics.Nop{}
	}

	dir := filepath.Clean(opts.Dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, RecoveryStats{}, fmt.Errorf("failed to create store directory: %w", err)
	}
	id, err := ensureIdentity(dir)
	if err != nil {
		return nil, RecoveryStats{}, err
	}

	w, err := wal.New(dir)
	if err != nil {
		return nil, RecoveryStats{}, err
	}
	p, err := pager.Open(dir, pageSize)
	if err != nil {
		w.Close()
		return nil, RecoveryStats{}, err
	}

	e := &Engine{
		dir:      dir,
		pageSize: pageSize,
		wal:      w,
		pager:    p,
		idx:      index.New(),
		mc:       mc,
	}

	rec := &recovery{w: w, p: p, ix: e.idx}
	if err := rec.run(); err != nil {
		w.Close()
		p.Close()
		return nil, RecoveryStats{}, fmt.Errorf("recovery failed: %w", err)
	}
	rs := rec.stats()
	e.mc.IncCounter("recovered_records", uint64(rs.Replayed))

	slog.Debug("store opened", "dir", dir, "store_id", id, "state", rs.State)
	return e, rs, nil
}

// Put durably stores a key-value pair: the WAL record is appended and
// fsynced first, then the page store is updated, then the index. If the
// WAL append fails no page is touched. If the page write fails after a
// successful append the call reports the error, but the WAL record
// survives and is replayed on the next open, so the mutation is still
// eventually durable.
func (e *Engine) Put(key, value []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkMutable(key); err != nil {
		return err
	}
	if pager.EntrySize(key, value) > pager.MaxEntrySize(e.pageSize) {
		return fmt.Errorf("key %q with %d-byte value: %w", key, len(value), dberrors.ErrEntryTooLarge)
	}

	rec, err := e.wal.Append(wal.OpPut, key, value)
	if err != nil {
		return fmt.Errorf("put %q: %w", key, err)
	}
	loc, err := e.pager.Apply(rec)
	if err != nil {
		return fmt.Errorf("put %q logged at %d but not materialized: %w", key, rec.Seq, err)
	}
	e.idx.Put(key, loc)
	e.mc.IncCounter("put", 1)
	return nil
}

// Delete durably removes a key by writing a tombstone. Deleting an absent
// key is not an error; the tombstone still makes the deletion durable.
func (e *Engine) Delete(key []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkMutable(key); err != nil {
		return err
	}

	rec, err := e.wal.Append(wal.OpDelete, key, nil)
	if err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	loc, err := e.pager.Apply(rec)
	if err != nil {
		return fmt.Errorf("delete %q logged at %d but not materialized: %w", key, rec.Seq, err)
	}
	e.idx.Delete(key, loc)
	e.mc.IncCounter("delete", 1)
	return nil
}

// Get looks the key up in the index and reads its page, re-validating the
// page checksum. It never touches the WAL. A missing or tombstoned key
// reports found=false.
func (e *Engine) Get(key []byte) ([]byte, bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return nil, false, dberrors.ErrClosed
	}
	ent, ok := e.idx.Get(key)
	if !ok || ent.Tombstone {
		e.mc.IncCounter("get_miss", 1)
		return nil, false, nil
	}

	value, err := e.readEntry(key, ent.Loc)
	if err != nil {
		return nil, false, err
	}
	e.mc.IncCounter("get", 1)
	return value, true, nil
}

func (e *Engine) readEntry(key []byte, loc pager.Location) ([]byte, error) {
	pg, err := e.pager.ReadPage(loc.Page)
	if err != nil {
		return nil, err
	}
	pe, err := pg.Entry(loc.Slot)
	if err != nil {
		return nil, err
	}
	if pe.Tombstone() || !bytes.Equal(pe.Key, key) {
		return nil, fmt.Errorf("page %d slot %d does not hold key %q: %w",
			loc.Page, loc.Slot, key, dberrors.ErrCorruption)
	}
	return append([]byte(nil), pe.Value...), nil
}

// ForEach visits every live key-value pair in key order. Deleted keys are
// skipped. Pages are re-read (and re-validated) as the iteration goes.
func (e *Engine) ForEach(fn func(key, value []byte) error) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return dberrors.ErrClosed
	}

	var iterErr error
	e.idx.Range(func(key []byte, ent index.Entry) bool {
		if ent.Tombstone {
			return true
		}
		value, err := e.readEntry(key, ent.Loc)
		if err != nil {
			iterErr = err
			return false
		}
		if err := fn(key, value); err != nil {
			iterErr = err
			return false
		}
		return true
	})
	return iterErr
}

// Stats describe the engine's current shape.
type Stats struct {
	Dir      string            `json:"dir"`
	Keys     int               `json:"keys"`
	Live     int               `json:"live"`
	Pages    types.PageID      `json:"pages"`
	LastSeq  types.SeqN        `json:"last_seq"`
	Counters map[string]uint64 `json:"counters,omitempty"`
}

func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	live := 0
	e.idx.Range(func(_ []byte, ent index.Entry) bool {
		if !ent.Tombstone {
			live++
		}
		return true
	})

	st := Stats{
		Dir:     e.dir,
		Keys:    e.idx.Len(),
		Live:    live,
		Pages:   e.pager.PageCount(),
		LastSeq: e.wal.LastSeq(),
	}
	if c, ok := e.mc.(*metrics.Counters); ok {
		st.Counters = c.Snapshot()
	}
	return st
}

// Close flushes and releases both files. The engine is unusable afterwards.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return dberrors.ErrClosed
	}
	e.closed = true

	werr := e.wal.Close()
	perr := e.pager.Close()
	if werr != nil {
		return werr
	}
	return perr
}

func (e *Engine) checkMutable(key []byte) error {
	if e.closed {
		return dberrors.ErrClosed
	}
	if len(key) == 0 {
		return fmt.Errorf("empty key: %w", dberrors.ErrInvalidArgument)
	}
	return nil
}

// ensureIdentity assigns the store directory a stable unique id on first
// open.
func ensureIdentity(dir string) (string, error) {
	path := filepath.Join(dir, identityFileName)
	data, err := os.ReadFile(path)
	if err == nil {
		return strings.TrimSpace(string(data)), nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read identity file: %w", err)
	}

	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id+"\n"), 0600); err != nil {
		return "", fmt.Errorf("failed to write identity file: %w", err)
	}
	return id, nil
}
