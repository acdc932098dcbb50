package pager

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"pagedb/pkg/dberrors"
	"pagedb/pkg/types"
	"pagedb/pkg/wal"
)

const dataFileName = "pages.db"

// Location is the physical position of a key's entry.
type Location struct {
	Page types.PageID
	Slot int
}

type pageMeta struct {
	free    int
	lastSeq types.SeqN
}

// Pager is the page store: materialized key-value data at rest in
// fixed-size checksummed pages. Every page read re-validates the checksum;
// every page write recomputes it and syncs before returning.
type Pager struct {
	mu       sync.RWMutex
	file     *os.File
	pageSize int
	count    types.PageID
	meta     []pageMeta
	// resident maps each key to the single page slot holding its current
	// copy (live or tombstone). Rebuilt by scanning all pages at open.
	resident map[string]Location
}

// Open opens (or creates) the data file in dir and scans every page to
// rebuild free-space accounting and the resident key map. A page failing
// its checksum aborts the open: corruption is detected, never repaired.
func Open(dir string, pageSize int) (*Pager, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if MaxEntrySize(pageSize) <= 0 {
		return nil, fmt.Errorf("page size %d too small", pageSize)
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	filePath := filepath.Join(dir, dataFileName)
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open data file: %w", err)
	}

	p := &Pager{
		file:     file,
		pageSize: pageSize,
		resident: make(map[string]Location),
	}
	if err := p.scan(); err != nil {
		file.Close()
		return nil, err
	}
	return p, nil
}

// scan reads every page to build meta and the resident map. A partial
// trailing page is a torn append of a brand-new page: the WAL holds the
// authoritative record, so the tail is dropped and replay re-materializes.
func (p *Pager) scan() error {
	stat, err := p.file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat data file: %w", err)
	}
	size := stat.Size()
	p.count = types.PageID(size / int64(p.pageSize))

	if tail := size % int64(p.pageSize); tail != 0 {
		slog.Warn("truncating torn trailing page",
			"size", size, "pages", p.count)
		if err := p.file.Truncate(size - tail); err != nil {
			return fmt.Errorf("failed to truncate torn trailing page: %w", err)
		}
	}

	p.meta = make([]pageMeta, p.count)
	live := make(map[string]bool)

	buf := make([]byte, p.pageSize)
	for id := types.PageID(0); id < p.count; id++ {
		if _, err := p.file.ReadAt(buf, int64(id)*int64(p.pageSize)); err != nil {
			return fmt.Errorf("failed to read page %d: %w", id, err)
		}
		pg, err := ParsePage(id, buf)
		if err != nil {
			return err
		}
		p.meta[id] = pageMeta{free: pg.FreeSpace(), lastSeq: pg.LastSeq}

		for slot := 0; slot < pg.SlotCount(); slot++ {
			e, err := pg.Entry(slot)
			if err != nil {
				return err
			}
			k := string(e.Key)
			// at most one live copy per key exists; tombstone copies are
			// migration leftovers and only stand in when no live copy does
			if seen, ok := live[k]; !ok || (!e.Tombstone() && !seen) {
				p.resident[k] = Location{Page: id, Slot: slot}
				live[k] = !e.Tombstone()
			}
		}
	}
	return nil
}

// PageCount returns the number of allocated pages.
func (p *Pager) PageCount() types.PageID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.count
}

// Resident returns the location of the key's current on-page copy, if any.
func (p *Pager) Resident(key []byte) (Location, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	loc, ok := p.resident[string(key)]
	return loc, ok
}

// ReadPage reads and verifies one page. Reading past the end of the file
// yields a fresh empty page.
func (p *Pager) ReadPage(id types.PageID) (*Page, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.readPage(id)
}

func (p *Pager) readPage(id types.PageID) (*Page, error) {
	if id >= p.count {
		return NewPage(id, p.pageSize), nil
	}
	buf := make([]byte, p.pageSize)
	if _, err := p.file.ReadAt(buf, int64(id)*int64(p.pageSize)); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to read page %d: %w", id, err)
	}
	return ParsePage(id, buf)
}

// WritePage renders the page with a fresh checksum, writes it at its
// offset, and syncs.
func (p *Pager) WritePage(pg *Page) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writePage(pg)
}

func (p *Pager) writePage(pg *Page) error {
	if _, err := p.file.WriteAt(pg.Render(), int64(pg.ID)*int64(p.pageSize)); err != nil {
		return fmt.Errorf("failed to write page %d: %w", pg.ID, err)
	}
	if err := p.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync data file: %w", err)
	}

	if pg.ID >= p.count {
		for p.count <= pg.ID {
			p.meta = append(p.meta, pageMeta{free: p.pageSize - headerSize})
			p.count++
		}
	}
	p.meta[pg.ID] = pageMeta{free: pg.FreeSpace(), lastSeq: pg.LastSeq}
	return nil
}

// Apply materializes one WAL record: it locates or allocates the page
// holding the key, inserts, overwrites, or tombstones the entry, persists
// the page, and returns the entry's location. Applying a record whose
// effect is already reflected on its page (the page's last applied
// sequence is at or past the record's) writes nothing, which makes replay
// idempotent.
func (p *Pager) Apply(rec wal.Record) (Location, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e := Entry{Key: rec.Key, Value: rec.Value}
	if rec.Op == wal.OpDelete {
		e = Entry{Flags: flagTombstone, Key: rec.Key}
	}
	if e.size() > MaxEntrySize(p.pageSize) {
		return Location{}, fmt.Errorf("entry for key %q is %d bytes: %w",
			rec.Key, e.size(), dberrors.ErrEntryTooLarge)
	}

	loc, ok := p.resident[string(rec.Key)]
	if !ok {
		return p.place(e, rec.Seq)
	}

	pg, err := p.readPage(loc.Page)
	if err != nil {
		return Location{}, err
	}
	cur, err := pg.Entry(loc.Slot)
	if err != nil {
		return Location{}, err
	}

	if pg.LastSeq >= rec.Seq && entryMatches(cur, e) {
		return loc, nil
	}

	if pg.FitsUpdate(loc.Slot, e.size()) {
		pg.Update(loc.Slot, e)
		if rec.Seq > pg.LastSeq {
			pg.LastSeq = rec.Seq
		}
		if err := p.writePage(pg); err != nil {
			return Location{}, err
		}
		return loc, nil
	}

	// no room to grow the entry in its page: leave a tombstone behind,
	// then place the new copy elsewhere. Tombstone-first keeps the live
	// copy unique even if we crash in between.
	pg.MarkTombstone(loc.Slot)
	if rec.Seq > pg.LastSeq {
		pg.LastSeq = rec.Seq
	}
	if err := p.writePage(pg); err != nil {
		return Location{}, err
	}
	return p.place(e, rec.Seq)
}

// place inserts the entry into the first page with room, allocating a new
// page at the end of the file when none fits. The scan order is
// deterministic, which keeps recovery replay reproducible.
func (p *Pager) place(e Entry, seq types.SeqN) (Location, error) {
	need := slotSize + e.size()
	target := p.count
	for id := types.PageID(0); id < p.count; id++ {
		if p.meta[id].free >= need {
			target = id
			break
		}
	}

	pg, err := p.readPage(target)
	if err != nil {
		return Location{}, err
	}
	slot := pg.Insert(e)
	if seq > pg.LastSeq {
		pg.LastSeq = seq
	}
	if err := p.writePage(pg); err != nil {
		return Location{}, err
	}

	loc := Location{Page: target, Slot: slot}
	p.resident[string(e.Key)] = loc
	return loc, nil
}

func entryMatches(cur, want Entry) bool {
	return cur.Flags == want.Flags && bytes.Equal(cur.Value, want.Value)
}

func (p *Pager) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.file == nil {
		return nil
	}
	if err := p.file.Close(); err != nil {
		return fmt.Errorf("failed to close data file: %w", err)
	}
	p.file = nil
	return nil
}
