package pager

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"pagedb/pkg/dberrors"
	"pagedb/pkg/wal"
)

func openPager(t *testing.T, dir string, pageSize int) *Pager {
	t.Helper()
	p, err := Open(dir, pageSize)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func mustApply(t *testing.T, p *Pager, rec wal.Record) Location {
	t.Helper()
	loc, err := p.Apply(rec)
	if err != nil {
		t.Fatalf("Apply(%q seq=%d) failed: %v", rec.Key, rec.Seq, err)
	}
	return loc
}

func readEntryAt(t *testing.T, p *Pager, loc Location) Entry {
	t.Helper()
	pg, err := p.ReadPage(loc.Page)
	if err != nil {
		t.Fatalf("ReadPage(%d) failed: %v", loc.Page, err)
	}
	e, err := pg.Entry(loc.Slot)
	if err != nil {
		t.Fatalf("Entry(%d) failed: %v", loc.Slot, err)
	}
	return e
}

func TestPager_ApplyInsertAndOverwrite(t *testing.T) {
	p := openPager(t, t.TempDir(), 0)

	loc := mustApply(t, p, wal.Record{Seq: 1, Op: wal.OpPut, Key: []byte("k"), Value: []byte("v1")})
	if e := readEntryAt(t, p, loc); !bytes.Equal(e.Value, []byte("v1")) {
		t.Fatalf("Expected v1, got %q", e.Value)
	}

	loc2 := mustApply(t, p, wal.Record{Seq: 2, Op: wal.OpPut, Key: []byte("k"), Value: []byte("v2")})
	if loc2 != loc {
		t.Fatalf("Same-size overwrite should stay in place: %+v vs %+v", loc2, loc)
	}
	if e := readEntryAt(t, p, loc2); !bytes.Equal(e.Value, []byte("v2")) {
		t.Fatalf("Expected v2, got %q", e.Value)
	}
}

func TestPager_ApplyDelete(t *testing.T) {
	p := openPager(t, t.TempDir(), 0)

	mustApply(t, p, wal.Record{Seq: 1, Op: wal.OpPut, Key: []byte("k"), Value: []byte("v")})
	loc := mustApply(t, p, wal.Record{Seq: 2, Op: wal.OpDelete, Key: []byte("k")})

	e := readEntryAt(t, p, loc)
	if !e.Tombstone() {
		t.Fatal("Expected tombstone after delete")
	}
	if !bytes.Equal(e.Key, []byte("k")) {
		t.Fatalf("Tombstone should retain key, got %q", e.Key)
	}
}

func TestPager_ApplyIdempotent(t *testing.T) {
	p := openPager(t, t.TempDir(), 0)

	rec := wal.Record{Seq: 1, Op: wal.OpPut, Key: []byte("k"), Value: []byte("v")}
	loc := mustApply(t, p, rec)

	pgBefore, err := p.ReadPage(loc.Page)
	if err != nil {
		t.Fatalf("ReadPage failed: %v", err)
	}
	imgBefore := pgBefore.Render()

	// Replaying the same record must change nothing.
	loc2 := mustApply(t, p, rec)
	if loc2 != loc {
		t.Fatalf("Idempotent re-apply moved the entry: %+v vs %+v", loc2, loc)
	}
	pgAfter, err := p.ReadPage(loc.Page)
	if err != nil {
		t.Fatalf("ReadPage failed: %v", err)
	}
	if !bytes.Equal(imgBefore, pgAfter.Render()) {
		t.Fatal("Idempotent re-apply changed the page image")
	}
}

func TestPager_MigrationOnGrowth(t *testing.T) {
	// Small pages force the grown entry out of its page.
	const pageSize = 128
	p := openPager(t, t.TempDir(), pageSize)

	small := make([]byte, 40)
	mustApply(t, p, wal.Record{Seq: 1, Op: wal.OpPut, Key: []byte("a"), Value: small})
	mustApply(t, p, wal.Record{Seq: 2, Op: wal.OpPut, Key: []byte("b"), Value: small})

	// Growing "a" beyond its page's free space must leave a tombstone
	// behind and place the live copy elsewhere.
	grown := make([]byte, 80)
	loc := mustApply(t, p, wal.Record{Seq: 3, Op: wal.OpPut, Key: []byte("a"), Value: grown})
	if loc.Page == 0 {
		t.Fatalf("Expected migration off page 0, got %+v", loc)
	}
	if e := readEntryAt(t, p, loc); e.Tombstone() || len(e.Value) != 80 {
		t.Fatalf("Live copy wrong after migration: %+v", e)
	}

	pg0, err := p.ReadPage(0)
	if err != nil {
		t.Fatalf("ReadPage(0) failed: %v", err)
	}
	slot, ok := pg0.FindKey([]byte("a"))
	if !ok {
		t.Fatal("Expected tombstone for 'a' left on page 0")
	}
	e, err := pg0.Entry(slot)
	if err != nil {
		t.Fatalf("Entry failed: %v", err)
	}
	if !e.Tombstone() {
		t.Fatal("Expected old copy of 'a' to be a tombstone")
	}

	// The resident map must track the live copy.
	got, ok := p.Resident([]byte("a"))
	if !ok || got != loc {
		t.Fatalf("Resident mismatch: got %+v ok=%v, want %+v", got, ok, loc)
	}
}

func TestPager_ResidentRebuiltOnOpen(t *testing.T) {
	const pageSize = 128
	dir := t.TempDir()

	p, err := Open(dir, pageSize)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	small := make([]byte, 40)
	mustApply(t, p, wal.Record{Seq: 1, Op: wal.OpPut, Key: []byte("a"), Value: small})
	mustApply(t, p, wal.Record{Seq: 2, Op: wal.OpPut, Key: []byte("b"), Value: small})
	grown := make([]byte, 80)
	want := mustApply(t, p, wal.Record{Seq: 3, Op: wal.OpPut, Key: []byte("a"), Value: grown})
	if err := p.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// After reopen both a tombstone copy and a live copy of "a" exist on
	// disk; the live one must win.
	p2 := openPager(t, dir, pageSize)
	got, ok := p2.Resident([]byte("a"))
	if !ok || got != want {
		t.Fatalf("Resident after reopen: got %+v ok=%v, want %+v", got, ok, want)
	}
	if e := readEntryAt(t, p2, got); e.Tombstone() || len(e.Value) != 80 {
		t.Fatalf("Expected live grown copy, got %+v", e)
	}
}

func TestPager_EntryTooLarge(t *testing.T) {
	const pageSize = 128
	p := openPager(t, t.TempDir(), pageSize)

	huge := make([]byte, pageSize)
	_, err := p.Apply(wal.Record{Seq: 1, Op: wal.OpPut, Key: []byte("k"), Value: huge})
	if !errors.Is(err, dberrors.ErrEntryTooLarge) {
		t.Fatalf("Expected ErrEntryTooLarge, got %v", err)
	}
}

func TestPager_CorruptPageFailsOpen(t *testing.T) {
	dir := t.TempDir()

	p, err := Open(dir, 0)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	mustApply(t, p, wal.Record{Seq: 1, Op: wal.OpPut, Key: []byte("k"), Value: []byte("v")})
	if err := p.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	path := filepath.Join(dir, dataFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	data[len(data)-1] ^= 0xFF
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	if _, err := Open(dir, 0); !errors.Is(err, dberrors.ErrCorruption) {
		t.Fatalf("Expected ErrCorruption, got %v", err)
	}
}

func TestPager_TornTrailingPageTruncated(t *testing.T) {
	dir := t.TempDir()

	p, err := Open(dir, 0)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	mustApply(t, p, wal.Record{Seq: 1, Op: wal.OpPut, Key: []byte("k"), Value: []byte("v")})
	if err := p.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Simulate a crash mid-append of a brand-new page.
	path := filepath.Join(dir, dataFileName)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	if _, err := f.Write(make([]byte, 100)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	p2 := openPager(t, dir, 0)
	if got := p2.PageCount(); got != 1 {
		t.Fatalf("Expected 1 page after torn tail truncation, got %d", got)
	}
	loc, ok := p2.Resident([]byte("k"))
	if !ok {
		t.Fatal("Expected 'k' resident after reopen")
	}
	if e := readEntryAt(t, p2, loc); !bytes.Equal(e.Value, []byte("v")) {
		t.Fatalf("Expected value 'v', got %q", e.Value)
	}
}

func TestPager_PlaceIsFirstFit(t *testing.T) {
	const pageSize = 128
	p := openPager(t, t.TempDir(), pageSize)

	// Fill page 0, spill to page 1, then delete on page 0 to reopen space.
	small := make([]byte, 40)
	mustApply(t, p, wal.Record{Seq: 1, Op: wal.OpPut, Key: []byte("a"), Value: small})
	mustApply(t, p, wal.Record{Seq: 2, Op: wal.OpPut, Key: []byte("b"), Value: small})
	locC := mustApply(t, p, wal.Record{Seq: 3, Op: wal.OpPut, Key: []byte("c"), Value: small})
	if locC.Page != 1 {
		t.Fatalf("Expected 'c' to spill to page 1, got %+v", locC)
	}

	mustApply(t, p, wal.Record{Seq: 4, Op: wal.OpDelete, Key: []byte("a")})

	locD := mustApply(t, p, wal.Record{Seq: 5, Op: wal.OpPut, Key: []byte("d"), Value: []byte("tiny")})
	if locD.Page != 0 {
		t.Fatalf("Expected 'd' to land on page 0 (first fit), got %+v", locD)
	}
	if got := p.PageCount(); got != 2 {
		t.Fatalf("Expected 2 pages, got %d", got)
	}
}
