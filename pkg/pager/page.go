package pager

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"pagedb/pkg/dberrors"
	"pagedb/pkg/types"
)

// DefaultPageSize is the page size used when the config does not override it.
const DefaultPageSize = 4096

// On-disk page layout, little-endian:
//
//	[page_crc32 u32][last_seq u64][slot_count u16][pad u16]
//	[slot directory: slot_count x u16 entry offsets]
//	[free space]
//	[entries, growing backward from the end of the page]
//
// Entry: [flags u8][key_len u32][value_len u32][key][value].
// The CRC covers every byte after the checksum field.
const (
	headerSize      = 16
	slotSize        = 2
	entryHeaderSize = 9

	flagTombstone = 0x01
)

// Entry is one key-value record inside a page. A tombstone entry retains
// its key and carries no value.
type Entry struct {
	Flags byte
	Key   types.Key
	Value types.Value
}

func (e Entry) Tombstone() bool {
	return e.Flags&flagTombstone != 0
}

func (e Entry) size() int {
	return entryHeaderSize + len(e.Key) + len(e.Value)
}

// EntrySize reports the on-page footprint of a key-value pair.
func EntrySize(key, value []byte) int {
	return entryHeaderSize + len(key) + len(value)
}

// MaxEntrySize is the largest entry footprint (header, key and value) a
// single page of the given size can hold. Entries beyond this are
// rejected: values never span pages.
func MaxEntrySize(pageSize int) int {
	return pageSize - headerSize - slotSize
}

// Page is the in-memory form of one fixed-size storage unit. Slots are
// identified by index; the slot directory with byte offsets exists only in
// the rendered on-disk image, which keeps the layout canonical: entries are
// always packed back-to-front in slot order with no dead space.
type Page struct {
	ID      types.PageID
	LastSeq types.SeqN
	size    int
	entries []Entry
}

// NewPage returns an empty page.
func NewPage(id types.PageID, size int) *Page {
	return &Page{ID: id, size: size}
}

// ParsePage decodes and verifies a raw page image. A checksum mismatch is
// a torn write or bit rot: reported as corruption, never repaired.
func ParsePage(id types.PageID, buf []byte) (*Page, error) {
	if len(buf) < headerSize {
		return nil, fmt.Errorf("page %d: short image (%d bytes): %w", id, len(buf), dberrors.ErrCorruption)
	}

	want := binary.LittleEndian.Uint32(buf[0:4])
	if got := crc32.ChecksumIEEE(buf[4:]); got != want {
		return nil, fmt.Errorf("page %d: checksum mismatch (stored %08x, computed %08x): %w",
			id, want, got, dberrors.ErrCorruption)
	}

	p := &Page{
		ID:      id,
		LastSeq: binary.LittleEndian.Uint64(buf[4:12]),
		size:    len(buf),
	}
	slotCount := int(binary.LittleEndian.Uint16(buf[12:14]))

	for i := 0; i < slotCount; i++ {
		off := int(binary.LittleEndian.Uint16(buf[headerSize+i*slotSize:]))
		if off < headerSize || off+entryHeaderSize > len(buf) {
			return nil, fmt.Errorf("page %d: slot %d offset out of range: %w", id, i, dberrors.ErrCorruption)
		}
		flags := buf[off]
		keyLen := int(binary.LittleEndian.Uint32(buf[off+1:]))
		valueLen := int(binary.LittleEndian.Uint32(buf[off+5:]))
		if off+entryHeaderSize+keyLen+valueLen > len(buf) {
			return nil, fmt.Errorf("page %d: slot %d entry out of range: %w", id, i, dberrors.ErrCorruption)
		}
		key := make([]byte, keyLen)
		copy(key, buf[off+entryHeaderSize:])
		value := make([]byte, valueLen)
		copy(value, buf[off+entryHeaderSize+keyLen:])
		p.entries = append(p.entries, Entry{Flags: flags, Key: key, Value: value})
	}

	return p, nil
}

// Render produces the page's canonical on-disk image with a fresh checksum.
func (p *Page) Render() []byte {
	buf := make([]byte, p.size)
	binary.LittleEndian.PutUint64(buf[4:12], p.LastSeq)
	binary.LittleEndian.PutUint16(buf[12:14], uint16(len(p.entries)))

	entryOff := p.size
	for i, e := range p.entries {
		entryOff -= e.size()
		binary.LittleEndian.PutUint16(buf[headerSize+i*slotSize:], uint16(entryOff))
		buf[entryOff] = e.Flags
		binary.LittleEndian.PutUint32(buf[entryOff+1:], uint32(len(e.Key)))
		binary.LittleEndian.PutUint32(buf[entryOff+5:], uint32(len(e.Value)))
		copy(buf[entryOff+entryHeaderSize:], e.Key)
		copy(buf[entryOff+entryHeaderSize+len(e.Key):], e.Value)
	}

	binary.LittleEndian.PutUint32(buf[0:4], crc32.ChecksumIEEE(buf[4:]))
	return buf
}

// SlotCount returns the number of slots, live and tombstoned.
func (p *Page) SlotCount() int {
	return len(p.entries)
}

// Entry returns the entry at the given slot.
func (p *Page) Entry(slot int) (Entry, error) {
	if slot < 0 || slot >= len(p.entries) {
		return Entry{}, fmt.Errorf("page %d: slot %d out of range: %w", p.ID, slot, dberrors.ErrCorruption)
	}
	return p.entries[slot], nil
}

// FindKey returns the slot holding the given key, tombstoned or not.
func (p *Page) FindKey(key []byte) (int, bool) {
	for i, e := range p.entries {
		if bytes.Equal(e.Key, key) {
			return i, true
		}
	}
	return 0, false
}

// FreeSpace reports the bytes available between the slot directory and the
// entry heap.
func (p *Page) FreeSpace() int {
	used := headerSize + len(p.entries)*slotSize
	for _, e := range p.entries {
		used += e.size()
	}
	return p.size - used
}

// FitsInsert reports whether a new entry of the given size can be added.
func (p *Page) FitsInsert(entrySize int) bool {
	return p.FreeSpace() >= slotSize+entrySize
}

// FitsUpdate reports whether slot's entry can be replaced by one of the
// given size; the old entry's footprint is reclaimed by the replacement.
func (p *Page) FitsUpdate(slot, entrySize int) bool {
	return p.FreeSpace()+p.entries[slot].size() >= entrySize
}

// Insert appends a new slot and returns its index. The caller must have
// checked FitsInsert.
func (p *Page) Insert(e Entry) int {
	p.entries = append(p.entries, cloneEntry(e))
	return len(p.entries) - 1
}

// Update replaces the entry at slot in place. The caller must have checked
// FitsUpdate. Slot indices are stable across updates, so index locations
// stay valid.
func (p *Page) Update(slot int, e Entry) {
	p.entries[slot] = cloneEntry(e)
}

// MarkTombstone rewrites the slot's entry as a tombstone retaining the key.
// A tombstone is never larger than the entry it replaces.
func (p *Page) MarkTombstone(slot int) {
	p.entries[slot] = Entry{Flags: flagTombstone, Key: p.entries[slot].Key}
}

func cloneEntry(e Entry) Entry {
	c := Entry{Flags: e.Flags}
	c.Key = append([]byte(nil), e.Key...)
	if len(e.Value) > 0 {
		c.Value = append([]byte(nil), e.Value...)
	}
	return c
}
