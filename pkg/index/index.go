package index

import (
	"bytes"

	"github.com/zhangyunhao116/skipmap"

	"pagedb/pkg/pager"
)

// Entry records where a key's current copy lives and whether it is a
// tombstone.
type Entry struct {
	Loc       pager.Location
	Tombstone bool
}

// Index is the in-memory key index: a derived, rebuildable cache mapping
// each key to its most recent on-page location. It is never persisted;
// recovery rebuilds it from the WAL on every open.
type Index struct {
	m *skipmap.FuncMap[[]byte, Entry]
}

func New() *Index {
	return &Index{
		m: skipmap.NewFunc[[]byte, Entry](func(a, b []byte) bool {
			return bytes.Compare(a, b) < 0
		}),
	}
}

// Put records the location of the key's live copy.
func (ix *Index) Put(key []byte, loc pager.Location) {
	ix.m.Store(append([]byte(nil), key...), Entry{Loc: loc})
}

// Delete records a tombstone for the key at the given location.
func (ix *Index) Delete(key []byte, loc pager.Location) {
	ix.m.Store(append([]byte(nil), key...), Entry{Loc: loc, Tombstone: true})
}

// Get returns the key's index entry. A tombstoned entry means the key was
// deleted, which callers report as not found.
func (ix *Index) Get(key []byte) (Entry, bool) {
	return ix.m.Load(key)
}

// Range visits entries in key order until fn returns false.
func (ix *Index) Range(fn func(key []byte, e Entry) bool) {
	ix.m.Range(fn)
}

// Len counts all entries, tombstones included.
func (ix *Index) Len() int {
	return ix.m.Len()
}
