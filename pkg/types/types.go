package types

// Key is a byte slice type alias used for clarity.
type Key = []byte

// Value is a byte slice type alias used for clarity.
type Value = []byte

// SeqN is a monotonically increasing sequence number that establishes the
// total order of WAL records.
type SeqN = uint64

// PageID identifies a fixed-size page by its position in the data file
// (byte offset divided by page size).
type PageID = uint64
