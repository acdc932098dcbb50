package engine

import (
	"fmt"

	"pagedb/pkg/index"
	"pagedb/pkg/pager"
	"pagedb/pkg/types"
	"pagedb/pkg/wal"
)

// State tracks recovery progress: Closed -> Scanning -> Replaying -> Ready.
type State uint8

const (
	StateClosed State = iota
	StateScanning
	StateReplaying
	StateReady
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateScanning:
		return "scanning"
	case StateReplaying:
		return "replaying"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// RecoveryStats summarizes a completed recovery run.
type RecoveryStats struct {
	Replayed int
	LastSeq  types.SeqN
	Pages    types.PageID
	Keys     int
	State    State
}

// recovery replays the WAL into the page store, rebuilding the key index.
// A torn tail frame never fails recovery (the WAL drops it); a page
// failing its checksum does.
type recovery struct {
	w        *wal.WAL
	p        *pager.Pager
	ix       *index.Index
	state    State
	replayed int
}

func (r *recovery) run() error {
	r.state = StateScanning

	err := r.w.Replay(func(rec wal.Record) error {
		r.state = StateReplaying

		loc, err := r.p.Apply(rec)
		if err != nil {
			return fmt.Errorf("replay of record %d failed: %w", rec.Seq, err)
		}
		if rec.Op == wal.OpDelete {
			r.ix.Delete(rec.Key, loc)
		} else {
			r.ix.Put(rec.Key, loc)
		}
		r.replayed++
		return nil
	})
	if err != nil {
		return err
	}

	r.state = StateReady
	return nil
}

func (r *recovery) stats() RecoveryStats {
	return RecoveryStats{
		Replayed: r.replayed,
		LastSeq:  r.w.LastSeq(),
		Pages:    r.p.PageCount(),
		Keys:     r.ix.Len(),
		State:    r.state,
	}
}
