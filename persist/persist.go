// Package persist stores a node's log entries and hard state in a
// write-ahead log, so a restarted node rejoins with every promise it
// made still in force.
package persist

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	quorumpd "github.com/thinkermao/quorum/proto"
	"github.com/thinkermao/quorum/utils/pd"
	"github.com/thinkermao/wal-go"
)

// record is the unit written to the wal: exactly one of Entry and
// State is set.
type record struct {
	Entry *quorumpd.Entry
	State *quorumpd.HardState
}

func (r *record) Reset() { *r = record{} }

// Storage wraps a write-ahead log. Writes are positioned by entry
// sequence, so overwriting an uncommitted slot truncates the stale
// suffix of the wal. It satisfies the engine's Stabler interface.
type Storage struct {
	wal *wal.Wal
	at  uint64 // sequence of the last entry written
}

// Create make a fresh storage in dir.
func Create(dir string) (*Storage, error) {
	w, err := wal.Create(dir, 0)
	if err != nil {
		return nil, err
	}
	return &Storage{wal: w}, nil
}

// Open restore storage from dir, returning the surviving entries and
// the last hard state for engine rebuild.
func Open(dir string) (*Storage, []quorumpd.Entry, quorumpd.HardState, error) {
	var entries []quorumpd.Entry
	var state quorumpd.HardState
	var readErr error

	recordReader := func(index uint64, data []byte) error {
		if readErr != nil {
			return nil
		}
		var rec record
		if err := pd.Unmarshal(&rec, data); err != nil {
			readErr = err
			return nil
		}
		switch {
		case rec.Entry != nil:
			entries, readErr = place(entries, *rec.Entry)
		case rec.State != nil:
			state = *rec.State
		}
		return nil
	}

	w, err := wal.Open(dir, 0, recordReader)
	if err != nil {
		return nil, nil, quorumpd.HardState{}, err
	}
	if readErr != nil {
		return nil, nil, quorumpd.HardState{}, readErr
	}

	log.Debugf("restored %d entries [commit: %d, proposal: %d] from %s",
		len(entries), state.Commit, state.Proposal, dir)

	s := &Storage{wal: w}
	if len(entries) != 0 {
		s.at = entries[len(entries)-1].Sequence
	}
	return s, entries, state, nil
}

// place put entry at its sequence, dropping any stale suffix a later
// overwrite obsoleted.
func place(entries []quorumpd.Entry, entry quorumpd.Entry) ([]quorumpd.Entry, error) {
	switch {
	case entry.Sequence < uint64(len(entries)):
		entries = entries[:entry.Sequence]
	case entry.Sequence > uint64(len(entries)):
		return nil, fmt.Errorf("persist: gapped wal record at %d", entry.Sequence)
	}
	return append(entries, entry), nil
}

// StableEntry write entry at its sequence position.
func (s *Storage) StableEntry(entry *quorumpd.Entry) error {
	bytes, err := pd.Marshal(&record{Entry: entry})
	if err != nil {
		return err
	}
	s.at = entry.Sequence
	return <-s.wal.Write(entry.Sequence, bytes)
}

// StableState write the hard state after the last written entry.
func (s *Storage) StableState(state *quorumpd.HardState) error {
	bytes, err := pd.Marshal(&record{State: state})
	if err != nil {
		return err
	}
	return <-s.wal.Write(s.at, bytes)
}

// Sync flush everything written so far to stable media.
func (s *Storage) Sync() error {
	return <-s.wal.Sync()
}
