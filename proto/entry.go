package quorumpd

import (
	"encoding/gob"
	"fmt"
)

// Entry is one slot of a node's replicated log. Sequence numbers are
// contiguous per log starting at zero; Proposal is the number of the
// round that produced the entry and Origin the proposing node.
// An entry is immutable once its sequence has been committed.
type Entry struct {
	Sequence uint64
	Proposal uint64
	Origin   uint64
	Data     []byte
}

func (e *Entry) Reset() { *e = Entry{} }

func (e Entry) String() string {
	return fmt.Sprintf("quorumpd.Entry{seq: %d, proposal: %d, origin: %d, data: %v}",
		e.Sequence, e.Proposal, e.Origin, e.Data)
}

// HardState is the durable part of a node's state: the highest
// proposal number promised and the commit watermark. Saved to stable
// storage before any acknowledgement referencing it is sent.
type HardState struct {
	Proposal uint64
	Commit   uint64
}

func (e *HardState) Reset() { *e = HardState{} }

func (e HardState) String() string {
	return fmt.Sprintf("quorumpd.HardState{proposal: %d, commit: %d}",
		e.Proposal, e.Commit)
}

func init() {
	gob.Register(Entry{})
	gob.Register(HardState{})
}
