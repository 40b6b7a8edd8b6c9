package store

import (
	"errors"

	log "github.com/sirupsen/logrus"
	"github.com/thinkermao/quorum/engine/cluster"
	quorumpd "github.com/thinkermao/quorum/proto"
	"github.com/thinkermao/quorum/utils"
)

var (
	// ErrOutOfOrder reports an append which breaks sequence contiguity.
	ErrOutOfOrder = errors.New("store: append out of order")
	// ErrUnknownSequence reports a sequence past the end of the log.
	ErrUnknownSequence = errors.New("store: unknown sequence")
	// ErrStaleProposal reports a proposal number not above the highest seen.
	ErrStaleProposal = errors.New("store: stale proposal")
)

// LogStore holds one node's replicated log. Here is the memory
// layout of the watermarks (both are entry counts, so the entry with
// sequence s is committed iff s < commitIndex):
//
// [0, appliedIndex, commitIndex, len(entries))
// +--------------+--------------+--------------+
// |    applied   |  wait apply  |  wait commit |
// +--------------+--------------+--------------+
// ^ 0            ^ applied      ^ committed    ^ last
//
// The store is exclusively owned by its node; callers serialize
// access (the engine mutates it only under its own lock).
type LogStore struct {
	id uint64

	entries      []quorumpd.Entry
	commitIndex  uint64
	appliedIndex uint64

	// highest proposal number observed cluster-wide, and the node
	// which allocated it. Used to tolerate re-delivery.
	highestProposal uint64
	proposalFrom    uint64
}

// MakeLogStore create & initialize an empty LogStore, and returns.
func MakeLogStore(id uint64) *LogStore {
	log.Debugf("%d make log store", id)

	return &LogStore{
		id:           id,
		entries:      make([]quorumpd.Entry, 0),
		proposalFrom: cluster.InvalidID,
	}
}

// RebuildLogStore construct a LogStore from persisted entries and
// hard state. Entries must be contiguous from sequence zero.
func RebuildLogStore(id uint64, entries []quorumpd.Entry,
	state quorumpd.HardState) *LogStore {
	for i := 0; i < len(entries); i++ {
		utils.Assert(entries[i].Sequence == uint64(i),
			"%d rebuild with gapped entries at %d", id, i)
	}
	utils.Assert(state.Commit <= uint64(len(entries)),
		"%d rebuild commit %d past end %d", id, state.Commit, len(entries))

	log.Debugf("%d rebuild log store [len: %d, commit: %d, proposal: %d]",
		id, len(entries), state.Commit, state.Proposal)

	dup := make([]quorumpd.Entry, len(entries))
	copy(dup, entries)

	return &LogStore{
		id:              id,
		entries:         dup,
		commitIndex:     state.Commit,
		highestProposal: state.Proposal,
		proposalFrom:    cluster.InvalidID,
	}
}

// Append push entry at the back of the log. It fails with
// ErrOutOfOrder unless the entry carries exactly the next sequence.
func (s *LogStore) Append(entry quorumpd.Entry) error {
	if entry.Sequence != uint64(len(s.entries)) {
		return ErrOutOfOrder
	}
	s.entries = append(s.entries, entry)

	log.Debugf("%d append entry [seq: %d, proposal: %d, origin: %d]",
		s.id, entry.Sequence, entry.Proposal, entry.Origin)
	return nil
}

// Overwrite replace an uncommitted slot with an entry from a strictly
// higher-numbered proposal. Committed slots are never touched; full
// suffix truncation on leader takeover is not implemented here.
func (s *LogStore) Overwrite(entry quorumpd.Entry) error {
	if entry.Sequence >= uint64(len(s.entries)) {
		return ErrUnknownSequence
	}
	if entry.Sequence < s.commitIndex {
		return ErrStaleProposal
	}
	existing := &s.entries[entry.Sequence]
	if entry.Proposal <= existing.Proposal {
		return ErrStaleProposal
	}

	log.Debugf("%d overwrite uncommitted seq %d [proposal: %d => %d]",
		s.id, entry.Sequence, existing.Proposal, entry.Proposal)

	s.entries[entry.Sequence] = entry
	return nil
}

// MarkCommitted mark the entry at seq, and everything before it,
// committed. Monotonic: the commit index never decreases.
func (s *LogStore) MarkCommitted(seq uint64) error {
	if seq >= uint64(len(s.entries)) {
		return ErrUnknownSequence
	}
	s.commitIndex = utils.MaxUint64(s.commitIndex, seq+1)

	log.Debugf("%d commit entries to seq: %d", s.id, seq)
	return nil
}

// Apply return the committed entries not yet handed to the state
// machine and advance the applied watermark. Idempotent: a second
// call with no new commits returns an empty slice.
func (s *LogStore) Apply() []quorumpd.Entry {
	utils.Assert(s.appliedIndex <= s.commitIndex,
		"%d applied %d past commit %d", s.id, s.appliedIndex, s.commitIndex)

	result := make([]quorumpd.Entry, s.commitIndex-s.appliedIndex)
	copy(result, s.entries[s.appliedIndex:s.commitIndex])
	s.appliedIndex = s.commitIndex

	if len(result) != 0 {
		log.Debugf("%d apply entries to seq: %d", s.id, s.commitIndex-1)
	}
	return result
}

// HighestProposalSeen return the highest proposal number this node
// has observed, from any node including itself.
func (s *LogStore) HighestProposalSeen() uint64 {
	return s.highestProposal
}

// RecordProposal record a newly observed proposal number. A number
// not above the current highest fails with ErrStaleProposal, except
// re-delivery of the same number from the same node, which is a no-op.
func (s *LogStore) RecordProposal(n uint64, from uint64) error {
	if n == s.highestProposal && from == s.proposalFrom {
		/* re-delivery tolerance */
		return nil
	}
	if n <= s.highestProposal {
		return ErrStaleProposal
	}
	s.highestProposal = n
	s.proposalFrom = from
	return nil
}

// NextSequence return the sequence the next appended entry must carry.
func (s *LogStore) NextSequence() uint64 {
	return uint64(len(s.entries))
}

// Len return the number of entries, committed or not.
func (s *LogStore) Len() int {
	return len(s.entries)
}

// CommitIndex return the number of committed entries.
func (s *LogStore) CommitIndex() uint64 {
	return s.commitIndex
}

// AppliedIndex return the number of applied entries.
func (s *LogStore) AppliedIndex() uint64 {
	return s.appliedIndex
}

// EntryAt return the entry at seq, if present.
func (s *LogStore) EntryAt(seq uint64) (quorumpd.Entry, bool) {
	if seq >= uint64(len(s.entries)) {
		return quorumpd.Entry{}, false
	}
	return s.entries[seq], true
}

// HardState return the durable part of the store's state.
func (s *LogStore) HardState() quorumpd.HardState {
	return quorumpd.HardState{
		Proposal: s.highestProposal,
		Commit:   s.commitIndex,
	}
}
