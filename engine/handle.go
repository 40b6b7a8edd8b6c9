package engine

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/thinkermao/quorum/engine/cluster"
	"github.com/thinkermao/quorum/engine/role"
	"github.com/thinkermao/quorum/engine/store"
	"github.com/thinkermao/quorum/metrics"
	quorumpd "github.com/thinkermao/quorum/proto"
)

var errLaggingCandidate = errors.New("engine: candidate misses committed entries")

// HandleIncoming feed one message from the bus into the engine. The
// caller's receive loop invokes it serially or concurrently; the
// engine lock covers each message. Replies go back through the bus;
// entries committed by the message are applied before returning.
func (e *Engine) HandleIncoming(msg *quorumpd.Message) error {
	var reply *quorumpd.Message
	var toApply []quorumpd.Entry
	var err error

	e.mu.Lock()
	switch msg.MsgType {
	case quorumpd.MsgPrepare:
		reply, err = e.handlePrepare(msg)
	case quorumpd.MsgAck:
		e.handleAck(msg)
	case quorumpd.MsgReject:
		e.handleReject(msg)
	case quorumpd.MsgCommit:
		toApply, err = e.handleCommit(msg)
	default:
		err = fmt.Errorf("engine: unknown message type %d", msg.MsgType)
	}
	e.mu.Unlock()

	if reply != nil {
		e.send(reply)
	}
	e.applyAll(toApply)
	return err
}

// handlePrepare accept or refuse a proposal. The role controller
// decides; on acceptance the number is recorded and the carried entry
// (campaigns carry none) is stored and persisted before the ack.
func (e *Engine) handlePrepare(msg *quorumpd.Message) (*quorumpd.Message, error) {
	// an entry-less prepare is a vote request, Sequence and Prev
	// advertise the candidate's log length and last entry proposal. A
	// candidate whose log is less complete than this node's cannot be
	// allowed to lead: it could miss entries a quorum already holds.
	if msg.Entry == nil && !e.candidateComplete(msg) {
		log.Debugf("%d refuse lagging candidate %d [next: %d, last: %d]",
			e.id, msg.From, msg.Sequence, msg.Prev)
		return e.makeReject(msg), errLaggingCandidate
	}

	action, err := e.role.HandleMessage(msg)
	switch action {
	case role.ActionReject:
		return e.makeReject(msg), err
	case role.ActionStepDown:
		e.role.StepDown()
		metrics.StepDowns.WithLabelValues(e.node).Inc()
		if e.round != nil && msg.Proposal > e.round.proposal {
			e.round.reject(msg.Proposal)
		}
	}

	if err := e.store.RecordProposal(msg.Proposal, msg.From); err != nil {
		return e.makeReject(msg), err
	}

	if msg.Entry != nil {
		if err := e.storeEntry(msg.Entry, msg.Prev); err != nil {
			log.Debugf("%d drop entry [seq: %d] from %d: %v",
				e.id, msg.Entry.Sequence, msg.From, err)
			return e.makeReject(msg), err
		}
		if err := e.stableRound(msg.Entry); err != nil {
			return nil, err
		}
	} else if err := e.stableState(); err != nil {
		return nil, err
	}

	return &quorumpd.Message{
		MsgType:  quorumpd.MsgAck,
		To:       msg.From,
		Proposal: msg.Proposal,
		Sequence: msg.Sequence,
	}, nil
}

// makeReject echo the refused proposal back with a hint at the
// highest number this node has observed.
func (e *Engine) makeReject(msg *quorumpd.Message) *quorumpd.Message {
	return &quorumpd.Message{
		MsgType:  quorumpd.MsgReject,
		To:       msg.From,
		Proposal: msg.Proposal,
		Sequence: msg.Sequence,
		Hint:     e.store.HighestProposalSeen(),
	}
}

// storeEntry place a replicated entry into the log: appended at the
// tail, tolerated as re-delivery, or overwriting an uncommitted slot
// claimed by a lower-numbered proposal. A gap past the tail, or a
// prev chain mismatch, is refused; the node stays behind rather than
// risk committing a prefix that differs from the quorum's.
func (e *Engine) storeEntry(entry *quorumpd.Entry, prev uint64) error {
	next := e.store.NextSequence()
	switch {
	case entry.Sequence > next:
		return store.ErrOutOfOrder
	case entry.Sequence == next:
		if !e.prevMatches(entry.Sequence, prev) {
			return store.ErrOutOfOrder
		}
		return e.store.Append(*entry)
	default:
		existing, _ := e.store.EntryAt(entry.Sequence)
		if existing.Proposal == entry.Proposal && existing.Origin == entry.Origin {
			/* re-delivery tolerance */
			return nil
		}
		if !e.prevMatches(entry.Sequence, prev) {
			return store.ErrOutOfOrder
		}
		return e.store.Overwrite(*entry)
	}
}

// candidateComplete report whether a vote request advertises a log
// at least as complete as this node's, comparing last entry proposal
// first and log length second.
func (e *Engine) candidateComplete(msg *quorumpd.Message) bool {
	next := e.store.NextSequence()
	var last uint64
	if next > 0 {
		entry, _ := e.store.EntryAt(next - 1)
		last = entry.Proposal
	}
	if msg.Prev != last {
		return msg.Prev > last
	}
	return msg.Sequence >= next
}

// prevMatches report whether the local log agrees with the proposer
// about the slot preceding seq.
func (e *Engine) prevMatches(seq, prev uint64) bool {
	if seq == 0 {
		return prev == cluster.InvalidProposal
	}
	before, ok := e.store.EntryAt(seq - 1)
	return ok && before.Proposal == prev
}

// handleAck count an acknowledgement toward the in-flight round, if
// it matches. Acks for finished or unknown rounds are dropped.
func (e *Engine) handleAck(msg *quorumpd.Message) {
	if e.round == nil || msg.Proposal != e.round.proposal {
		log.Debugf("%d drop ack from %d [proposal: %d]",
			e.id, msg.From, msg.Proposal)
		return
	}
	e.round.observe(msg.From)
}

// handleReject fail the in-flight round and learn the higher number
// the rejecting node hinted at. Rejects for finished or unknown
// rounds are dropped whole, hint included: recording numbers from
// unsolicited rejects would let one noisy node inflate the whole
// cluster's counters.
func (e *Engine) handleReject(msg *quorumpd.Message) {
	if e.round == nil || msg.Proposal != e.round.proposal {
		log.Debugf("%d drop reject from %d [proposal: %d, hint: %d]",
			e.id, msg.From, msg.Proposal, msg.Hint)
		return
	}

	if msg.Hint > e.store.HighestProposalSeen() {
		// the hinted number was allocated by a node recoverable from
		// the number itself.
		origin := e.cluster.Proposer(msg.Hint)
		if err := e.store.RecordProposal(msg.Hint, origin); err != nil {
			log.Debugf("%d ignore hint %d from %d: %v",
				e.id, msg.Hint, msg.From, err)
		}
	}

	// only a strictly higher number dooms the round; a reject from a
	// lagging node just means one fewer possible ack.
	if msg.Hint > e.round.proposal {
		e.round.reject(msg.Hint)
	}
}

// handleCommit mark an entry committed, but only when the local slot
// holds the exact proposal named by the notice; otherwise the local
// entry may be a different value and the notice is ignored.
func (e *Engine) handleCommit(msg *quorumpd.Message) ([]quorumpd.Entry, error) {
	entry, ok := e.store.EntryAt(msg.Sequence)
	if !ok || entry.Proposal != msg.Proposal {
		log.Debugf("%d ignore commit [seq: %d, proposal: %d] from %d",
			e.id, msg.Sequence, msg.Proposal, msg.From)
		return nil, nil
	}

	if err := e.store.MarkCommitted(msg.Sequence); err != nil {
		return nil, err
	}
	if err := e.stableState(); err != nil {
		return nil, err
	}

	metrics.CommitIndex.WithLabelValues(e.node).Set(float64(e.store.CommitIndex()))
	metrics.CommittedEntries.WithLabelValues(e.node).Inc()
	return e.store.Apply(), nil
}
