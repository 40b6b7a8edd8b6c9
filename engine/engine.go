package engine

import (
	"context"
	"errors"
	"strconv"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/thinkermao/quorum/bus"
	"github.com/thinkermao/quorum/engine/cluster"
	"github.com/thinkermao/quorum/engine/role"
	"github.com/thinkermao/quorum/engine/store"
	"github.com/thinkermao/quorum/metrics"
	quorumpd "github.com/thinkermao/quorum/proto"
	"github.com/thinkermao/quorum/utils"
)

var (
	// ErrNotProposer reports a Propose on a node without the proposer
	// capability: an election-flavor node that is not leader, or a
	// two-phase participant.
	ErrNotProposer = errors.New("engine: node is not the proposer")

	// ErrQuorumFailed reports a round that ended without a quorum of
	// acknowledgements: rejected, timed out, or cancelled.
	ErrQuorumFailed = errors.New("engine: quorum not reached")
)

// Operation is an opaque client payload carried through the log.
type Operation []byte

// CommitResult reports where a committed operation landed in the log.
type CommitResult struct {
	Sequence uint64
	Proposal uint64
}

// Applier consumes committed entries in sequence order. Invoked
// outside the engine lock; it may call back into the engine.
type Applier func(entry *quorumpd.Entry)

// Stabler persists log entries and hard state before the engine acts
// on them. Acks and commits are only sent after the corresponding
// write has been synced. A nil Stabler keeps the node purely
// in-memory, which is fine for tests and the simulation harness.
type Stabler interface {
	StableEntry(entry *quorumpd.Entry) error
	StableState(state *quorumpd.HardState) error
	Sync() error
}

// Config carries everything needed to build an Engine.
type Config struct {
	ID      uint64
	Cluster *cluster.Config
	Flavor  role.Flavor

	// Coordinator names the fixed proposer, two-phase flavor only.
	Coordinator uint64

	// restart state; leave zero-valued for a fresh node.
	Entries []quorumpd.Entry
	State   quorumpd.HardState
}

// Engine drives the quorum replication protocol for one node. It owns
// the node's log store and role controller, sends through the given
// bus, and hands committed entries to the applier. Incoming messages
// are fed by the caller's receive loop via HandleIncoming.
//
// At most one proposal or campaign round is in flight per node;
// concurrent Propose calls serialize.
type Engine struct {
	id      uint64
	cluster *cluster.Config
	bus     bus.MessageBus
	applier Applier
	stabler Stabler
	node    string // metrics label

	proposeMu sync.Mutex // serializes Propose/Campaign
	mu        sync.Mutex // guards store, role, round
	store     *store.LogStore
	role      *role.Controller
	round     *round
}

// MakeEngine create & initialize an Engine from config, and returns.
func MakeEngine(config *Config, b bus.MessageBus,
	applier Applier, stabler Stabler) *Engine {
	var s *store.LogStore
	if len(config.Entries) != 0 || config.State != (quorumpd.HardState{}) {
		s = store.RebuildLogStore(config.ID, config.Entries, config.State)
	} else {
		s = store.MakeLogStore(config.ID)
	}

	var c *role.Controller
	switch {
	case config.Flavor == role.TwoPhase && config.ID == config.Coordinator:
		c = role.MakeCoordinator(config.ID, s)
	case config.Flavor == role.TwoPhase:
		c = role.MakeParticipant(config.ID, s)
	default:
		c = role.MakeController(config.ID, s)
	}

	log.Infof("%d make engine [flavor: %v, role: %s, peers: %v]",
		config.ID, config.Flavor, c.Name(), config.Cluster.Nodes())

	e := &Engine{
		id:      config.ID,
		cluster: config.Cluster,
		bus:     b,
		applier: applier,
		stabler: stabler,
		node:    strconv.FormatUint(config.ID, 10),
		store:   s,
		role:    c,
	}

	// entries committed in an earlier life go back to the application.
	e.applyAll(s.Apply())
	return e
}

// ID return the node's identifier.
func (e *Engine) ID() uint64 {
	return e.id
}

// Status return the node's current role state and the highest
// proposal number it has observed.
func (e *Engine) Status() (role.State, uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.role.State(), e.store.HighestProposalSeen()
}

// CommitIndex return the node's commit watermark.
func (e *Engine) CommitIndex() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.CommitIndex()
}

// EntryAt return the entry at seq, if the node's log holds one.
func (e *Engine) EntryAt(seq uint64) (quorumpd.Entry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.EntryAt(seq)
}

// Propose replicate op: run rounds of propose, quorum-ack, commit
// until op itself commits. An uncommitted entry inherited from a
// previous proposer occupies the head slot first; its value is
// re-driven to commit under a fresh number before op gets a slot,
// since the old value may already hold a quorum. The proposer's own
// failed entry, by contrast, is simply replaced: it was never
// committed, no one else will finish it.
//
// Fails fast with ErrNotProposer on a non-proposer; fails with
// ErrQuorumFailed when a round is rejected or ctx expires.
func (e *Engine) Propose(ctx context.Context, op Operation) (CommitResult, error) {
	e.proposeMu.Lock()
	defer e.proposeMu.Unlock()

	for {
		e.mu.Lock()
		if !e.role.State().IsProposer() {
			e.mu.Unlock()
			metrics.ProposalsTotal.WithLabelValues(e.node, metrics.ResultNotProposer).Inc()
			return CommitResult{}, ErrNotProposer
		}

		seq := e.store.CommitIndex()
		inherited, held := e.store.EntryAt(seq)
		redrive := held && e.cluster.Proposer(inherited.Proposal) != e.id

		data, origin := []byte(op), e.id
		if redrive {
			data, origin = inherited.Data, inherited.Origin
			log.Debugf("%d re-drive inherited entry [seq: %d, proposal: %d]",
				e.id, seq, inherited.Proposal)
		}

		result, err := e.commitOne(ctx, seq, data, origin)
		if err != nil {
			metrics.ProposalsTotal.WithLabelValues(e.node, metrics.ResultQuorumFail).Inc()
			return CommitResult{}, err
		}
		if !redrive {
			metrics.ProposalsTotal.WithLabelValues(e.node, metrics.ResultCommitted).Inc()
			return result, nil
		}
	}
}

// commitOne run one full round for data at the head slot seq. Called
// with e.mu held; releases it.
func (e *Engine) commitOne(ctx context.Context, seq uint64,
	data []byte, origin uint64) (CommitResult, error) {
	proposal := e.cluster.NextProposal(e.id, e.store.HighestProposalSeen())
	if err := e.store.RecordProposal(proposal, e.id); err != nil {
		e.mu.Unlock()
		return CommitResult{}, err
	}

	entry := quorumpd.Entry{
		Sequence: seq,
		Proposal: proposal,
		Origin:   origin,
		Data:     data,
	}
	var prev uint64
	if seq > 0 {
		before, ok := e.store.EntryAt(seq - 1)
		utils.Assert(ok, "%d no entry before slot %d", e.id, seq)
		prev = before.Proposal
	}

	var err error
	if seq == e.store.NextSequence() {
		err = e.store.Append(entry)
	} else {
		err = e.store.Overwrite(entry)
	}
	if err != nil {
		e.mu.Unlock()
		return CommitResult{}, err
	}
	if err := e.stableRound(&entry); err != nil {
		e.mu.Unlock()
		return CommitResult{}, err
	}

	rnd := makeRound(proposal, seq, e.cluster.Quorum())
	rnd.observe(e.id) /* the proposer's own log counts */
	e.round = rnd
	e.mu.Unlock()

	log.Debugf("%d propose [seq: %d, proposal: %d, %d bytes]",
		e.id, seq, proposal, len(data))
	e.broadcast(&quorumpd.Message{
		MsgType:  quorumpd.MsgPrepare,
		Proposal: proposal,
		Sequence: seq,
		Prev:     prev,
		Entry:    &entry,
	})

	oc := e.wait(ctx, rnd)

	e.mu.Lock()
	e.round = nil
	if !oc.committed {
		if oc.higher > proposal {
			e.role.StepDown()
			metrics.StepDowns.WithLabelValues(e.node).Inc()
		}
		e.mu.Unlock()
		return CommitResult{}, ErrQuorumFailed
	}

	if err := e.store.MarkCommitted(seq); err != nil {
		e.mu.Unlock()
		return CommitResult{}, err
	}
	if err := e.stableState(); err != nil {
		e.mu.Unlock()
		return CommitResult{}, err
	}
	toApply := e.store.Apply()
	metrics.CommitIndex.WithLabelValues(e.node).Set(float64(e.store.CommitIndex()))
	e.mu.Unlock()

	e.broadcast(&quorumpd.Message{
		MsgType:  quorumpd.MsgCommit,
		Proposal: proposal,
		Sequence: seq,
	})
	e.applyAll(toApply)

	metrics.CommittedEntries.WithLabelValues(e.node).Inc()
	return CommitResult{Sequence: seq, Proposal: proposal}, nil
}

// Campaign run one election round: allocate a fresh proposal number
// and broadcast an entry-less proposal advertising how much log the
// candidate holds. A quorum of acknowledgements makes this node the
// leader; a reject or ctx expiry steps it back to follower with
// ErrQuorumFailed. Two-phase nodes fail with ErrNotProposer: their
// roles are fixed.
func (e *Engine) Campaign(ctx context.Context) error {
	e.proposeMu.Lock()
	defer e.proposeMu.Unlock()

	e.mu.Lock()
	if e.role.Flavor() == role.TwoPhase {
		e.mu.Unlock()
		return ErrNotProposer
	}
	if e.role.State() == role.Leader {
		e.mu.Unlock()
		return nil
	}
	e.role.BecomeCandidate()

	proposal := e.cluster.NextProposal(e.id, e.store.HighestProposalSeen())
	if err := e.store.RecordProposal(proposal, e.id); err != nil {
		e.mu.Unlock()
		return err
	}
	if err := e.stableState(); err != nil {
		e.mu.Unlock()
		return err
	}

	next := e.store.NextSequence()
	var last uint64
	if next > 0 {
		entry, _ := e.store.EntryAt(next - 1)
		last = entry.Proposal
	}

	rnd := makeRound(proposal, next, e.cluster.Quorum())
	rnd.observe(e.id)
	e.round = rnd
	e.mu.Unlock()

	log.Debugf("%d campaign [proposal: %d, next: %d, last: %d]",
		e.id, proposal, next, last)
	e.broadcast(&quorumpd.Message{
		MsgType:  quorumpd.MsgPrepare,
		Proposal: proposal,
		Sequence: next,
		Prev:     last,
	})

	oc := e.wait(ctx, rnd)

	e.mu.Lock()
	e.round = nil
	// a higher number may have deposed the candidacy while the acks
	// were still arriving; a won round only counts if it still stands.
	if !oc.committed || e.role.State() != role.Candidate {
		e.role.StepDown()
		e.mu.Unlock()
		metrics.CampaignsTotal.WithLabelValues(e.node, metrics.ResultLost).Inc()
		return ErrQuorumFailed
	}
	e.role.BecomeLeader()
	e.mu.Unlock()

	metrics.CampaignsTotal.WithLabelValues(e.node, metrics.ResultWon).Inc()
	return nil
}

// Heartbeat re-assert the leader's standing claim with an entry-less
// prepare, so idle followers keep postponing their campaigns. Peers
// that have moved to a higher number answer with rejects, which trip
// the passive step-down in the reject handler.
func (e *Engine) Heartbeat() {
	e.mu.Lock()
	if !e.role.State().IsProposer() {
		e.mu.Unlock()
		return
	}
	proposal := e.store.HighestProposalSeen()
	next := e.store.NextSequence()
	var last uint64
	if next > 0 {
		entry, _ := e.store.EntryAt(next - 1)
		last = entry.Proposal
	}
	e.mu.Unlock()

	e.broadcast(&quorumpd.Message{
		MsgType:  quorumpd.MsgPrepare,
		Proposal: proposal,
		Sequence: next,
		Prev:     last,
	})
}

// wait block until the round resolves or ctx expires. An expired ctx
// leaves the round to be discarded by the caller; a late resolution
// lands in the buffered channel and is collected with the round.
func (e *Engine) wait(ctx context.Context, rnd *round) outcome {
	select {
	case oc := <-rnd.donec:
		return oc
	case <-ctx.Done():
		return outcome{}
	}
}

func (e *Engine) send(msg *quorumpd.Message) {
	msg.From = e.id
	if err := e.bus.Send(msg.To, msg); err != nil {
		log.Debugf("%d send %s to %d failed: %v",
			e.id, msg.MsgType, msg.To, err)
	}
}

func (e *Engine) broadcast(msg *quorumpd.Message) {
	for _, id := range e.cluster.Nodes() {
		if id == e.id {
			continue
		}
		dup := *msg
		dup.To = id
		e.send(&dup)
	}
}

func (e *Engine) applyAll(entries []quorumpd.Entry) {
	for i := 0; i < len(entries); i++ {
		e.applier(&entries[i])
	}
}

// stableRound persist a freshly accepted entry plus the hard state,
// synced, before any ack or commit referencing it leaves the node.
func (e *Engine) stableRound(entry *quorumpd.Entry) error {
	if e.stabler == nil {
		return nil
	}
	if err := e.stabler.StableEntry(entry); err != nil {
		return err
	}
	return e.stableState()
}

func (e *Engine) stableState() error {
	if e.stabler == nil {
		return nil
	}
	state := e.store.HardState()
	if err := e.stabler.StableState(&state); err != nil {
		return err
	}
	return e.stabler.Sync()
}
