package role

import (
	"errors"

	log "github.com/sirupsen/logrus"
	"github.com/thinkermao/quorum/engine/store"
	quorumpd "github.com/thinkermao/quorum/proto"
	"github.com/thinkermao/quorum/utils"
)

// ErrStaleMessage reports a message bearing a proposal number below
// the node's known highest. An expected outcome of normal protocol
// flow, not a fault: the caller ignores the message.
var ErrStaleMessage = errors.New("role: stale message")

// State is the node's position in the role state machine.
type State int

const (
	Follower State = iota
	Candidate
	Leader
)

var stateString = []string{
	"Follower",
	"Candidate",
	"Leader",
}

// twoPhaseString renames the same states for the coordinator-driven
// flavor; there is no campaigning state in that protocol.
var twoPhaseString = []string{
	"Participant",
	"Participant",
	"Coordinator",
}

func (s State) String() string {
	return stateString[s]
}

// IsProposer report whether the state grants proposer capability:
// only a Leader (Coordinator) may start proposal rounds.
func (s State) IsProposer() bool {
	return s == Leader
}

// IsAcceptor report whether the state grants acceptor capability.
func (s State) IsAcceptor() bool {
	return s != Leader
}

// Flavor selects between the two protocol renderings the controller
// can drive: leader-election consensus, or coordinator-driven
// two-phase commit with a fixed proposer.
type Flavor int

const (
	Election Flavor = iota
	TwoPhase
)

var flavorString = []string{
	"Election",
	"TwoPhase",
}

func (f Flavor) String() string {
	return flavorString[f]
}

// Action tells the caller how to react to an incoming message. The
// controller never mutates the role itself: transitions are applied
// by the caller based on the returned Action, keeping the state
// machine pure and testable.
type Action int

const (
	ActionAck Action = iota
	ActionReject
	ActionStepDown
)

var actionString = []string{
	"Ack",
	"Reject",
	"StepDown",
}

func (a Action) String() string {
	return actionString[a]
}

// Controller drives a single node's role transitions. It consults the
// LogStore for the highest proposal number observed but never writes
// to it.
type Controller struct {
	id     uint64
	flavor Flavor
	state  State
	store  *store.LogStore
}

// MakeController return a Controller for the election flavor,
// starting as Follower.
func MakeController(id uint64, s *store.LogStore) *Controller {
	return &Controller{id: id, flavor: Election, state: Follower, store: s}
}

// MakeCoordinator return a Controller for the two-phase flavor with
// the fixed proposer capability.
func MakeCoordinator(id uint64, s *store.LogStore) *Controller {
	return &Controller{id: id, flavor: TwoPhase, state: Leader, store: s}
}

// MakeParticipant return a Controller for the two-phase flavor with
// the acceptor capability.
func MakeParticipant(id uint64, s *store.LogStore) *Controller {
	return &Controller{id: id, flavor: TwoPhase, state: Follower, store: s}
}

// State return the current role state.
func (c *Controller) State() State {
	return c.state
}

// Flavor return the protocol flavor the controller was built for.
func (c *Controller) Flavor() Flavor {
	return c.flavor
}

// Name return the flavor-appropriate name of the current role.
func (c *Controller) Name() string {
	if c.flavor == TwoPhase {
		return twoPhaseString[c.state]
	}
	return stateString[c.state]
}

// CanCampaign report whether the node may start a campaign: only a
// follower in the election flavor; the two-phase coordinator is fixed.
func (c *Controller) CanCampaign() bool {
	return c.flavor == Election && c.state == Follower
}

// HandleMessage inspect the message's proposal number against the
// log store's highest seen and decide how the caller should react.
// Pure: neither the role nor the log is mutated here.
//
// A lower number yields ActionReject with ErrStaleMessage. A higher
// number while leading or campaigning yields ActionStepDown: someone
// else holds a fresher claim. Everything else is acknowledged.
func (c *Controller) HandleMessage(msg *quorumpd.Message) (Action, error) {
	highest := c.store.HighestProposalSeen()

	if msg.Proposal < highest {
		log.Debugf("%d [%s, highest: %d] reject stale %s from %d [proposal: %d]",
			c.id, c.Name(), highest, msg.MsgType, msg.From, msg.Proposal)
		return ActionReject, ErrStaleMessage
	}

	if msg.Proposal > highest && c.state != Follower {
		log.Debugf("%d [%s, highest: %d] step down on %s from %d [proposal: %d]",
			c.id, c.Name(), highest, msg.MsgType, msg.From, msg.Proposal)
		return ActionStepDown, nil
	}

	return ActionAck, nil
}

// BecomeCandidate transition Follower => Candidate. Triggered by an
// external election-timeout signal; the controller owns no timers.
func (c *Controller) BecomeCandidate() {
	utils.Assert(c.flavor == Election,
		"%d campaign in two-phase flavor", c.id)
	utils.Assert(c.state == Follower,
		"%d invalid transition [%v => Candidate]", c.id, c.state)

	c.state = Candidate
	log.Debugf("%d become candidate", c.id)
}

// BecomeLeader transition Candidate => Leader, applied when the
// engine reports a quorum of acknowledgements for the campaign's
// proposal number.
func (c *Controller) BecomeLeader() {
	utils.Assert(c.state == Candidate || c.state == Leader,
		"%d invalid transition [%v => Leader]", c.id, c.state)

	c.state = Leader
	log.Debugf("%d become leader", c.id)
}

// StepDown transition any state back to Follower, applied on
// observation of a strictly higher proposal number. In the two-phase
// flavor the coordinator keeps its capability: there is no other
// node to yield to.
func (c *Controller) StepDown() {
	if c.flavor == TwoPhase {
		return
	}
	if c.state != Follower {
		log.Debugf("%d step down [%v => Follower]", c.id, c.state)
	}
	c.state = Follower
}
