package role

import (
	"errors"
	"testing"

	"github.com/thinkermao/quorum/engine/store"
	quorumpd "github.com/thinkermao/quorum/proto"
)

func makeMessage(proposal uint64) *quorumpd.Message {
	return &quorumpd.Message{
		MsgType:  quorumpd.MsgPrepare,
		From:     2,
		To:       1,
		Proposal: proposal,
	}
}

func TestController_HandleMessage(t *testing.T) {
	tests := []struct {
		state    State
		highest  uint64
		proposal uint64
		want     Action
		stale    bool
	}{
		// follower acknowledges fresh and equal numbers.
		{Follower, 5, 7, ActionAck, false},
		{Follower, 5, 5, ActionAck, false},
		{Follower, 5, 4, ActionReject, true},
		// candidate yields to a higher claim, rejects stale.
		{Candidate, 5, 7, ActionStepDown, false},
		{Candidate, 5, 5, ActionAck, false},
		{Candidate, 5, 3, ActionReject, true},
		// leader yields to a strictly higher claim only.
		{Leader, 5, 7, ActionStepDown, false},
		{Leader, 5, 5, ActionAck, false},
		{Leader, 5, 1, ActionReject, true},
	}

	for i := 0; i < len(tests); i++ {
		s := store.MakeLogStore(1)
		if tests[i].highest != 0 {
			if err := s.RecordProposal(tests[i].highest, 3); err != nil {
				t.Fatalf("#%d: %v", i, err)
			}
		}
		c := MakeController(1, s)
		c.state = tests[i].state

		action, err := c.HandleMessage(makeMessage(tests[i].proposal))
		if action != tests[i].want {
			t.Errorf("#%d: action = %v, want %v", i, action, tests[i].want)
		}
		if got := errors.Is(err, ErrStaleMessage); got != tests[i].stale {
			t.Errorf("#%d: err = %v, want stale: %v", i, err, tests[i].stale)
		}
		// validation never mutates the log.
		if s.HighestProposalSeen() != tests[i].highest {
			t.Errorf("#%d: highest mutated to %d", i, s.HighestProposalSeen())
		}
		if s.Len() != 0 {
			t.Errorf("#%d: log mutated", i)
		}
	}
}

func TestController_Transitions(t *testing.T) {
	c := MakeController(1, store.MakeLogStore(1))
	if c.State() != Follower || c.State().IsProposer() {
		t.Fatalf("initial state %v", c.State())
	}

	c.BecomeCandidate()
	if c.State() != Candidate || !c.State().IsAcceptor() {
		t.Fatalf("after campaign: %v", c.State())
	}

	c.BecomeLeader()
	if c.State() != Leader || !c.State().IsProposer() {
		t.Fatalf("after victory: %v", c.State())
	}

	c.StepDown()
	if c.State() != Follower {
		t.Fatalf("after step down: %v", c.State())
	}

	// candidate falls back to follower without ever leading.
	c.BecomeCandidate()
	c.StepDown()
	if c.State() != Follower {
		t.Fatalf("candidate step down: %v", c.State())
	}
}

func TestController_TwoPhaseNaming(t *testing.T) {
	s := store.MakeLogStore(1)

	coord := MakeCoordinator(1, s)
	if coord.Name() != "Coordinator" || !coord.State().IsProposer() {
		t.Fatalf("coordinator: %v (%s)", coord.State(), coord.Name())
	}
	if coord.CanCampaign() {
		t.Fatal("two-phase coordinator must not campaign")
	}
	// the coordinator never yields: there is no election to lose.
	coord.StepDown()
	if coord.State() != Leader {
		t.Fatalf("coordinator stepped down to %v", coord.State())
	}

	part := MakeParticipant(2, store.MakeLogStore(2))
	if part.Name() != "Participant" || part.State().IsProposer() {
		t.Fatalf("participant: %v (%s)", part.State(), part.Name())
	}
	if part.CanCampaign() {
		t.Fatal("two-phase participant must not campaign")
	}
}
