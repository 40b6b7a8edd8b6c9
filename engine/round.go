package engine

// outcome is the terminal result of a proposal or campaign round.
type outcome struct {
	committed bool
	// higher carries the highest proposal number learned from a
	// reject, zero when the round committed or simply timed out.
	higher uint64
}

// round tracks acknowledgements for a single in-flight proposal
// number. It resolves exactly once: either a quorum of acks arrives,
// or a reject reveals a higher number. The engine lock serializes
// observe/reject; the waiter reads donec without the lock.
type round struct {
	proposal uint64
	sequence uint64
	need     int

	acks     map[uint64]struct{}
	donec    chan outcome
	resolved bool
}

func makeRound(proposal, sequence uint64, need int) *round {
	return &round{
		proposal: proposal,
		sequence: sequence,
		need:     need,
		acks:     make(map[uint64]struct{}),
		donec:    make(chan outcome, 1),
	}
}

// observe count one acknowledgement. Duplicate acks from the same
// node collapse; a quorum resolves the round as committed.
func (r *round) observe(from uint64) {
	if r.resolved {
		return
	}
	r.acks[from] = struct{}{}
	if len(r.acks) >= r.need {
		r.resolve(outcome{committed: true})
	}
}

// reject resolve the round as failed, recording the higher number
// the rejecting node knows about.
func (r *round) reject(higher uint64) {
	r.resolve(outcome{higher: higher})
}

func (r *round) resolve(oc outcome) {
	if r.resolved {
		return
	}
	r.resolved = true
	r.donec <- oc
}
