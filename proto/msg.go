package quorumpd

import "encoding/gob"

type MessageType int

// Message flow of one proposal round:
//
// Message from proposer (leader/coordinator):
// - Prepare request, carrying the entry to replicate,
//   or no entry when the round is a campaign (vote request).
// - Commit request, once a quorum acknowledged the round.
//
// Message from acceptor (follower/participant):
// - Ack response, the acceptor recorded the proposal
//   and stored the entry.
// - Reject response, the acceptor has promised a higher
//   proposal number; Hint carries that number so the
//   proposer can step down and re-campaign above it.
const (
	MsgPrepare MessageType = iota
	MsgAck
	MsgReject
	MsgCommit
)

var messageTypeString = []string{
	"Prepare request",
	"Ack response",
	"Reject response",
	"Commit request",
}

func (tp MessageType) String() string {
	return messageTypeString[tp]
}

// Message is the wire unit exchanged between nodes. Every message
// carries the proposal number of the round it belongs to; Sequence
// is valid for entry-bearing rounds, Hint only on Reject.
//
// Prev chains entry-bearing Prepares: it holds the proposal number
// of the entry preceding Sequence (zero at the head of the log). An
// acceptor whose log disagrees at that slot refuses the entry, which
// keeps every committed prefix identical across nodes.
type Message struct {
	MsgType  MessageType
	From, To uint64
	Proposal uint64
	Sequence uint64
	Prev     uint64
	Hint     uint64
	Entry    *Entry
}

func (c *Message) Reset() { *c = Message{} }

func init() {
	gob.Register(Message{})
}
