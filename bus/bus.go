package bus

import (
	"errors"

	quorumpd "github.com/thinkermao/quorum/proto"
)

// ErrUnreachable reports that the target node cannot currently be
// delivered to. The sender treats it as message loss.
var ErrUnreachable = errors.New("bus: peer unreachable")

// MessageBus delivers point-to-point messages between nodes. A bus
// may drop, delay or reorder messages, but never duplicates or
// corrupts a payload. Real implementations (sockets, RPC) live
// outside this module; in-process implementations below serve tests
// and the demo harness.
type MessageBus interface {
	Send(to uint64, msg *quorumpd.Message) error
}
