package bus

import (
	"sync"

	log "github.com/sirupsen/logrus"
	quorumpd "github.com/thinkermao/quorum/proto"
)

const inboxSize = 1024

// Network is an in-memory bus for a set of in-process nodes. Every
// node owns exactly one inbound queue; there is no shared registry a
// node could reach into. Nodes can be detached (crash simulation)
// and pairs of nodes can be cut (partition simulation).
type Network struct {
	mu        sync.Mutex
	endpoints map[uint64]*Endpoint
	enabled   map[uint64]bool
	cut       map[[2]uint64]bool
}

// MakeNetwork build a network with one endpoint per node, all enabled.
func MakeNetwork(nodes ...uint64) *Network {
	net := &Network{
		endpoints: make(map[uint64]*Endpoint),
		enabled:   make(map[uint64]bool),
		cut:       make(map[[2]uint64]bool),
	}
	for _, id := range nodes {
		net.endpoints[id] = &Endpoint{
			id:    id,
			net:   net,
			inbox: make(chan *quorumpd.Message, inboxSize),
		}
		net.enabled[id] = true
	}
	return net
}

// Endpoint return the endpoint owned by id.
func (net *Network) Endpoint(id uint64) *Endpoint {
	net.mu.Lock()
	defer net.mu.Unlock()
	return net.endpoints[id]
}

// Enable attach id to the network.
func (net *Network) Enable(id uint64) {
	net.mu.Lock()
	defer net.mu.Unlock()
	net.enabled[id] = true
}

// Disable detach id from the network: nothing is delivered to or
// from it until Enable.
func (net *Network) Disable(id uint64) {
	net.mu.Lock()
	defer net.mu.Unlock()
	net.enabled[id] = false
}

// IsEnabled report whether id is attached.
func (net *Network) IsEnabled(id uint64) bool {
	net.mu.Lock()
	defer net.mu.Unlock()
	return net.enabled[id]
}

// Cut drop all traffic between a and b, in both directions.
func (net *Network) Cut(a, b uint64) {
	net.mu.Lock()
	defer net.mu.Unlock()
	net.cut[pair(a, b)] = true
}

// Heal restore traffic between a and b.
func (net *Network) Heal(a, b uint64) {
	net.mu.Lock()
	defer net.mu.Unlock()
	delete(net.cut, pair(a, b))
}

// HealAll restore every cut link.
func (net *Network) HealAll() {
	net.mu.Lock()
	defer net.mu.Unlock()
	net.cut = make(map[[2]uint64]bool)
}

func pair(a, b uint64) [2]uint64 {
	if a > b {
		a, b = b, a
	}
	return [2]uint64{a, b}
}

func (net *Network) deliver(from, to uint64, msg *quorumpd.Message) error {
	net.mu.Lock()
	target, ok := net.endpoints[to]
	reachable := ok && net.enabled[from] && net.enabled[to] && !net.cut[pair(from, to)]
	net.mu.Unlock()

	if !reachable {
		return ErrUnreachable
	}

	// a full inbox drops the message: loss is a permitted fault.
	dup := *msg
	select {
	case target.inbox <- &dup:
	default:
		log.Warnf("bus: inbox of %d full, drop %s from %d", to, msg.MsgType, from)
	}
	return nil
}

// Endpoint is one node's attachment to a Network. It implements
// MessageBus for outbound traffic; inbound traffic is read from
// Receive by the owning node only.
type Endpoint struct {
	id    uint64
	net   *Network
	inbox chan *quorumpd.Message
}

// ID return the owning node's identifier.
func (e *Endpoint) ID() uint64 {
	return e.id
}

// Send deliver msg to the endpoint owned by to.
func (e *Endpoint) Send(to uint64, msg *quorumpd.Message) error {
	return e.net.deliver(e.id, to, msg)
}

// Receive return the endpoint's inbound queue.
func (e *Endpoint) Receive() <-chan *quorumpd.Message {
	return e.inbox
}
