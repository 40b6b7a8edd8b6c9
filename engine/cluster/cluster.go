package cluster

import (
	"errors"
	"sort"

	log "github.com/sirupsen/logrus"
)

// Invalid value for the engine.
const (
	InvalidID       uint64 = ^uint64(0)
	InvalidProposal uint64 = 0
)

// ErrInvalidCluster reports an unusable node set at startup.
var ErrInvalidCluster = errors.New("cluster: at least one distinct node required")

// Config is the immutable description of the node set. Created once at
// process start, safely shared read-only by every component.
type Config struct {
	nodes []uint64
	index map[uint64]int
}

// NewConfig build a Config from the given node identifiers.
// The set must contain at least one node and no duplicates.
func NewConfig(nodeIDs []uint64) (*Config, error) {
	if len(nodeIDs) < 1 {
		return nil, ErrInvalidCluster
	}

	nodes := make([]uint64, len(nodeIDs))
	copy(nodes, nodeIDs)
	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })

	index := make(map[uint64]int, len(nodes))
	for i, id := range nodes {
		if _, ok := index[id]; ok {
			return nil, ErrInvalidCluster
		}
		index[id] = i
	}

	log.Debugf("build cluster config [nodes: %v, quorum: %d]",
		nodes, len(nodes)/2+1)

	return &Config{nodes: nodes, index: index}, nil
}

// Quorum return the number of nodes whose acknowledgement makes an
// operation durable: strictly more than half the cluster.
func (c *Config) Quorum() int {
	return len(c.nodes)/2 + 1
}

// Nodes return a copy of the node set in ascending order.
func (c *Config) Nodes() []uint64 {
	nodes := make([]uint64, len(c.nodes))
	copy(nodes, c.nodes)
	return nodes
}

// Size return the number of nodes.
func (c *Config) Size() int {
	return len(c.nodes)
}

// Contains report whether id belongs to the cluster.
func (c *Config) Contains(id uint64) bool {
	_, ok := c.index[id]
	return ok
}

// Index return the dense position of id within the sorted node set,
// or -1 when id is not a member.
func (c *Config) Index(id uint64) int {
	idx, ok := c.index[id]
	if !ok {
		return -1
	}
	return idx
}

// NextProposal allocate a proposal number for id strictly greater than
// seen. Numbers are globally unique by construction: a counter scaled
// by the cluster size plus the node's dense index, so two nodes can
// never allocate the same number and ties cannot occur.
func (c *Config) NextProposal(id uint64, seen uint64) uint64 {
	idx, ok := c.index[id]
	if !ok {
		log.Panicf("%d allocate proposal for non-member", id)
	}

	n := uint64(len(c.nodes))
	counter := seen/n + 1
	proposal := counter*n + uint64(idx)
	for proposal <= seen {
		counter++
		proposal = counter*n + uint64(idx)
	}
	return proposal
}

// Proposer recover the node which allocated the given proposal number.
func (c *Config) Proposer(proposal uint64) uint64 {
	if proposal == InvalidProposal {
		return InvalidID
	}
	return c.nodes[proposal%uint64(len(c.nodes))]
}
