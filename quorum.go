// Package quorum assembles the replication engine, durable storage
// and timers into a runnable node.
package quorum

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/thinkermao/quorum/bus"
	"github.com/thinkermao/quorum/config"
	"github.com/thinkermao/quorum/engine"
	"github.com/thinkermao/quorum/engine/cluster"
	"github.com/thinkermao/quorum/engine/role"
	"github.com/thinkermao/quorum/metrics"
	"github.com/thinkermao/quorum/persist"
	quorumpd "github.com/thinkermao/quorum/proto"
	"github.com/thinkermao/quorum/utils"
)

// Application consumes committed entries, in sequence order, exactly
// once per process lifetime.
type Application interface {
	ApplyEntry(entry *quorumpd.Entry)
}

// Node is one member of a replication group. It owns the engine, the
// write-ahead log and, in the election flavor, the campaign timer.
// Incoming messages arrive through Step, or through an attached
// bus.Endpoint.
type Node struct {
	id     uint64
	engine *engine.Engine
	app    Application

	proposeTimeout time.Duration

	// election flavor only.
	ticker *utils.Timer

	mu        sync.Mutex
	elapsed   int
	threshold int
	rnd       *rand.Rand

	stopc    chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// MakeNode create a node from cfg, sending through b. When a wal
// directory is configured the node restores its log and promises
// from it before rejoining the group.
func MakeNode(cfg *config.Config, b bus.MessageBus, app Application) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	metrics.Register()

	members, err := cluster.NewConfig(cfg.Cluster.Nodes)
	if err != nil {
		return nil, err
	}

	engineConfig := &engine.Config{
		ID:          cfg.Node.ID,
		Cluster:     members,
		Coordinator: cfg.Cluster.Coordinator,
	}
	if cfg.Cluster.Flavor == "election" {
		engineConfig.Flavor = role.Election
	} else {
		engineConfig.Flavor = role.TwoPhase
	}

	var stabler engine.Stabler
	if cfg.Storage.WALDir != "" {
		storage, entries, state, err := openStorage(cfg.Storage.WALDir)
		if err != nil {
			return nil, err
		}
		stabler = storage
		engineConfig.Entries = entries
		engineConfig.State = state
	}

	node := &Node{
		id:             cfg.Node.ID,
		app:            app,
		proposeTimeout: cfg.Node.ProposeTimeout,
		rnd:            rand.New(rand.NewSource(int64(cfg.Node.ID))),
		stopc:          make(chan struct{}),
	}
	node.engine = engine.MakeEngine(engineConfig, b, func(entry *quorumpd.Entry) {
		app.ApplyEntry(entry)
	}, stabler)

	if engineConfig.Flavor == role.Election {
		node.resetElectionTimer()
		millis := int(cfg.Node.ElectionTimeout / time.Millisecond)
		node.ticker = utils.StartTimer(millis, node.tick)
	}
	return node, nil
}

// openStorage open an existing wal directory, or create one.
func openStorage(dir string) (*persist.Storage, []quorumpd.Entry, quorumpd.HardState, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, quorumpd.HardState{}, err
	}
	names, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, quorumpd.HardState{}, err
	}
	if len(names) == 0 {
		storage, err := persist.Create(dir)
		return storage, nil, quorumpd.HardState{}, err
	}
	return persist.Open(dir)
}

// ID return the node's identifier.
func (node *Node) ID() uint64 {
	return node.id
}

// Step feed one incoming message into the node. Accepted traffic
// from a live proposer also postpones the next campaign; refused
// messages do not, so a doomed candidate cannot suppress elections.
func (node *Node) Step(msg *quorumpd.Message) error {
	err := node.engine.HandleIncoming(msg)
	if err == nil &&
		(msg.MsgType == quorumpd.MsgPrepare || msg.MsgType == quorumpd.MsgCommit) {
		node.resetElectionTimer()
	}
	return err
}

// Attach start a receive loop pumping the endpoint into Step, until
// Kill.
func (node *Node) Attach(ep *bus.Endpoint) {
	node.wg.Add(1)
	go func() {
		defer node.wg.Done()
		for {
			select {
			case msg := <-ep.Receive():
				if err := node.Step(msg); err != nil {
					log.Debugf("%d step: %v", node.id, err)
				}
			case <-node.stopc:
				return
			}
		}
	}()
}

// Propose replicate data to the group, blocking until it commits or
// the configured timeout expires.
func (node *Node) Propose(ctx context.Context, data []byte) (engine.CommitResult, error) {
	ctx, cancel := context.WithTimeout(ctx, node.proposeTimeout)
	defer cancel()
	return node.engine.Propose(ctx, data)
}

// TriggerElection campaign immediately instead of waiting out the
// election timer.
func (node *Node) TriggerElection(ctx context.Context) error {
	return node.engine.Campaign(ctx)
}

// IsLeader report whether the node currently holds the proposer role.
func (node *Node) IsLeader() bool {
	state, _ := node.engine.Status()
	return state.IsProposer()
}

// Status return the node's role state and highest observed proposal.
func (node *Node) Status() (role.State, uint64) {
	return node.engine.Status()
}

// CommitIndex return the node's commit watermark.
func (node *Node) CommitIndex() uint64 {
	return node.engine.CommitIndex()
}

// Kill stop the node's timers and receive loops. The engine itself
// holds no goroutines; in-flight rounds fail by context.
func (node *Node) Kill() {
	node.stopOnce.Do(func() {
		close(node.stopc)
		if node.ticker != nil {
			node.ticker.Stop()
		}
	})
	node.wg.Wait()
}

// tick count idle election intervals; after a randomized number of
// them a non-leader campaigns. Randomization keeps two timed-out
// followers from splitting every round between them.
func (node *Node) tick(time.Time) {
	if node.IsLeader() {
		node.resetElectionTimer()
		node.engine.Heartbeat()
		return
	}

	node.mu.Lock()
	node.elapsed++
	expired := node.elapsed >= node.threshold
	node.mu.Unlock()
	if !expired {
		return
	}
	node.resetElectionTimer()

	ctx, cancel := context.WithTimeout(context.Background(), node.proposeTimeout)
	defer cancel()
	if err := node.engine.Campaign(ctx); err != nil {
		log.Debugf("%d campaign lost: %v", node.id, err)
	}
}

func (node *Node) resetElectionTimer() {
	node.mu.Lock()
	// at least two intervals, so one heartbeat gap never triggers a
	// campaign.
	node.elapsed = 0
	node.threshold = 2 + node.rnd.Intn(3)
	node.mu.Unlock()
}

// Describe render a short human-readable status line.
func (node *Node) Describe() string {
	state, highest := node.engine.Status()
	return fmt.Sprintf("node %d [%v, highest: %d, commit: %d]",
		node.id, state, highest, node.engine.CommitIndex())
}
