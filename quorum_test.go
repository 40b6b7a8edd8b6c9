package quorum

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/thinkermao/quorum/bus"
	"github.com/thinkermao/quorum/config"
	"github.com/thinkermao/quorum/engine"
	quorumpd "github.com/thinkermao/quorum/proto"
)

type testApp struct {
	mu      sync.Mutex
	entries []quorumpd.Entry
}

func (a *testApp) ApplyEntry(entry *quorumpd.Entry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, *entry)
}

func (a *testApp) applied() []quorumpd.Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	dup := make([]quorumpd.Entry, len(a.entries))
	copy(dup, a.entries)
	return dup
}

func nodeConfig(id uint64, flavor string, members []uint64) *config.Config {
	cfg := config.Default()
	cfg.Node.ID = id
	cfg.Node.ProposeTimeout = 2 * time.Second
	cfg.Node.ElectionTimeout = 50 * time.Millisecond
	cfg.Cluster.Flavor = flavor
	cfg.Cluster.Coordinator = members[0]
	cfg.Cluster.Nodes = members
	return &cfg
}

func makeGroup(t *testing.T, flavor string, n int) ([]*Node, []*testApp) {
	members := make([]uint64, n)
	for i := 0; i < n; i++ {
		members[i] = uint64(i + 1)
	}
	net := bus.MakeNetwork(members...)

	nodes := make([]*Node, n)
	apps := make([]*testApp, n)
	for i, id := range members {
		apps[i] = &testApp{}
		ep := net.Endpoint(id)
		node, err := MakeNode(nodeConfig(id, flavor, members), ep, apps[i])
		if err != nil {
			t.Fatalf("make node %d: %v", id, err)
		}
		node.Attach(ep)
		nodes[i] = node
	}
	t.Cleanup(func() {
		for _, node := range nodes {
			node.Kill()
		}
	})
	return nodes, apps
}

// waitOneLeader poll until exactly one node claims the proposer role.
func waitOneLeader(t *testing.T, nodes []*Node) *Node {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		var leaders []*Node
		for _, node := range nodes {
			if node.IsLeader() {
				leaders = append(leaders, node)
			}
		}
		if len(leaders) == 1 {
			return leaders[0]
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("no single leader emerged")
	return nil
}

// one submit data through whichever node currently leads, retrying
// through leadership churn.
func one(t *testing.T, nodes []*Node, data string) engine.CommitResult {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		for _, node := range nodes {
			result, err := node.Propose(context.Background(), []byte(data))
			if err == nil {
				return result
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("failed to commit %q", data)
	return engine.CommitResult{}
}

func waitApplied(app *testApp, count int) bool {
	for i := 0; i < 500; i++ {
		if len(app.applied()) >= count {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

func TestNode_TwoPhaseGroup(t *testing.T) {
	nodes, apps := makeGroup(t, "two-phase", 3)

	coordinator := nodes[0]
	if !coordinator.IsLeader() || nodes[1].IsLeader() {
		t.Fatal("two-phase roles misassigned")
	}

	for i, data := range []string{"a", "b", "c"} {
		result, err := coordinator.Propose(context.Background(), []byte(data))
		if err != nil {
			t.Fatalf("propose %q: %v", data, err)
		}
		if result.Sequence != uint64(i) {
			t.Fatalf("%q landed at seq %d", data, result.Sequence)
		}
	}

	for i, app := range apps {
		if !waitApplied(app, 3) {
			t.Fatalf("app %d applied %d entries", i, len(app.applied()))
		}
	}
}

func TestNode_ElectionGroup(t *testing.T) {
	nodes, apps := makeGroup(t, "election", 3)

	leader := waitOneLeader(t, nodes)
	result, err := leader.Propose(context.Background(), []byte("elected"))
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if result.Sequence != 0 {
		t.Fatalf("seq %d", result.Sequence)
	}

	for i, app := range apps {
		if !waitApplied(app, 1) {
			t.Fatalf("app %d missed the entry", i)
		}
		if string(app.applied()[0].Data) != "elected" {
			t.Fatalf("app %d applied %q", i, app.applied()[0].Data)
		}
	}

	one(t, nodes, "second")
}

func TestNode_RestartRestoresLog(t *testing.T) {
	dir := t.TempDir()
	members := []uint64{1}
	cfg := nodeConfig(1, "two-phase", members)
	cfg.Storage.WALDir = dir

	net := bus.MakeNetwork(members...)
	app := &testApp{}
	node, err := MakeNode(cfg, net.Endpoint(1), app)
	if err != nil {
		t.Fatalf("make node: %v", err)
	}
	for _, data := range []string{"one", "two"} {
		if _, err := node.Propose(context.Background(), []byte(data)); err != nil {
			t.Fatalf("propose %q: %v", data, err)
		}
	}
	node.Kill()

	app2 := &testApp{}
	node2, err := MakeNode(cfg, net.Endpoint(1), app2)
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer node2.Kill()

	if node2.CommitIndex() != 2 {
		t.Fatalf("restored commit index %d", node2.CommitIndex())
	}
	entries := app2.applied()
	if len(entries) != 2 || string(entries[0].Data) != "one" || string(entries[1].Data) != "two" {
		t.Fatalf("replayed %v", entries)
	}

	result, err := node2.Propose(context.Background(), []byte("three"))
	if err != nil {
		t.Fatalf("propose after restart: %v", err)
	}
	if result.Sequence != 2 {
		t.Fatalf("post-restart seq %d", result.Sequence)
	}
}
