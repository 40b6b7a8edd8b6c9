package simu

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	network "github.com/thinkermao/network-simu-go"
)

const walDir = "./wal_log/"

// Environment drives a whole cluster of Apps over a simulated
// network for the verification tests: it can crash, restart,
// connect and disconnect individual nodes, and cross-checks that all
// applied logs agree.
type Environment struct {
	t          *testing.T
	net        network.Network
	totalNodes int
	apps       []*App
}

// MakeEnvironment build a cluster of num connected, running nodes.
func MakeEnvironment(t *testing.T, num int, unreliable bool) *Environment {
	builder := network.CreateBuilder()
	env := &Environment{}

	var apps []*App
	for i := 0; i < num; i++ {
		dir := filepath.Join(walDir, strconv.Itoa(i))
		if err := os.MkdirAll(dir, 0777); err != nil {
			panic(err)
		}

		handler := builder.AddEndpoint()
		apps = append(apps, MakeApp(dir, handler))
	}

	env.t = t
	env.net = builder.Build()
	env.totalNodes = num
	env.apps = apps
	env.SetUnreliable(unreliable)

	for i := 0; i < num; i++ {
		env.Start1(i)
		env.Connect(i)
	}

	return env
}

// Crash1 shut down a node but keep its persistent state.
func (env *Environment) Crash1(i int) {
	env.Disconnect(i)
	env.apps[i].Shutdown()
}

// Start1 start or re-start node i; a running instance is killed
// first.
func (env *Environment) Start1(i int) {
	env.Crash1(i)

	ns := make([]uint64, 0)
	for j := 0; j < len(env.apps); j++ {
		ns = append(ns, uint64(env.apps[j].ID()))
	}

	if err := env.apps[i].Start(ns); err != nil {
		env.t.Fatalf("start %d: %v", i, err)
	}
}

// Propose submit num through node id.
func (env *Environment) Propose(id int, num int) (uint64, bool) {
	return env.apps[id].Propose(num)
}

// GetState return node id's highest proposal and leadership claim.
func (env *Environment) GetState(id int) (uint64, bool) {
	return env.apps[id].GetState()
}

// Cleanup kill all nodes and drop their data.
func (env *Environment) Cleanup() {
	for i := 0; i < len(env.apps); i++ {
		if env.apps[i] != nil {
			env.apps[i].Shutdown()
		}
	}
	if err := os.RemoveAll(walDir); err != nil {
		panic(err)
	}
}

// Connect attach node i to the net.
func (env *Environment) Connect(i int) {
	env.net.Enable(i)
}

// Disconnect detach node i from the net.
func (env *Environment) Disconnect(i int) {
	env.net.Disable(i)
}

// GetCount how many network calls node i made.
func (env *Environment) GetCount(server int) int {
	return int(env.net.GetCount(server))
}

// SetUnreliable make the network drop and delay messages.
func (env *Environment) SetUnreliable(unrel bool) {
	env.net.SetReliable(!unrel)
}

// CheckOneLeader check that exactly one connected node leads; tried
// a few times in case elections are still settling.
func (env *Environment) CheckOneLeader() int {
	for iters := 0; iters < 10; iters++ {
		time.Sleep(ElectionTimeout * time.Millisecond)

		leaders := make(map[uint64][]int)
		for i := 0; i < env.totalNodes; i++ {
			if env.net.IsEnable(i) {
				if proposal, leader := env.apps[i].GetState(); leader {
					leaders[proposal] = append(leaders[proposal], i)
				}
			}
		}

		var lastProposalWithLeader uint64
		for proposal, claimants := range leaders {
			if len(claimants) > 1 {
				env.t.Fatalf("proposal %d has %d (>1) leaders", proposal, len(claimants))
			}
			if proposal > lastProposalWithLeader {
				lastProposalWithLeader = proposal
			}
		}

		if len(leaders) != 0 {
			return leaders[lastProposalWithLeader][0]
		}
	}
	env.t.Fatalf("expected one leader, got none")
	return -1
}

// CheckNoLeader check that no connected node claims leadership.
func (env *Environment) CheckNoLeader() {
	for i := 0; i < env.totalNodes; i++ {
		if env.net.IsEnable(i) {
			if _, isLeader := env.apps[i].GetState(); isLeader {
				env.t.Fatalf("expected no leader, but %v claims to be leader", i)
			}
		}
	}
}

// CommittedNumber how many nodes have applied the entry at index,
// and the value they agree on.
func (env *Environment) CommittedNumber(index int) (int, int) {
	count := 0
	value := -1
	for i := 0; i < len(env.apps); i++ {
		if err := env.apps[i].ApplyError(); err != nil {
			env.t.Fatal(err)
		}

		v, ok := env.apps[i].LogAt(index)
		if ok {
			if count > 0 && value != v {
				env.t.Fatalf("committed values do not match: index %v, %v, %v",
					index, value, v)
			}
			count++
			value = v
		}
	}
	return count, value
}

// Wait for at least n nodes to apply index, but not forever.
func (env *Environment) Wait(index int, n int) int {
	to := 10 * time.Millisecond
	for iters := 0; iters < 30; iters++ {
		nd, _ := env.CommittedNumber(index)
		if nd >= n {
			break
		}
		time.Sleep(to)
		if to < time.Second {
			to *= 2
		}
	}
	nd, value := env.CommittedNumber(index)
	if nd < n {
		env.t.Fatalf("only %d decided for index %d; wanted %d",
			nd, index, n)
	}
	return value
}

// One do a complete agreement: submit cmd through whichever node
// accepts it, then wait until expectedServers applied it. It may
// pick wrong leaders and re-submit, giving up after 10 seconds.
func (env *Environment) One(cmd int, expectedServers int) int {
	t0 := time.Now()
	starts := 0
	for time.Since(t0).Seconds() < 10 {
		index := -1
		for si := 0; si < env.totalNodes; si++ {
			starts = (starts + 1) % env.totalNodes
			if !env.net.IsEnable(starts) {
				continue
			}
			index1, ok := env.apps[starts].Propose(cmd)
			if ok {
				index = int(index1)
				break
			}
		}

		if index != -1 {
			t1 := time.Now()
			for time.Since(t1).Seconds() < 2 {
				nd, value := env.CommittedNumber(index)
				if nd > 0 && nd >= expectedServers && value == cmd {
					return index
				}
				time.Sleep(20 * time.Millisecond)
			}
		} else {
			time.Sleep(50 * time.Millisecond)
		}
	}
	env.t.Fatalf("One(%v) failed to reach agreement", cmd)
	return -1
}
