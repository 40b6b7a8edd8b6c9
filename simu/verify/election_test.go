package verify

import (
	"fmt"
	"testing"
	"time"

	"github.com/thinkermao/quorum/simu"
)

func sleep(ms int) {
	time.Sleep(time.Duration(ms) * time.Millisecond)
}

func TestQuorum_InitialElection(t *testing.T) {
	servers := 3
	env := simu.MakeEnvironment(t, servers, false)
	defer env.Cleanup()

	fmt.Printf("Test: initial election ...\n")

	// is a leader elected?
	leader1 := env.CheckOneLeader()

	// does the leader stay put while nothing fails?
	sleep(3 * simu.ElectionTimeout)
	leader2 := env.CheckOneLeader()
	if leader1 != leader2 {
		fmt.Printf("warning: leader changed even though there were no failures\n")
	}

	fmt.Printf("  ... Passed\n")
}

func TestQuorum_ReElection(t *testing.T) {
	servers := 3
	env := simu.MakeEnvironment(t, servers, false)
	defer env.Cleanup()

	fmt.Printf("Test: election after network failure ...\n")

	leader1 := env.CheckOneLeader()

	// if the leader disconnects, a new one should be elected.
	env.Disconnect(leader1)
	leader2 := env.CheckOneLeader()

	// the old leader rejoining shouldn't disturb the new leader.
	env.Connect(leader1)
	sleep(3 * simu.ElectionTimeout)
	if leader := env.CheckOneLeader(); leader != leader2 {
		t.Fatal("old leader rejoined, but leader changed from ",
			leader2, " to ", leader)
	}
	if _, isLeader := env.GetState(leader1); isLeader {
		t.Fatal("old leader should lose leadership to the higher number")
	}

	// with no quorum connected, no leader should be elected.
	env.Disconnect(leader2)
	env.Disconnect((leader2 + 1) % servers)
	sleep(3 * simu.ElectionTimeout)
	env.CheckNoLeader()

	// a quorum arises, it should elect a leader.
	env.Connect((leader2 + 1) % servers)
	env.CheckOneLeader()

	// re-join of the last node shouldn't prevent a leader from existing.
	env.Connect(leader2)
	env.CheckOneLeader()

	fmt.Printf("  ... Passed\n")
}
