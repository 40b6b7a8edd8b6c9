package verify

import (
	"fmt"
	"testing"

	"github.com/thinkermao/quorum/simu"
)

func TestQuorum_BasicAgree(t *testing.T) {
	servers := 5
	env := simu.MakeEnvironment(t, servers, false)
	defer env.Cleanup()

	fmt.Printf("Test: basic agreement ...\n")

	iters := 6
	for index := 0; index < iters; index++ {
		nd, _ := env.CommittedNumber(index)
		if nd > 0 {
			t.Fatalf("some have committed before any proposal")
		}

		xindex := env.One(index*100, servers)
		if xindex != index {
			t.Fatalf("got index %v but expected %v", xindex, index)
		}
	}

	fmt.Printf("  ... Passed\n")
}

func TestQuorum_FailAgree(t *testing.T) {
	servers := 3
	env := simu.MakeEnvironment(t, servers, false)
	defer env.Cleanup()

	fmt.Printf("Test: agreement despite follower disconnection ...\n")

	env.One(101, servers)

	// one follower drops off.
	leader := env.CheckOneLeader()
	env.Disconnect((leader + 1) % servers)

	// agreement among the connected quorum continues. The detached
	// follower can never catch up (there is no log repair), so later
	// entries settle on the quorum only.
	env.One(102, servers-1)
	env.One(103, servers-1)
	sleep(simu.ElectionTimeout)
	env.One(104, servers-1)
	env.One(105, servers-1)

	// the re-connected follower never disturbs the quorum: its
	// campaigns are refused as lagging.
	env.Connect((leader + 1) % servers)
	env.One(106, servers-1)
	sleep(simu.ElectionTimeout)
	env.One(107, servers-1)

	fmt.Printf("  ... Passed\n")
}

func TestQuorum_FailNoAgree(t *testing.T) {
	servers := 5
	env := simu.MakeEnvironment(t, servers, false)
	defer env.Cleanup()

	fmt.Printf("Test: no agreement if too many followers disconnect ...\n")

	env.One(10, servers)

	leader := env.CheckOneLeader()
	env.Disconnect((leader + 1) % servers)
	env.Disconnect((leader + 2) % servers)
	env.Disconnect((leader + 3) % servers)

	// the proposal cannot gather a quorum.
	if _, ok := env.Propose(leader, 20); ok {
		t.Fatalf("committed without a quorum")
	}
	if nd, _ := env.CommittedNumber(1); nd > 0 {
		t.Fatalf("%d committed but no quorum connected", nd)
	}

	// repair the network; the disconnected majority missed nothing
	// committed, so full agreement resumes.
	env.Connect((leader + 1) % servers)
	env.Connect((leader + 2) % servers)
	env.Connect((leader + 3) % servers)

	env.One(30, servers)
	env.One(1000, servers)

	fmt.Printf("  ... Passed\n")
}

func TestQuorum_UnreliableAgree(t *testing.T) {
	servers := 5
	env := simu.MakeEnvironment(t, servers, true)
	defer env.Cleanup()

	fmt.Printf("Test: agreement over a lossy network ...\n")

	// message loss can leave nodes behind for good, so only a quorum
	// is expected to apply each entry.
	quorumSize := servers/2 + 1
	for index := 0; index < 10; index++ {
		env.One(index*100, quorumSize)
	}

	fmt.Printf("  ... Passed\n")
}
