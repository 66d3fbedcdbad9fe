package node

import (
	"fmt"
	"testing"
	"time"

	"github.com/fedmesh/fedmesh/src/config"
	"github.com/fedmesh/fedmesh/src/crypto"
	fnet "github.com/fedmesh/fedmesh/src/net"
	"github.com/fedmesh/fedmesh/src/peers"
	"github.com/fedmesh/fedmesh/src/proxy"
	"github.com/fedmesh/fedmesh/src/store"
	"github.com/fedmesh/fedmesh/src/wire"
)

type testNode struct {
	node *Node
	prx  *proxy.InmemProxy
	str  *store.InmemStore
}

func newTestNode(t *testing.T, network *fnet.InmemNetwork, addr string, mutate func(*config.Config)) *testNode {
	conf := config.NewTestConfig(t)
	conf.Moniker = addr
	if mutate != nil {
		mutate(conf)
	}

	key := crypto.GenerateKey()
	pub, err := key.PublicBytes()
	if err != nil {
		t.Fatal(err)
	}
	self := peers.NewIdentity(peers.PubKeyString(pub), addr)

	prx := proxy.NewInmemProxy(conf.Logger())
	str := store.NewInmemStore()

	n := NewNode(conf, key, self, network.NewStreamLayer(addr), prx, str)

	if err := n.Init(); err != nil {
		t.Fatal(err)
	}

	return &testNode{node: n, prx: prx, str: str}
}

func newTestMesh(t *testing.T, size int, mutate func(*config.Config)) []*testNode {
	network := fnet.NewInmemNetwork()

	nodes := []*testNode{}
	for i := 0; i < size; i++ {
		addr := fmt.Sprintf("node%d:1", i)
		nodes = append(nodes, newTestNode(t, network, addr, mutate))
	}

	for i := 0; i < size; i++ {
		for j := i + 1; j < size; j++ {
			nodes[i].node.Join([]string{nodes[j].node.Router().Self().NetAddr})
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for _, n := range nodes {
		for len(n.node.Router().Neighbors()) < size-1 {
			if time.Now().After(deadline) {
				t.Fatal("mesh never formed")
			}
			time.Sleep(10 * time.Millisecond)
		}
	}

	return nodes
}

func shutdownAll(nodes []*testNode) {
	for _, n := range nodes {
		n.node.Shutdown()
	}
}

// drivePhases completes Voting and Aggregating phases as soon as a node
// reaches them, like a cooperative application would.
func drivePhases(nodes []*testNode, stopCh chan struct{}) {
	for {
		select {
		case <-stopCh:
			return
		case <-time.After(10 * time.Millisecond):
		}

		for _, n := range nodes {
			switch n.node.GetState() {
			case Voting:
				n.node.VoteComplete()
			case Aggregating:
				n.node.AggregationComplete()
			}
		}
	}
}

func TestFiveNodeRound(t *testing.T) {
	nodes := newTestMesh(t, 5, func(conf *config.Config) {
		conf.TTL = 3
		conf.ModelFanout = 4
		conf.VoteTimeout = 2 * time.Second
		conf.AggregationTimeout = 2 * time.Second
	})
	defer shutdownAll(nodes)

	for i, n := range nodes {
		n.prx.TrainPayload = []byte(fmt.Sprintf("weights-%d", i))
	}

	stopCh := make(chan struct{})
	defer close(stopCh)
	go drivePhases(nodes, stopCh)

	for _, n := range nodes {
		go n.node.Run()
	}

	// Every node must receive the other four model payloads.
	deadline := time.Now().Add(10 * time.Second)
	for _, n := range nodes {
		for len(n.prx.Deliveries()) < 4 {
			if time.Now().After(deadline) {
				t.Fatalf("node %s got only %d deliveries",
					n.node.Router().Self().NetAddr, len(n.prx.Deliveries()))
			}
			time.Sleep(20 * time.Millisecond)
		}
	}

	// Let duplicates, if any, arrive; then check exactly-once.
	time.Sleep(300 * time.Millisecond)
	for _, n := range nodes {
		deliveries := n.prx.Deliveries()

		payloads := map[string]int{}
		for _, d := range deliveries {
			if d.Kind != wire.ModelUpdate {
				t.Fatalf("unexpected delivery kind %v", d.Kind)
			}
			payloads[string(d.Body)]++
		}

		if len(payloads) != 4 {
			t.Fatalf("node %s should have payloads from 4 distinct peers, got %d",
				n.node.Router().Self().NetAddr, len(payloads))
		}
		for body, count := range payloads {
			if count != 1 {
				t.Fatalf("payload %q delivered %d times on %s",
					body, count, n.node.Router().Self().NetAddr)
			}
		}

		if len(n.prx.Convergences()) == 0 {
			t.Fatalf("node %s never saw a round convergence", n.node.Router().Self().NetAddr)
		}
	}

	// With the phases driven, every node completes round 1.
	deadline = time.Now().Add(10 * time.Second)
	for _, n := range nodes {
		for !hasTransition(t, n.str, 1, Converged.String()) {
			if time.Now().After(deadline) {
				t.Fatalf("node %s never converged round 1", n.node.Router().Self().NetAddr)
			}
			time.Sleep(20 * time.Millisecond)
		}
	}
}

// With fan-out 2 a single dissemination is probabilistic, but nodes keep
// originating their payload every round, so coverage is certain over a few
// rounds.
func TestFiveNodeFanoutTwoCoverage(t *testing.T) {
	nodes := newTestMesh(t, 5, func(conf *config.Config) {
		conf.TTL = 3
		conf.ModelFanout = 2
	})
	defer shutdownAll(nodes)

	for i, n := range nodes {
		n.prx.TrainPayload = []byte(fmt.Sprintf("weights-%d", i))
	}

	stopCh := make(chan struct{})
	defer close(stopCh)
	go drivePhases(nodes, stopCh)

	for _, n := range nodes {
		go n.node.Run()
	}

	deadline := time.Now().Add(15 * time.Second)
	for _, n := range nodes {
		for countOrigins(n.prx) < 4 {
			if time.Now().After(deadline) {
				t.Fatalf("node %s only heard from %d peers",
					n.node.Router().Self().NetAddr, countOrigins(n.prx))
			}
			time.Sleep(20 * time.Millisecond)
		}
	}
}

func countOrigins(prx *proxy.InmemProxy) int {
	origins := map[uint32]bool{}
	for _, d := range prx.Deliveries() {
		if d.Kind == wire.ModelUpdate {
			origins[d.Origin.UID()] = true
		}
	}
	return len(origins)
}

func TestDeadNodeIsDetected(t *testing.T) {
	nodes := newTestMesh(t, 5, nil)
	defer shutdownAll(nodes)

	for _, n := range nodes {
		go n.node.Run()
	}

	victim := nodes[4]
	victimUID := victim.node.Router().Self().UID()
	victim.node.Shutdown()

	deadline := time.Now().Add(5 * time.Second)
	for _, n := range nodes[:4] {
		for !sawDead(n.prx, victimUID) {
			if time.Now().After(deadline) {
				t.Fatalf("node %s never declared the victim dead", n.node.Router().Self().NetAddr)
			}
			time.Sleep(20 * time.Millisecond)
		}
	}

	// The gate reopens once the shrunken view is stable: every survivor must
	// see a fresh round convergence after declaring the victim dead.
	baselines := make([]int, 4)
	for i, n := range nodes[:4] {
		baselines[i] = len(n.prx.Convergences())
	}

	deadline = time.Now().Add(5 * time.Second)
	for i, n := range nodes[:4] {
		for len(n.prx.Convergences()) <= baselines[i] {
			if time.Now().After(deadline) {
				t.Fatalf("node %s never converged on the four-node view", n.node.Router().Self().NetAddr)
			}
			time.Sleep(20 * time.Millisecond)
		}
	}
}

func TestVoteTimeoutAbortsRound(t *testing.T) {
	network := fnet.NewInmemNetwork()
	n := newTestNode(t, network, "solo:1", nil)
	defer n.node.Shutdown()

	// Nobody completes the vote, so the phase must expire.
	go n.node.Run()

	deadline := time.Now().Add(5 * time.Second)
	for len(n.prx.Timeouts()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("the voting phase should have timed out")
		}
		time.Sleep(20 * time.Millisecond)
	}

	timeout := n.prx.Timeouts()[0]
	if timeout.Round != 1 {
		t.Fatalf("timeout should be for round 1, not %d", timeout.Round)
	}
	if timeout.Phase != Voting.String() {
		t.Fatalf("timeout should be in Voting, not %s", timeout.Phase)
	}

	// The round was aborted: it never reached Aggregating or Converged.
	if hasTransition(t, n.str, 1, Aggregating.String()) {
		t.Fatal("an aborted round must not advance to Aggregating")
	}
	if hasTransition(t, n.str, 1, Converged.String()) {
		t.Fatal("an aborted round must not converge")
	}

	// And the node moves on to the next round instead of wedging.
	deadline = time.Now().Add(5 * time.Second)
	for n.node.Round() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("the node should start a new round after an abort")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestSoloRoundCompletes(t *testing.T) {
	network := fnet.NewInmemNetwork()
	n := newTestNode(t, network, "solo:1", nil)
	defer n.node.Shutdown()

	stopCh := make(chan struct{})
	defer close(stopCh)
	go drivePhases([]*testNode{n}, stopCh)

	go n.node.Run()

	deadline := time.Now().Add(5 * time.Second)
	for !hasTransition(t, n.str, 1, Converged.String()) {
		if time.Now().After(deadline) {
			t.Fatal("a solo round with cooperative phases should converge")
		}
		time.Sleep(20 * time.Millisecond)
	}

	convergences := n.prx.Convergences()
	if len(convergences) == 0 || convergences[0] != 1 {
		t.Fatalf("round 1 convergence should be reported, got %v", convergences)
	}
}

func hasTransition(t *testing.T, s store.Store, round int, to string) bool {
	transitions, err := s.Transitions(round)
	if err != nil {
		t.Fatal(err)
	}
	for _, tr := range transitions {
		if tr.To == to {
			return true
		}
	}
	return false
}

func sawDead(prx *proxy.InmemProxy, uid uint32) bool {
	for _, l := range prx.Liveness() {
		if l.Neighbor.UID() == uid && l.State == peers.Dead {
			return true
		}
	}
	return false
}
