package router

import (
	"testing"
	"time"

	"github.com/fedmesh/fedmesh/src/common"
	"github.com/fedmesh/fedmesh/src/config"
	"github.com/fedmesh/fedmesh/src/crypto"
	fnet "github.com/fedmesh/fedmesh/src/net"
	"github.com/fedmesh/fedmesh/src/peers"
	"github.com/fedmesh/fedmesh/src/proxy"
	"github.com/fedmesh/fedmesh/src/wire"
)

type testRouter struct {
	router *Router
	prx    *proxy.InmemProxy
}

func newTestRouter(t *testing.T, network *fnet.InmemNetwork, addr string) *testRouter {
	conf := config.NewTestConfig(t)
	logger := common.NewTestEntry(t, addr)

	key := crypto.GenerateKey()
	pub, err := key.PublicBytes()
	if err != nil {
		t.Fatal(err)
	}
	self := peers.NewIdentity(peers.PubKeyString(pub), addr)

	prx := proxy.NewInmemProxy(logger)

	rtr := NewRouter(conf, key, self, network.NewStreamLayer(addr), prx, logger)

	// Relay everything that still has hop budget, like the gossip engine
	// does, but synchronously.
	rtr.SetHandlers(nil, func(env *wire.Envelope) {
		rtr.Broadcast(env)
	})

	go rtr.Listen()

	return &testRouter{router: rtr, prx: prx}
}

func connectMesh(t *testing.T, nodes []*testRouter) {
	for i := 0; i < len(nodes); i++ {
		for j := i + 1; j < len(nodes); j++ {
			addr := nodes[j].router.Self().NetAddr
			if err := nodes[i].router.AddPeer(addr); err != nil {
				t.Fatal(err)
			}
		}
	}

	// Inbound registration is asynchronous; wait for the tables to fill.
	deadline := time.Now().Add(3 * time.Second)
	for _, n := range nodes {
		for len(n.router.Neighbors()) < len(nodes)-1 {
			if time.Now().After(deadline) {
				t.Fatalf("node %s never saw the full mesh", n.router.Self().NetAddr)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func shutdownAll(nodes []*testRouter) {
	for _, n := range nodes {
		n.router.Shutdown()
	}
}

func TestExactlyOnceDelivery(t *testing.T) {
	network := fnet.NewInmemNetwork()
	nodes := []*testRouter{
		newTestRouter(t, network, "a:1"),
		newTestRouter(t, network, "b:1"),
		newTestRouter(t, network, "c:1"),
	}
	defer shutdownAll(nodes)

	connectMesh(t, nodes)

	origin := nodes[0]
	env := wire.NewEnvelope(wire.GossipEnvelope, wire.ControlMessage, origin.router.Self(), 3, []byte("round start"))
	origin.router.Remember(env.ID)
	origin.router.Broadcast(env)

	time.Sleep(300 * time.Millisecond)

	// Every other node delivers exactly once, despite the relays.
	for _, n := range nodes[1:] {
		deliveries := n.prx.Deliveries()
		if len(deliveries) != 1 {
			t.Fatalf("node %s should have 1 delivery, not %d", n.router.Self().NetAddr, len(deliveries))
		}
		if string(deliveries[0].Body) != "round start" {
			t.Fatalf("wrong body: %q", deliveries[0].Body)
		}
		if deliveries[0].Origin.UID() != origin.router.Self().UID() {
			t.Fatal("wrong origin")
		}
	}

	// The origin never delivers its own payload.
	if len(origin.prx.Deliveries()) != 0 {
		t.Fatal("origin should not deliver its own payload")
	}
}

func TestTTLZeroIsNotForwarded(t *testing.T) {
	network := fnet.NewInmemNetwork()
	a := newTestRouter(t, network, "a:1")
	b := newTestRouter(t, network, "b:1")
	c := newTestRouter(t, network, "c:1")
	defer shutdownAll([]*testRouter{a, b, c})

	// A chain: a - b - c.
	if err := a.router.AddPeer("b:1"); err != nil {
		t.Fatal(err)
	}
	if err := b.router.AddPeer("c:1"); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for len(b.router.Neighbors()) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("b never saw both neighbors")
		}
		time.Sleep(10 * time.Millisecond)
	}

	env := wire.NewEnvelope(wire.GossipEnvelope, wire.ControlMessage, a.router.Self(), 0, []byte("exhausted"))
	a.router.Remember(env.ID)
	a.router.Broadcast(env)

	time.Sleep(200 * time.Millisecond)

	if len(b.prx.Deliveries()) != 1 {
		t.Fatalf("b should deliver the payload, got %d deliveries", len(b.prx.Deliveries()))
	}
	if len(c.prx.Deliveries()) != 0 {
		t.Fatal("c should not receive a payload whose hop budget was exhausted at b")
	}
}

func TestVotesAreRelayed(t *testing.T) {
	network := fnet.NewInmemNetwork()
	a := newTestRouter(t, network, "a:1")
	b := newTestRouter(t, network, "b:1")
	c := newTestRouter(t, network, "c:1")
	defer shutdownAll([]*testRouter{a, b, c})

	// A chain: a - b - c.
	if err := a.router.AddPeer("b:1"); err != nil {
		t.Fatal(err)
	}
	if err := b.router.AddPeer("c:1"); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for len(b.router.Neighbors()) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("b never saw both neighbors")
		}
		time.Sleep(10 * time.Millisecond)
	}

	env := wire.NewEnvelope(wire.Vote, wire.KindNone, a.router.Self(), 3, []byte("yes"))
	a.router.Remember(env.ID)
	a.router.Broadcast(env)

	time.Sleep(200 * time.Millisecond)

	if len(b.prx.Votes()) != 1 {
		t.Fatalf("b should see the vote, got %d", len(b.prx.Votes()))
	}
	if len(c.prx.Votes()) != 1 {
		t.Fatalf("the vote should be relayed to c, got %d", len(c.prx.Votes()))
	}
}

func TestAuthFailureMarksSenderSuspected(t *testing.T) {
	network := fnet.NewInmemNetwork()
	a := newTestRouter(t, network, "a:1")
	b := newTestRouter(t, network, "b:1")
	defer shutdownAll([]*testRouter{a, b})

	connectMesh(t, []*testRouter{a, b})

	a.router.neighborsLock.RLock()
	var conn *fnet.Connection
	for _, n := range a.router.neighbors {
		conn = n.Conn
	}
	a.router.neighborsLock.RUnlock()

	// A frame whose body was not sealed with the session key.
	env := wire.NewEnvelope(wire.GossipEnvelope, wire.ControlMessage, b.router.Self(), 3, []byte("forged"))
	frame, err := wire.Encode(env)
	if err != nil {
		t.Fatal(err)
	}

	a.router.onFrame(conn, frame)

	infos := a.router.Neighbors()
	if len(infos) != 1 {
		t.Fatalf("expected 1 neighbor, got %d", len(infos))
	}
	if infos[0].State != peers.Suspected {
		t.Fatalf("sender should be Suspected, not %v", infos[0].State)
	}
	if len(a.prx.Deliveries()) != 0 {
		t.Fatal("a forged payload must not be delivered")
	}
}

func TestMarkDeadIsTombstone(t *testing.T) {
	network := fnet.NewInmemNetwork()
	a := newTestRouter(t, network, "a:1")
	b := newTestRouter(t, network, "b:1")
	defer shutdownAll([]*testRouter{a, b})

	connectMesh(t, []*testRouter{a, b})

	uid := b.router.Self().UID()

	a.router.MarkDead(uid)

	// A dead neighbor does not come back through liveness marking.
	a.router.MarkSuspected(uid)

	infos := a.router.Neighbors()
	if len(infos) != 1 || infos[0].State != peers.Dead {
		t.Fatal("dead neighbor should stay dead until re-registration")
	}

	if len(a.router.AliveIdentities()) != 0 {
		t.Fatal("dead neighbor must not be in the alive set")
	}

	env := wire.NewEnvelope(wire.Heartbeat, wire.KindNone, a.router.Self(), 1, nil)
	if err := a.router.SendTo(uid, env); err != ErrUnknownPeer {
		t.Fatalf("err should be ErrUnknownPeer, not %v", err)
	}

	a.router.RemovePeer(uid)
	if len(a.router.Neighbors()) != 0 {
		t.Fatal("removed neighbor should be gone")
	}
}

func TestStats(t *testing.T) {
	network := fnet.NewInmemNetwork()
	a := newTestRouter(t, network, "a:1")
	b := newTestRouter(t, network, "b:1")
	defer shutdownAll([]*testRouter{a, b})

	connectMesh(t, []*testRouter{a, b})

	stats := a.router.Stats()
	if stats["num_neighbors"] != "1" {
		t.Fatalf("num_neighbors should be 1, not %s", stats["num_neighbors"])
	}
	if stats["alive_neighbors"] != "1" {
		t.Fatalf("alive_neighbors should be 1, not %s", stats["alive_neighbors"])
	}
}
