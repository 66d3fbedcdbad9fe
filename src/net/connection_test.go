package net

import (
	"net"
	"testing"
	"time"

	"github.com/fedmesh/fedmesh/src/common"
	"github.com/fedmesh/fedmesh/src/crypto"
	"github.com/fedmesh/fedmesh/src/peers"
	"github.com/fedmesh/fedmesh/src/wire"
)

// connPair builds two handshaken Connections over an in-memory pipe.
func connPair(t *testing.T, queueSize int) (*Connection, *Connection) {
	aConn, bConn := net.Pipe()

	aKey := crypto.GenerateKey()
	bKey := crypto.GenerateKey()

	aPub, _ := aKey.PublicBytes()
	bPub, _ := bKey.PublicBytes()

	aID := peers.NewIdentity(peers.PubKeyString(aPub), "a:1")
	bID := peers.NewIdentity(peers.PubKeyString(bPub), "b:1")

	logger := common.NewTestEntry(t, "conn_test")

	type res struct {
		c   *Connection
		err error
	}
	resCh := make(chan res, 1)
	go func() {
		c, err := NewConnection(bConn, bKey, bID, queueSize, logger)
		resCh <- res{c, err}
	}()

	a, err := NewConnection(aConn, aKey, aID, queueSize, logger)
	if err != nil {
		t.Fatal(err)
	}

	r := <-resCh
	if r.err != nil {
		t.Fatal(r.err)
	}

	return a, r.c
}

func TestSendPriorityOrder(t *testing.T) {
	a, b := connPair(t, 8)
	defer a.Close()
	defer b.Close()

	self := a.Remote()

	gotCh := make(chan wire.Tag, 8)
	b.Start(func(c *Connection, frame []byte) {
		env, err := wire.Decode(frame)
		if err != nil {
			t.Errorf("decode: %v", err)
			return
		}
		gotCh <- env.Tag
	}, func(c *Connection) {})

	// Enqueue in reverse priority order before the send loop starts.
	gossip := wire.NewEnvelope(wire.GossipEnvelope, wire.ModelUpdate, self, 3, []byte("weights"))
	vote := wire.NewEnvelope(wire.Vote, wire.KindNone, self, 1, []byte("yes"))
	beat := wire.NewEnvelope(wire.Heartbeat, wire.KindNone, self, 1, nil)

	if err := a.Send(gossip); err != nil {
		t.Fatal(err)
	}
	if err := a.Send(vote); err != nil {
		t.Fatal(err)
	}
	if err := a.Send(beat); err != nil {
		t.Fatal(err)
	}

	a.Start(func(c *Connection, frame []byte) {}, func(c *Connection) {})

	expected := []wire.Tag{wire.Heartbeat, wire.Vote, wire.GossipEnvelope}
	for i, want := range expected {
		select {
		case got := <-gotCh:
			if got != want {
				t.Fatalf("frame %d should be %v, not %v", i, want, got)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for frame %d", i)
		}
	}
}

func TestGossipQueueShedsOldest(t *testing.T) {
	a, b := connPair(t, 1)
	defer a.Close()
	defer b.Close()

	self := a.Remote()

	gotCh := make(chan string, 4)
	b.Start(func(c *Connection, frame []byte) {
		env, err := wire.Decode(frame)
		if err != nil {
			t.Errorf("decode: %v", err)
			return
		}
		gotCh <- env.ID
	}, func(c *Connection) {})

	first := wire.NewEnvelope(wire.GossipEnvelope, wire.ModelUpdate, self, 3, []byte("one"))
	second := wire.NewEnvelope(wire.GossipEnvelope, wire.ModelUpdate, self, 3, []byte("two"))

	// The queue holds one item; the second enqueue sheds the first.
	if err := a.Send(first); err != nil {
		t.Fatal(err)
	}
	if err := a.Send(second); err != nil {
		t.Fatal(err)
	}

	a.Start(func(c *Connection, frame []byte) {}, func(c *Connection) {})

	select {
	case id := <-gotCh:
		if id != second.ID {
			t.Fatalf("surviving envelope should be %s, not %s", second.ID, id)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
}

func TestSendOnClosedConnection(t *testing.T) {
	a, b := connPair(t, 1)
	defer b.Close()

	a.Close()

	beat := wire.NewEnvelope(wire.Heartbeat, wire.KindNone, a.Remote(), 1, nil)
	if err := a.Send(beat); err != ErrConnectionClosed {
		t.Fatalf("err should be ErrConnectionClosed, not %v", err)
	}
}

func TestCloseFiresCloseHandler(t *testing.T) {
	a, b := connPair(t, 1)
	defer a.Close()

	closedCh := make(chan struct{})
	b.Start(func(c *Connection, frame []byte) {}, func(c *Connection) {
		close(closedCh)
	})
	a.Start(func(c *Connection, frame []byte) {}, func(c *Connection) {})

	a.Close()

	select {
	case <-closedCh:
	case <-time.After(3 * time.Second):
		t.Fatal("close handler should fire when the far end dies")
	}
}

func TestInmemStreamLayerDial(t *testing.T) {
	network := NewInmemNetwork()

	a := network.NewStreamLayer("a:1")
	b := network.NewStreamLayer("b:1")
	defer a.Close()
	defer b.Close()

	acceptedCh := make(chan net.Conn, 1)
	go func() {
		conn, err := b.Accept()
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		acceptedCh <- conn
	}()

	conn, err := a.Dial("b:1", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	select {
	case accepted := <-acceptedCh:
		accepted.Close()
	case <-time.After(3 * time.Second):
		t.Fatal("dial should hand a conn to the remote accept loop")
	}

	if _, err := a.Dial("nobody:1", 50*time.Millisecond); err == nil {
		t.Fatal("dialing an unknown address should fail")
	}
}
