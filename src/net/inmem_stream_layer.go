package net

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// InmemNetwork connects InmemStreamLayers to each other through net.Pipe, so
// whole meshes can be tested in-process without sockets.
type InmemNetwork struct {
	sync.Mutex
	layers map[string]*InmemStreamLayer
}

// NewInmemNetwork creates an empty in-memory network.
func NewInmemNetwork() *InmemNetwork {
	return &InmemNetwork{
		layers: make(map[string]*InmemStreamLayer),
	}
}

// NewStreamLayer registers and returns a new stream layer reachable at addr.
func (n *InmemNetwork) NewStreamLayer(addr string) *InmemStreamLayer {
	n.Lock()
	defer n.Unlock()

	layer := &InmemStreamLayer{
		network:  n,
		addr:     addr,
		acceptCh: make(chan net.Conn),
		closeCh:  make(chan struct{}),
	}
	n.layers[addr] = layer

	return layer
}

func (n *InmemNetwork) lookup(addr string) (*InmemStreamLayer, bool) {
	n.Lock()
	defer n.Unlock()

	l, ok := n.layers[addr]
	return l, ok
}

// InmemStreamLayer implements StreamLayer over in-memory pipes.
type InmemStreamLayer struct {
	network   *InmemNetwork
	addr      string
	acceptCh  chan net.Conn
	closeCh   chan struct{}
	closeOnce sync.Once
}

// Dial implements the StreamLayer interface.
func (l *InmemStreamLayer) Dial(address string, timeout time.Duration) (net.Conn, error) {
	remote, ok := l.network.lookup(address)
	if !ok {
		return nil, fmt.Errorf("failed to connect to peer: %v", address)
	}

	local, far := net.Pipe()

	select {
	case remote.acceptCh <- far:
		return local, nil
	case <-remote.closeCh:
		local.Close()
		return nil, fmt.Errorf("peer %v is closed", address)
	case <-time.After(timeout):
		local.Close()
		return nil, fmt.Errorf("dial %v timed out", address)
	}
}

// Accept implements the net.Listener interface.
func (l *InmemStreamLayer) Accept() (net.Conn, error) {
	select {
	case conn := <-l.acceptCh:
		return conn, nil
	case <-l.closeCh:
		return nil, fmt.Errorf("stream layer closed")
	}
}

// Close implements the net.Listener interface.
func (l *InmemStreamLayer) Close() error {
	l.closeOnce.Do(func() {
		close(l.closeCh)
	})
	return nil
}

// Addr implements the net.Listener interface.
func (l *InmemStreamLayer) Addr() net.Addr {
	return inmemAddr(l.addr)
}

// AdvertiseAddr implements the StreamLayer interface.
func (l *InmemStreamLayer) AdvertiseAddr() string {
	return l.addr
}

type inmemAddr string

func (a inmemAddr) Network() string { return "inmem" }
func (a inmemAddr) String() string  { return string(a) }
