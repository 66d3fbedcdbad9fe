package router

import (
	"time"

	fnet "github.com/fedmesh/fedmesh/src/net"
	"github.com/fedmesh/fedmesh/src/peers"
)

// Neighbor is the per-peer record owned by the router: identity, connection
// handle, liveness state, and activity timestamps. It is created on first
// contact, inbound or outbound. A Dead neighbor is kept as a tombstone until
// the round coordinator removes it; its connection is replaced, never
// resurrected.
type Neighbor struct {
	Identity peers.Identity
	Conn     *fnet.Connection
	State    peers.State
	LastSend time.Time
}

// LastActivity returns the time of the last frame received on the
// neighbor's connection.
func (n *Neighbor) LastActivity() time.Time {
	if n.Conn == nil {
		return time.Time{}
	}
	return n.Conn.LastActivity()
}

// Info is a copy-safe snapshot of a Neighbor, handed out to the heartbeat
// engine and the HTTP service.
type Info struct {
	Identity     peers.Identity `json:"identity"`
	State        peers.State    `json:"state"`
	LastActivity time.Time      `json:"last_activity"`
	LastSend     time.Time      `json:"last_send"`
}
