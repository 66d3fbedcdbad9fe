package proxy

import (
	"github.com/fedmesh/fedmesh/src/peers"
	"github.com/fedmesh/fedmesh/src/wire"
)

// AppProxy is the interface between the coordination core and the learning /
// orchestration subsystem sitting above it. The core treats payloads as
// opaque bytes; everything the application learns about the mesh arrives
// through these callbacks.
//
// Callbacks are invoked from the node's dispatch goroutines and must not
// block for long.
type AppProxy interface {
	// OnDelivered fires exactly once per gossiped payload, no matter how
	// many duplicate copies arrive over different mesh paths.
	OnDelivered(kind wire.PayloadKind, body []byte, origin peers.Identity)

	// OnVote fires for every vote message addressed to or relayed through
	// this node.
	OnVote(body []byte, origin peers.Identity)

	// OnControl fires for every control signal.
	OnControl(body []byte, origin peers.Identity)

	// OnNeighborLiveness fires on every Alive/Suspected/Dead transition of a
	// neighbor.
	OnNeighborLiveness(neighbor peers.Identity, state peers.State)

	// OnRoundConvergence fires when the heartbeat engine reports a stable
	// network view and a round is allowed to start.
	OnRoundConvergence(round int)

	// OnRoundTimeout fires when a Voting or Aggregating phase expires before
	// the application completed it. The round is aborted, never crashed.
	OnRoundTimeout(round int, phase string)

	// Train hands a training round to the learning subsystem. It returns the
	// locally trained model payload to disseminate, or nil when there is
	// nothing to share.
	Train(round int) ([]byte, error)
}
