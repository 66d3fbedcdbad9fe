package wire

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/fedmesh/fedmesh/src/peers"
)

// Tag discriminates the message variants understood by the protocol router.
// Adding a variant means adding a constant here and a case in the router's
// dispatch switch.
type Tag uint8

const (
	// Heartbeat is a liveness beacon, broadcast periodically on every
	// connection.
	Heartbeat Tag = iota + 1
	// GossipEnvelope carries an opaque application payload disseminated
	// epidemically through the mesh.
	GossipEnvelope
	// Vote carries a round vote between coordinators.
	Vote
	// ControlSignal carries round-control instructions (start, stop, abort).
	ControlSignal
)

// String ...
func (t Tag) String() string {
	switch t {
	case Heartbeat:
		return "Heartbeat"
	case GossipEnvelope:
		return "GossipEnvelope"
	case Vote:
		return "Vote"
	case ControlSignal:
		return "ControlSignal"
	default:
		return fmt.Sprintf("Tag(%d)", uint8(t))
	}
}

// PayloadKind qualifies the payload of a GossipEnvelope. Control messages
// and model updates get separate gossip fan-out limits because of their very
// different sizes.
type PayloadKind uint8

const (
	// KindNone is used by message variants that carry no payload.
	KindNone PayloadKind = iota
	// ControlMessage is a small application control payload.
	ControlMessage
	// ModelUpdate is a (partially trained) model payload.
	ModelUpdate
)

// String ...
func (k PayloadKind) String() string {
	switch k {
	case KindNone:
		return "None"
	case ControlMessage:
		return "ControlMessage"
	case ModelUpdate:
		return "ModelUpdate"
	default:
		return fmt.Sprintf("PayloadKind(%d)", uint8(k))
	}
}

// Envelope is the unit of communication between nodes. The ID is assigned
// once by the originator and never changes along the gossip path, which is
// what makes duplicate suppression possible. TTL decreases by one per hop;
// an envelope with TTL <= 0 may still be delivered locally but is never
// forwarded.
type Envelope struct {
	ID     string
	TTL    int
	Origin peers.Identity
	Tag    Tag
	Kind   PayloadKind
	Body   []byte
}

// NewEnvelope assembles an envelope with a fresh ID.
func NewEnvelope(tag Tag, kind PayloadKind, origin peers.Identity, ttl int, body []byte) *Envelope {
	return &Envelope{
		ID:     NewID(),
		TTL:    ttl,
		Origin: origin,
		Tag:    tag,
		Kind:   kind,
		Body:   body,
	}
}

// Forwarded returns a copy of the envelope with the TTL decremented. The ID
// is untouched.
func (e *Envelope) Forwarded() *Envelope {
	fwd := *e
	fwd.TTL = e.TTL - 1
	return &fwd
}

// NewID returns a random 16-byte message identifier in hex.
func NewID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Errorf("failed to read random bytes: %v", err))
	}
	return hex.EncodeToString(buf)
}
