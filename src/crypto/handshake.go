package crypto

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"

	"github.com/fedmesh/fedmesh/src/peers"
	"github.com/fedmesh/fedmesh/src/wire"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/suites"
)

var suite suites.Suite = suites.MustFind("Ed25519")

// Key is a node's long-term keypair. The public point doubles as the node's
// identity material and as one half of the per-connection Diffie-Hellman
// exchange.
type Key struct {
	Private kyber.Scalar
	Public  kyber.Point
}

// GenerateKey picks a fresh keypair.
func GenerateKey() *Key {
	priv := suite.Scalar().Pick(suite.RandomStream())
	return &Key{
		Private: priv,
		Public:  suite.Point().Mul(priv, nil),
	}
}

// PublicBytes returns the binary encoding of the public point.
func (k *Key) PublicBytes() ([]byte, error) {
	return k.Public.MarshalBinary()
}

// hello is the first frame exchanged on a new connection, in the clear. Both
// sides send theirs concurrently.
type hello struct {
	Identity peers.Identity `json:"identity"`
	Public   []byte         `json:"public"`
}

// Handshake establishes the session key for one connection. Each side sends
// a hello carrying its identity and public point, then derives the shared
// secret. It returns the remote identity and the sealed channel. A failed
// handshake closes nothing; the caller owns the connection.
func Handshake(conn io.ReadWriter, key *Key, self peers.Identity) (peers.Identity, *Channel, error) {
	pub, err := key.PublicBytes()
	if err != nil {
		return peers.Identity{}, nil, err
	}

	ownHello, err := json.Marshal(hello{Identity: self, Public: pub})
	if err != nil {
		return peers.Identity{}, nil, err
	}

	// Send and receive concurrently so the handshake also works over
	// unbuffered in-memory pipes.
	sendErr := make(chan error, 1)
	go func() {
		sendErr <- wire.WriteFrame(conn, ownHello)
	}()

	frame, err := wire.ReadFrame(conn)
	if err != nil {
		return peers.Identity{}, nil, fmt.Errorf("handshake read: %v", err)
	}
	if err := <-sendErr; err != nil {
		return peers.Identity{}, nil, fmt.Errorf("handshake write: %v", err)
	}

	var remote hello
	if err := json.Unmarshal(frame, &remote); err != nil {
		return peers.Identity{}, nil, fmt.Errorf("handshake decode: %v", err)
	}

	remotePub := suite.Point()
	if err := remotePub.UnmarshalBinary(remote.Public); err != nil {
		return peers.Identity{}, nil, fmt.Errorf("handshake pub key: %v", err)
	}

	shared, err := suite.Point().Mul(key.Private, remotePub).MarshalBinary()
	if err != nil {
		return peers.Identity{}, nil, err
	}

	sessionKey := sha256.Sum256(shared)

	channel, err := newChannel(sessionKey[:])
	if err != nil {
		return peers.Identity{}, nil, err
	}

	return remote.Identity, channel, nil
}
