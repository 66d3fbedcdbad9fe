package peers

import (
	"encoding/hex"
	"fmt"
	"hash/fnv"
)

// Identity pins down who a node is on the mesh. It is immutable and used as
// the key for all neighbor-indexed state. PubKeyHex is the hex encoding,
// with 0X prefix, of the node's public key.
type Identity struct {
	NetAddr   string `json:"net_addr"`
	PubKeyHex string `json:"pub_key"`
}

// NewIdentity creates an Identity from a hex-encoded public key and a network
// address.
func NewIdentity(pubKeyHex, netAddr string) Identity {
	return Identity{
		NetAddr:   netAddr,
		PubKeyHex: pubKeyHex,
	}
}

// PubKeyBytes decodes the hex-encoded public key.
func (i Identity) PubKeyBytes() ([]byte, error) {
	if len(i.PubKeyHex) < 2 {
		return nil, fmt.Errorf("pub key hex too short: %q", i.PubKeyHex)
	}
	return hex.DecodeString(i.PubKeyHex[2:])
}

// UID returns a 32-bit identifier derived from the public key. It is
// recomputed on demand rather than cached so that identities travelling
// inside wire messages stay consistent after decoding.
func (i Identity) UID() uint32 {
	pub, err := i.PubKeyBytes()
	if err != nil {
		pub = []byte(i.PubKeyHex)
	}
	h := fnv.New32a()
	h.Write(pub)
	return h.Sum32()
}

// PubKeyString encodes raw public key bytes the way Identity expects them.
func PubKeyString(pub []byte) string {
	return fmt.Sprintf("0X%X", pub)
}

// Exclude returns ids without the identity whose UID is uid.
func Exclude(ids []Identity, uid uint32) []Identity {
	others := make([]Identity, 0, len(ids))
	for _, id := range ids {
		if id.UID() != uid {
			others = append(others, id)
		}
	}
	return others
}
