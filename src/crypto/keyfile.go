package crypto

import (
	"encoding/hex"
	"fmt"
	"io/ioutil"
	"strings"
	"sync"
)

// SimpleKeyfile reads and writes a node's private key as an unencrypted hex
// dump of the scalar.
type SimpleKeyfile struct {
	l       sync.Mutex
	keyfile string
}

// NewSimpleKeyfile instantiates a SimpleKeyfile with an underlying file.
func NewSimpleKeyfile(keyfile string) *SimpleKeyfile {
	return &SimpleKeyfile{keyfile: keyfile}
}

// ReadKey loads the keypair from the underlying file.
func (k *SimpleKeyfile) ReadKey() (*Key, error) {
	k.l.Lock()
	defer k.l.Unlock()

	buf, err := ioutil.ReadFile(k.keyfile)
	if err != nil {
		return nil, err
	}

	raw, err := hex.DecodeString(strings.TrimSpace(string(buf)))
	if err != nil {
		return nil, fmt.Errorf("decoding keyfile: %v", err)
	}

	priv := suite.Scalar()
	if err := priv.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("unmarshalling private key: %v", err)
	}

	return &Key{
		Private: priv,
		Public:  suite.Point().Mul(priv, nil),
	}, nil
}

// WriteKey dumps the private scalar, hex-encoded, to the underlying file.
func (k *SimpleKeyfile) WriteKey(key *Key) error {
	k.l.Lock()
	defer k.l.Unlock()

	raw, err := key.Private.MarshalBinary()
	if err != nil {
		return err
	}

	return ioutil.WriteFile(k.keyfile, []byte(hex.EncodeToString(raw)), 0600)
}
