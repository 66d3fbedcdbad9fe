package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrAuthenticate is returned by Open when a sealed message fails
// authentication. The caller treats it like a corrupt message: drop it, mark
// the sender Suspected, keep the connection alive.
var ErrAuthenticate = errors.New("message failed authentication")

// Channel seals and opens message bodies with a connection-scoped session
// key established by Handshake. No key material is ever shared across
// neighbors.
type Channel struct {
	aead cipher.AEAD
}

func newChannel(key []byte) (*Channel, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return &Channel{aead: aead}, nil
}

// Seal encrypts and authenticates plain, prepending the random nonce.
func (c *Channel) Seal(plain []byte) []byte {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		panic(err)
	}
	return c.aead.Seal(nonce, nonce, plain, nil)
}

// Open authenticates and decrypts a sealed message.
func (c *Channel) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < c.aead.NonceSize() {
		return nil, ErrAuthenticate
	}

	nonce, box := sealed[:c.aead.NonceSize()], sealed[c.aead.NonceSize():]

	plain, err := c.aead.Open(nil, nonce, box, nil)
	if err != nil {
		return nil, ErrAuthenticate
	}

	return plain, nil
}
