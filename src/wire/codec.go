package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/ugorji/go/codec"
)

// MaxFrameSize bounds a single frame on the wire. Model payloads are chunked
// by the application below this limit.
const MaxFrameSize = 1 << 24

var (
	// ErrMalformedFrame is returned when a frame cannot be decoded into an
	// envelope. Malformed frames are dropped and counted, never fatal.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrFrameTooLarge is returned when a frame header announces a size
	// above MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame too large")
)

// Encode serialises an envelope. Canonical JSON keeps the encoding
// deterministic across nodes.
func Encode(env *Envelope) ([]byte, error) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)

	if err := enc.Encode(env); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// Decode parses an envelope and validates its framing. Unknown tags and
// missing IDs are decode errors: the caller drops the frame and carries on.
func Decode(data []byte) (*Envelope, error) {
	b := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(b, jh)

	env := new(Envelope)
	if err := dec.Decode(env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch env.Tag {
	case Heartbeat, GossipEnvelope, Vote, ControlSignal:
	default:
		return nil, fmt.Errorf("%w: unknown tag %d", ErrMalformedFrame, env.Tag)
	}

	if env.ID == "" {
		return nil, fmt.Errorf("%w: empty message id", ErrMalformedFrame)
	}

	return env, nil
}

// WriteFrame writes a length-prefixed frame.
func WriteFrame(w io.Writer, data []byte) error {
	if len(data) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))

	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}

	return data, nil
}
