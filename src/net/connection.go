package net

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fedmesh/fedmesh/src/crypto"
	"github.com/fedmesh/fedmesh/src/peers"
	"github.com/fedmesh/fedmesh/src/wire"
	"github.com/sirupsen/logrus"
)

var (
	// ErrConnectionClosed is returned when sending on a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
)

// FrameHandler consumes raw inbound frames. The protocol router implements
// it; decoding and dispatch happen there, not in the connection.
type FrameHandler func(c *Connection, frame []byte)

// CloseHandler is invoked once when the connection dies, whatever the cause.
type CloseHandler func(c *Connection)

// Connection owns one bidirectional link to a neighbor. Outbound envelopes
// go through three queues drained in strict priority order: heartbeats, then
// votes and control signals, then gossip payloads. The gossip queue sheds
// its oldest item when full; the two higher-priority queues block the
// enqueuer instead.
type Connection struct {
	remote peers.Identity
	conn   net.Conn
	secure *crypto.Channel
	logger *logrus.Entry

	beatCh    chan *wire.Envelope
	controlCh chan *wire.Envelope
	gossipCh  chan *wire.Envelope

	lastActivity int64

	closedCh  chan struct{}
	closeOnce sync.Once
}

// NewConnection performs the session-key handshake on conn and wraps it in a
// Connection. The handshake tells us who is on the other end, so inbound and
// outbound connections are created the same way.
func NewConnection(
	conn net.Conn,
	key *crypto.Key,
	self peers.Identity,
	queueSize int,
	logger *logrus.Entry,
) (*Connection, error) {
	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}

	remote, secure, err := crypto.Handshake(conn, key, self)
	if err != nil {
		conn.Close()
		return nil, err
	}

	if queueSize <= 0 {
		queueSize = 1
	}

	c := &Connection{
		remote:    remote,
		conn:      conn,
		secure:    secure,
		logger:    logger.WithField("remote", remote.NetAddr),
		beatCh:    make(chan *wire.Envelope, queueSize),
		controlCh: make(chan *wire.Envelope, queueSize),
		gossipCh:  make(chan *wire.Envelope, queueSize),
		closedCh:  make(chan struct{}),
	}
	c.touch()

	return c, nil
}

// Start launches the send and receive loops. onFrame receives every raw
// inbound frame; onClose fires exactly once when the connection dies.
func (c *Connection) Start(onFrame FrameHandler, onClose CloseHandler) {
	go c.writeLoop()
	go c.readLoop(onFrame, onClose)
}

// Remote returns the identity learned during the handshake.
func (c *Connection) Remote() peers.Identity {
	return c.remote
}

// LastActivity returns the time of the last successfully received frame.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastActivity))
}

// Open authenticates and decrypts a sealed message body with this
// connection's session key.
func (c *Connection) Open(sealed []byte) ([]byte, error) {
	return c.secure.Open(sealed)
}

// Send enqueues an envelope for transmission. Heartbeats, votes, and control
// signals block when their queue is full; gossip envelopes drop the oldest
// queued gossip item instead, so liveness traffic is never starved by model
// payloads.
func (c *Connection) Send(env *wire.Envelope) error {
	switch env.Tag {
	case wire.Heartbeat:
		select {
		case c.beatCh <- env:
		case <-c.closedCh:
			return ErrConnectionClosed
		}
	case wire.Vote, wire.ControlSignal:
		select {
		case c.controlCh <- env:
		case <-c.closedCh:
			return ErrConnectionClosed
		}
	default:
		select {
		case c.gossipCh <- env:
		case <-c.closedCh:
			return ErrConnectionClosed
		default:
			// Shed the oldest gossip item to make room.
			select {
			case dropped := <-c.gossipCh:
				c.logger.WithField("msg_id", dropped.ID).Debug("send queue full, dropping gossip")
			default:
			}
			select {
			case c.gossipCh <- env:
			case <-c.closedCh:
				return ErrConnectionClosed
			default:
				return nil
			}
		}
	}
	return nil
}

// Close tears down the underlying transport and unblocks both loops. It is
// safe to call multiple times.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		close(c.closedCh)
		c.conn.Close()
	})
	return nil
}

// IsClosed reports whether Close was called.
func (c *Connection) IsClosed() bool {
	select {
	case <-c.closedCh:
		return true
	default:
		return false
	}
}

func (c *Connection) touch() {
	atomic.StoreInt64(&c.lastActivity, time.Now().UnixNano())
}

func (c *Connection) writeLoop() {
	for {
		var env *wire.Envelope

		// Strict priority: heartbeat > vote/control > gossip.
		select {
		case env = <-c.beatCh:
		default:
			select {
			case env = <-c.beatCh:
			case env = <-c.controlCh:
			default:
				select {
				case env = <-c.beatCh:
				case env = <-c.controlCh:
				case env = <-c.gossipCh:
				case <-c.closedCh:
					return
				}
			}
		}

		if err := c.write(env); err != nil {
			if !c.IsClosed() {
				c.logger.WithError(err).Error("Failed to write frame")
			}
			c.Close()
			return
		}
	}
}

func (c *Connection) write(env *wire.Envelope) error {
	sealed := *env
	sealed.Body = c.secure.Seal(env.Body)

	data, err := wire.Encode(&sealed)
	if err != nil {
		return err
	}

	return wire.WriteFrame(c.conn, data)
}

func (c *Connection) readLoop(onFrame FrameHandler, onClose CloseHandler) {
	defer onClose(c)
	defer c.Close()

	for {
		frame, err := wire.ReadFrame(c.conn)
		if err != nil {
			if !c.IsClosed() {
				c.logger.WithError(err).Debug("Receive loop terminated")
			}
			return
		}

		c.touch()
		onFrame(c, frame)
	}
}
