package router

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/fedmesh/fedmesh/src/config"
	"github.com/fedmesh/fedmesh/src/crypto"
	fnet "github.com/fedmesh/fedmesh/src/net"
	"github.com/fedmesh/fedmesh/src/peers"
	"github.com/fedmesh/fedmesh/src/proxy"
	"github.com/fedmesh/fedmesh/src/wire"
	"github.com/sirupsen/logrus"
)

var (
	// ErrUnknownPeer is returned when sending to a neighbor that is not in
	// the table or whose connection is gone.
	ErrUnknownPeer = errors.New("unknown peer")

	// ErrRouterShutdown is returned for operations on a stopped router.
	ErrRouterShutdown = errors.New("router shutdown")
)

// HeartbeatHandler consumes heartbeat envelopes. The heartbeat engine
// registers one before the router starts listening.
type HeartbeatHandler func(from peers.Identity, env *wire.Envelope)

// ForwardHandler consumes gossip envelopes that still have hop budget left
// and should be re-disseminated. The gossip engine registers one.
type ForwardHandler func(env *wire.Envelope)

// DeliveryHook observes every envelope delivered to the application, after
// decryption and deduplication. The node registers one to journal
// deliveries.
type DeliveryHook func(env *wire.Envelope)

// Router is the per-node communication hub. It owns the neighbor table, the
// dedup cache, and the single inbound dispatch point. The gossip and
// heartbeat engines are handed an explicit Router instance; there are no
// ambient globals.
type Router struct {
	conf   *config.Config
	logger *logrus.Entry
	self   peers.Identity
	key    *crypto.Key
	stream fnet.StreamLayer
	prx    proxy.AppProxy

	neighborsLock sync.RWMutex
	neighbors     map[uint32]*Neighbor

	dedup   *wire.DedupCache
	metrics *Metrics

	heartbeatHandler HeartbeatHandler
	forwardHandler   ForwardHandler
	deliveryHook     DeliveryHook

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex
}

// NewRouter creates a Router for self on top of the given stream layer.
func NewRouter(
	conf *config.Config,
	key *crypto.Key,
	self peers.Identity,
	stream fnet.StreamLayer,
	prx proxy.AppProxy,
	logger *logrus.Entry,
) *Router {
	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}

	return &Router{
		conf:       conf,
		logger:     logger.WithField("this_node", self.NetAddr),
		self:       self,
		key:        key,
		stream:     stream,
		prx:        prx,
		neighbors:  make(map[uint32]*Neighbor),
		dedup:      wire.NewDedupCache(conf.DedupCacheSize),
		metrics:    NewMetrics(),
		shutdownCh: make(chan struct{}),
	}
}

// SetHandlers registers the engine hooks. Must be called before Listen.
func (r *Router) SetHandlers(hb HeartbeatHandler, fwd ForwardHandler) {
	r.heartbeatHandler = hb
	r.forwardHandler = fwd
}

// SetDeliveryHook registers an observer for delivered envelopes. Must be
// called before Listen.
func (r *Router) SetDeliveryHook(h DeliveryHook) {
	r.deliveryHook = h
}

// Self returns the local identity.
func (r *Router) Self() peers.Identity {
	return r.self
}

// Metrics returns the router's prometheus counters.
func (r *Router) Metrics() *Metrics {
	return r.metrics
}

// Listen accepts inbound connections until shutdown. Run it in its own
// goroutine.
func (r *Router) Listen() {
	for {
		conn, err := r.stream.Accept()
		if err != nil {
			if r.IsShutdown() {
				return
			}
			r.logger.WithError(err).Error("Failed to accept connection")
			continue
		}

		// The handshake blocks, so run it off the accept loop.
		go func() {
			c, err := fnet.NewConnection(conn, r.key, r.self, r.conf.SendQueueSize, r.logger)
			if err != nil {
				r.logger.WithError(err).Error("Inbound handshake failed")
				return
			}
			r.register(c)
		}()
	}
}

// AddPeer dials addr, performs the handshake, and registers the resulting
// connection in the neighbor table.
func (r *Router) AddPeer(addr string) error {
	if r.IsShutdown() {
		return ErrRouterShutdown
	}
	if addr == r.self.NetAddr {
		return nil
	}

	conn, err := r.stream.Dial(addr, r.conf.TCPTimeout)
	if err != nil {
		return err
	}

	c, err := fnet.NewConnection(conn, r.key, r.self, r.conf.SendQueueSize, r.logger)
	if err != nil {
		return err
	}

	r.register(c)

	return nil
}

// register installs a connection in the neighbor table, replacing and
// closing any previous connection to the same peer.
func (r *Router) register(conn *fnet.Connection) {
	id := conn.Remote()
	uid := id.UID()

	r.neighborsLock.Lock()
	if old, ok := r.neighbors[uid]; ok && old.Conn != nil && old.Conn != conn {
		old.Conn.Close()
	}
	r.neighbors[uid] = &Neighbor{
		Identity: id,
		Conn:     conn,
		State:    peers.Alive,
	}
	r.neighborsLock.Unlock()

	conn.Start(r.onFrame, r.onConnClose)

	r.logger.WithFields(logrus.Fields{
		"peer": id.NetAddr,
		"uid":  uid,
	}).Debug("Registered neighbor")

	r.prx.OnNeighborLiveness(id, peers.Alive)
}

// RemovePeer drops a neighbor record (typically a Dead tombstone) after the
// round coordinator has acknowledged the topology change.
func (r *Router) RemovePeer(uid uint32) {
	r.neighborsLock.Lock()
	defer r.neighborsLock.Unlock()

	if n, ok := r.neighbors[uid]; ok {
		if n.Conn != nil {
			n.Conn.Close()
		}
		delete(r.neighbors, uid)
	}
}

// Broadcast enqueues env on every Alive neighbor.
func (r *Router) Broadcast(env *wire.Envelope) {
	for _, n := range r.aliveNeighbors() {
		if err := n.Conn.Send(env); err != nil {
			r.logger.WithError(err).WithField("peer", n.Identity.NetAddr).Debug("Broadcast send failed")
			continue
		}
		r.metrics.EnvelopesSent.WithLabelValues(env.Tag.String()).Inc()
		r.touchSend(n.Identity.UID())
	}
}

// SendTo enqueues env on the identified neighbor's connection.
func (r *Router) SendTo(uid uint32, env *wire.Envelope) error {
	r.neighborsLock.RLock()
	n, ok := r.neighbors[uid]
	r.neighborsLock.RUnlock()

	if !ok || n.Conn == nil || n.State == peers.Dead {
		return ErrUnknownPeer
	}

	if err := n.Conn.Send(env); err != nil {
		return err
	}

	r.metrics.EnvelopesSent.WithLabelValues(env.Tag.String()).Inc()
	r.touchSend(uid)

	return nil
}

// Remember inserts a message ID into the dedup cache. The gossip engine uses
// it at origination so a node never re-processes its own payload coming back
// around.
func (r *Router) Remember(id string) {
	r.dedup.Remember(id)
}

// MarkSuspected transitions a neighbor to Suspected. Driven by the heartbeat
// engine's timers.
func (r *Router) MarkSuspected(uid uint32) {
	r.setLiveness(uid, peers.Suspected)
}

// MarkDead transitions a neighbor to Dead and closes its connection. Driven
// by the heartbeat engine's timers.
func (r *Router) MarkDead(uid uint32) {
	r.setLiveness(uid, peers.Dead)
}

// AliveIdentities returns the identities of all currently Alive neighbors.
func (r *Router) AliveIdentities() []peers.Identity {
	r.neighborsLock.RLock()
	defer r.neighborsLock.RUnlock()

	ids := []peers.Identity{}
	for _, n := range r.neighbors {
		if n.State == peers.Alive {
			ids = append(ids, n.Identity)
		}
	}
	return ids
}

// Neighbors returns a snapshot of the whole neighbor table.
func (r *Router) Neighbors() []Info {
	r.neighborsLock.RLock()
	defer r.neighborsLock.RUnlock()

	infos := []Info{}
	for _, n := range r.neighbors {
		infos = append(infos, Info{
			Identity:     n.Identity,
			State:        n.State,
			LastActivity: n.LastActivity(),
			LastSend:     n.LastSend,
		})
	}
	return infos
}

// Stale returns the neighbors whose connections have been silent for longer
// than age, together with their current state.
func (r *Router) Stale(age time.Duration) []Info {
	cutoff := time.Now().Add(-age)

	r.neighborsLock.RLock()
	defer r.neighborsLock.RUnlock()

	infos := []Info{}
	for _, n := range r.neighbors {
		if n.State != peers.Dead && n.LastActivity().Before(cutoff) {
			infos = append(infos, Info{
				Identity:     n.Identity,
				State:        n.State,
				LastActivity: n.LastActivity(),
			})
		}
	}
	return infos
}

// Stats returns counters for the HTTP service.
func (r *Router) Stats() map[string]string {
	r.neighborsLock.RLock()
	defer r.neighborsLock.RUnlock()

	alive, suspected, dead := 0, 0, 0
	for _, n := range r.neighbors {
		switch n.State {
		case peers.Alive:
			alive++
		case peers.Suspected:
			suspected++
		case peers.Dead:
			dead++
		}
	}

	return map[string]string{
		"num_neighbors":       strconv.Itoa(len(r.neighbors)),
		"alive_neighbors":     strconv.Itoa(alive),
		"suspected_neighbors": strconv.Itoa(suspected),
		"dead_neighbors":      strconv.Itoa(dead),
		"dedup_cache_entries": strconv.Itoa(r.dedup.Len()),
	}
}

// IsShutdown is used to check if the router is shutdown.
func (r *Router) IsShutdown() bool {
	select {
	case <-r.shutdownCh:
		return true
	default:
		return false
	}
}

// Shutdown closes the stream layer and every connection.
func (r *Router) Shutdown() {
	r.shutdownLock.Lock()
	defer r.shutdownLock.Unlock()

	if r.shutdown {
		return
	}
	r.shutdown = true
	close(r.shutdownCh)

	r.stream.Close()

	r.neighborsLock.Lock()
	defer r.neighborsLock.Unlock()
	for _, n := range r.neighbors {
		if n.Conn != nil {
			n.Conn.Close()
		}
	}
}

// onFrame is the single dispatch entry point for inbound traffic: decode,
// dedup-check, then route by tag. Every error here is local to one message
// and never fatal to the node.
func (r *Router) onFrame(conn *fnet.Connection, frame []byte) {
	r.metrics.FramesReceived.Inc()

	env, err := wire.Decode(frame)
	if err != nil {
		r.metrics.DecodeErrors.Inc()
		r.logger.WithError(err).Debug("Dropping malformed frame")
		return
	}

	body, err := conn.Open(env.Body)
	if err != nil {
		r.metrics.AuthErrors.Inc()
		r.logger.WithField("peer", conn.Remote().NetAddr).Warn("Dropping unauthenticated message")
		r.setLiveness(conn.Remote().UID(), peers.Suspected)
		return
	}
	env.Body = body

	// Our own message coming back around the mesh.
	if env.Origin.UID() == r.self.UID() {
		return
	}

	if r.dedup.SeenOrRemember(env.ID) {
		r.metrics.DedupHits.Inc()
		return
	}

	// Any authenticated traffic proves the sender is alive, not just
	// dedicated heartbeats.
	r.markAlive(conn.Remote().UID())

	switch env.Tag {
	case wire.Heartbeat:
		if r.heartbeatHandler != nil {
			r.heartbeatHandler(conn.Remote(), env)
		}
	case wire.GossipEnvelope:
		r.metrics.Deliveries.WithLabelValues(env.Kind.String()).Inc()
		if r.deliveryHook != nil {
			r.deliveryHook(env)
		}
		r.prx.OnDelivered(env.Kind, env.Body, env.Origin)
		if env.TTL > 0 && r.forwardHandler != nil {
			r.forwardHandler(env.Forwarded())
		}
	case wire.Vote:
		r.prx.OnVote(env.Body, env.Origin)
		if env.TTL > 0 && r.forwardHandler != nil {
			r.forwardHandler(env.Forwarded())
		}
	case wire.ControlSignal:
		r.prx.OnControl(env.Body, env.Origin)
		if env.TTL > 0 && r.forwardHandler != nil {
			r.forwardHandler(env.Forwarded())
		}
	}
}

// onConnClose marks the owning neighbor Dead when its connection dies, if
// that connection is still the registered one.
func (r *Router) onConnClose(conn *fnet.Connection) {
	if r.IsShutdown() {
		return
	}

	uid := conn.Remote().UID()

	r.neighborsLock.RLock()
	n, ok := r.neighbors[uid]
	current := ok && n.Conn == conn
	r.neighborsLock.RUnlock()

	if current {
		r.setLiveness(uid, peers.Dead)
	}
}

func (r *Router) aliveNeighbors() []*Neighbor {
	r.neighborsLock.RLock()
	defer r.neighborsLock.RUnlock()

	alive := []*Neighbor{}
	for _, n := range r.neighbors {
		if n.State == peers.Alive && n.Conn != nil {
			alive = append(alive, n)
		}
	}
	return alive
}

func (r *Router) touchSend(uid uint32) {
	r.neighborsLock.Lock()
	defer r.neighborsLock.Unlock()

	if n, ok := r.neighbors[uid]; ok {
		n.LastSend = time.Now()
	}
}

// markAlive resets a Suspected neighbor to Alive. Dead neighbors stay dead;
// they come back only through a fresh connection being registered.
func (r *Router) markAlive(uid uint32) {
	r.neighborsLock.RLock()
	n, ok := r.neighbors[uid]
	suspected := ok && n.State == peers.Suspected
	r.neighborsLock.RUnlock()

	if suspected {
		r.setLiveness(uid, peers.Alive)
	}
}

// setLiveness applies a liveness transition and emits the change. The proxy
// callback runs outside the table lock.
func (r *Router) setLiveness(uid uint32, s peers.State) {
	r.neighborsLock.Lock()
	n, ok := r.neighbors[uid]
	if !ok || n.State == s {
		r.neighborsLock.Unlock()
		return
	}
	// A dead neighbor is a tombstone; only a new registration revives it.
	if n.State == peers.Dead {
		r.neighborsLock.Unlock()
		return
	}
	n.State = s
	id := n.Identity
	conn := n.Conn
	r.neighborsLock.Unlock()

	if s == peers.Dead && conn != nil {
		conn.Close()
	}

	r.logger.WithFields(logrus.Fields{
		"peer":  id.NetAddr,
		"state": s.String(),
	}).Debug("Neighbor liveness changed")

	r.prx.OnNeighborLiveness(id, s)
}
