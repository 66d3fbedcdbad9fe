// Package node implements the round coordinator. A Node owns a router, a
// heartbeat engine and a gossip engine, and drives the application through
// the coordination cycle: wait for a stable network view, train, disseminate
// model updates until the mesh goes quiet, then vote and aggregate under
// deadlines. A phase that blows its deadline aborts the round; it never
// crashes the node.
package node

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fedmesh/fedmesh/src/config"
	"github.com/fedmesh/fedmesh/src/crypto"
	"github.com/fedmesh/fedmesh/src/gossip"
	"github.com/fedmesh/fedmesh/src/heartbeat"
	fnet "github.com/fedmesh/fedmesh/src/net"
	"github.com/fedmesh/fedmesh/src/peers"
	"github.com/fedmesh/fedmesh/src/proxy"
	"github.com/fedmesh/fedmesh/src/router"
	"github.com/fedmesh/fedmesh/src/store"
	"github.com/fedmesh/fedmesh/src/wire"
	"github.com/sirupsen/logrus"
)

// Node ties the coordination engines together and runs rounds.
type Node struct {
	state

	conf   *config.Config
	logger *logrus.Entry

	rtr *router.Router
	hb  *heartbeat.Engine
	gsp *gossip.Engine
	prx proxy.AppProxy
	str store.Store

	timer *PhaseTimer

	round int32

	voteDoneCh chan struct{}
	aggDoneCh  chan struct{}

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// NewNode builds a Node for self over the given stream layer. The store
// receives the journal; the proxy receives every application callback.
func NewNode(
	conf *config.Config,
	key *crypto.Key,
	self peers.Identity,
	stream fnet.StreamLayer,
	prx proxy.AppProxy,
	str store.Store,
) *Node {
	logger := conf.Logger().WithField("this_node", self.NetAddr)

	node := &Node{
		conf:       conf,
		logger:     logger,
		prx:        prx,
		str:        str,
		timer:      NewPhaseTimer(),
		voteDoneCh: make(chan struct{}, 1),
		aggDoneCh:  make(chan struct{}, 1),
		shutdownCh: make(chan struct{}),
	}

	node.rtr = router.NewRouter(conf, key, self, stream, prx, logger)
	node.hb = heartbeat.NewEngine(conf, node.rtr, logger)
	node.gsp = gossip.NewEngine(conf, node.rtr, logger)

	node.rtr.SetHandlers(node.hb.OnHeartbeat, node.gsp.Queue)
	node.rtr.SetDeliveryHook(node.journalDelivery)

	return node
}

// Init starts the background machinery: the accept loop, the heartbeat and
// gossip tickers, and the phase timer. The coordination cycle itself starts
// with Run.
func (n *Node) Init() error {
	n.logger.WithField("state", n.getState().String()).Debug("Init")

	n.goFunc(n.rtr.Listen)
	n.goFunc(n.hb.Run)
	n.goFunc(n.gsp.Run)
	n.goFunc(n.timer.Run)

	return nil
}

// Join dials the given peer addresses. Failures are logged and skipped; the
// failure detector owns liveness from here on.
func (n *Node) Join(addrs []string) {
	for _, addr := range addrs {
		if err := n.rtr.AddPeer(addr); err != nil {
			n.logger.WithError(err).WithField("peer", addr).Warn("Failed to dial peer")
		}
	}
}

// Run drives the coordination cycle until Shutdown. It blocks.
func (n *Node) Run() {
	n.transition(ColdStart)
	select {
	case <-time.After(n.conf.ColdStartGrace):
	case <-n.shutdownCh:
		return
	}

	for {
		select {
		case <-n.shutdownCh:
			return
		default:
		}
		n.runRound()
	}
}

func (n *Node) runRound() {
	round := int(atomic.AddInt32(&n.round, 1))

	n.transition(AwaitingConvergence)
	select {
	case <-n.hb.ConvergenceCh():
	case <-n.shutdownCh:
		return
	}
	n.prx.OnRoundConvergence(round)

	n.transition(Training)
	payload, err := n.prx.Train(round)
	if err != nil {
		n.logger.WithError(err).WithField("round", round).Error("Training failed, aborting round")
		n.transition(Idle)
		return
	}

	// Drop any convergence signal left over from a previous phase before
	// starting accounting for this one.
	select {
	case <-n.gsp.ConvergenceCh():
	default:
	}
	n.gsp.StartPhase(round)
	if payload != nil {
		n.gsp.Disseminate(wire.ModelUpdate, payload, 0)
	}

	n.transition(GossipingModels)
	select {
	case <-n.gsp.ConvergenceCh():
	case <-n.shutdownCh:
		return
	}

	if !n.waitPhase(Voting, n.voteDoneCh, n.conf.VoteTimeout, round) {
		return
	}
	if !n.waitPhase(Aggregating, n.aggDoneCh, n.conf.AggregationTimeout, round) {
		return
	}

	n.transition(Converged)
	n.logger.WithField("round", round).Debug("Round converged")
}

// waitPhase holds the node in state s until the application signals
// completion or the deadline d expires. An expiry aborts the round.
func (n *Node) waitPhase(s RoundState, doneCh chan struct{}, d time.Duration, round int) bool {
	select {
	case <-doneCh:
	default:
	}
	select {
	case <-n.timer.tickCh:
	default:
	}

	n.transition(s)
	n.timer.Reset(d)

	select {
	case <-doneCh:
		n.timer.Stop()
		return true
	case <-n.timer.tickCh:
		n.logger.WithFields(logrus.Fields{
			"round": round,
			"phase": s.String(),
		}).Warn("Phase timed out, aborting round")
		n.prx.OnRoundTimeout(round, s.String())
		n.transition(Idle)
		return false
	case <-n.shutdownCh:
		return false
	}
}

// VoteComplete signals that the application finished the Voting phase of the
// current round. Calling it outside a Voting phase is harmless.
func (n *Node) VoteComplete() {
	select {
	case n.voteDoneCh <- struct{}{}:
	default:
	}
}

// AggregationComplete signals that the application finished the Aggregating
// phase of the current round.
func (n *Node) AggregationComplete() {
	select {
	case n.aggDoneCh <- struct{}{}:
	default:
	}
}

// Disseminate originates a gossiped payload and returns its message ID. A
// non-positive ttl selects the configured default.
func (n *Node) Disseminate(kind wire.PayloadKind, body []byte, ttl int) string {
	return n.gsp.Disseminate(kind, body, ttl)
}

// SubmitVote broadcasts a vote to all alive neighbors; intermediate nodes
// relay it while hop budget remains.
func (n *Node) SubmitVote(body []byte) string {
	env := wire.NewEnvelope(wire.Vote, wire.KindNone, n.rtr.Self(), n.conf.TTL, body)
	n.rtr.Remember(env.ID)
	n.rtr.Broadcast(env)
	return env.ID
}

// SendControl broadcasts a control signal to all alive neighbors.
func (n *Node) SendControl(body []byte) string {
	env := wire.NewEnvelope(wire.ControlSignal, wire.KindNone, n.rtr.Self(), n.conf.TTL, body)
	n.rtr.Remember(env.ID)
	n.rtr.Broadcast(env)
	return env.ID
}

// Router exposes the underlying router, mainly for the HTTP service.
func (n *Node) Router() *router.Router {
	return n.rtr
}

// Store exposes the journal.
func (n *Node) Store() store.Store {
	return n.str
}

// GetState returns the current round state.
func (n *Node) GetState() RoundState {
	return n.getState()
}

// Round returns the current round number, 0 before the first round starts.
func (n *Node) Round() int {
	return int(atomic.LoadInt32(&n.round))
}

// Stats combines coordinator and router statistics.
func (n *Node) Stats() map[string]string {
	stats := n.rtr.Stats()
	stats["state"] = n.getState().String()
	stats["round"] = fmt.Sprint(n.Round())
	stats["convergence_beats"] = fmt.Sprint(n.hb.Counter())
	return stats
}

// Shutdown stops everything in dependency order and waits for the
// background routines to drain.
func (n *Node) Shutdown() {
	n.shutdownOnce.Do(func() {
		n.logger.Debug("Shutdown")
		n.setState(Shutdown)
		close(n.shutdownCh)

		n.gsp.Shutdown()
		n.hb.Shutdown()
		n.timer.Shutdown()
		n.rtr.Shutdown()

		if err := n.str.Close(); err != nil {
			n.logger.WithError(err).Error("Failed to close store")
		}

		n.waitRoutines()
	})
}

func (n *Node) journalDelivery(env *wire.Envelope) {
	d := store.Delivery{
		Round:  n.Round(),
		MsgID:  env.ID,
		Kind:   env.Kind.String(),
		Origin: env.Origin.NetAddr,
		At:     time.Now(),
	}
	if err := n.str.RecordDelivery(d); err != nil {
		n.logger.WithError(err).Warn("Failed to journal delivery")
	}
}

func (n *Node) transition(to RoundState) {
	from := n.getState()
	n.setState(to)

	t := store.Transition{
		Round: n.Round(),
		From:  from.String(),
		To:    to.String(),
		At:    time.Now(),
	}
	if err := n.str.RecordTransition(t); err != nil {
		n.logger.WithError(err).Warn("Failed to journal transition")
	}

	n.logger.WithFields(logrus.Fields{
		"from": t.From,
		"to":   t.To,
	}).Debug("Transition")
}
