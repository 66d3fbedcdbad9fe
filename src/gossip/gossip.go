// Package gossip implements epidemic dissemination of application payloads.
//
// The engine drains a queue of pending envelopes on a fixed period and fans
// each one out to a bounded random subset of the currently alive neighbors.
// Random subset selection keeps per-node fan-out independent of mesh size:
// dissemination latency grows logarithmically with the network, at the cost
// of probabilistic rather than guaranteed coverage. Stragglers are resolved
// by neighbors still re-gossiping until the hop budget runs out.
package gossip

import (
	"math/rand"
	"sync"
	"time"

	"github.com/fedmesh/fedmesh/src/config"
	"github.com/fedmesh/fedmesh/src/peers"
	"github.com/fedmesh/fedmesh/src/router"
	"github.com/fedmesh/fedmesh/src/wire"
	"github.com/sirupsen/logrus"
)

// maxSendRetries bounds how many gossip periods an envelope survives in the
// pending queue without a single alive target. Transient suspicion windows
// clear within a few periods; anything longer means it has nowhere to go.
const maxSendRetries = 5

// Engine is the gossip engine. Its pending queue is fed by freshly
// originated payloads (Disseminate) and by re-broadcast candidates forwarded
// from the router's receive path (Queue).
type Engine struct {
	conf   *config.Config
	logger *logrus.Entry
	rtr    *router.Router

	pendingLock sync.Mutex
	pending     []*wire.Envelope
	retries     map[string]int

	phaseLock   sync.Mutex
	phaseActive bool
	round       int
	quietTicks  int
	lastSent    int

	convergenceCh chan int

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// NewEngine creates a gossip engine bound to the given router.
func NewEngine(conf *config.Config, rtr *router.Router, logger *logrus.Entry) *Engine {
	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}

	return &Engine{
		conf:          conf,
		logger:        logger,
		rtr:           rtr,
		retries:       map[string]int{},
		convergenceCh: make(chan int, 1),
		shutdownCh:    make(chan struct{}),
	}
}

// Disseminate originates a payload. The envelope gets a fresh ID which is
// remembered immediately, so copies of our own payload coming back around
// the mesh are suppressed. A non-positive ttl selects the configured
// default.
func (e *Engine) Disseminate(kind wire.PayloadKind, body []byte, ttl int) string {
	if ttl <= 0 {
		ttl = e.conf.TTL
	}

	env := wire.NewEnvelope(wire.GossipEnvelope, kind, e.rtr.Self(), ttl, body)
	e.rtr.Remember(env.ID)
	e.Queue(env)

	return env.ID
}

// Queue adds a re-broadcast candidate to the pending queue. The router calls
// it for every received GossipEnvelope that still has hop budget left.
func (e *Engine) Queue(env *wire.Envelope) {
	e.pendingLock.Lock()
	defer e.pendingLock.Unlock()

	e.pending = append(e.pending, env)
}

// StartPhase begins convergence accounting for the gossip phase of a round.
func (e *Engine) StartPhase(round int) {
	e.phaseLock.Lock()
	defer e.phaseLock.Unlock()

	e.phaseActive = true
	e.round = round
	e.quietTicks = 0
	e.lastSent = 0
}

// PhaseActive reports whether a gossip phase is currently being tracked.
func (e *Engine) PhaseActive() bool {
	e.phaseLock.Lock()
	defer e.phaseLock.Unlock()

	return e.phaseActive
}

// ConvergenceCh delivers the round number each time a gossip phase is
// declared converged.
func (e *Engine) ConvergenceCh() <-chan int {
	return e.convergenceCh
}

// Run drives the periodic fan-out until Shutdown.
func (e *Engine) Run() {
	ticker := time.NewTicker(e.conf.GossipPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sent := e.tick()
			e.account(sent)
		case <-e.shutdownCh:
			return
		}
	}
}

// Shutdown stops the Run loop.
func (e *Engine) Shutdown() {
	e.shutdownOnce.Do(func() {
		close(e.shutdownCh)
	})
}

// tick pops up to GossipPerTick pending envelopes and fans each one out to a
// random subset of alive neighbors bounded by the per-kind limit. It returns
// the number of distinct payloads sent to at least one neighbor.
func (e *Engine) tick() int {
	batch := e.pop(e.conf.GossipPerTick)
	if len(batch) == 0 {
		return 0
	}

	alive := e.rtr.AliveIdentities()

	sent := 0
	for _, env := range batch {
		targets := selectTargets(peers.Exclude(alive, env.Origin.UID()), e.fanout(env.Kind))
		if len(targets) == 0 {
			e.requeue(env)
			continue
		}

		for _, target := range targets {
			if err := e.rtr.SendTo(target.UID(), env); err != nil {
				e.logger.WithError(err).WithField("peer", target.NetAddr).Debug("Gossip send failed")
			}
		}
		e.clearRetries(env.ID)

		e.logger.WithFields(logrus.Fields{
			"msg_id":  env.ID,
			"ttl":     env.TTL,
			"kind":    env.Kind.String(),
			"fan_out": len(targets),
		}).Debug("Gossiped payload")

		sent++
	}

	return sent
}

// account feeds the per-phase convergence detector: a phase is converged
// once the dissemination count stops growing (or is zero) for
// GossipQuietTicks consecutive ticks.
func (e *Engine) account(sent int) {
	e.phaseLock.Lock()

	if !e.phaseActive {
		e.phaseLock.Unlock()
		return
	}

	if sent == 0 || sent == e.lastSent {
		e.quietTicks++
	} else {
		e.quietTicks = 0
	}
	e.lastSent = sent

	converged := e.quietTicks >= e.conf.GossipQuietTicks
	round := e.round
	if converged {
		e.phaseActive = false
	}
	e.phaseLock.Unlock()

	if converged {
		e.logger.WithField("round", round).Debug("Gossip phase converged")
		select {
		case e.convergenceCh <- round:
		default:
		}
	}
}

func (e *Engine) pop(max int) []*wire.Envelope {
	e.pendingLock.Lock()
	defer e.pendingLock.Unlock()

	if max > len(e.pending) {
		max = len(e.pending)
	}

	batch := e.pending[:max]
	e.pending = append([]*wire.Envelope{}, e.pending[max:]...)

	return batch
}

// requeue puts an envelope back in the pending queue so a transient window
// with no alive targets does not drop it, up to maxSendRetries attempts.
func (e *Engine) requeue(env *wire.Envelope) {
	e.pendingLock.Lock()
	defer e.pendingLock.Unlock()

	if e.retries[env.ID] >= maxSendRetries {
		delete(e.retries, env.ID)
		e.logger.WithField("msg_id", env.ID).Debug("No alive targets, dropping payload")
		return
	}

	e.retries[env.ID]++
	e.pending = append(e.pending, env)
}

func (e *Engine) clearRetries(id string) {
	e.pendingLock.Lock()
	defer e.pendingLock.Unlock()

	delete(e.retries, id)
}

func (e *Engine) fanout(kind wire.PayloadKind) int {
	if kind == wire.ModelUpdate {
		return e.conf.ModelFanout
	}
	return e.conf.ControlFanout
}

// selectTargets picks up to k identities uniformly without replacement.
func selectTargets(ids []peers.Identity, k int) []peers.Identity {
	if k >= len(ids) {
		return ids
	}

	shuffled := append([]peers.Identity{}, ids...)
	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	return shuffled[:k]
}
