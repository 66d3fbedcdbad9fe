// Package heartbeat implements the failure detector. On a fixed period it
// broadcasts liveness beacons over every connection, ages out neighbors that
// stop responding, and raises a convergence signal once the neighbor view
// has been stable for a configured number of cycles.
package heartbeat

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fedmesh/fedmesh/src/config"
	"github.com/fedmesh/fedmesh/src/peers"
	"github.com/fedmesh/fedmesh/src/router"
	"github.com/fedmesh/fedmesh/src/wire"
	"github.com/sirupsen/logrus"
)

// Engine is the heartbeat engine. It never interprets payloads; its only
// inputs are the periodic timer and the per-connection last-activity
// timestamps maintained by the router.
type Engine struct {
	conf   *config.Config
	logger *logrus.Entry
	rtr    *router.Router

	counterLock sync.Mutex
	counter     int
	lastView    string

	convergenceCh chan struct{}

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// NewEngine creates a heartbeat engine bound to the given router.
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
		convergenceCh: make(chan struct{}, 1),
		shutdownCh:    make(chan struct{}),
	}
}

// OnHeartbeat is the router's dispatch target for Heartbeat envelopes. The
// router already refreshed the sender's liveness before dispatching, so
// there is nothing left to track here.
func (e *Engine) OnHeartbeat(from peers.Identity, env *wire.Envelope) {
	e.logger.WithField("from", from.NetAddr).Debug("Heartbeat")
}

// ConvergenceCh delivers one value each time the live-neighbor view has been
// stable for ConvergenceBeats consecutive periods. The round coordinator
// blocks on it before permitting a round to start.
func (e *Engine) ConvergenceCh() <-chan struct{} {
	return e.convergenceCh
}

// Counter returns the current stable-view counter.
func (e *Engine) Counter() int {
	e.counterLock.Lock()
	defer e.counterLock.Unlock()
	return e.counter
}

// Run drives the periodic beat/age/convergence cycle until Shutdown.
func (e *Engine) Run() {
	ticker := time.NewTicker(e.conf.HeartbeatPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.beat()
			e.age()
			e.checkConvergence()
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

// beat broadcasts a liveness beacon. Beats are point-to-point (TTL 1): every
// node beats its own neighbors, so there is no need to relay them.
func (e *Engine) beat() {
	env := wire.NewEnvelope(wire.Heartbeat, wire.KindNone, e.rtr.Self(), 1, nil)
	e.rtr.Broadcast(env)
}

// age walks the neighbor table and applies the liveness timers: a silent
// Alive neighbor becomes Suspected after HeartbeatTimeout, and a Suspected
// one becomes Dead after a further SuspectGrace of silence.
func (e *Engine) age() {
	for _, n := range e.rtr.Stale(e.conf.HeartbeatTimeout) {
		if n.State == peers.Alive {
			e.logger.WithField("peer", n.Identity.NetAddr).Debug("Neighbor silent, suspecting")
			e.rtr.MarkSuspected(n.Identity.UID())
		}
	}

	for _, n := range e.rtr.Stale(e.conf.HeartbeatTimeout + e.conf.SuspectGrace) {
		if n.State == peers.Suspected {
			e.logger.WithField("peer", n.Identity.NetAddr).Debug("Neighbor still silent, declaring dead")
			e.rtr.MarkDead(n.Identity.UID())
		}
	}
}

// checkConvergence compares the alive-neighbor fingerprint with the previous
// period's. The counter climbs only within stable windows and snaps back to
// zero on any membership change. While the counter sits at or above
// ConvergenceBeats the convergence channel is kept topped up, so a consumer
// that starts waiting mid-window still observes the signal; a membership
// change drains any buffered signal along with resetting the counter, so a
// consumer never starts a round against a view that just changed.
func (e *Engine) checkConvergence() {
	view := fingerprint(e.rtr.AliveIdentities())

	e.counterLock.Lock()
	if view == e.lastView {
		e.counter++
	} else {
		e.counter = 0
		e.lastView = view
		select {
		case <-e.convergenceCh:
		default:
		}
	}
	fire := e.counter >= e.conf.ConvergenceBeats
	count := e.counter
	e.counterLock.Unlock()

	if fire {
		e.logger.WithField("stable_periods", count).Debug("Neighbor view converged")
		select {
		case e.convergenceCh <- struct{}{}:
		default:
		}
	}
}

func fingerprint(ids []peers.Identity) string {
	uids := make([]string, len(ids))
	for i, id := range ids {
		uids[i] = fmt.Sprint(id.UID())
	}
	sort.Strings(uids)
	return strings.Join(uids, ",")
}
