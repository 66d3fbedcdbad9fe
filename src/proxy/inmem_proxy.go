package proxy

import (
	"sync"

	"github.com/fedmesh/fedmesh/src/peers"
	"github.com/fedmesh/fedmesh/src/wire"
	"github.com/sirupsen/logrus"
)

// Delivery records one OnDelivered call.
type Delivery struct {
	Kind   wire.PayloadKind
	Body   []byte
	Origin peers.Identity
}

// LivenessChange records one OnNeighborLiveness call.
type LivenessChange struct {
	Neighbor peers.Identity
	State    peers.State
}

// Timeout records one OnRoundTimeout call.
type Timeout struct {
	Round int
	Phase string
}

// InmemProxy is an in-memory implementation of AppProxy used for testing. It
// records every callback and serves a canned model payload from Train.
type InmemProxy struct {
	sync.Mutex
	logger *logrus.Entry

	deliveries   []Delivery
	votes        []Delivery
	controls     []Delivery
	liveness     []LivenessChange
	convergences []int
	timeouts     []Timeout

	// TrainPayload is what Train returns; nil means nothing to share.
	TrainPayload []byte
}

// NewInmemProxy creates an InmemProxy.
func NewInmemProxy(logger *logrus.Entry) *InmemProxy {
	if logger == nil {
		log := logrus.New()
		logger = logrus.NewEntry(log)
	}
	return &InmemProxy{logger: logger}
}

// OnDelivered implements AppProxy.
func (p *InmemProxy) OnDelivered(kind wire.PayloadKind, body []byte, origin peers.Identity) {
	p.Lock()
	defer p.Unlock()
	p.logger.WithField("kind", kind.String()).Debug("InmemProxy delivery")
	p.deliveries = append(p.deliveries, Delivery{Kind: kind, Body: body, Origin: origin})
}

// OnVote implements AppProxy.
func (p *InmemProxy) OnVote(body []byte, origin peers.Identity) {
	p.Lock()
	defer p.Unlock()
	p.votes = append(p.votes, Delivery{Body: body, Origin: origin})
}

// OnControl implements AppProxy.
func (p *InmemProxy) OnControl(body []byte, origin peers.Identity) {
	p.Lock()
	defer p.Unlock()
	p.controls = append(p.controls, Delivery{Body: body, Origin: origin})
}

// OnNeighborLiveness implements AppProxy.
func (p *InmemProxy) OnNeighborLiveness(neighbor peers.Identity, state peers.State) {
	p.Lock()
	defer p.Unlock()
	p.liveness = append(p.liveness, LivenessChange{Neighbor: neighbor, State: state})
}

// OnRoundConvergence implements AppProxy.
func (p *InmemProxy) OnRoundConvergence(round int) {
	p.Lock()
	defer p.Unlock()
	p.convergences = append(p.convergences, round)
}

// OnRoundTimeout implements AppProxy.
func (p *InmemProxy) OnRoundTimeout(round int, phase string) {
	p.Lock()
	defer p.Unlock()
	p.timeouts = append(p.timeouts, Timeout{Round: round, Phase: phase})
}

// Train implements AppProxy.
func (p *InmemProxy) Train(round int) ([]byte, error) {
	p.Lock()
	defer p.Unlock()
	return p.TrainPayload, nil
}

// Deliveries returns a copy of the recorded deliveries.
func (p *InmemProxy) Deliveries() []Delivery {
	p.Lock()
	defer p.Unlock()
	return append([]Delivery(nil), p.deliveries...)
}

// Votes returns a copy of the recorded votes.
func (p *InmemProxy) Votes() []Delivery {
	p.Lock()
	defer p.Unlock()
	return append([]Delivery(nil), p.votes...)
}

// Controls returns a copy of the recorded control signals.
func (p *InmemProxy) Controls() []Delivery {
	p.Lock()
	defer p.Unlock()
	return append([]Delivery(nil), p.controls...)
}

// Liveness returns a copy of the recorded liveness changes.
func (p *InmemProxy) Liveness() []LivenessChange {
	p.Lock()
	defer p.Unlock()
	return append([]LivenessChange(nil), p.liveness...)
}

// Convergences returns a copy of the recorded convergence rounds.
func (p *InmemProxy) Convergences() []int {
	p.Lock()
	defer p.Unlock()
	return append([]int(nil), p.convergences...)
}

// Timeouts returns a copy of the recorded timeouts.
func (p *InmemProxy) Timeouts() []Timeout {
	p.Lock()
	defer p.Unlock()
	return append([]Timeout(nil), p.timeouts...)
}
