package node

import (
	"sync"
	"sync/atomic"
)

// RoundState captures where a node is in the coordination cycle.
type RoundState uint32

const (
	// Idle is the initial state, before Run is called, and the resting
	// state after a round is aborted.
	Idle RoundState = iota
	// ColdStart is the fixed grace period after boot, letting the first
	// heartbeats land before convergence is evaluated.
	ColdStart
	// AwaitingConvergence waits for the failure detector to report a stable
	// network view.
	AwaitingConvergence
	// Training hands control to the application for local training.
	Training
	// GossipingModels disseminates the round's payloads until the mesh goes
	// quiet.
	GossipingModels
	// Voting waits for the application to complete the round vote.
	Voting
	// Aggregating waits for the application to finish aggregation.
	Aggregating
	// Converged is the terminal state of a successful round.
	Converged
	// Shutdown means the node is stopping.
	Shutdown
)

// String ...
func (s RoundState) String() string {
	switch s {
	case Idle:
		return "Idle"
	case ColdStart:
		return "ColdStart"
	case AwaitingConvergence:
		return "AwaitingConvergence"
	case Training:
		return "Training"
	case GossipingModels:
		return "GossipingModels"
	case Voting:
		return "Voting"
	case Aggregating:
		return "Aggregating"
	case Converged:
		return "Converged"
	case Shutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

// WGLIMIT is the maximum number of goroutines that can be launched through
// state.goFunc
const WGLIMIT = 20

type state struct {
	state   RoundState
	wg      sync.WaitGroup
	wgCount int32
}

func (b *state) getState() RoundState {
	stateAddr := (*uint32)(&b.state)
	return RoundState(atomic.LoadUint32(stateAddr))
}

func (b *state) setState(s RoundState) {
	stateAddr := (*uint32)(&b.state)
	atomic.StoreUint32(stateAddr, uint32(s))
}

// Start a goroutine and add it to waitgroup
func (b *state) goFunc(f func()) {
	tempWgCount := atomic.LoadInt32(&b.wgCount)
	if tempWgCount < WGLIMIT {
		b.wg.Add(1)
		atomic.AddInt32(&b.wgCount, 1)
		go func() {
			defer b.wg.Done()
			atomic.AddInt32(&b.wgCount, -1)
			f()
		}()
	}
}

func (b *state) waitRoutines() {
	b.wg.Wait()
}
