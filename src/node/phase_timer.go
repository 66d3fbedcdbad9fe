package node

import (
	"time"
)

type timerFactory func(time.Duration) <-chan time.Time

// PhaseTimer is a resettable deadline used to bound the Voting and
// Aggregating phases. Arming it replaces any pending deadline.
type PhaseTimer struct {
	timerFactory timerFactory
	tickCh       chan struct{}      //sends a signal to the coordinator loop
	resetCh      chan time.Duration //receives instruction to arm the deadline
	stopCh       chan struct{}      //receives instruction to disarm the deadline
	shutdownCh   chan struct{}      //receives instruction to exit Run loop
}

func NewPhaseTimer() *PhaseTimer {
	return &PhaseTimer{
		timerFactory: func(d time.Duration) <-chan time.Time {
			if d == 0 {
				return nil
			}
			return time.After(d)
		},
		tickCh:     make(chan struct{}, 1),
		resetCh:    make(chan time.Duration),
		stopCh:     make(chan struct{}),
		shutdownCh: make(chan struct{}),
	}
}

func (c *PhaseTimer) Run() {
	var timer <-chan time.Time
	for {
		select {
		case <-timer:
			// Non-blocking so a phase that just completed cannot deadlock a
			// late tick.
			select {
			case c.tickCh <- struct{}{}:
			default:
			}
			timer = nil
		case t := <-c.resetCh:
			timer = c.timerFactory(t)
		case <-c.stopCh:
			timer = nil
		case <-c.shutdownCh:
			return
		}
	}
}

// Reset arms the deadline. It returns without arming when the timer has shut
// down, so a coordinator racing Shutdown never blocks here.
func (c *PhaseTimer) Reset(d time.Duration) {
	select {
	case c.resetCh <- d:
	case <-c.shutdownCh:
	}
}

// Stop disarms any pending deadline.
func (c *PhaseTimer) Stop() {
	select {
	case c.stopCh <- struct{}{}:
	case <-c.shutdownCh:
	}
}

func (c *PhaseTimer) Shutdown() {
	close(c.shutdownCh)
}
