package node

import (
	"testing"
	"time"
)

func TestPhaseTimerFires(t *testing.T) {
	timer := NewPhaseTimer()
	go timer.Run()
	defer timer.Shutdown()

	timer.Reset(20 * time.Millisecond)

	select {
	case <-timer.tickCh:
	case <-time.After(2 * time.Second):
		t.Fatal("an armed deadline should tick")
	}
}

func TestPhaseTimerStopDisarms(t *testing.T) {
	timer := NewPhaseTimer()
	go timer.Run()
	defer timer.Shutdown()

	timer.Reset(50 * time.Millisecond)
	timer.Stop()

	select {
	case <-timer.tickCh:
		t.Fatal("a disarmed deadline should not tick")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestPhaseTimerResetAfterShutdownReturns(t *testing.T) {
	timer := NewPhaseTimer()
	go timer.Run()

	timer.Shutdown()

	// Run has exited; arming or disarming must still return instead of
	// blocking the caller forever.
	done := make(chan struct{})
	go func() {
		timer.Reset(time.Second)
		timer.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Reset or Stop blocked after Shutdown")
	}
}
