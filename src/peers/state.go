package peers

// State is the liveness classification of a neighbor: Alive, Suspected, or
// Dead. Transitions are driven by the heartbeat engine's timers; received
// traffic clears a Suspected neighbor back to Alive, but a Dead one only
// returns through a fresh connection.
type State uint32

const (
	// Alive means traffic was received from the neighbor recently.
	Alive State = iota
	// Suspected means the neighbor has been silent for longer than the
	// heartbeat timeout.
	Suspected
	// Dead means the neighbor stayed silent through the grace window. A dead
	// neighbor's connection is closed and replaced, never resurrected.
	Dead
)

// MarshalJSON renders the state by name.
func (s State) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// String ...
func (s State) String() string {
	switch s {
	case Alive:
		return "Alive"
	case Suspected:
		return "Suspected"
	case Dead:
		return "Dead"
	default:
		return "Unknown"
	}
}
