// Package store persists the node's coordination journal: round-state
// transitions and payload deliveries. The journal is what the dashboard and
// post-mortem tooling read; the core itself never depends on reading it
// back. An in-memory implementation is the default, a badger-backed one is
// enabled with the store configuration flag.
package store

import "time"

// Transition records one round-state change.
type Transition struct {
	Round int       `json:"round"`
	From  string    `json:"from"`
	To    string    `json:"to"`
	At    time.Time `json:"at"`
}

// Delivery records one payload handed to the application layer.
type Delivery struct {
	Round  int       `json:"round"`
	MsgID  string    `json:"msg_id"`
	Kind   string    `json:"kind"`
	Origin string    `json:"origin"`
	At     time.Time `json:"at"`
}

// Store is the journal interface.
type Store interface {
	RecordTransition(t Transition) error
	RecordDelivery(d Delivery) error
	Transitions(round int) ([]Transition, error)
	Deliveries(round int) ([]Delivery, error)
	Close() error
}
