package store

import "sync"

// InmemStore keeps the journal in maps. It is the default store and is also
// embedded by BadgerStore as its read cache.
type InmemStore struct {
	sync.Mutex
	transitions map[int][]Transition
	deliveries  map[int][]Delivery
}

func NewInmemStore() *InmemStore {
	return &InmemStore{
		transitions: make(map[int][]Transition),
		deliveries:  make(map[int][]Delivery),
	}
}

func (s *InmemStore) RecordTransition(t Transition) error {
	s.Lock()
	defer s.Unlock()
	s.transitions[t.Round] = append(s.transitions[t.Round], t)
	return nil
}

func (s *InmemStore) RecordDelivery(d Delivery) error {
	s.Lock()
	defer s.Unlock()
	s.deliveries[d.Round] = append(s.deliveries[d.Round], d)
	return nil
}

func (s *InmemStore) Transitions(round int) ([]Transition, error) {
	s.Lock()
	defer s.Unlock()
	res := make([]Transition, len(s.transitions[round]))
	copy(res, s.transitions[round])
	return res, nil
}

func (s *InmemStore) Deliveries(round int) ([]Delivery, error) {
	s.Lock()
	defer s.Unlock()
	res := make([]Delivery, len(s.deliveries[round]))
	copy(res, s.deliveries[round])
	return res, nil
}

func (s *InmemStore) Close() error {
	return nil
}
