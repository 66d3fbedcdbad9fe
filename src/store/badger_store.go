package store

import (
	"bytes"
	"fmt"
	"sync/atomic"

	"github.com/dgraph-io/badger"
	"github.com/ugorji/go/codec"
)

const (
	transitionPrefix = "transition"
	deliveryPrefix   = "delivery"
)

// BadgerStore journals to a badger KV on disk while mirroring into an
// InmemStore for reads. Writes are synchronous from the caller's point of
// view but badger itself runs with SyncWrites off.
type BadgerStore struct {
	inmem *InmemStore
	db    *badger.DB
	path  string
	seq   uint64
}

// NewBadgerStore opens (or creates) a badger DB at path.
func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	opts.SyncWrites = false
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{
		inmem: NewInmemStore(),
		db:    db,
		path:  path,
	}, nil
}

func transitionKey(round int, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s_%09d_%012d", transitionPrefix, round, seq))
}

func deliveryKey(round int, msgID string) []byte {
	return []byte(fmt.Sprintf("%s_%09d_%s", deliveryPrefix, round, msgID))
}

func roundPrefix(prefix string, round int) []byte {
	return []byte(fmt.Sprintf("%s_%09d_", prefix, round))
}

func (s *BadgerStore) RecordTransition(t Transition) error {
	if err := s.inmem.RecordTransition(t); err != nil {
		return err
	}
	seq := atomic.AddUint64(&s.seq, 1)
	val, err := marshal(t)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(transitionKey(t.Round, seq), val)
	})
}

func (s *BadgerStore) RecordDelivery(d Delivery) error {
	if err := s.inmem.RecordDelivery(d); err != nil {
		return err
	}
	val, err := marshal(d)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(deliveryKey(d.Round, d.MsgID), val)
	})
}

func (s *BadgerStore) Transitions(round int) ([]Transition, error) {
	if res, _ := s.inmem.Transitions(round); len(res) > 0 {
		return res, nil
	}
	res := []Transition{}
	err := s.scan(roundPrefix(transitionPrefix, round), func(val []byte) error {
		var t Transition
		if err := unmarshal(val, &t); err != nil {
			return err
		}
		res = append(res, t)
		return nil
	})
	return res, err
}

func (s *BadgerStore) Deliveries(round int) ([]Delivery, error) {
	if res, _ := s.inmem.Deliveries(round); len(res) > 0 {
		return res, nil
	}
	res := []Delivery{}
	err := s.scan(roundPrefix(deliveryPrefix, round), func(val []byte) error {
		var d Delivery
		if err := unmarshal(val, &d); err != nil {
			return err
		}
		res = append(res, d)
		return nil
	})
	return res, err
}

func (s *BadgerStore) scan(prefix []byte, fn func(val []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(val); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func marshal(v interface{}) ([]byte, error) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	if err := codec.NewEncoder(b, jh).Encode(v); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func unmarshal(data []byte, v interface{}) error {
	b := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	return codec.NewDecoder(b, jh).Decode(v)
}
