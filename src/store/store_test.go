package store

import (
	"testing"
	"time"
)

func testJournal(t *testing.T, s Store) {
	transitions := []Transition{
		{Round: 1, From: "ColdStart", To: "AwaitingConvergence", At: time.Now()},
		{Round: 1, From: "AwaitingConvergence", To: "Training", At: time.Now()},
		{Round: 2, From: "Converged", To: "AwaitingConvergence", At: time.Now()},
	}
	for _, tr := range transitions {
		if err := s.RecordTransition(tr); err != nil {
			t.Fatal(err)
		}
	}

	deliveries := []Delivery{
		{Round: 1, MsgID: "aaaa", Kind: "ModelUpdate", Origin: "b:1", At: time.Now()},
		{Round: 1, MsgID: "bbbb", Kind: "ControlMessage", Origin: "c:1", At: time.Now()},
	}
	for _, d := range deliveries {
		if err := s.RecordDelivery(d); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.Transitions(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("round 1 should have 2 transitions, not %d", len(got))
	}
	if got[0].To != "AwaitingConvergence" || got[1].To != "Training" {
		t.Fatal("transitions should come back in record order")
	}

	got, err = s.Transitions(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("round 2 should have 1 transition, not %d", len(got))
	}

	gotD, err := s.Deliveries(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(gotD) != 2 {
		t.Fatalf("round 1 should have 2 deliveries, not %d", len(gotD))
	}

	gotD, err = s.Deliveries(99)
	if err != nil {
		t.Fatal(err)
	}
	if len(gotD) != 0 {
		t.Fatalf("unknown round should have no deliveries, got %d", len(gotD))
	}
}

func TestInmemStore(t *testing.T) {
	s := NewInmemStore()
	defer s.Close()

	testJournal(t, s)
}

func TestBadgerStore(t *testing.T) {
	s, err := NewBadgerStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	testJournal(t, s)
}

func TestBadgerStoreReadsFromDisk(t *testing.T) {
	dir := t.TempDir()

	s, err := NewBadgerStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	tr := Transition{Round: 3, From: "Voting", To: "Aggregating", At: time.Now()}
	if err := s.RecordTransition(tr); err != nil {
		t.Fatal(err)
	}
	d := Delivery{Round: 3, MsgID: "cccc", Kind: "ModelUpdate", Origin: "b:1", At: time.Now()}
	if err := s.RecordDelivery(d); err != nil {
		t.Fatal(err)
	}

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	// Reopen: the inmem mirror is empty, so reads hit badger.
	reopened, err := NewBadgerStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	transitions, err := reopened.Transitions(3)
	if err != nil {
		t.Fatal(err)
	}
	if len(transitions) != 1 || transitions[0].To != "Aggregating" {
		t.Fatalf("transition should survive a reopen, got %v", transitions)
	}

	deliveries, err := reopened.Deliveries(3)
	if err != nil {
		t.Fatal(err)
	}
	if len(deliveries) != 1 || deliveries[0].MsgID != "cccc" {
		t.Fatalf("delivery should survive a reopen, got %v", deliveries)
	}
}
