// SignalPipe - Multi-Channel Communication Analytics Pipeline
// Copyright 2026 SignalPipe contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/signalpipe/signalpipe

package callbuffer

import (
	"testing"
	"time"

	"github.com/signalpipe/signalpipe/internal/events"
)

func openTestBuffer(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{InMemory: true, TTL: time.Hour, Sentinel: "N/A"})
	if err != nil {
		t.Fatalf("open buffer: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func callEvent(id string, kind events.Kind, city, country string) *events.CallEvent {
	return &events.CallEvent{
		CallID:     id,
		Kind:       kind,
		ReceivedAt: time.Now(),
		Direction:  events.DirectionInbound,
		Country:    country,
		City:       city,
	}
}

// observeCommitted runs one event through its own committed transaction, the
// way a successfully persisted single-entry batch would.
func observeCommitted(t *testing.T, s *Store, ev *events.CallEvent) *Decision {
	t.Helper()
	txn := s.Begin()
	d, err := txn.Observe(ev)
	if err != nil {
		t.Fatalf("observe %s/%s: %v", ev.CallID, ev.Kind, err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return d
}

func TestObserve_GeoOnFirstEvent(t *testing.T) {
	s := openTestBuffer(t)

	d := observeCommitted(t, s, callEvent("X", events.KindAnswered, "Paris", "FR"))
	if d.Buffered {
		t.Fatal("geo-bearing event must not buffer")
	}
	if d.Key.City != "Paris" || d.Key.Country != "FR" {
		t.Errorf("key = %+v, want FR/Paris", d.Key)
	}
	if len(d.Events) != 1 {
		t.Errorf("events = %d, want 1", len(d.Events))
	}
}

func TestObserve_BufferThenFlushOnGeo(t *testing.T) {
	s := openTestBuffer(t)

	d1 := observeCommitted(t, s, callEvent("X", events.KindInitiated, "", ""))
	if !d1.Buffered {
		t.Fatal("geo-less event must buffer")
	}

	d2 := observeCommitted(t, s, callEvent("X", events.KindRinging, "", ""))
	if !d2.Buffered {
		t.Fatal("second geo-less event must buffer")
	}
	if n, _, _ := s.BufferedCount("X"); n != 2 {
		t.Fatalf("buffered = %d, want 2", n)
	}

	d3 := observeCommitted(t, s, callEvent("X", events.KindAnswered, "Paris", "FR"))
	if d3.Buffered {
		t.Fatal("resolving event must flush, not buffer")
	}
	if len(d3.Events) != 3 {
		t.Errorf("flushed events = %d, want 3 (backlog + trigger)", len(d3.Events))
	}
	if d3.Key.Country != "FR" || d3.Key.City != "Paris" {
		t.Errorf("key = %+v, want FR/Paris", d3.Key)
	}
	if d3.Events[0].Kind != events.KindInitiated || d3.Events[2].Kind != events.KindAnswered {
		t.Error("flush must preserve arrival order")
	}

	// Backlog cleared; only the resolved key marker remains.
	n, resolved, err := s.BufferedCount("X")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 || !resolved {
		t.Errorf("after flush: buffered=%d resolved=%v, want 0/true", n, resolved)
	}
}

func TestObserve_ResolvedKeyReused(t *testing.T) {
	s := openTestBuffer(t)

	observeCommitted(t, s, callEvent("X", events.KindAnswered, "Paris", "FR"))

	// Later event without geo still classifies under the stored key.
	d := observeCommitted(t, s, callEvent("X", events.KindCompleted, "", ""))
	if d.Buffered {
		t.Fatal("event for resolved call must not buffer")
	}
	if d.Key.City != "Paris" {
		t.Errorf("key = %+v, want stored Paris key", d.Key)
	}
	if len(d.Events) != 1 {
		t.Errorf("events = %d, want only the observed event", len(d.Events))
	}
}

func TestObserve_RejectedWithoutGeoGoesToFallback(t *testing.T) {
	s := openTestBuffer(t)

	d := observeCommitted(t, s, callEvent("Y", events.KindRejected, "", ""))
	if d.Buffered {
		t.Fatal("rejected call must not buffer")
	}
	if !d.Fallback {
		t.Error("expected fallback classification")
	}
	want := GeoKey{Country: "N/A", State: "N/A", City: "N/A"}
	if d.Key != want {
		t.Errorf("key = %+v, want %+v", d.Key, want)
	}
	if n, _, _ := s.BufferedCount("Y"); n != 0 {
		t.Error("no entry should have been created")
	}
}

func TestObserve_TerminalEvictsUnresolvedBacklog(t *testing.T) {
	s := openTestBuffer(t)

	observeCommitted(t, s, callEvent("Z", events.KindInitiated, "", ""))
	observeCommitted(t, s, callEvent("Z", events.KindRinging, "", ""))

	d := observeCommitted(t, s, callEvent("Z", events.KindCompleted, "", ""))
	if d.Buffered {
		t.Fatal("terminal event must flush")
	}
	if !d.Fallback {
		t.Error("unresolved terminal call must classify under fallback key")
	}
	if len(d.Events) != 3 {
		t.Errorf("flushed events = %d, want 3", len(d.Events))
	}

	n, resolved, err := s.BufferedCount("Z")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 || resolved {
		t.Errorf("entry must be removed after eviction, got buffered=%d resolved=%v", n, resolved)
	}
}

func TestObserve_FailedWhileBufferingEvicts(t *testing.T) {
	s := openTestBuffer(t)

	observeCommitted(t, s, callEvent("W", events.KindInitiated, "", ""))
	d := observeCommitted(t, s, callEvent("W", events.KindFailed, "", ""))
	if !d.Fallback || len(d.Events) != 2 {
		t.Errorf("want fallback flush of 2 events, got fallback=%v n=%d", d.Fallback, len(d.Events))
	}
}

func TestObserve_CrossBatchResolution(t *testing.T) {
	// The buffer outlives a single handler invocation: events observed in
	// one batch resolve events buffered in a previous one.
	s := openTestBuffer(t)

	observeCommitted(t, s, callEvent("X", events.KindInitiated, "", ""))

	// Simulates a later batch.
	d := observeCommitted(t, s, callEvent("X", events.KindAnswered, "Paris", "FR"))
	if len(d.Events) != 2 {
		t.Errorf("flushed events = %d, want backlog from earlier batch plus trigger", len(d.Events))
	}
}

func TestTxn_SameBatchTransitionsSeeStagedState(t *testing.T) {
	// Within one batch, a later event must see what earlier events staged,
	// even though nothing hit Badger yet.
	s := openTestBuffer(t)

	txn := s.Begin()
	d1, err := txn.Observe(callEvent("X", events.KindInitiated, "", ""))
	if err != nil {
		t.Fatalf("observe 1: %v", err)
	}
	if !d1.Buffered {
		t.Fatal("first event must buffer")
	}
	d2, err := txn.Observe(callEvent("X", events.KindAnswered, "Paris", "FR"))
	if err != nil {
		t.Fatalf("observe 2: %v", err)
	}
	if len(d2.Events) != 2 {
		t.Fatalf("flushed events = %d, want the staged backlog plus trigger", len(d2.Events))
	}

	// Not committed yet: the stored state is still empty.
	if n, resolved, _ := s.BufferedCount("X"); n != 0 || resolved {
		t.Errorf("stored state before commit: buffered=%d resolved=%v, want none", n, resolved)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, resolved, _ := s.BufferedCount("X"); !resolved {
		t.Error("resolved marker must exist after commit")
	}
}

func TestTxn_AbandonedFlushIsReplayable(t *testing.T) {
	// A batch whose persistence fails drops its transaction without
	// committing. The redelivered resolving event must flush the full
	// backlog again; nothing may be lost to the abandoned attempt.
	s := openTestBuffer(t)

	observeCommitted(t, s, callEvent("X", events.KindInitiated, "", ""))

	trigger := callEvent("X", events.KindAnswered, "Paris", "FR")

	failed := s.Begin()
	d1, err := failed.Observe(trigger)
	if err != nil {
		t.Fatalf("first observe: %v", err)
	}
	if len(d1.Events) != 2 {
		t.Fatalf("first flush = %d events, want 2", len(d1.Events))
	}
	// No Commit: the batch's database write failed.

	if n, resolved, _ := s.BufferedCount("X"); n != 1 || resolved {
		t.Fatalf("stored state after abandoned txn: buffered=%d resolved=%v, want 1/false", n, resolved)
	}

	d2 := observeCommitted(t, s, trigger)
	if len(d2.Events) != 2 {
		t.Errorf("redelivered flush = %d events, want the same 2", len(d2.Events))
	}
	if d2.Events[0].Kind != events.KindInitiated {
		t.Error("redelivered flush must still carry the buffered backlog first")
	}
}
