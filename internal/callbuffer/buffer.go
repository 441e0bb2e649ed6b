// SignalPipe - Multi-Channel Communication Analytics Pipeline
// Copyright 2026 SignalPipe contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/signalpipe/signalpipe

// Package callbuffer holds voice-call events that cannot be classified
// geographically yet.
//
// A call id is in one of two stored states:
//
//   - Buffering: no geo seen yet; events queue up under the id
//   - Resolved: a geo-bearing event fixed the dimension key; later events
//     classify directly under it
//
// The buffer is backed by BadgerDB rather than a process-global map, so
// per-entry TTLs bound the buffer when a call never resolves and never
// terminates, and buffered events survive restarts.
//
// Transitions are staged per batch through a Txn and written to Badger only
// after the batch's database writes committed. A batch whose persistence
// fails drops its Txn, leaving the stored state exactly as it was: the
// redelivered entries replay the same transitions and flush the same
// backlog, instead of finding it already consumed.
package callbuffer

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/signalpipe/signalpipe/internal/events"
	"github.com/signalpipe/signalpipe/internal/logging"
	"github.com/signalpipe/signalpipe/internal/metrics"
)

const keyPrefix = "call:"

// ErrNoBufferEntry is the defensive error for a call id whose stored entry
// cannot be decoded. The affected batch entry is marked invalid; the batch
// itself continues.
var ErrNoBufferEntry = errors.New("no buffer entry for call id")

// GeoKey is the resolved geographic dimension key of a call.
type GeoKey struct {
	Country string `json:"country"`
	State   string `json:"state"`
	City    string `json:"city"`
}

// Decision is the outcome of observing one call event.
type Decision struct {
	// Buffered means the event was queued; nothing to classify yet.
	Buffered bool

	// Key is the dimension key to classify under when not buffered.
	Key GeoKey

	// Events are the events to process under Key: any flushed backlog
	// plus the observed event, in arrival order.
	Events []events.CallEvent

	// Fallback marks Key as the unresolved-geo sentinel key.
	Fallback bool
}

// Config holds buffer configuration.
type Config struct {
	// Dir is the Badger data directory. Ignored when InMemory is set.
	Dir string

	// InMemory runs Badger without disk persistence (tests).
	InMemory bool

	// TTL bounds the lifetime of buffer entries. A call that neither
	// resolves nor terminates within the TTL is silently evicted by
	// Badger; its buffered events are dropped.
	TTL time.Duration

	// Sentinel is the value used for all three geo dimensions of the
	// fallback key, e.g. "N/A".
	Sentinel string
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Dir:      "/data/signalpipe-callbuffer",
		TTL:      72 * time.Hour,
		Sentinel: "N/A",
	}
}

// Store is the Badger-backed call buffer.
type Store struct {
	db  *badger.DB
	cfg Config
}

// entry is the stored per-call-id state.
type entry struct {
	Resolved bool               `json:"resolved"`
	Key      GeoKey             `json:"key,omitempty"`
	Events   []events.CallEvent `json:"events,omitempty"`
}

// Open opens the buffer store.
func Open(cfg Config) (*Store, error) {
	if cfg.Sentinel == "" {
		cfg.Sentinel = "N/A"
	}
	opts := badger.DefaultOptions(cfg.Dir).WithLogger(nil)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open call buffer: %w", err)
	}
	return &Store{db: db, cfg: cfg}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// FallbackKey returns the sentinel dimension key for calls whose geo will
// never be known.
func (s *Store) FallbackKey() GeoKey {
	return GeoKey{Country: s.cfg.Sentinel, State: s.cfg.Sentinel, City: s.cfg.Sentinel}
}

// Begin starts a staging transaction for one batch's observations.
func (s *Store) Begin() *Txn {
	return &Txn{
		s:       s,
		staged:  make(map[string]*entry),
		deleted: make(map[string]bool),
		flushes: make(map[string]int),
	}
}

// Txn stages the buffer transitions of one batch. Observe reads the stored
// state through an overlay of the batch's own staged writes; Commit makes
// the staged transitions durable. An abandoned Txn changes nothing.
type Txn struct {
	s       *Store
	staged  map[string]*entry
	deleted map[string]bool
	order   []string
	gauge   int
	flushes map[string]int
}

// Observe runs one event through the state machine and returns what to do
// with it. The resulting transition is staged, not yet written.
func (t *Txn) Observe(ev *events.CallEvent) (*Decision, error) {
	key := keyPrefix + ev.CallID

	e, found, err := t.lookup(key)
	if err != nil {
		return nil, err
	}
	if !found {
		return t.observeNew(key, ev), nil
	}
	return t.observeExisting(key, e, ev), nil
}

// lookup reads the effective entry for a key: staged state first, then the
// stored state.
func (t *Txn) lookup(key string) (*entry, bool, error) {
	if t.deleted[key] {
		return nil, false, nil
	}
	if e, ok := t.staged[key]; ok {
		return e, true, nil
	}

	var e *entry
	err := t.s.db.View(func(txn *badger.Txn) error {
		item, gerr := txn.Get([]byte(key))
		if errors.Is(gerr, badger.ErrKeyNotFound) {
			return nil
		}
		if gerr != nil {
			return fmt.Errorf("get buffer entry: %w", gerr)
		}
		var dec entry
		if verr := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &dec)
		}); verr != nil {
			return fmt.Errorf("%w: %s", ErrNoBufferEntry, verr)
		}
		e = &dec
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return e, e != nil, nil
}

// observeNew handles an event for a call id with no buffer entry.
func (t *Txn) observeNew(key string, ev *events.CallEvent) *Decision {
	switch {
	case ev.HasGeo():
		// Straight to Resolved; the event classifies immediately.
		geo := GeoKey{Country: ev.Country, State: ev.State, City: ev.City}
		t.stage(key, &entry{Resolved: true, Key: geo})
		return &Decision{Key: geo, Events: []events.CallEvent{*ev}}

	case events.IsTerminalCallKind(ev.Kind):
		// A rejected/failed/terminated call will never receive geo.
		t.flushes["fallback"]++
		return &Decision{Key: t.s.FallbackKey(), Events: []events.CallEvent{*ev}, Fallback: true}

	default:
		t.stage(key, &entry{Events: []events.CallEvent{*ev}})
		t.gauge++
		return &Decision{Buffered: true}
	}
}

// observeExisting handles an event for a call id that already has an entry.
func (t *Txn) observeExisting(key string, e *entry, ev *events.CallEvent) *Decision {
	if e.Resolved {
		// Re-stage so Commit refreshes the TTL for long-running calls.
		t.stage(key, e)
		return &Decision{Key: e.Key, Events: []events.CallEvent{*ev}}
	}

	switch {
	case ev.HasGeo():
		// Buffering -> Resolved: flush the backlog plus this event under
		// the resolved key, keep only the key marker.
		geo := GeoKey{Country: ev.Country, State: ev.State, City: ev.City}
		flushed := append(append([]events.CallEvent{}, e.Events...), *ev)
		t.stage(key, &entry{Resolved: true, Key: geo})
		t.gauge -= len(e.Events)
		t.flushes["resolved"]++
		return &Decision{Key: geo, Events: flushed}

	case events.IsTerminalCallKind(ev.Kind):
		// The call terminated without ever resolving: evict, routing the
		// backlog to the fallback key instead of leaking it.
		flushed := append(append([]events.CallEvent{}, e.Events...), *ev)
		t.stageDelete(key)
		t.gauge -= len(e.Events)
		t.flushes["fallback"]++
		return &Decision{Key: t.s.FallbackKey(), Events: flushed, Fallback: true}

	default:
		next := &entry{Events: append(append([]events.CallEvent{}, e.Events...), *ev)}
		t.stage(key, next)
		t.gauge++
		return &Decision{Buffered: true}
	}
}

func (t *Txn) stage(key string, e *entry) {
	if _, ok := t.staged[key]; !ok && !t.deleted[key] {
		t.order = append(t.order, key)
	}
	delete(t.deleted, key)
	t.staged[key] = e
}

func (t *Txn) stageDelete(key string) {
	if _, ok := t.staged[key]; !ok && !t.deleted[key] {
		t.order = append(t.order, key)
	}
	delete(t.staged, key)
	t.deleted[key] = true
}

// Commit writes the staged transitions in a single Badger transaction and
// publishes the batch's buffer metrics. Callers invoke it only after the
// batch's database writes are durable; the flushed events cannot be put
// back at that point, so a failure here is for logging, not rollback.
func (t *Txn) Commit() error {
	if len(t.order) > 0 {
		err := t.s.db.Update(func(txn *badger.Txn) error {
			for _, key := range t.order {
				if t.deleted[key] {
					if derr := txn.Delete([]byte(key)); derr != nil {
						return fmt.Errorf("evict buffer entry: %w", derr)
					}
					continue
				}
				if perr := t.s.putEntry(txn, []byte(key), t.staged[key]); perr != nil {
					return perr
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("commit buffer transitions: %w", err)
		}
	}

	if t.gauge != 0 {
		metrics.CallBufferedEvents.Add(float64(t.gauge))
	}
	for outcome, n := range t.flushes {
		for i := 0; i < n; i++ {
			metrics.RecordCallBufferFlush(outcome)
		}
	}
	return nil
}

func (s *Store) putEntry(txn *badger.Txn, key []byte, e *entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal buffer entry: %w", err)
	}
	be := badger.NewEntry(key, data)
	if s.cfg.TTL > 0 {
		be = be.WithTTL(s.cfg.TTL)
	}
	if err := txn.SetEntry(be); err != nil {
		return fmt.Errorf("set buffer entry: %w", err)
	}
	return nil
}

// BufferedCount returns the number of events currently queued for a call
// id, and whether the id is resolved. Zero values mean no entry.
func (s *Store) BufferedCount(callID string) (count int, resolved bool, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		item, gerr := txn.Get([]byte(keyPrefix + callID))
		if errors.Is(gerr, badger.ErrKeyNotFound) {
			return nil
		}
		if gerr != nil {
			return gerr
		}
		var e entry
		if verr := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &e)
		}); verr != nil {
			return verr
		}
		count = len(e.Events)
		resolved = e.Resolved
		return nil
	})
	return count, resolved, err
}

// RunGC runs one round of Badger value-log garbage collection. Meant to be
// driven periodically by a supervised service.
func (s *Store) RunGC() {
	if err := s.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		logging.Warn().Err(err).Msg("call buffer value log GC")
	}
}
