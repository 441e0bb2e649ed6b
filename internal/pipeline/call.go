// SignalPipe - Multi-Channel Communication Analytics Pipeline
// Copyright 2026 SignalPipe contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/signalpipe/signalpipe

package pipeline

import (
	"context"

	"github.com/google/uuid"

	"github.com/signalpipe/signalpipe/internal/callbuffer"
	"github.com/signalpipe/signalpipe/internal/events"
	"github.com/signalpipe/signalpipe/internal/store"
)

var callCounters = map[events.Kind]string{
	events.KindInitiated: "initiated",
	events.KindRinging:   "ringing",
	events.KindAnswered:  "answered",
	events.KindCompleted: "completed",
	events.KindDeclined:  "declined",
	events.KindRejected:  "rejected",
	events.KindFailed:    "failed",
}

// callAggregator routes every call event through the cross-batch buffer and
// folds whatever comes back classifiable. A buffered event contributes
// nothing to this batch; its records and deltas materialize in the batch
// whose event resolves (or evicts) the call. Buffer transitions stay staged
// in the transaction until Commit, so a batch whose persistence fails leaves
// the buffer untouched for redelivery.
type callAggregator struct {
	txn      *callbuffer.Txn
	buckets  *bucketAccumulator
	records  []store.EventRecord
	tracking map[string]*store.TrackingUpdate
	idOrder  []string
}

func newCallAggregator(txn *callbuffer.Txn) *callAggregator {
	return &callAggregator{
		txn:      txn,
		buckets:  newBucketAccumulator(),
		tracking: make(map[string]*store.TrackingUpdate),
	}
}

// Add observes one event. The returned error is a buffer-state failure; the
// caller marks the entry invalid and moves on.
func (a *callAggregator) Add(ev *events.CallEvent) error {
	d, err := a.txn.Observe(ev)
	if err != nil {
		return err
	}
	if d.Buffered {
		return nil
	}
	for i := range d.Events {
		a.classify(&d.Events[i], d.Key)
	}
	return nil
}

// Commit makes the batch's buffer transitions durable. Runs only after the
// batch's database writes committed; until then the stored buffer state is
// untouched and redelivered entries replay the same flush.
func (a *callAggregator) Commit(context.Context) error {
	return a.txn.Commit()
}

// classify applies one event under its resolved dimension key.
func (a *callAggregator) classify(ev *events.CallEvent, key callbuffer.GeoKey) {
	f := FactorOf(ev.Correction)
	if counter, ok := callCounters[ev.Kind]; ok {
		dims := []string{key.Country, key.State, key.City, ev.Direction}
		a.buckets.add(store.BucketCall, dims, counter, f)
	}

	tu, ok := a.tracking[ev.CallID]
	if !ok {
		tu = &store.TrackingUpdate{Channel: events.ChannelCall, ID: ev.CallID}
		a.tracking[ev.CallID] = tu
		a.idOrder = append(a.idOrder, ev.CallID)
	}
	tu.Status = string(ev.Kind)
	if ev.Duration != nil {
		tu.Duration = ev.Duration
		tu.DurationDelta += *ev.Duration
	}

	a.records = append(a.records, store.EventRecord{
		ID:         uuid.New(),
		Channel:    events.ChannelCall,
		EntityID:   ev.CallID,
		Kind:       ev.Kind,
		ReceivedAt: ev.ReceivedAt,
		Correction: ev.Correction,
		Direction:  optStr(ev.Direction),
		Country:    optStr(key.Country),
		State:      optStr(key.State),
		City:       optStr(key.City),
		Duration:   ev.Duration,
	})
}

func (a *callAggregator) Batch(sameTx bool) *store.Batch {
	tracking := make([]store.TrackingUpdate, 0, len(a.idOrder))
	for _, id := range a.idOrder {
		tracking = append(tracking, *a.tracking[id])
	}
	return &store.Batch{
		Channel:         events.ChannelCall,
		Events:          a.records,
		Tracking:        tracking,
		Buckets:         a.buckets.list(),
		BucketsInSameTx: sameTx,
	}
}
