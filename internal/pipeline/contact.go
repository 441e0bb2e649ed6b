// SignalPipe - Multi-Channel Communication Analytics Pipeline
// Copyright 2026 SignalPipe contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/signalpipe/signalpipe

package pipeline

import (
	"github.com/google/uuid"

	"github.com/signalpipe/signalpipe/internal/events"
	"github.com/signalpipe/signalpipe/internal/store"
)

var contactCounters = map[events.Kind]string{
	events.KindSubscribed:   "subscribed",
	events.KindUnsubscribed: "unsubscribed",
	events.KindCreated:      "created",
}

// contactAggregator buckets contact lifecycle events by geography. Both the
// subscription and the creation handler share it; they differ only in the
// kind the normalizer assumes when the payload omits one.
type contactAggregator struct {
	buckets  *bucketAccumulator
	records  []store.EventRecord
	sentinel string
}

func newContactAggregator(sentinel string) *contactAggregator {
	return &contactAggregator{buckets: newBucketAccumulator(), sentinel: sentinel}
}

func (a *contactAggregator) Add(ev *events.ContactEvent) {
	f := FactorOf(ev.Correction)
	if counter, ok := contactCounters[ev.Kind]; ok {
		dims := []string{
			geoOr(ev.Country, a.sentinel),
			geoOr(ev.State, a.sentinel),
			geoOr(ev.Region, a.sentinel),
		}
		a.buckets.add(store.BucketContact, dims, counter, f)
	}

	a.records = append(a.records, store.EventRecord{
		ID:         uuid.New(),
		Channel:    events.ChannelContact,
		EntityID:   ev.ContactID,
		Kind:       ev.Kind,
		ReceivedAt: ev.ReceivedAt,
		Correction: ev.Correction,
		Country:    optStr(ev.Country),
		State:      optStr(ev.State),
		Region:     optStr(ev.Region),
	})
}

func (a *contactAggregator) Batch(sameTx bool) *store.Batch {
	return &store.Batch{
		Channel:         events.ChannelContact,
		Events:          a.records,
		Buckets:         a.buckets.list(),
		BucketsInSameTx: sameTx,
	}
}
