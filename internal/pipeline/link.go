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

// linkAggregator folds link clicks into durable records, a dimensioned click
// bucket and a per-link visit counter. Links carry no tracking records.
type linkAggregator struct {
	buckets  *bucketAccumulator
	records  []store.EventRecord
	sentinel string
}

func newLinkAggregator(sentinel string) *linkAggregator {
	return &linkAggregator{buckets: newBucketAccumulator(), sentinel: sentinel}
}

func (a *linkAggregator) Add(ev *events.LinkEvent) {
	f := FactorOf(ev.Correction)

	dims := []string{
		ev.LinkID,
		geoOr(ev.Country, a.sentinel),
		geoOr(ev.Region, a.sentinel),
		geoOr(ev.City, a.sentinel),
		ev.DeviceType,
	}
	a.buckets.add(store.BucketLink, dims, "clicks", f)
	a.buckets.add(store.BucketLinkVisits, []string{ev.LinkID}, "visits", f)

	a.records = append(a.records, store.EventRecord{
		ID:         uuid.New(),
		Channel:    events.ChannelLink,
		EntityID:   ev.LinkID,
		Kind:       ev.Kind,
		ReceivedAt: ev.ReceivedAt,
		Correction: ev.Correction,
		Country:    optStr(ev.Country),
		Region:     optStr(ev.Region),
		City:       optStr(ev.City),
		DeviceType: optStr(ev.DeviceType),
		UserAgent:  optStr(ev.UserAgent),
	})
}

func (a *linkAggregator) Batch(sameTx bool) *store.Batch {
	return &store.Batch{
		Channel:         events.ChannelLink,
		Events:          a.records,
		Buckets:         a.buckets.list(),
		BucketsInSameTx: sameTx,
	}
}
