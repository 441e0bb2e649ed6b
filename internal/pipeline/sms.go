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

var smsCounters = map[events.Kind]string{
	events.KindAccepted:    "accepted",
	events.KindQueued:      "queued",
	events.KindSent:        "sent",
	events.KindDelivered:   "delivered",
	events.KindUndelivered: "undelivered",
	events.KindFailed:      "failed",
	events.KindReceived:    "received",
}

// smsAggregator buckets SMS status events by direction and keeps one tracking
// update per sms id (last status wins, latest observed price carried along).
type smsAggregator struct {
	buckets  *bucketAccumulator
	records  []store.EventRecord
	tracking map[string]*store.TrackingUpdate
	idOrder  []string
}

func newSMSAggregator() *smsAggregator {
	return &smsAggregator{
		buckets:  newBucketAccumulator(),
		tracking: make(map[string]*store.TrackingUpdate),
	}
}

func (a *smsAggregator) Add(ev *events.SMSEvent) {
	f := FactorOf(ev.Correction)
	if counter, ok := smsCounters[ev.Kind]; ok {
		a.buckets.add(store.BucketSMS, []string{ev.Direction}, counter, f)
	}

	tu, ok := a.tracking[ev.SMSID]
	if !ok {
		tu = &store.TrackingUpdate{Channel: events.ChannelSMS, ID: ev.SMSID}
		a.tracking[ev.SMSID] = tu
		a.idOrder = append(a.idOrder, ev.SMSID)
	}
	tu.Status = string(ev.Kind)
	if ev.Price != nil {
		tu.Price = ev.Price
		tu.PriceUnit = optStr(ev.PriceUnit)
	}

	a.records = append(a.records, store.EventRecord{
		ID:         uuid.New(),
		Channel:    events.ChannelSMS,
		EntityID:   ev.SMSID,
		Kind:       ev.Kind,
		ReceivedAt: ev.ReceivedAt,
		Correction: ev.Correction,
		Direction:  optStr(ev.Direction),
		Price:      ev.Price,
		PriceUnit:  optStr(ev.PriceUnit),
	})
}

func (a *smsAggregator) Batch(sameTx bool) *store.Batch {
	tracking := make([]store.TrackingUpdate, 0, len(a.idOrder))
	for _, id := range a.idOrder {
		tracking = append(tracking, *a.tracking[id])
	}
	return &store.Batch{
		Channel:         events.ChannelSMS,
		Events:          a.records,
		Tracking:        tracking,
		Buckets:         a.buckets.list(),
		BucketsInSameTx: sameTx,
	}
}
