// SignalPipe - Multi-Channel Communication Analytics Pipeline
// Copyright 2026 SignalPipe contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/signalpipe/signalpipe

package store

import (
	"time"

	"github.com/google/uuid"

	"github.com/signalpipe/signalpipe/internal/events"
)

// EventRecord is one durable row in channel_events. Optional dimensions are
// nil when the channel has no use for them.
type EventRecord struct {
	ID         uuid.UUID
	Channel    events.Channel
	EntityID   string
	Kind       events.Kind
	ReceivedAt time.Time
	Correction bool

	Provider   *string
	Direction  *string
	Country    *string
	State      *string
	Region     *string
	City       *string
	DeviceType *string
	UserAgent  *string
	ContactID  *string
	Duration   *int
	Price      *float64
	PriceUnit  *string
}

// TrackingUpdate is one pending mutation of a tracking record. Which fields
// are applied depends on the channel.
type TrackingUpdate struct {
	Channel events.Channel
	ID      string

	// Status is the resolved current_status value. Email status never
	// regresses from REPLIED; the update SQL enforces that.
	Status string

	// SMS pricing.
	Price     *float64
	PriceUnit *string

	// Call durations. Duration overwrites; DurationDelta accumulates into
	// total_duration.
	Duration      *int
	DurationDelta int
}

// BucketKind selects the aggregate table a delta applies to.
type BucketKind string

// Bucket kinds, one per stats table.
const (
	BucketEmail      BucketKind = "email_stats"
	BucketLink       BucketKind = "link_stats"
	BucketLinkVisits BucketKind = "link_visits"
	BucketSMS        BucketKind = "sms_stats"
	BucketCall       BucketKind = "call_stats"
	BucketContact    BucketKind = "contact_stats"
)

// BucketDelta carries pre-summed signed counter deltas for one dimension
// key. Dims are ordered to match the bucket's primary-key columns.
type BucketDelta struct {
	Kind     BucketKind
	Dims     []string
	Counters map[string]int64
}

// Batch is the unit handed to PersistBatch: everything one channel handler
// accumulated for one dispatcher batch.
type Batch struct {
	Channel  events.Channel
	Events   []EventRecord
	Tracking []TrackingUpdate
	Buckets  []BucketDelta

	// BucketsInSameTx commits bucket upserts inside the same transaction
	// as events and tracking. When false, PersistBatch ignores Buckets and
	// the caller applies them via UpsertBuckets after the commit.
	BucketsInSameTx bool
}

// Empty reports whether the batch carries no writes at all.
func (b *Batch) Empty() bool {
	return len(b.Events) == 0 && len(b.Tracking) == 0 && len(b.Buckets) == 0
}
