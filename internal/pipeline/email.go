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

// UntrackedProvider buckets email events whose payload names no ESP.
const UntrackedProvider = "Untracked Provider"

// emailFlags are the per-email-id dedup flags scoped to one batch.
type emailFlags struct {
	opened    bool
	delivered bool
	replied   bool
	lastKind  events.Kind
}

// emailAggregator folds one batch's email events into durable records, per
// provider counter deltas, per-id status updates and the set of contact ids
// flagged by hard bounces.
type emailAggregator struct {
	buckets     *bucketAccumulator
	records     []store.EventRecord
	flags       map[string]*emailFlags
	idOrder     []string
	hardBounced []string
	bouncedSeen map[string]struct{}
}

func newEmailAggregator() *emailAggregator {
	return &emailAggregator{
		buckets:     newBucketAccumulator(),
		flags:       make(map[string]*emailFlags),
		bouncedSeen: make(map[string]struct{}),
	}
}

// Add folds one normalized event into the accumulator. Dedup flags gate
// increments only: a correction decrements unconditionally and leaves the
// flags untouched, so a normal event and its correction always cancel.
func (a *emailAggregator) Add(ev *events.EmailEvent) {
	f := FactorOf(ev.Correction)
	provider := ev.Provider
	if provider == "" {
		provider = UntrackedProvider
	}
	dims := []string{provider}

	fl, ok := a.flags[ev.EmailID]
	if !ok {
		fl = &emailFlags{}
		a.flags[ev.EmailID] = fl
		a.idOrder = append(a.idOrder, ev.EmailID)
	}
	fl.lastKind = ev.Kind

	switch ev.Kind {
	case events.KindReceived:
		a.buckets.add(store.BucketEmail, dims, "received", f)
	case events.KindRejected:
		a.buckets.add(store.BucketEmail, dims, "rejected", f)
	case events.KindSent:
		a.buckets.add(store.BucketEmail, dims, "sent", f)
	case events.KindDelivered:
		if f == Decrement {
			a.buckets.add(store.BucketEmail, dims, "delivered", f)
		} else if !fl.delivered {
			a.buckets.add(store.BucketEmail, dims, "delivered", f)
			fl.delivered = true
		}
	case events.KindOpened, events.KindLinkClicked:
		a.addOpened(dims, fl, f)
	case events.KindSoftBounce, events.KindHardBounce, events.KindMailboxFull:
		a.buckets.add(store.BucketEmail, dims, "bounced", f)
		if ev.Kind == events.KindHardBounce && ev.ContactID != "" && f == Increment {
			if _, seen := a.bouncedSeen[ev.ContactID]; !seen {
				a.bouncedSeen[ev.ContactID] = struct{}{}
				a.hardBounced = append(a.hardBounced, ev.ContactID)
			}
		}
	case events.KindReplied:
		if f == Decrement {
			a.buckets.add(store.BucketEmail, dims, "replied", f)
			a.buckets.add(store.BucketEmail, dims, "opened", f)
		} else {
			if !fl.replied {
				a.buckets.add(store.BucketEmail, dims, "replied", f)
				fl.replied = true
			}
			a.addOpened(dims, fl, f)
		}
	case events.KindFailed:
		a.buckets.add(store.BucketEmail, dims, "failed", f)
	case events.KindComplaint:
		a.buckets.add(store.BucketEmail, dims, "complaint", f)
	}

	a.records = append(a.records, store.EventRecord{
		ID:         uuid.New(),
		Channel:    events.ChannelEmail,
		EntityID:   ev.EmailID,
		Kind:       ev.Kind,
		ReceivedAt: ev.ReceivedAt,
		Correction: ev.Correction,
		Provider:   optStr(provider),
		ContactID:  optStr(ev.ContactID),
	})
}

func (a *emailAggregator) addOpened(dims []string, fl *emailFlags, f Factor) {
	if f == Decrement {
		a.buckets.add(store.BucketEmail, dims, "opened", f)
		return
	}
	if !fl.opened {
		a.buckets.add(store.BucketEmail, dims, "opened", f)
		fl.opened = true
	}
}

// Batch assembles the accumulated state into a persistence batch. Status is
// resolved once per distinct email id, in first-seen order.
func (a *emailAggregator) Batch(sameTx bool) *store.Batch {
	tracking := make([]store.TrackingUpdate, 0, len(a.idOrder))
	for _, id := range a.idOrder {
		fl := a.flags[id]
		tracking = append(tracking, store.TrackingUpdate{
			Channel: events.ChannelEmail,
			ID:      id,
			Status:  ResolveStatus(fl.replied, fl.opened, fl.lastKind),
		})
	}
	return &store.Batch{
		Channel:         events.ChannelEmail,
		Events:          a.records,
		Tracking:        tracking,
		Buckets:         a.buckets.list(),
		BucketsInSameTx: sameTx,
	}
}

// HardBounced returns the contact ids flagged for hard-bounce handling, in
// first-seen order.
func (a *emailAggregator) HardBounced() []string {
	return a.hardBounced
}
