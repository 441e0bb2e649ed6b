// SignalPipe - Multi-Channel Communication Analytics Pipeline
// Copyright 2026 SignalPipe contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/signalpipe/signalpipe

package pipeline

import (
	"testing"
	"time"

	"github.com/signalpipe/signalpipe/internal/events"
	"github.com/signalpipe/signalpipe/internal/store"
)

func emailEv(id string, kind events.Kind, correction bool) *events.EmailEvent {
	return &events.EmailEvent{
		EmailID:    id,
		Kind:       kind,
		ReceivedAt: time.Now(),
		Provider:   "sendgrid",
		Correction: correction,
	}
}

func counterOf(b *store.Batch, kind store.BucketKind, dims []string, counter string) (int64, bool) {
	for _, d := range b.Buckets {
		if d.Kind != kind || len(d.Dims) != len(dims) {
			continue
		}
		match := true
		for i := range dims {
			if d.Dims[i] != dims[i] {
				match = false
				break
			}
		}
		if match {
			v, ok := d.Counters[counter]
			return v, ok
		}
	}
	return 0, false
}

func TestEmailAggregator_OpenedCountedOncePerID(t *testing.T) {
	agg := newEmailAggregator()
	for i := 0; i < 5; i++ {
		agg.Add(emailEv("e1", events.KindOpened, false))
	}
	b := agg.Batch(true)

	if got, _ := counterOf(b, store.BucketEmail, []string{"sendgrid"}, "opened"); got != 1 {
		t.Errorf("opened = %d, want 1 for 5 OPENED events on one id", got)
	}
	if len(b.Events) != 5 {
		t.Errorf("events = %d, want one durable record per event", len(b.Events))
	}
}

func TestEmailAggregator_DeliveredDedupPerID(t *testing.T) {
	agg := newEmailAggregator()
	agg.Add(emailEv("e1", events.KindDelivered, false))
	agg.Add(emailEv("e1", events.KindDelivered, false))
	agg.Add(emailEv("e2", events.KindDelivered, false))
	b := agg.Batch(true)

	if got, _ := counterOf(b, store.BucketEmail, []string{"sendgrid"}, "delivered"); got != 2 {
		t.Errorf("delivered = %d, want 2 (once per id)", got)
	}
}

func TestEmailAggregator_RepliedImpliesOpened(t *testing.T) {
	agg := newEmailAggregator()
	agg.Add(emailEv("e1", events.KindReplied, false))
	b := agg.Batch(true)

	if got, _ := counterOf(b, store.BucketEmail, []string{"sendgrid"}, "replied"); got != 1 {
		t.Errorf("replied = %d, want 1", got)
	}
	if got, _ := counterOf(b, store.BucketEmail, []string{"sendgrid"}, "opened"); got != 1 {
		t.Errorf("opened = %d, want 1 (reply implies open)", got)
	}

	// A later OPENED for the same id adds nothing: the reply already set
	// the opened flag.
	agg.Add(emailEv("e1", events.KindOpened, false))
	b = agg.Batch(true)
	if got, _ := counterOf(b, store.BucketEmail, []string{"sendgrid"}, "opened"); got != 1 {
		t.Errorf("opened after extra OPENED = %d, want still 1", got)
	}
}

func TestEmailAggregator_CorrectionSymmetry(t *testing.T) {
	agg := newEmailAggregator()
	agg.Add(emailEv("e1", events.KindOpened, false))
	agg.Add(emailEv("e1", events.KindOpened, true))
	agg.Add(emailEv("e2", events.KindDelivered, false))
	agg.Add(emailEv("e2", events.KindDelivered, true))
	b := agg.Batch(true)

	if got, ok := counterOf(b, store.BucketEmail, []string{"sendgrid"}, "opened"); !ok || got != 0 {
		t.Errorf("opened = %d, want 0 after correction", got)
	}
	if got, ok := counterOf(b, store.BucketEmail, []string{"sendgrid"}, "delivered"); !ok || got != 0 {
		t.Errorf("delivered = %d, want 0 after correction", got)
	}
}

func TestEmailAggregator_ProviderDefault(t *testing.T) {
	agg := newEmailAggregator()
	ev := emailEv("e1", events.KindSent, false)
	ev.Provider = ""
	agg.Add(ev)
	b := agg.Batch(true)

	if got, _ := counterOf(b, store.BucketEmail, []string{UntrackedProvider}, "sent"); got != 1 {
		t.Errorf("sent under %q = %d, want 1", UntrackedProvider, got)
	}
}

func TestEmailAggregator_HardBounceCollectsContacts(t *testing.T) {
	agg := newEmailAggregator()

	ev := emailEv("e1", events.KindHardBounce, false)
	ev.ContactID = "c1"
	agg.Add(ev)

	dup := emailEv("e2", events.KindHardBounce, false)
	dup.ContactID = "c1"
	agg.Add(dup)

	soft := emailEv("e3", events.KindSoftBounce, false)
	soft.ContactID = "c2"
	agg.Add(soft)

	got := agg.HardBounced()
	if len(got) != 1 || got[0] != "c1" {
		t.Errorf("hard bounced = %v, want [c1]", got)
	}

	b := agg.Batch(true)
	if n, _ := counterOf(b, store.BucketEmail, []string{"sendgrid"}, "bounced"); n != 3 {
		t.Errorf("bounced = %d, want 3 (hard, hard, soft)", n)
	}
}

func TestEmailAggregator_StatusResolution(t *testing.T) {
	t.Run("opened beats raw event", func(t *testing.T) {
		agg := newEmailAggregator()
		agg.Add(emailEv("e1", events.KindOpened, false))
		agg.Add(emailEv("e1", events.KindDelivered, false))
		b := agg.Batch(true)

		if len(b.Tracking) != 1 || b.Tracking[0].Status != StatusOpened {
			t.Errorf("tracking = %+v, want single OPENED update", b.Tracking)
		}
	})

	t.Run("replied is sticky within batch", func(t *testing.T) {
		agg := newEmailAggregator()
		agg.Add(emailEv("e1", events.KindReplied, false))
		agg.Add(emailEv("e1", events.KindOpened, false))
		agg.Add(emailEv("e1", events.KindDelivered, false))
		b := agg.Batch(true)

		if b.Tracking[0].Status != StatusReplied {
			t.Errorf("status = %q, want REPLIED", b.Tracking[0].Status)
		}
	})

	t.Run("raw kind when no flags", func(t *testing.T) {
		agg := newEmailAggregator()
		agg.Add(emailEv("e1", events.KindSoftBounce, false))
		b := agg.Batch(true)

		if b.Tracking[0].Status != string(events.KindSoftBounce) {
			t.Errorf("status = %q, want SOFT_BOUNCE", b.Tracking[0].Status)
		}
	})
}

func TestResolveStatus(t *testing.T) {
	cases := []struct {
		name            string
		replied, opened bool
		last            events.Kind
		want            string
	}{
		{"replied wins over all", true, true, events.KindDelivered, StatusReplied},
		{"opened beats raw", false, true, events.KindDelivered, StatusOpened},
		{"raw kind otherwise", false, false, events.KindHardBounce, string(events.KindHardBounce)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ResolveStatus(tc.replied, tc.opened, tc.last); got != tc.want {
				t.Errorf("ResolveStatus(%v, %v, %s) = %q, want %q", tc.replied, tc.opened, tc.last, got, tc.want)
			}
		})
	}
}
