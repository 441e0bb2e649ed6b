// SignalPipe - Multi-Channel Communication Analytics Pipeline
// Copyright 2026 SignalPipe contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/signalpipe/signalpipe

package store

import (
	"context"
	"testing"
	"time"

	"github.com/signalpipe/signalpipe/internal/events"
)

// openTestStore opens an in-memory DuckDB instance with the full schema.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: "", MaxMemory: "256MB", Threads: 1})
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func countRows(t *testing.T, s *Store, query string, args ...any) int64 {
	t.Helper()
	var n int64
	if err := s.conn.QueryRowContext(context.Background(), query, args...).Scan(&n); err != nil {
		t.Fatalf("query %q: %v", query, err)
	}
	return n
}

func TestPersistBatch_EventsAndTracking(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.conn.ExecContext(ctx,
		`INSERT INTO email_tracking (id, current_status) VALUES ('em-1', 'SENT')`); err != nil {
		t.Fatalf("seed tracking: %v", err)
	}

	provider := "sendgrid"
	batch := &Batch{
		Channel: events.ChannelEmail,
		Events: []EventRecord{
			{Channel: events.ChannelEmail, EntityID: "em-1", Kind: events.KindOpened, ReceivedAt: time.Now(), Provider: &provider},
		},
		Tracking: []TrackingUpdate{
			{Channel: events.ChannelEmail, ID: "em-1", Status: "OPENED"},
		},
		Buckets: []BucketDelta{
			{Kind: BucketEmail, Dims: []string{"sendgrid"}, Counters: map[string]int64{"opened": 1}},
		},
		BucketsInSameTx: true,
	}
	if err := s.PersistBatch(ctx, batch); err != nil {
		t.Fatalf("persist: %v", err)
	}

	if n := countRows(t, s, `SELECT count(*) FROM channel_events WHERE entity_id = 'em-1'`); n != 1 {
		t.Errorf("channel_events rows = %d, want 1", n)
	}
	var status string
	if err := s.conn.QueryRowContext(ctx,
		`SELECT current_status FROM email_tracking WHERE id = 'em-1'`).Scan(&status); err != nil {
		t.Fatalf("read tracking: %v", err)
	}
	if status != "OPENED" {
		t.Errorf("current_status = %q, want OPENED", status)
	}
	if n := countRows(t, s, `SELECT opened FROM email_stats WHERE esp_provider = 'sendgrid'`); n != 1 {
		t.Errorf("opened counter = %d, want 1", n)
	}
}

func TestPersistBatch_RepliedStatusIsSticky(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.conn.ExecContext(ctx,
		`INSERT INTO email_tracking (id, current_status) VALUES ('em-2', 'REPLIED')`); err != nil {
		t.Fatalf("seed tracking: %v", err)
	}

	batch := &Batch{
		Channel: events.ChannelEmail,
		Tracking: []TrackingUpdate{
			{Channel: events.ChannelEmail, ID: "em-2", Status: "OPENED"},
		},
	}
	if err := s.PersistBatch(ctx, batch); err != nil {
		t.Fatalf("persist: %v", err)
	}

	var status string
	if err := s.conn.QueryRowContext(ctx,
		`SELECT current_status FROM email_tracking WHERE id = 'em-2'`).Scan(&status); err != nil {
		t.Fatalf("read tracking: %v", err)
	}
	if status != "REPLIED" {
		t.Errorf("current_status = %q, REPLIED must never regress", status)
	}
}

func TestUpsertBuckets_AccumulatesDeltas(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	write := func(n int64) {
		t.Helper()
		err := s.PersistBatch(ctx, &Batch{
			Channel: events.ChannelLink,
			Buckets: []BucketDelta{
				{Kind: BucketLink, Dims: []string{"L1", "US", "N/A", "N/A", "desktop"}, Counters: map[string]int64{"clicks": n}},
			},
			BucketsInSameTx: true,
		})
		if err != nil {
			t.Fatalf("persist: %v", err)
		}
	}

	write(2)
	write(3)
	if n := countRows(t, s, `SELECT clicks FROM link_stats WHERE link_id = 'L1' AND country = 'US'`); n != 5 {
		t.Errorf("clicks = %d, want 5 after two upserts", n)
	}

	// Correction: negative delta decrements the same counter.
	write(-1)
	if n := countRows(t, s, `SELECT clicks FROM link_stats WHERE link_id = 'L1' AND country = 'US'`); n != 4 {
		t.Errorf("clicks = %d, want 4 after correction", n)
	}
}

func TestUpsertBuckets_SeparateTransaction(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	buckets := []BucketDelta{
		{Kind: BucketSMS, Dims: []string{"O"}, Counters: map[string]int64{"delivered": 1}},
	}
	err := s.PersistBatch(ctx, &Batch{
		Channel: events.ChannelSMS,
		Events: []EventRecord{
			{Channel: events.ChannelSMS, EntityID: "sm-1", Kind: events.KindDelivered, ReceivedAt: time.Now()},
		},
		Buckets:         buckets,
		BucketsInSameTx: false,
	})
	if err != nil {
		t.Fatalf("persist: %v", err)
	}

	// Separate-tx buckets are the caller's job: PersistBatch must not have
	// touched the stats table.
	if n := countRows(t, s, `SELECT count(*) FROM sms_stats WHERE direction = 'O'`); n != 0 {
		t.Errorf("sms_stats rows = %d, want 0 before UpsertBuckets", n)
	}
	if err := s.UpsertBuckets(ctx, buckets); err != nil {
		t.Fatalf("upsert buckets: %v", err)
	}
	if n := countRows(t, s, `SELECT delivered FROM sms_stats WHERE direction = 'O'`); n != 1 {
		t.Errorf("delivered = %d, want 1", n)
	}

	// The bucket phase stands alone: applying it again touches only the
	// stats table, never the event rows.
	if err := s.UpsertBuckets(ctx, buckets); err != nil {
		t.Fatalf("second upsert buckets: %v", err)
	}
	if n := countRows(t, s, `SELECT delivered FROM sms_stats WHERE direction = 'O'`); n != 2 {
		t.Errorf("delivered = %d, want 2 after second apply", n)
	}
	if n := countRows(t, s, `SELECT count(*) FROM channel_events WHERE entity_id = 'sm-1'`); n != 1 {
		t.Errorf("channel_events rows = %d, want 1 (no duplicate insert)", n)
	}
}

func TestPersistBatch_RollbackOnBadBucket(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.PersistBatch(ctx, &Batch{
		Channel: events.ChannelLink,
		Events: []EventRecord{
			{Channel: events.ChannelLink, EntityID: "L9", Kind: events.KindClicked, ReceivedAt: time.Now()},
		},
		Buckets: []BucketDelta{
			{Kind: BucketLink, Dims: []string{"only-one-dim"}, Counters: map[string]int64{"clicks": 1}},
		},
		BucketsInSameTx: true,
	})
	if err == nil {
		t.Fatal("expected error for malformed bucket delta")
	}
	// The event insert shared the failed transaction: nothing visible.
	if n := countRows(t, s, `SELECT count(*) FROM channel_events WHERE entity_id = 'L9'`); n != 0 {
		t.Errorf("channel_events rows = %d, want 0 after rollback", n)
	}
}

func TestCallTrackingDurations(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.conn.ExecContext(ctx,
		`INSERT INTO call_tracking (id, current_status, total_duration) VALUES ('ca-1', 'RINGING', 10)`); err != nil {
		t.Fatalf("seed tracking: %v", err)
	}

	dur := 42
	err := s.PersistBatch(ctx, &Batch{
		Channel: events.ChannelCall,
		Tracking: []TrackingUpdate{
			{Channel: events.ChannelCall, ID: "ca-1", Status: "COMPLETED", Duration: &dur, DurationDelta: 42},
		},
	})
	if err != nil {
		t.Fatalf("persist: %v", err)
	}

	var status string
	var total int64
	if err := s.conn.QueryRowContext(ctx,
		`SELECT current_status, total_duration FROM call_tracking WHERE id = 'ca-1'`).Scan(&status, &total); err != nil {
		t.Fatalf("read tracking: %v", err)
	}
	if status != "COMPLETED" {
		t.Errorf("current_status = %q, want COMPLETED", status)
	}
	if total != 52 {
		t.Errorf("total_duration = %d, want 52", total)
	}
}

func TestMarkContactsHardBounced(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.conn.ExecContext(ctx,
		`INSERT INTO contact_tracking (id) VALUES ('ct-1'), ('ct-2')`); err != nil {
		t.Fatalf("seed tracking: %v", err)
	}
	if err := s.MarkContactsHardBounced(ctx, []string{"ct-1"}); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if n := countRows(t, s, `SELECT count(*) FROM contact_tracking WHERE hard_bounced`); n != 1 {
		t.Errorf("hard_bounced rows = %d, want 1", n)
	}
}

func TestIsTransientConflict(t *testing.T) {
	if !IsTransientConflict(ErrWriteConflict) {
		t.Error("sentinel must classify as transient")
	}
	if IsTransientConflict(nil) {
		t.Error("nil is not a conflict")
	}
	if IsTransientConflict(context.Canceled) {
		t.Error("cancellation is not a conflict")
	}
}
