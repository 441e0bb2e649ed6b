// SignalPipe - Multi-Channel Communication Analytics Pipeline
// Copyright 2026 SignalPipe contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/signalpipe/signalpipe

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// bucketSchema describes one stats table: its dimension (key) columns in
// primary-key order and its counter columns.
type bucketSchema struct {
	dims     []string
	counters []string
}

var bucketSchemas = map[BucketKind]bucketSchema{
	BucketEmail: {
		dims:     []string{"esp_provider"},
		counters: []string{"received", "rejected", "sent", "delivered", "opened", "bounced", "replied", "failed", "complaint"},
	},
	BucketLink: {
		dims:     []string{"link_id", "country", "region", "city", "device_type"},
		counters: []string{"clicks"},
	},
	BucketLinkVisits: {
		dims:     []string{"link_id"},
		counters: []string{"visits"},
	},
	BucketSMS: {
		dims:     []string{"direction"},
		counters: []string{"accepted", "queued", "sent", "delivered", "undelivered", "failed", "received"},
	},
	BucketCall: {
		dims:     []string{"country", "state", "city", "direction"},
		counters: []string{"initiated", "ringing", "answered", "completed", "declined", "rejected", "failed"},
	},
	BucketContact: {
		dims:     []string{"country", "state", "region"},
		counters: []string{"subscribed", "unsubscribed", "created"},
	},
}

// CounterNames returns the counter columns of a bucket kind. Aggregators use
// this to reject unknown counters early.
func CounterNames(kind BucketKind) []string {
	return bucketSchemas[kind].counters
}

// upsertSQL builds the upsert statement for one bucket kind: insert the row
// with the delta as initial value, or add the delta to each counter when the
// dimension key already exists. Deltas may be negative (corrections).
func upsertSQL(kind BucketKind, schema bucketSchema) string {
	cols := append(append([]string{}, schema.dims...), schema.counters...)
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")

	sets := make([]string, len(schema.counters))
	for i, c := range schema.counters {
		sets[i] = fmt.Sprintf("%s = %s.%s + excluded.%s", c, kind, c, c)
	}

	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		kind,
		strings.Join(cols, ", "),
		placeholders,
		strings.Join(schema.dims, ", "),
		strings.Join(sets, ", "),
	)
}

// upsertBuckets applies pre-summed deltas inside an existing transaction.
// Callers guarantee at most one delta per distinct dimension key per batch,
// so each statement touches each bucket row once.
func (s *Store) upsertBuckets(ctx context.Context, tx *sql.Tx, deltas []BucketDelta) error {
	for i := range deltas {
		d := &deltas[i]
		schema, ok := bucketSchemas[d.Kind]
		if !ok {
			return fmt.Errorf("unknown bucket kind %q", d.Kind)
		}
		if len(d.Dims) != len(schema.dims) {
			return fmt.Errorf("bucket %s: got %d dims, want %d", d.Kind, len(d.Dims), len(schema.dims))
		}
		for name := range d.Counters {
			if !containsString(schema.counters, name) {
				return fmt.Errorf("bucket %s: unknown counter %q", d.Kind, name)
			}
		}

		args := make([]any, 0, len(d.Dims)+len(schema.counters))
		for _, dim := range d.Dims {
			args = append(args, dim)
		}
		for _, c := range schema.counters {
			args = append(args, d.Counters[c])
		}

		if _, err := tx.ExecContext(ctx, upsertSQL(d.Kind, schema), args...); err != nil {
			return fmt.Errorf("upsert bucket %s %v: %w", d.Kind, d.Dims, err)
		}
	}
	return nil
}

// UpsertBuckets runs bucket upserts in their own transaction, for channels
// configured to commit buckets separately from events and tracking. Callers
// invoke it after the batch's PersistBatch committed; it is safe to retry on
// its own because it touches only the stats tables.
func (s *Store) UpsertBuckets(ctx context.Context, deltas []BucketDelta) (err error) {
	if len(deltas) == 0 {
		return nil
	}
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin bucket transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = s.upsertBuckets(ctx, tx, deltas); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit buckets: %w", err)
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
