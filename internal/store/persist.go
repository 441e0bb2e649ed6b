// SignalPipe - Multi-Channel Communication Analytics Pipeline
// Copyright 2026 SignalPipe contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/signalpipe/signalpipe

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/signalpipe/signalpipe/internal/events"
	"github.com/signalpipe/signalpipe/internal/logging"
)

// PersistBatch writes the event records and tracking updates one handler
// accumulated for one batch, in a single transaction. Bucket upserts join
// that transaction when b.BucketsInSameTx is set; otherwise b.Buckets is
// left untouched and the caller applies it through UpsertBuckets once this
// commit succeeded, so a bucket conflict can be retried without re-running
// the event inserts. On error the open transaction is rolled back and
// nothing from it is visible.
func (s *Store) PersistBatch(ctx context.Context, b *Batch) (err error) {
	if b.Empty() {
		return nil
	}
	start := time.Now()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
				logging.Error().Err(rbErr).AnErr("original_error", err).
					Msg("transaction rollback failed")
			}
		}
	}()

	if err = s.insertEvents(ctx, tx, b.Events); err != nil {
		return err
	}
	if err = s.applyTracking(ctx, tx, b.Tracking); err != nil {
		return err
	}

	if b.BucketsInSameTx {
		if err = s.upsertBuckets(ctx, tx, b.Buckets); err != nil {
			return err
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}

	logging.Debug().
		Str("channel", string(b.Channel)).
		Int("events", len(b.Events)).
		Int("tracking", len(b.Tracking)).
		Int("buckets", len(b.Buckets)).
		Dur("elapsed", time.Since(start)).
		Msg("batch persisted")
	return nil
}

// insertEvents bulk-inserts durable event records inside tx.
func (s *Store) insertEvents(ctx context.Context, tx *sql.Tx, records []EventRecord) error {
	if len(records) == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO channel_events (
		id, channel, entity_id, kind, received_at, correction,
		esp_provider, direction, country, state, region, city,
		device_type, user_agent, contact_id, duration, price, price_unit,
		created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare event insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	now := time.Now().UTC()
	for i := range records {
		r := &records[i]
		if r.ID == uuid.Nil {
			r.ID = uuid.New()
		}
		if _, err := stmt.ExecContext(ctx,
			r.ID, string(r.Channel), r.EntityID, string(r.Kind), r.ReceivedAt, r.Correction,
			r.Provider, r.Direction, r.Country, r.State, r.Region, r.City,
			r.DeviceType, r.UserAgent, r.ContactID, r.Duration, r.Price, r.PriceUnit,
			now,
		); err != nil {
			return fmt.Errorf("insert event %s/%s: %w", r.Channel, r.EntityID, err)
		}
	}
	return nil
}

// applyTracking bulk-updates tracking records inside tx. Rows that do not
// exist yet (created by the outer application on first contact) are simply
// skipped by the UPDATE; that is not an error.
func (s *Store) applyTracking(ctx context.Context, tx *sql.Tx, updates []TrackingUpdate) error {
	now := time.Now().UTC()
	for i := range updates {
		u := &updates[i]
		var err error
		switch u.Channel {
		case events.ChannelEmail:
			// REPLIED is sticky: the status never regresses from it.
			_, err = tx.ExecContext(ctx,
				`UPDATE email_tracking
				 SET current_status = ?, updated_at = ?
				 WHERE id = ? AND (current_status IS NULL OR current_status <> 'REPLIED')`,
				u.Status, now, u.ID)
		case events.ChannelSMS:
			_, err = tx.ExecContext(ctx,
				`UPDATE sms_tracking
				 SET current_status = ?,
				     price = coalesce(?, price),
				     price_unit = coalesce(?, price_unit),
				     updated_at = ?
				 WHERE id = ?`,
				u.Status, u.Price, u.PriceUnit, now, u.ID)
		case events.ChannelCall:
			_, err = tx.ExecContext(ctx,
				`UPDATE call_tracking
				 SET current_status = ?,
				     duration = coalesce(?, duration),
				     total_duration = total_duration + ?,
				     updated_at = ?
				 WHERE id = ?`,
				u.Status, u.Duration, u.DurationDelta, now, u.ID)
		default:
			return fmt.Errorf("tracking update for channel %q not supported", u.Channel)
		}
		if err != nil {
			return fmt.Errorf("update %s tracking %s: %w", u.Channel, u.ID, err)
		}
	}
	return nil
}

// MarkContactsHardBounced flags contact tracking records whose email hard
// bounced. Invoked by the email handler after a successful batch commit.
func (s *Store) MarkContactsHardBounced(ctx context.Context, contactIDs []string) error {
	if len(contactIDs) == 0 {
		return nil
	}
	now := time.Now().UTC()
	for _, id := range contactIDs {
		if _, err := s.conn.ExecContext(ctx,
			`UPDATE contact_tracking SET hard_bounced = true, updated_at = ? WHERE id = ?`,
			now, id); err != nil {
			return fmt.Errorf("mark contact %s hard bounced: %w", id, err)
		}
	}
	return nil
}
