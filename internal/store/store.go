// SignalPipe - Multi-Channel Communication Analytics Pipeline
// Copyright 2026 SignalPipe contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/signalpipe/signalpipe

// Package store is the persistence gateway for the ingestion pipeline.
//
// It owns the DuckDB database holding three families of state:
//
//   - channel_events: append-only durable event records, one per valid entry
//   - *_tracking: long-lived per-interaction tracking records (mutated here)
//   - *_stats: aggregate counter buckets keyed by business dimensions,
//     updated with signed deltas via upsert
//
// All writes for one batch go through Store.PersistBatch, which enforces the
// all-or-nothing contract: event inserts and tracking updates share one
// transaction, bucket upserts run in the same or an immediately following
// transaction depending on the batch's configuration.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"runtime"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/signalpipe/signalpipe/internal/logging"
)

// Config holds database configuration.
type Config struct {
	// Path is the DuckDB database file path. Use an empty string for an
	// in-memory database (tests).
	Path string

	// MaxMemory is the DuckDB memory limit, e.g. "2GB".
	MaxMemory string

	// Threads is the DuckDB thread count. 0 means runtime.NumCPU().
	Threads int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Path:      "/data/signalpipe.duckdb",
		MaxMemory: "1GB",
		Threads:   0,
	}
}

// Store wraps the DuckDB connection and implements the persistence gateway.
type Store struct {
	conn *sql.DB
	cfg  Config
}

// Open opens (or creates) the database and bootstraps the schema.
func Open(cfg Config) (*Store, error) {
	threads := cfg.Threads
	if threads == 0 {
		threads = runtime.NumCPU()
	}
	maxMemory := cfg.MaxMemory
	if maxMemory == "" {
		maxMemory = "1GB"
	}

	connStr := cfg.Path
	if connStr != "" {
		connStr = fmt.Sprintf("%s?access_mode=read_write&threads=%d&max_memory=%s",
			cfg.Path, threads, maxMemory)
	}

	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}

	s := &Store{conn: conn, cfg: cfg}
	if err := s.createTables(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}

	logging.Info().Str("path", cfg.Path).Msg("store opened")
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Ping verifies the connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

func schemaContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 60*time.Second)
}

// createTables creates all tables if they do not exist. The full schema is
// defined here in one place; there is no migration layer yet.
func (s *Store) createTables() error {
	ctx, cancel := schemaContext()
	defer cancel()

	queries := []string{
		// Durable event records, one wide table for all channels. Optional
		// dimensions are nullable; only the columns relevant to a channel
		// are populated.
		`CREATE TABLE IF NOT EXISTS channel_events (
			id UUID PRIMARY KEY,
			channel VARCHAR NOT NULL,
			entity_id VARCHAR NOT NULL,
			kind VARCHAR NOT NULL,
			received_at TIMESTAMP NOT NULL,
			correction BOOLEAN NOT NULL DEFAULT false,
			esp_provider VARCHAR,
			direction VARCHAR,
			country VARCHAR,
			state VARCHAR,
			region VARCHAR,
			city VARCHAR,
			device_type VARCHAR,
			user_agent VARCHAR,
			contact_id VARCHAR,
			duration INTEGER,
			price DOUBLE,
			price_unit VARCHAR,
			created_at TIMESTAMP NOT NULL DEFAULT current_timestamp
		)`,

		// Long-lived tracking records. Rows are created by the outer
		// application on first contact; the pipeline only mutates them.
		`CREATE TABLE IF NOT EXISTS email_tracking (
			id VARCHAR PRIMARY KEY,
			current_status VARCHAR,
			updated_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS sms_tracking (
			id VARCHAR PRIMARY KEY,
			current_status VARCHAR,
			price DOUBLE,
			price_unit VARCHAR,
			updated_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS call_tracking (
			id VARCHAR PRIMARY KEY,
			current_status VARCHAR,
			duration INTEGER,
			total_duration INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS contact_tracking (
			id VARCHAR PRIMARY KEY,
			hard_bounced BOOLEAN NOT NULL DEFAULT false,
			updated_at TIMESTAMP
		)`,

		// Aggregate counter buckets. Dimension columns form the primary
		// key; counter columns receive signed deltas via upsert.
		`CREATE TABLE IF NOT EXISTS email_stats (
			esp_provider VARCHAR PRIMARY KEY,
			received BIGINT NOT NULL DEFAULT 0,
			rejected BIGINT NOT NULL DEFAULT 0,
			sent BIGINT NOT NULL DEFAULT 0,
			delivered BIGINT NOT NULL DEFAULT 0,
			opened BIGINT NOT NULL DEFAULT 0,
			bounced BIGINT NOT NULL DEFAULT 0,
			replied BIGINT NOT NULL DEFAULT 0,
			failed BIGINT NOT NULL DEFAULT 0,
			complaint BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS link_stats (
			link_id VARCHAR NOT NULL,
			country VARCHAR NOT NULL,
			region VARCHAR NOT NULL,
			city VARCHAR NOT NULL,
			device_type VARCHAR NOT NULL,
			clicks BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (link_id, country, region, city, device_type)
		)`,
		`CREATE TABLE IF NOT EXISTS link_visits (
			link_id VARCHAR PRIMARY KEY,
			visits BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS sms_stats (
			direction VARCHAR PRIMARY KEY,
			accepted BIGINT NOT NULL DEFAULT 0,
			queued BIGINT NOT NULL DEFAULT 0,
			sent BIGINT NOT NULL DEFAULT 0,
			delivered BIGINT NOT NULL DEFAULT 0,
			undelivered BIGINT NOT NULL DEFAULT 0,
			failed BIGINT NOT NULL DEFAULT 0,
			received BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS call_stats (
			country VARCHAR NOT NULL,
			state VARCHAR NOT NULL,
			city VARCHAR NOT NULL,
			direction VARCHAR NOT NULL,
			initiated BIGINT NOT NULL DEFAULT 0,
			ringing BIGINT NOT NULL DEFAULT 0,
			answered BIGINT NOT NULL DEFAULT 0,
			completed BIGINT NOT NULL DEFAULT 0,
			declined BIGINT NOT NULL DEFAULT 0,
			rejected BIGINT NOT NULL DEFAULT 0,
			failed BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (country, state, city, direction)
		)`,
		`CREATE TABLE IF NOT EXISTS contact_stats (
			country VARCHAR NOT NULL,
			state VARCHAR NOT NULL,
			region VARCHAR NOT NULL,
			subscribed BIGINT NOT NULL DEFAULT 0,
			unsubscribed BIGINT NOT NULL DEFAULT 0,
			created BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (country, state, region)
		)`,
	}

	for _, q := range queries {
		if _, err := s.conn.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_channel_events_entity ON channel_events (channel, entity_id)`,
		`CREATE INDEX IF NOT EXISTS idx_channel_events_received ON channel_events (received_at)`,
	}
	for _, q := range indexes {
		if _, err := s.conn.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	return nil
}
