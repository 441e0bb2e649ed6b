// SignalPipe - Multi-Channel Communication Analytics Pipeline
// Copyright 2026 SignalPipe contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/signalpipe/signalpipe

// Package metrics provides Prometheus instrumentation for the ingestion
// pipeline: batch throughput, per-entry validation outcomes, persistence
// latency and retries, and call-buffer occupancy.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BatchesTotal counts handler invocations by channel and outcome
	// ("committed" or "failed").
	BatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signalpipe_batches_total",
			Help: "Total number of processed batches",
		},
		[]string{"channel", "outcome"},
	)

	// EntriesTotal counts batch entries by channel and disposition
	// ("valid" or "invalid").
	EntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signalpipe_entries_total",
			Help: "Total number of batch entries by validation disposition",
		},
		[]string{"channel", "disposition"},
	)

	// PersistDuration observes the latency of the transactional persist
	// step per channel.
	PersistDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "signalpipe_persist_duration_seconds",
			Help:    "Duration of batch persistence in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"channel"},
	)

	// PersistRetries counts retry attempts for transient write conflicts.
	PersistRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signalpipe_persist_retries_total",
			Help: "Total number of persistence retry attempts",
		},
		[]string{"channel"},
	)

	// CallBufferedEvents gauges how many call events are currently queued
	// waiting for geo resolution.
	CallBufferedEvents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "signalpipe_call_buffered_events",
			Help: "Voice-call events currently buffered awaiting geo resolution",
		},
	)

	// CallBufferFlushes counts buffer flushes by outcome ("resolved" or
	// "fallback").
	CallBufferFlushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signalpipe_call_buffer_flushes_total",
			Help: "Total number of call buffer flushes",
		},
		[]string{"outcome"},
	)

	// StreamMessages counts messages consumed from the dispatcher by
	// channel and result ("acked" or "redelivered").
	StreamMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signalpipe_stream_messages_total",
			Help: "Total number of stream messages by acknowledgment result",
		},
		[]string{"channel", "result"},
	)
)

// RecordBatch records one handler invocation.
func RecordBatch(channel, outcome string) {
	BatchesTotal.WithLabelValues(channel, outcome).Inc()
}

// RecordEntries records entry dispositions for one batch.
func RecordEntries(channel string, valid, invalid int) {
	if valid > 0 {
		EntriesTotal.WithLabelValues(channel, "valid").Add(float64(valid))
	}
	if invalid > 0 {
		EntriesTotal.WithLabelValues(channel, "invalid").Add(float64(invalid))
	}
}

// RecordPersist observes one persist call's duration.
func RecordPersist(channel string, elapsed time.Duration) {
	PersistDuration.WithLabelValues(channel).Observe(elapsed.Seconds())
}

// RecordRetry counts one persistence retry attempt.
func RecordRetry(channel string) {
	PersistRetries.WithLabelValues(channel).Inc()
}

// RecordCallBufferFlush counts one buffer flush by outcome.
func RecordCallBufferFlush(outcome string) {
	CallBufferFlushes.WithLabelValues(outcome).Inc()
}

// RecordStreamMessage counts one consumed message by result.
func RecordStreamMessage(channel, result string) {
	StreamMessages.WithLabelValues(channel, result).Inc()
}
