// SignalPipe - Multi-Channel Communication Analytics Pipeline
// Copyright 2026 SignalPipe contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/signalpipe/signalpipe

package config

import "strings"

// envMappings maps SIGNALPIPE_-stripped, lowercased variable names to koanf
// paths. Underscores are ambiguous between section separators and multi-word
// keys, so the mapping is explicit.
var envMappings = map[string]string{
	"nats_url":              "nats.url",
	"nats_embedded":         "nats.embedded_server",
	"nats_store_dir":        "nats.store_dir",
	"nats_max_memory":       "nats.max_memory",
	"nats_max_store":        "nats.max_store",
	"nats_retention_days":   "nats.retention_days",
	"nats_durable_name":     "nats.durable_name",
	"nats_queue_group":      "nats.queue_group",
	"nats_ack_wait_timeout": "nats.ack_wait_timeout",
	"nats_rate_per_second":  "nats.rate_per_second",

	"database_path":       "database.path",
	"database_max_memory": "database.max_memory",
	"database_threads":    "database.threads",

	"buffer_dir":         "buffer.dir",
	"buffer_ttl":         "buffer.ttl",
	"buffer_gc_interval": "buffer.gc_interval",
	"buffer_sentinel":    "buffer.sentinel",

	"breaker_threshold": "pipeline.breaker_threshold",
	"breaker_timeout":   "pipeline.breaker_timeout",

	"metrics_enabled": "metrics.enabled",
	"metrics_addr":    "metrics.addr",

	"log_level":  "logging.level",
	"log_format": "logging.format",
	"log_caller": "logging.caller",
}

// channelEnvKeys are the per-channel tunables accepted after a channel
// prefix, e.g. SIGNALPIPE_EMAIL_RETRY_ATTEMPTS -> pipeline.email.retry_attempts.
var channelEnvKeys = map[string]string{
	"batch_size":         "batch_size",
	"flush_interval":     "flush_interval",
	"retry_attempts":     "retry_attempts",
	"retry_delay":        "retry_delay",
	"buckets_in_same_tx": "buckets_in_same_tx",
}

var channelEnvSections = []string{
	"link", "email", "sms", "call", "contact_subscription", "contact_creation",
}

func envTransform(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, envPrefix))

	if path, ok := envMappings[key]; ok {
		return path
	}
	for _, section := range channelEnvSections {
		prefix := section + "_"
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if suffix, ok := channelEnvKeys[strings.TrimPrefix(key, prefix)]; ok {
			return "pipeline." + section + "." + suffix
		}
	}

	// Unknown variables are dropped rather than guessed at.
	return ""
}
