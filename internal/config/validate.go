// SignalPipe - Multi-Channel Communication Analytics Pipeline
// Copyright 2026 SignalPipe contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/signalpipe/signalpipe

package config

import (
	"fmt"
	"time"
)

// Validate checks ranges and required fields. It returns the first problem
// found.
func (c *Config) Validate() error {
	if c.NATS.URL == "" && !c.NATS.EmbeddedServer {
		return fmt.Errorf("nats.url is required when the embedded server is disabled")
	}
	if c.NATS.RetentionDays < 1 {
		return fmt.Errorf("nats.retention_days must be at least 1, got %d", c.NATS.RetentionDays)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Buffer.TTL < time.Minute {
		return fmt.Errorf("buffer.ttl must be at least 1m, got %s", c.Buffer.TTL)
	}
	if c.Pipeline.BreakerThreshold == 0 {
		return fmt.Errorf("pipeline.breaker_threshold must be positive")
	}

	channels := map[string]ChannelConfig{
		"link":                 c.Pipeline.Link,
		"email":                c.Pipeline.Email,
		"sms":                  c.Pipeline.SMS,
		"call":                 c.Pipeline.Call,
		"contact_subscription": c.Pipeline.ContactSubscription,
		"contact_creation":     c.Pipeline.ContactCreation,
	}
	for name, ch := range channels {
		if ch.BatchSize < 1 || ch.BatchSize > 10000 {
			return fmt.Errorf("pipeline.%s.batch_size must be in [1, 10000], got %d", name, ch.BatchSize)
		}
		if ch.FlushInterval < 100*time.Millisecond {
			return fmt.Errorf("pipeline.%s.flush_interval must be at least 100ms, got %s", name, ch.FlushInterval)
		}
		if ch.RetryAttempts < 1 || ch.RetryAttempts > 10 {
			return fmt.Errorf("pipeline.%s.retry_attempts must be in [1, 10], got %d", name, ch.RetryAttempts)
		}
		if ch.RetryDelay < time.Millisecond {
			return fmt.Errorf("pipeline.%s.retry_delay must be positive, got %s", name, ch.RetryDelay)
		}
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics are enabled")
	}
	return nil
}
