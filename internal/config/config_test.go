// SignalPipe - Multi-Channel Communication Analytics Pipeline
// Copyright 2026 SignalPipe contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/signalpipe/signalpipe

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.NATS.URL != "nats://127.0.0.1:4222" {
		t.Errorf("nats url = %q", cfg.NATS.URL)
	}
	if !cfg.NATS.EmbeddedServer {
		t.Error("embedded server should default on")
	}
	if cfg.Pipeline.Email.RetryAttempts != 4 {
		t.Errorf("email retry attempts = %d, want 4", cfg.Pipeline.Email.RetryAttempts)
	}
	if cfg.Pipeline.Call.BucketsInSameTx {
		t.Error("call buckets default to a separate transaction")
	}
	if cfg.Buffer.Sentinel != "N/A" {
		t.Errorf("sentinel = %q, want N/A", cfg.Buffer.Sentinel)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SIGNALPIPE_NATS_URL", "nats://broker:4222")
	t.Setenv("SIGNALPIPE_EMAIL_RETRY_ATTEMPTS", "2")
	t.Setenv("SIGNALPIPE_DATABASE_MAX_MEMORY", "512MB")
	t.Setenv("SIGNALPIPE_BUFFER_TTL", "1h")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.NATS.URL != "nats://broker:4222" {
		t.Errorf("nats url = %q, want env override", cfg.NATS.URL)
	}
	if cfg.Pipeline.Email.RetryAttempts != 2 {
		t.Errorf("email retry attempts = %d, want 2", cfg.Pipeline.Email.RetryAttempts)
	}
	if cfg.Database.MaxMemory != "512MB" {
		t.Errorf("database max memory = %q, want 512MB", cfg.Database.MaxMemory)
	}
	if cfg.Buffer.TTL != time.Hour {
		t.Errorf("buffer ttl = %s, want 1h", cfg.Buffer.TTL)
	}
}

func TestLoad_YAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte("database:\n  path: /tmp/test.duckdb\npipeline:\n  sms:\n    retry_delay: 7s\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(ConfigPathEnvVar, path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Path != "/tmp/test.duckdb" {
		t.Errorf("database path = %q, want file override", cfg.Database.Path)
	}
	if cfg.Pipeline.SMS.RetryDelay != 7*time.Second {
		t.Errorf("sms retry delay = %s, want 7s", cfg.Pipeline.SMS.RetryDelay)
	}
	// Untouched values keep their defaults.
	if cfg.Pipeline.SMS.RetryAttempts != 3 {
		t.Errorf("sms retry attempts = %d, want default 3", cfg.Pipeline.SMS.RetryAttempts)
	}
}

func TestEnvTransform(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"SIGNALPIPE_NATS_URL", "nats.url"},
		{"SIGNALPIPE_NATS_MAX_MEMORY", "nats.max_memory"},
		{"SIGNALPIPE_EMAIL_RETRY_ATTEMPTS", "pipeline.email.retry_attempts"},
		{"SIGNALPIPE_CONTACT_SUBSCRIPTION_BATCH_SIZE", "pipeline.contact_subscription.batch_size"},
		{"SIGNALPIPE_LOG_LEVEL", "logging.level"},
		{"SIGNALPIPE_SOMETHING_UNKNOWN", ""},
	}
	for _, tc := range cases {
		if got := envTransform(tc.in); got != tc.want {
			t.Errorf("envTransform(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestValidate_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no database path", func(c *Config) { c.Database.Path = "" }},
		{"zero retry attempts", func(c *Config) { c.Pipeline.Link.RetryAttempts = 0 }},
		{"excessive retry attempts", func(c *Config) { c.Pipeline.SMS.RetryAttempts = 50 }},
		{"tiny buffer ttl", func(c *Config) { c.Buffer.TTL = time.Second }},
		{"zero batch size", func(c *Config) { c.Pipeline.Email.BatchSize = 0 }},
		{"no nats url without embedded server", func(c *Config) {
			c.NATS.EmbeddedServer = false
			c.NATS.URL = ""
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaultConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}
