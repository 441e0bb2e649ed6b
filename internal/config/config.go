// SignalPipe - Multi-Channel Communication Analytics Pipeline
// Copyright 2026 SignalPipe contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/signalpipe/signalpipe

// Package config loads layered configuration: struct defaults, then an
// optional YAML file, then SIGNALPIPE_-prefixed environment variables.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where config files are searched, in order.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/signalpipe/config.yaml",
	"/etc/signalpipe/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "SIGNALPIPE_CONFIG_PATH"

// envPrefix namespaces all environment overrides:
// SIGNALPIPE_NATS_URL -> nats.url.
const envPrefix = "SIGNALPIPE_"

// Config is the full SignalPipe configuration.
type Config struct {
	NATS     NATSConfig     `koanf:"nats"`
	Database DatabaseConfig `koanf:"database"`
	Buffer   BufferConfig   `koanf:"buffer"`
	Pipeline PipelineConfig `koanf:"pipeline"`
	Metrics  MetricsConfig  `koanf:"metrics"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// NATSConfig configures the JetStream transport.
type NATSConfig struct {
	URL            string        `koanf:"url"`
	EmbeddedServer bool          `koanf:"embedded_server"`
	StoreDir       string        `koanf:"store_dir"`
	MaxMemory      int64         `koanf:"max_memory"`
	MaxStore       int64         `koanf:"max_store"`
	RetentionDays  int           `koanf:"retention_days"`
	DurableName    string        `koanf:"durable_name"`
	QueueGroup     string        `koanf:"queue_group"`
	AckWaitTimeout time.Duration `koanf:"ack_wait_timeout"`
	RatePerSecond  float64       `koanf:"rate_per_second"`
}

// DatabaseConfig configures the DuckDB analytics store.
type DatabaseConfig struct {
	Path      string `koanf:"path"`
	MaxMemory string `koanf:"max_memory"`
	Threads   int    `koanf:"threads"`
}

// BufferConfig configures the Badger-backed call buffer.
type BufferConfig struct {
	Dir        string        `koanf:"dir"`
	TTL        time.Duration `koanf:"ttl"`
	GCInterval time.Duration `koanf:"gc_interval"`
	Sentinel   string        `koanf:"sentinel"`
}

// ChannelConfig tunes one channel's batch handling.
type ChannelConfig struct {
	BatchSize       int           `koanf:"batch_size"`
	FlushInterval   time.Duration `koanf:"flush_interval"`
	RetryAttempts   int           `koanf:"retry_attempts"`
	RetryDelay      time.Duration `koanf:"retry_delay"`
	BucketsInSameTx bool          `koanf:"buckets_in_same_tx"`
}

// PipelineConfig holds per-channel handler settings plus the shared breaker.
type PipelineConfig struct {
	Link                ChannelConfig `koanf:"link"`
	Email               ChannelConfig `koanf:"email"`
	SMS                 ChannelConfig `koanf:"sms"`
	Call                ChannelConfig `koanf:"call"`
	ContactSubscription ChannelConfig `koanf:"contact_subscription"`
	ContactCreation     ChannelConfig `koanf:"contact_creation"`

	BreakerThreshold uint32        `koanf:"breaker_threshold"`
	BreakerTimeout   time.Duration `koanf:"breaker_timeout"`
}

// MetricsConfig configures the Prometheus listener.
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
}

// LoggingConfig configures zerolog output.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

func defaultChannel(attempts int, delay time.Duration, sameTx bool) ChannelConfig {
	return ChannelConfig{
		BatchSize:       500,
		FlushInterval:   2 * time.Second,
		RetryAttempts:   attempts,
		RetryDelay:      delay,
		BucketsInSameTx: sameTx,
	}
}

func defaultConfig() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:            "nats://127.0.0.1:4222",
			EmbeddedServer: true,
			StoreDir:       "/data/nats/jetstream",
			MaxMemory:      1 << 30,
			MaxStore:       10 << 30,
			RetentionDays:  7,
			DurableName:    "signalpipe",
			QueueGroup:     "signalpipe-workers",
			AckWaitTimeout: 30 * time.Second,
			RatePerSecond:  0, // unlimited
		},
		Database: DatabaseConfig{
			Path:      "/data/signalpipe.duckdb",
			MaxMemory: "2GB",
			Threads:   0, // runtime.NumCPU()
		},
		Buffer: BufferConfig{
			Dir:        "/data/signalpipe-callbuffer",
			TTL:        72 * time.Hour,
			GCInterval: 10 * time.Minute,
			Sentinel:   "N/A",
		},
		Pipeline: PipelineConfig{
			Link:                defaultChannel(3, 2*time.Second, true),
			Email:               defaultChannel(4, 2*time.Second, true),
			SMS:                 defaultChannel(3, 5*time.Second, true),
			Call:                defaultChannel(4, 10*time.Second, false),
			ContactSubscription: defaultChannel(3, 2*time.Second, true),
			ContactCreation:     defaultChannel(3, 2*time.Second, true),
			BreakerThreshold:    5,
			BreakerTimeout:      30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file, and
// environment overrides, then validates it.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	envProvider := env.Provider(envPrefix, ".", envTransform)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate configuration: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
