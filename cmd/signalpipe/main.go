// SignalPipe - Multi-Channel Communication Analytics Pipeline
// Copyright 2026 SignalPipe contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/signalpipe/signalpipe

// Command signalpipe runs the ingestion pipeline: an optional embedded NATS
// JetStream broker, the DuckDB analytics store, the Badger call buffer, and
// one supervised consumer per channel stream.
package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/ThreeDotsLabs/watermill"
	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/signalpipe/signalpipe/internal/callbuffer"
	"github.com/signalpipe/signalpipe/internal/config"
	"github.com/signalpipe/signalpipe/internal/logging"
	"github.com/signalpipe/signalpipe/internal/pipeline"
	"github.com/signalpipe/signalpipe/internal/store"
	"github.com/signalpipe/signalpipe/internal/stream"
	"github.com/signalpipe/signalpipe/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	logging.Info().
		Str("db_path", cfg.Database.Path).
		Bool("embedded_nats", cfg.NATS.EmbeddedServer).
		Msg("starting signalpipe")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Embedded broker first so everything else can connect to it.
	natsURL := cfg.NATS.URL
	if cfg.NATS.EmbeddedServer {
		es, err := stream.NewEmbeddedServer(stream.EmbeddedServerConfig{
			StoreDir:  cfg.NATS.StoreDir,
			MaxMemory: cfg.NATS.MaxMemory,
			MaxStore:  cfg.NATS.MaxStore,
		})
		if err != nil {
			logging.Fatal().Err(err).Msg("failed to start embedded nats server")
		}
		defer func() { _ = es.Shutdown(context.Background()) }()
		natsURL = es.ClientURL()
		logging.Info().Str("url", natsURL).Msg("embedded nats server ready")
	}

	db, err := store.Open(store.Config{
		Path:      cfg.Database.Path,
		MaxMemory: cfg.Database.MaxMemory,
		Threads:   cfg.Database.Threads,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to open analytics store")
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Err(err).Msg("error closing analytics store")
		}
	}()

	buffer, err := callbuffer.Open(callbuffer.Config{
		Dir:      cfg.Buffer.Dir,
		TTL:      cfg.Buffer.TTL,
		Sentinel: cfg.Buffer.Sentinel,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to open call buffer")
	}
	defer func() {
		if err := buffer.Close(); err != nil {
			logging.Err(err).Msg("error closing call buffer")
		}
	}()

	handlers := pipeline.New(db, buffer, pipeline.Options{
		Sentinel:         cfg.Buffer.Sentinel,
		Channels:         channelOptions(cfg),
		BreakerThreshold: cfg.Pipeline.BreakerThreshold,
		BreakerTimeout:   cfg.Pipeline.BreakerTimeout,
	})

	// Provision the streams before any consumer binds to them.
	nc, err := natsgo.Connect(natsURL,
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
	)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to connect to nats")
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to create jetstream context")
	}
	initializer, err := stream.NewInitializer(js, cfg.NATS.RetentionDays, cfg.NATS.MaxStore)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to build stream initializer")
	}
	if err := initializer.EnsureAll(ctx); err != nil {
		logging.Fatal().Err(err).Msg("failed to provision streams")
	}
	logging.Info().Int("streams", len(stream.Definitions)).Msg("jetstream streams provisioned")

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddDataService(supervisor.NewGCRunner("callbuffer-gc", cfg.Buffer.GCInterval, buffer.RunGC))
	if cfg.Metrics.Enabled {
		tree.AddObservabilityService(supervisor.NewMetricsServer(cfg.Metrics.Addr))
	}

	wmLogger := watermill.NewStdLogger(false, false)
	for _, def := range stream.Definitions {
		sub, err := stream.NewSubscriber(stream.SubscriberConfig{
			URL:            natsURL,
			DurableName:    cfg.NATS.DurableName,
			QueueGroup:     cfg.NATS.QueueGroup,
			AckWaitTimeout: cfg.NATS.AckWaitTimeout,
		}, def.Name, wmLogger)
		if err != nil {
			logging.Fatal().Err(err).Str("stream", def.Name).Msg("failed to create subscriber")
		}
		defer func() { _ = sub.Close() }()

		handler, chCfg := bindHandler(handlers, cfg, def)
		tree.AddMessagingService(stream.NewConsumer(def, sub, handler, stream.ConsumerConfig{
			BatchSize:     chCfg.BatchSize,
			FlushInterval: chCfg.FlushInterval,
			RatePerSecond: cfg.NATS.RatePerSecond,
		}))
	}

	logging.Info().Msg("supervisor tree starting")
	if err := tree.Serve(ctx); err != nil && ctx.Err() == nil {
		logging.Fatal().Err(err).Msg("supervisor tree failed")
	}
	logging.Info().Msg("signalpipe stopped")
}

// channelOptions translates config into the handler set's per-stream tuning.
func channelOptions(cfg *config.Config) map[string]pipeline.ChannelOptions {
	toOpts := func(c config.ChannelConfig) pipeline.ChannelOptions {
		return pipeline.ChannelOptions{
			Retry: pipeline.RetryPolicy{
				MaxAttempts: c.RetryAttempts,
				Delay:       c.RetryDelay,
			},
			BucketsInSameTx: c.BucketsInSameTx,
		}
	}
	return map[string]pipeline.ChannelOptions{
		pipeline.OptionsLink:                toOpts(cfg.Pipeline.Link),
		pipeline.OptionsEmail:               toOpts(cfg.Pipeline.Email),
		pipeline.OptionsSMS:                 toOpts(cfg.Pipeline.SMS),
		pipeline.OptionsCall:                toOpts(cfg.Pipeline.Call),
		pipeline.OptionsContactSubscription: toOpts(cfg.Pipeline.ContactSubscription),
		pipeline.OptionsContactCreation:     toOpts(cfg.Pipeline.ContactCreation),
	}
}

// bindHandler selects the batch handler and channel config for one stream.
func bindHandler(h *pipeline.Handlers, cfg *config.Config, def stream.Definition) (stream.BatchHandler, config.ChannelConfig) {
	switch def.Subject {
	case "signalpipe.link":
		return h.HandleLinkBatch, cfg.Pipeline.Link
	case "signalpipe.email":
		return h.HandleEmailBatch, cfg.Pipeline.Email
	case "signalpipe.sms":
		return h.HandleSMSBatch, cfg.Pipeline.SMS
	case "signalpipe.call":
		return h.HandleCallBatch, cfg.Pipeline.Call
	case "signalpipe.contact.subscription":
		return h.HandleContactSubscriptionBatch, cfg.Pipeline.ContactSubscription
	case "signalpipe.contact.creation":
		return h.HandleContactCreationBatch, cfg.Pipeline.ContactCreation
	default:
		logging.Fatal().Str("subject", def.Subject).Msg("no handler for stream subject")
		return nil, config.ChannelConfig{}
	}
}
