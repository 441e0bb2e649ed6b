// SignalPipe - Multi-Channel Communication Analytics Pipeline
// Copyright 2026 SignalPipe contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/signalpipe/signalpipe

// Package stream connects the pipeline to NATS JetStream: stream
// provisioning, durable subscription, and the batcher that groups incoming
// messages into handler batches and acknowledges exactly the processed ids.
package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/signalpipe/signalpipe/internal/events"
)

// Definition binds one ingestion channel to its JetStream stream and subject.
type Definition struct {
	Name    string
	Subject string
	Channel events.Channel
}

// Definitions lists every stream SignalPipe consumes. Contact subscription
// and creation are separate streams over the same channel; the handlers
// differ in the implicit event kind.
var Definitions = []Definition{
	{Name: "SIGNALPIPE_LINK", Subject: "signalpipe.link", Channel: events.ChannelLink},
	{Name: "SIGNALPIPE_EMAIL", Subject: "signalpipe.email", Channel: events.ChannelEmail},
	{Name: "SIGNALPIPE_SMS", Subject: "signalpipe.sms", Channel: events.ChannelSMS},
	{Name: "SIGNALPIPE_CALL", Subject: "signalpipe.call", Channel: events.ChannelCall},
	{Name: "SIGNALPIPE_CONTACT_SUB", Subject: "signalpipe.contact.subscription", Channel: events.ChannelContact},
	{Name: "SIGNALPIPE_CONTACT_NEW", Subject: "signalpipe.contact.creation", Channel: events.ChannelContact},
}

// JetStreamContext is the subset of jetstream.JetStream the initializer
// needs; tests substitute a mock.
type JetStreamContext interface {
	Stream(ctx context.Context, name string) (jetstream.Stream, error)
	CreateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
	UpdateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
}

// Initializer provisions the SignalPipe streams. EnsureStream is idempotent:
// it creates a missing stream and updates an existing one, so configuration
// drift heals on startup.
type Initializer struct {
	js        JetStreamContext
	maxAge    time.Duration
	maxBytes  int64
	replicas  int
	dupWindow time.Duration
}

// NewInitializer builds an initializer. retentionDays bounds message age.
func NewInitializer(js JetStreamContext, retentionDays int, maxBytes int64) (*Initializer, error) {
	if js == nil {
		return nil, fmt.Errorf("jetstream context required")
	}
	if retentionDays < 1 {
		retentionDays = 7
	}
	return &Initializer{
		js:        js,
		maxAge:    time.Duration(retentionDays) * 24 * time.Hour,
		maxBytes:  maxBytes,
		replicas:  1,
		dupWindow: 2 * time.Minute,
	}, nil
}

// EnsureStream creates or updates one stream.
func (i *Initializer) EnsureStream(ctx context.Context, def Definition) (jetstream.Stream, error) {
	cfg := jetstream.StreamConfig{
		Name:        def.Name,
		Subjects:    []string{def.Subject},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      i.maxAge,
		MaxBytes:    i.maxBytes,
		Duplicates:  i.dupWindow,
		Replicas:    i.replicas,
		Storage:     jetstream.FileStorage,
		Discard:     jetstream.DiscardOld,
		AllowDirect: true,
	}

	_, err := i.js.Stream(ctx, def.Name)
	if err == nil {
		stream, uerr := i.js.UpdateStream(ctx, cfg)
		if uerr != nil {
			return nil, fmt.Errorf("update stream %s: %w", def.Name, uerr)
		}
		return stream, nil
	}
	if errors.Is(err, jetstream.ErrStreamNotFound) {
		stream, cerr := i.js.CreateStream(ctx, cfg)
		if cerr != nil {
			return nil, fmt.Errorf("create stream %s: %w", def.Name, cerr)
		}
		return stream, nil
	}
	return nil, fmt.Errorf("check stream %s: %w", def.Name, err)
}

// EnsureAll provisions every SignalPipe stream.
func (i *Initializer) EnsureAll(ctx context.Context) error {
	for _, def := range Definitions {
		if _, err := i.EnsureStream(ctx, def); err != nil {
			return err
		}
	}
	return nil
}
