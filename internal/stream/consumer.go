// SignalPipe - Multi-Channel Communication Analytics Pipeline
// Copyright 2026 SignalPipe contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/signalpipe/signalpipe

package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/signalpipe/signalpipe/internal/logging"
	"github.com/signalpipe/signalpipe/internal/metrics"
	"github.com/signalpipe/signalpipe/internal/pipeline"
)

// BatchHandler is one channel's batch entry point. It returns the
// correlation ids that may be acknowledged.
type BatchHandler func(ctx context.Context, entries []pipeline.BatchEntry) []string

// MessageSource abstracts the subscriber for tests.
type MessageSource interface {
	Subscribe(ctx context.Context, subject string) (<-chan *message.Message, error)
}

// ConsumerConfig tunes one channel consumer.
type ConsumerConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	RatePerSecond float64
}

func (c ConsumerConfig) normalized() ConsumerConfig {
	if c.BatchSize < 1 {
		c.BatchSize = 500
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 2 * time.Second
	}
	return c
}

// Consumer pulls messages off one subject, groups them into batches by size
// or flush interval, hands each batch to the channel handler, and
// acknowledges exactly the ids the handler returned. Every other message is
// nacked for redelivery. It is a suture service: Serve blocks until the
// context ends or the subscription drops.
type Consumer struct {
	def     Definition
	source  MessageSource
	handler BatchHandler
	cfg     ConsumerConfig
	limiter *rate.Limiter
}

// NewConsumer builds a consumer for one stream definition.
func NewConsumer(def Definition, source MessageSource, handler BatchHandler, cfg ConsumerConfig) *Consumer {
	cfg = cfg.normalized()
	c := &Consumer{def: def, source: source, handler: handler, cfg: cfg}
	if cfg.RatePerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.BatchSize)
	}
	return c
}

// String names the service in supervisor logs.
func (c *Consumer) String() string {
	return "consumer-" + c.def.Subject
}

// Serve implements suture.Service.
func (c *Consumer) Serve(ctx context.Context) error {
	msgs, err := c.source.Subscribe(ctx, c.def.Subject)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", c.def.Subject, err)
	}
	logging.Info().
		Str("stream", c.def.Name).
		Str("subject", c.def.Subject).
		Int("batch_size", c.cfg.BatchSize).
		Msg("consumer started")

	pending := make([]*message.Message, 0, c.cfg.BatchSize)
	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.nackAll(pending)
			return ctx.Err()

		case msg, ok := <-msgs:
			if !ok {
				c.nackAll(pending)
				return fmt.Errorf("subscription %s closed", c.def.Subject)
			}
			if c.limiter != nil {
				if err := c.limiter.Wait(ctx); err != nil {
					msg.Nack()
					c.nackAll(pending)
					return err
				}
			}
			pending = append(pending, msg)
			if len(pending) >= c.cfg.BatchSize {
				c.flush(ctx, pending)
				pending = pending[:0]
			}

		case <-ticker.C:
			if len(pending) > 0 {
				c.flush(ctx, pending)
				pending = pending[:0]
			}
		}
	}
}

// flush decodes the pending messages, runs the handler, and settles each
// message by the handler's verdict. A message whose payload is not a JSON
// object still reaches the handler (with an empty payload) so it is
// permanently rejected instead of redelivered forever.
func (c *Consumer) flush(ctx context.Context, msgs []*message.Message) {
	entries := make([]pipeline.BatchEntry, len(msgs))
	for i, msg := range msgs {
		var payload map[string]any
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			logging.Warn().
				Str("subject", c.def.Subject).
				Str("message_id", msg.UUID).
				Err(err).
				Msg("undecodable payload")
			payload = map[string]any{}
		}
		entries[i] = pipeline.BatchEntry{ID: msg.UUID, Payload: payload}
	}

	processed := c.handler(ctx, entries)
	ackable := make(map[string]struct{}, len(processed))
	for _, id := range processed {
		ackable[id] = struct{}{}
	}

	for _, msg := range msgs {
		if _, ok := ackable[msg.UUID]; ok {
			msg.Ack()
			metrics.RecordStreamMessage(string(c.def.Channel), "acked")
		} else {
			msg.Nack()
			metrics.RecordStreamMessage(string(c.def.Channel), "redelivered")
		}
	}
}

func (c *Consumer) nackAll(msgs []*message.Message) {
	for _, msg := range msgs {
		msg.Nack()
		metrics.RecordStreamMessage(string(c.def.Channel), "redelivered")
	}
}
