// SignalPipe - Multi-Channel Communication Analytics Pipeline
// Copyright 2026 SignalPipe contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/signalpipe/signalpipe

package pipeline

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/signalpipe/signalpipe/internal/events"
	"github.com/signalpipe/signalpipe/internal/logging"
	"github.com/signalpipe/signalpipe/internal/metrics"
	"github.com/signalpipe/signalpipe/internal/store"
)

// RetryPolicy bounds the persistence retries of one channel: a fixed delay
// between attempts and a hard attempt ceiling.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

// DefaultRetryPolicy is used when a channel configures nothing.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, Delay: 2 * time.Second}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if p.Delay <= 0 {
		p.Delay = DefaultRetryPolicy.Delay
	}
	return p
}

// withRetry runs fn up to p.MaxAttempts times, sleeping the fixed delay
// between attempts. Only transient write conflicts are retried; any other
// error propagates immediately. Exhaustion returns the last conflict error.
func withRetry(ctx context.Context, channel events.Channel, p RetryPolicy, fn func(context.Context) error) error {
	p = p.normalized()
	b := backoff.NewConstantBackOff(p.Delay)

	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !store.IsTransientConflict(err) {
			return err
		}
		if attempt == p.MaxAttempts {
			break
		}

		metrics.RecordRetry(string(channel))
		logging.Warn().
			Str("channel", string(channel)).
			Int("attempt", attempt).
			Err(err).
			Msg("transient write conflict, retrying persistence")

		timer := time.NewTimer(b.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}
