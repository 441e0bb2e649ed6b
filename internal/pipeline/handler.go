// SignalPipe - Multi-Channel Communication Analytics Pipeline
// Copyright 2026 SignalPipe contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/signalpipe/signalpipe

// Package pipeline holds the batch handlers at the core of SignalPipe: per
// channel, they normalize raw dispatcher entries, fold them into durable
// event records, tracking updates and pre-summed counter deltas, and persist
// the result transactionally. A handler returns exactly the correlation ids
// the dispatcher may acknowledge; everything else is redelivered.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/signalpipe/signalpipe/internal/callbuffer"
	"github.com/signalpipe/signalpipe/internal/events"
	"github.com/signalpipe/signalpipe/internal/logging"
	"github.com/signalpipe/signalpipe/internal/metrics"
	"github.com/signalpipe/signalpipe/internal/store"
)

// BatchEntry is one dispatcher entry: an opaque correlation id and the raw
// payload. The id is never interpreted here; it is the unit of acknowledgment.
type BatchEntry struct {
	ID      string
	Payload map[string]any
}

// Persister is the persistence gateway the handlers write through.
// UpsertBuckets applies the bucket deltas of batches whose channel commits
// buckets outside the event transaction.
type Persister interface {
	PersistBatch(ctx context.Context, b *store.Batch) error
	UpsertBuckets(ctx context.Context, deltas []store.BucketDelta) error
	MarkContactsHardBounced(ctx context.Context, contactIDs []string) error
}

// ChannelOptions tune one handler's persistence behavior.
type ChannelOptions struct {
	Retry           RetryPolicy
	BucketsInSameTx bool
}

// Option keys for Options.Channels, one per stream handler. The two contact
// handlers share a channel but are tuned independently.
const (
	OptionsLink                = "link"
	OptionsEmail               = "email"
	OptionsSMS                 = "sms"
	OptionsCall                = "call"
	OptionsContactSubscription = "contact_subscription"
	OptionsContactCreation     = "contact_creation"
)

// Options configure the handler set.
type Options struct {
	// Sentinel substitutes unresolved geo dimensions, e.g. "N/A".
	Sentinel string

	// Channels holds per-handler overrides keyed by the Options* constants;
	// missing keys use defaults.
	Channels map[string]ChannelOptions

	// BreakerThreshold is the consecutive-failure count that opens the
	// persistence circuit breaker. BreakerTimeout is the open duration.
	BreakerThreshold uint32
	BreakerTimeout   time.Duration
}

func (o Options) normalized() Options {
	if o.Sentinel == "" {
		o.Sentinel = "N/A"
	}
	if o.BreakerThreshold == 0 {
		o.BreakerThreshold = 5
	}
	if o.BreakerTimeout <= 0 {
		o.BreakerTimeout = 30 * time.Second
	}
	return o
}

// Handlers is the per-channel batch handler set. One instance serves all
// channels of one worker process; concurrent invocations of the same channel
// are serialized so batch-scoped dedup state and buffer flush order stay
// deterministic.
type Handlers struct {
	db      Persister
	buffer  *callbuffer.Store
	opts    Options
	breaker *gobreaker.CircuitBreaker[any]

	mu map[events.Channel]*sync.Mutex
}

// New builds the handler set. buffer may be nil only if the call handler is
// never registered.
func New(db Persister, buffer *callbuffer.Store, opts Options) *Handlers {
	opts = opts.normalized()

	h := &Handlers{
		db:     db,
		buffer: buffer,
		opts:   opts,
		mu:     make(map[events.Channel]*sync.Mutex),
	}
	for _, c := range []events.Channel{
		events.ChannelLink, events.ChannelEmail, events.ChannelSMS,
		events.ChannelCall, events.ChannelContact,
	} {
		h.mu[c] = &sync.Mutex{}
	}

	h.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:    "persistence",
		Timeout: opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("persistence circuit breaker state change")
		},
	})
	return h
}

func (h *Handlers) options(key string) ChannelOptions {
	if o, ok := h.opts.Channels[key]; ok {
		return o
	}
	return ChannelOptions{Retry: DefaultRetryPolicy}
}

// handle runs the shared per-batch flow: serialize, ingest entry by entry in
// arrival order, persist with retry behind the breaker, and compute the
// acknowledgment set. On persistence failure only the invalid ids are
// returned, so the dispatcher redelivers every valid entry of the batch.
func (h *Handlers) handle(
	ctx context.Context,
	channel events.Channel,
	opts ChannelOptions,
	entries []BatchEntry,
	ingest func(e BatchEntry) error,
	finish func(sameTx bool) *store.Batch,
	afterCommit func(context.Context) error,
) []string {
	mu := h.mu[channel]
	mu.Lock()
	defer mu.Unlock()

	valid := make([]string, 0, len(entries))
	invalid := make([]string, 0)
	for _, e := range entries {
		if err := ingest(e); err != nil {
			if !events.IsValidation(err) && !isBufferState(err) {
				// Unexpected ingest failure still only costs this entry.
				logging.Err(err).
					Str("channel", string(channel)).
					Str("entry_id", e.ID).
					Msg("entry ingest failed")
			}
			invalid = append(invalid, e.ID)
			continue
		}
		valid = append(valid, e.ID)
	}
	metrics.RecordEntries(string(channel), len(valid), len(invalid))

	batch := finish(opts.BucketsInSameTx)
	if !batch.Empty() {
		start := time.Now()
		err := withRetry(ctx, channel, opts.Retry, func(ctx context.Context) error {
			_, berr := h.breaker.Execute(func() (any, error) {
				return nil, h.db.PersistBatch(ctx, batch)
			})
			return berr
		})
		metrics.RecordPersist(string(channel), time.Since(start))
		if err != nil {
			logging.Err(err).
				Str("channel", string(channel)).
				Int("events", len(batch.Events)).
				Msg("batch persistence failed, valid entries will be redelivered")
			metrics.RecordBatch(string(channel), "failed")
			return invalid
		}

		// The event transaction is committed; the separate bucket phase
		// retries on its own so a conflict here never re-runs the event
		// inserts. Exhaustion drops the counters rather than redelivering
		// entries whose rows are already durable.
		if !batch.BucketsInSameTx && len(batch.Buckets) > 0 {
			berr := withRetry(ctx, channel, opts.Retry, func(ctx context.Context) error {
				_, xerr := h.breaker.Execute(func() (any, error) {
					return nil, h.db.UpsertBuckets(ctx, batch.Buckets)
				})
				return xerr
			})
			if berr != nil {
				logging.Err(berr).
					Str("channel", string(channel)).
					Int("buckets", len(batch.Buckets)).
					Msg("bucket upsert failed after batch commit, counters dropped")
			}
		}
	}

	if afterCommit != nil {
		if err := afterCommit(ctx); err != nil {
			logging.Err(err).
				Str("channel", string(channel)).
				Msg("post-commit hook failed")
		}
	}

	metrics.RecordBatch(string(channel), "ok")
	return append(valid, invalid...)
}

func isBufferState(err error) bool {
	return errors.Is(err, callbuffer.ErrNoBufferEntry)
}

// HandleLinkBatch processes one batch of tracked-link click events.
func (h *Handlers) HandleLinkBatch(ctx context.Context, entries []BatchEntry) []string {
	agg := newLinkAggregator(h.opts.Sentinel)
	return h.handle(ctx, events.ChannelLink, h.options(OptionsLink), entries,
		func(e BatchEntry) error {
			ev, err := events.NormalizeLink(e.Payload)
			if err != nil {
				return err
			}
			agg.Add(ev)
			return nil
		},
		agg.Batch, nil)
}

// HandleEmailBatch processes one batch of email lifecycle events and, after
// the batch commits, flags hard-bounced contacts.
func (h *Handlers) HandleEmailBatch(ctx context.Context, entries []BatchEntry) []string {
	agg := newEmailAggregator()
	return h.handle(ctx, events.ChannelEmail, h.options(OptionsEmail), entries,
		func(e BatchEntry) error {
			ev, err := events.NormalizeEmail(e.Payload)
			if err != nil {
				return err
			}
			agg.Add(ev)
			return nil
		},
		agg.Batch,
		func(ctx context.Context) error {
			if len(agg.HardBounced()) == 0 {
				return nil
			}
			return h.db.MarkContactsHardBounced(ctx, agg.HardBounced())
		})
}

// HandleSMSBatch processes one batch of SMS status events.
func (h *Handlers) HandleSMSBatch(ctx context.Context, entries []BatchEntry) []string {
	agg := newSMSAggregator()
	return h.handle(ctx, events.ChannelSMS, h.options(OptionsSMS), entries,
		func(e BatchEntry) error {
			ev, err := events.NormalizeSMS(e.Payload)
			if err != nil {
				return err
			}
			agg.Add(ev)
			return nil
		},
		agg.Batch, nil)
}

// HandleCallBatch processes one batch of voice-call status events. Buffered
// entries are acknowledged: their events live durably in the call buffer and
// materialize in the batch that resolves or evicts the call. The buffer
// transitions commit only after the batch's database writes, so a failed
// batch leaves the buffered backlog in place for the redelivery.
func (h *Handlers) HandleCallBatch(ctx context.Context, entries []BatchEntry) []string {
	agg := newCallAggregator(h.buffer.Begin())
	return h.handle(ctx, events.ChannelCall, h.options(OptionsCall), entries,
		func(e BatchEntry) error {
			ev, err := events.NormalizeCall(e.Payload)
			if err != nil {
				return err
			}
			return agg.Add(ev)
		},
		agg.Batch, agg.Commit)
}

// HandleContactSubscriptionBatch processes subscription and unsubscription
// events; payloads without an explicit kind default to SUBSCRIBED.
func (h *Handlers) HandleContactSubscriptionBatch(ctx context.Context, entries []BatchEntry) []string {
	return h.handleContact(ctx, entries, events.KindSubscribed, OptionsContactSubscription)
}

// HandleContactCreationBatch processes contact-creation events.
func (h *Handlers) HandleContactCreationBatch(ctx context.Context, entries []BatchEntry) []string {
	return h.handleContact(ctx, entries, events.KindCreated, OptionsContactCreation)
}

func (h *Handlers) handleContact(ctx context.Context, entries []BatchEntry, fallback events.Kind, optKey string) []string {
	agg := newContactAggregator(h.opts.Sentinel)
	return h.handle(ctx, events.ChannelContact, h.options(optKey), entries,
		func(e BatchEntry) error {
			ev, err := events.NormalizeContact(e.Payload, fallback)
			if err != nil {
				return err
			}
			agg.Add(ev)
			return nil
		},
		agg.Batch, nil)
}
