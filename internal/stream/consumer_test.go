// SignalPipe - Multi-Channel Communication Analytics Pipeline
// Copyright 2026 SignalPipe contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/signalpipe/signalpipe

package stream

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/signalpipe/signalpipe/internal/pipeline"
)

type fakeSource struct {
	ch chan *message.Message
}

func (f *fakeSource) Subscribe(context.Context, string) (<-chan *message.Message, error) {
	return f.ch, nil
}

func linkDef() Definition {
	return Definitions[0]
}

func TestConsumer_AcksOnlyProcessedIDs(t *testing.T) {
	src := &fakeSource{ch: make(chan *message.Message, 3)}

	m1 := message.NewMessage("m1", []byte(`{"link":"L1"}`))
	m2 := message.NewMessage("m2", []byte(`{"link":"L2"}`))
	m3 := message.NewMessage("m3", []byte(`{"link":"L3"}`))
	src.ch <- m1
	src.ch <- m2
	src.ch <- m3

	// The handler reports only m1 and m3 processed; m2 must be redelivered.
	handler := func(ctx context.Context, entries []pipeline.BatchEntry) []string {
		if len(entries) != 3 {
			t.Errorf("batch size = %d, want 3", len(entries))
		}
		return []string{"m1", "m3"}
	}

	c := NewConsumer(linkDef(), src, handler, ConsumerConfig{BatchSize: 3, FlushInterval: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Serve(ctx) }()

	select {
	case <-m1.Acked():
	case <-time.After(2 * time.Second):
		t.Fatal("m1 not acked")
	}
	select {
	case <-m3.Acked():
	case <-time.After(2 * time.Second):
		t.Fatal("m3 not acked")
	}
	select {
	case <-m2.Nacked():
	case <-time.After(2 * time.Second):
		t.Fatal("m2 not nacked")
	}

	cancel()
	<-done
}

func TestConsumer_FlushOnInterval(t *testing.T) {
	src := &fakeSource{ch: make(chan *message.Message, 1)}
	m := message.NewMessage("m1", []byte(`{"link":"L1"}`))
	src.ch <- m

	batches := make(chan int, 1)
	handler := func(ctx context.Context, entries []pipeline.BatchEntry) []string {
		batches <- len(entries)
		return []string{"m1"}
	}

	// Batch size never fills; the interval must trigger the flush.
	c := NewConsumer(linkDef(), src, handler, ConsumerConfig{BatchSize: 100, FlushInterval: 20 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Serve(ctx) }()

	select {
	case n := <-batches:
		if n != 1 {
			t.Errorf("flushed batch size = %d, want 1", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("interval flush never happened")
	}
}

func TestConsumer_UndecodablePayloadStillReachesHandler(t *testing.T) {
	src := &fakeSource{ch: make(chan *message.Message, 1)}
	m := message.NewMessage("bad", []byte(`not json`))
	src.ch <- m

	got := make(chan pipeline.BatchEntry, 1)
	handler := func(ctx context.Context, entries []pipeline.BatchEntry) []string {
		got <- entries[0]
		// The normalizer would reject it; it is still acknowledged as
		// permanently invalid.
		return []string{entries[0].ID}
	}

	c := NewConsumer(linkDef(), src, handler, ConsumerConfig{BatchSize: 1, FlushInterval: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Serve(ctx) }()

	select {
	case e := <-got:
		if e.ID != "bad" || len(e.Payload) != 0 {
			t.Errorf("entry = %+v, want empty payload under original id", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never invoked")
	}
	select {
	case <-m.Acked():
	case <-time.After(2 * time.Second):
		t.Fatal("message not acked")
	}
}

func TestConsumer_NacksPendingOnShutdown(t *testing.T) {
	src := &fakeSource{ch: make(chan *message.Message, 1)}
	m := message.NewMessage("m1", []byte(`{}`))
	src.ch <- m

	handler := func(ctx context.Context, entries []pipeline.BatchEntry) []string { return nil }
	c := NewConsumer(linkDef(), src, handler, ConsumerConfig{BatchSize: 100, FlushInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Serve(ctx) }()

	// Give the consumer a moment to buffer the message, then shut down.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-m.Nacked():
	case <-time.After(2 * time.Second):
		t.Fatal("pending message not nacked on shutdown")
	}
	if err := <-done; err == nil {
		t.Error("Serve should return the context error")
	}
}
