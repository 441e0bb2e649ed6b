// SignalPipe - Multi-Channel Communication Analytics Pipeline
// Copyright 2026 SignalPipe contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/signalpipe/signalpipe

package pipeline

import (
	"strings"

	"github.com/signalpipe/signalpipe/internal/store"
)

// bucketAccumulator pre-sums signed counter deltas per dimension key so the
// persistence layer sees at most one upsert per distinct key per batch.
// Insertion order of keys is preserved for deterministic persistence.
type bucketAccumulator struct {
	order  []string
	deltas map[string]*store.BucketDelta
}

func newBucketAccumulator() *bucketAccumulator {
	return &bucketAccumulator{deltas: make(map[string]*store.BucketDelta)}
}

func bucketKey(kind store.BucketKind, dims []string) string {
	var b strings.Builder
	b.WriteString(string(kind))
	for _, d := range dims {
		b.WriteByte(0)
		b.WriteString(d)
	}
	return b.String()
}

func (a *bucketAccumulator) add(kind store.BucketKind, dims []string, counter string, f Factor) {
	k := bucketKey(kind, dims)
	d, ok := a.deltas[k]
	if !ok {
		d = &store.BucketDelta{
			Kind:     kind,
			Dims:     append([]string(nil), dims...),
			Counters: make(map[string]int64),
		}
		a.deltas[k] = d
		a.order = append(a.order, k)
	}
	d.Counters[counter] += int64(f)
}

func (a *bucketAccumulator) list() []store.BucketDelta {
	out := make([]store.BucketDelta, 0, len(a.order))
	for _, k := range a.order {
		out = append(out, *a.deltas[k])
	}
	return out
}

// geoOr substitutes the sentinel for an absent geo dimension.
func geoOr(v, sentinel string) string {
	if v == "" {
		return sentinel
	}
	return v
}

// optStr returns nil for the empty string, a pointer otherwise. Durable event
// rows store absent dimensions as NULL.
func optStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
