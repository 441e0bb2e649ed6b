// SignalPipe - Multi-Channel Communication Analytics Pipeline
// Copyright 2026 SignalPipe contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/signalpipe/signalpipe

package pipeline

// Factor is the signed multiplier applied to counter updates. Normal events
// increment; correction events reverse a previous miscount. The convention is
// identical across every channel: a payload with correction=true decrements.
type Factor int64

const (
	Increment Factor = 1
	Decrement Factor = -1
)

// FactorOf maps the correction flag of a normalized event to its factor.
func FactorOf(correction bool) Factor {
	if correction {
		return Decrement
	}
	return Increment
}
