// SignalPipe - Multi-Channel Communication Analytics Pipeline
// Copyright 2026 SignalPipe contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/signalpipe/signalpipe

package pipeline

import "github.com/signalpipe/signalpipe/internal/events"

// StatusReplied and StatusOpened are the two precedence levels above raw
// event kinds when resolving a tracking record's current status.
const (
	StatusReplied = string(events.KindReplied)
	StatusOpened  = string(events.KindOpened)
)

// ResolveStatus derives the current_status value to persist for one tracked
// id from the dedup flags accumulated over the batch and the kind of the last
// event observed for that id. Precedence, highest first: REPLIED (sticky,
// the persistence layer additionally refuses to regress a stored REPLIED) >
// OPENED when the opened flag is set > the raw last event kind.
func ResolveStatus(replied, opened bool, last events.Kind) string {
	switch {
	case replied:
		return StatusReplied
	case opened:
		return StatusOpened
	default:
		return string(last)
	}
}
