// SignalPipe - Multi-Channel Communication Analytics Pipeline
// Copyright 2026 SignalPipe contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/signalpipe/signalpipe

package store

import (
	"errors"
	"strings"
)

// ErrWriteConflict marks a transient write conflict (a race on a unique or
// primary-key constraint between concurrent writers). Callers retry these;
// everything else propagates immediately.
var ErrWriteConflict = errors.New("transient write conflict")

// transientMarkers are substrings of DuckDB error messages indicating a
// constraint race rather than a permanent failure.
var transientMarkers = []string{
	"Constraint Error",
	"PRIMARY KEY or UNIQUE constraint violated",
	"Conflict on tuple",
	"write-write conflict",
	"TransactionContext Error",
}

// IsTransientConflict reports whether err is retryable as a write conflict.
func IsTransientConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrWriteConflict) {
		return true
	}
	msg := err.Error()
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
