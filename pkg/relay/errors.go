// Copyright 2025-2026 ForwardX Labs
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateMapping is returned by Mapper.Record when a mapping already
	// exists for the (pair, source message) key. Callers treat this as an
	// idempotent no-op: a retried forward must not create a second
	// destination post.
	ErrDuplicateMapping = errors.New("duplicate mapping")

	// ErrMappingMiss is returned by Mapper.Lookup when no mapping exists.
	// Misses on the edit/delete path are a normal, non-fatal condition.
	ErrMappingMiss = errors.New("mapping not found")

	// ErrNoActiveSession is returned by SessionPool.Acquire when no session
	// is in the active state.
	ErrNoActiveSession = errors.New("no active session available")

	// ErrSessionNotFound is returned for operations on unknown session IDs.
	ErrSessionNotFound = errors.New("session not found")

	// ErrPairNotFound is returned for operations on unknown pair IDs.
	ErrPairNotFound = errors.New("pair not found")

	// ErrRuleNotFound is returned when removing a block rule that does not
	// exist.
	ErrRuleNotFound = errors.New("block rule not found")

	// ErrInvalidRule is returned when a block rule fails validation, e.g. a
	// text pattern that does not compile.
	ErrInvalidRule = errors.New("invalid block rule")

	// ErrRetryExhausted wraps the last transient error once the forwarder's
	// attempt budget is spent.
	ErrRetryExhausted = errors.New("retry attempts exhausted")
)

// ForwardError classifies a destination write failure. Transient errors were
// retried with backoff before being surfaced; fatal errors transition the
// pair to the error state and stop further scheduling.
type ForwardError struct {
	Op       string
	PairID   string
	Fatal    bool
	Attempts int
	Err      error
}

func (e *ForwardError) Error() string {
	kind := "transient"
	if e.Fatal {
		kind = "fatal"
	}
	return fmt.Sprintf("%s forward error: %s (pair %s, %d attempts): %v", kind, e.Op, e.PairID, e.Attempts, e.Err)
}

func (e *ForwardError) Unwrap() error {
	return e.Err
}

// IsFatalForward reports whether err is a fatal forward failure.
func IsFatalForward(err error) bool {
	var fwd *ForwardError
	return errors.As(err, &fwd) && fwd.Fatal
}
