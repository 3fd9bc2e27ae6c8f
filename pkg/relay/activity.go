// Copyright 2025-2026 ForwardX Labs
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ActivitySink persists activity records. The sqlite store implements this;
// a nil sink keeps the feed in-memory only.
type ActivitySink interface {
	AppendActivity(ctx context.Context, act Activity) error
}

// recentActivityCap bounds the in-memory ring used by snapshot queries.
const recentActivityCap = 256

// ActivityLog is the append-only audit side-channel. Every record is logged,
// persisted through the sink when one is configured, and fanned out to
// subscribers. Slow subscribers are skipped rather than blocking the
// pipeline.
type ActivityLog struct {
	log  zerolog.Logger
	sink ActivitySink
	now  func() time.Time

	mu     sync.Mutex
	subs   map[int]chan Activity
	nextID int
	recent []Activity
}

func NewActivityLog(sink ActivitySink, log zerolog.Logger) *ActivityLog {
	return &ActivityLog{
		log:  log.With().Str("component", "activity").Logger(),
		sink: sink,
		now:  time.Now,
		subs: make(map[int]chan Activity),
	}
}

// Record appends an activity event. Records are never mutated afterwards.
func (a *ActivityLog) Record(ctx context.Context, act Activity) {
	if act.ID == "" {
		act.ID = uuid.NewString()
	}
	if act.CreatedAt.IsZero() {
		act.CreatedAt = a.now()
	}

	evt := a.log.Info()
	switch act.Severity {
	case SeverityWarning:
		evt = a.log.Warn()
	case SeverityError:
		evt = a.log.Error()
	}
	evt.Str("type", act.Type).
		Str("pair_id", act.PairID).
		Str("session_id", act.SessionID).
		Msg(act.Message)

	if a.sink != nil {
		if err := a.sink.AppendActivity(ctx, act); err != nil {
			a.log.Error().Err(err).Str("activity_id", act.ID).Msg("Failed to persist activity")
		}
	}

	a.mu.Lock()
	a.recent = append(a.recent, act)
	if len(a.recent) > recentActivityCap {
		a.recent = a.recent[len(a.recent)-recentActivityCap:]
	}
	for _, sub := range a.subs {
		select {
		case sub <- act:
		default:
		}
	}
	a.mu.Unlock()
}

// Subscribe returns a buffered activity feed and a cancel function. The
// channel is closed on cancel.
func (a *ActivityLog) Subscribe(buffer int) (<-chan Activity, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Activity, buffer)

	a.mu.Lock()
	id := a.nextID
	a.nextID++
	a.subs[id] = ch
	a.mu.Unlock()

	cancel := func() {
		a.mu.Lock()
		if sub, ok := a.subs[id]; ok {
			delete(a.subs, id)
			close(sub)
		}
		a.mu.Unlock()
	}
	return ch, cancel
}

// Recent returns up to n most recent records, newest last.
func (a *ActivityLog) Recent(n int) []Activity {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n <= 0 || n > len(a.recent) {
		n = len(a.recent)
	}
	out := make([]Activity, n)
	copy(out, a.recent[len(a.recent)-n:])
	return out
}
