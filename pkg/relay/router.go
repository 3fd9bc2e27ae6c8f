// Copyright 2025-2026 ForwardX Labs
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/forwardx/relay/pkg/platform"
)

const pairQueueDepth = 256

// routedPair is a configured pair plus its compiled cleaner and work queue.
// Each pair has a single consumer goroutine, which gives per-pair ordering
// without serializing pairs against each other.
type routedPair struct {
	mu      sync.Mutex
	pair    Pair
	cleaner *Cleaner
	queue   chan platform.SourceEvent
}

// Router owns the pair table and moves source events through block checks,
// cleaning, trap detection and delivery.
type Router struct {
	log zerolog.Logger

	pool      *SessionPool
	traps     *TrapDetector
	mapper    Mapper
	forwarder *Forwarder
	registry  *platform.Registry
	activity  *ActivityLog

	// persistPair, when set, flushes pair state changes (status, counters)
	// to durable storage. Persist errors are logged, never fatal.
	persistPair func(context.Context, Pair) error

	mu    sync.RWMutex
	pairs map[string]*routedPair

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}
}

func NewRouter(
	pool *SessionPool,
	traps *TrapDetector,
	mapper Mapper,
	forwarder *Forwarder,
	registry *platform.Registry,
	activity *ActivityLog,
	log zerolog.Logger,
) *Router {
	return &Router{
		log:       log.With().Str("component", "router").Logger(),
		pool:      pool,
		traps:     traps,
		mapper:    mapper,
		forwarder: forwarder,
		registry:  registry,
		activity:  activity,
		pairs:     make(map[string]*routedPair),
		stopped:   make(chan struct{}),
	}
}

// SetPairPersister installs the callback used to flush pair state changes.
func (r *Router) SetPairPersister(fn func(context.Context, Pair) error) {
	r.persistPair = fn
}

// AddPair registers a pair and starts its consumer. The cleaner is compiled
// up front so bad patterns surface at configuration time.
func (r *Router) AddPair(pair Pair) error {
	cleaner, err := NewCleaner(pair.Cleaning, r.log)
	if err != nil {
		return fmt.Errorf("pair %s: %w", pair.ID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.pairs[pair.ID]; exists {
		return fmt.Errorf("pair %s already registered", pair.ID)
	}
	rp := &routedPair{
		pair:    pair,
		cleaner: cleaner,
		queue:   make(chan platform.SourceEvent, pairQueueDepth),
	}
	r.pairs[pair.ID] = rp
	r.wg.Add(1)
	go r.runPair(rp)
	return nil
}

// RemovePair drops a pair, its queue, its session binding and its mappings.
func (r *Router) RemovePair(ctx context.Context, pairID string) error {
	r.mu.Lock()
	rp, ok := r.pairs[pairID]
	if ok {
		delete(r.pairs, pairID)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrPairNotFound, pairID)
	}
	close(rp.queue)
	r.pool.Release(pairID)
	r.traps.ClearPair(pairID)
	return r.mapper.RemovePair(ctx, pairID)
}

// Dispatch hands a source event to every matching pair's queue. Matching is
// by source channel and by the session the pair is bound to; several
// sessions may observe the same channel, so each pair consumes from exactly
// one of them to avoid duplicate forwards. A full queue drops the event with
// a warning rather than stalling the feed.
func (r *Router) Dispatch(evt platform.SourceEvent) {
	if !evt.Kind.Valid() {
		r.log.Warn().Str("kind", string(evt.Kind)).Msg("Dropping event with unknown kind")
		return
	}

	r.mu.RLock()
	var matched []*routedPair
	for _, rp := range r.pairs {
		if r.matchPair(rp, evt) {
			matched = append(matched, rp)
		}
	}
	r.mu.RUnlock()

	for _, rp := range matched {
		select {
		case rp.queue <- evt:
		default:
			r.log.Warn().
				Str("pair_id", rp.pairID()).
				Str("message_id", evt.MessageID).
				Msg("Pair queue full, dropping event")
		}
	}
}

// matchPair binds the pair to a session on first contact via the pool and
// accepts only the bound session's events. The pool rebinds automatically
// when the bound session has dropped out of rotation, which is how pairs
// fail over.
func (r *Router) matchPair(rp *routedPair, evt platform.SourceEvent) bool {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	if rp.pair.SourceRef != evt.ChannelRef {
		return false
	}

	sessionID, err := r.pool.Acquire(rp.pair.ID)
	if err != nil {
		r.log.Warn().Err(err).
			Str("pair_id", rp.pair.ID).
			Str("message_id", evt.MessageID).
			Msg("No session available, dropping event")
		return false
	}
	if rp.pair.SessionID != sessionID {
		rp.pair.SessionID = sessionID
	}
	return sessionID == evt.SessionID
}

func (rp *routedPair) pairID() string {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	return rp.pair.ID
}

func (rp *routedPair) snapshot() Pair {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	return rp.pair
}

func (r *Router) runPair(rp *routedPair) {
	defer r.wg.Done()
	for {
		select {
		case <-r.stopped:
			return
		case evt, ok := <-rp.queue:
			if !ok {
				return
			}
			r.handle(context.Background(), rp, evt)
		}
	}
}

func (r *Router) handle(ctx context.Context, rp *routedPair, evt platform.SourceEvent) {
	r.maybeResume(ctx, rp)

	switch evt.Kind {
	case platform.EventCreate:
		r.handleCreate(ctx, rp, evt)
	case platform.EventEdit:
		r.handleEdit(ctx, rp, evt)
	case platform.EventDelete:
		r.handleDelete(ctx, rp, evt)
	}
}

// maybeResume restores a paused pair whose trap cooldown has elapsed. The
// check runs lazily on the next event instead of on a timer; a pair with no
// traffic stays paused at zero cost.
func (r *Router) maybeResume(ctx context.Context, rp *routedPair) {
	pair := rp.snapshot()
	if pair.Status != PairPaused {
		return
	}
	if !r.traps.ResumeDue(pair.ID) {
		return
	}
	r.setPairStatus(ctx, rp, PairActive)
	r.activity.Record(ctx, Activity{
		Type:     "pair_resumed",
		Message:  fmt.Sprintf("Pair %s resumed after trap cooldown", pair.ID),
		Severity: SeverityInfo,
		PairID:   pair.ID,
	})
}

func (r *Router) handleCreate(ctx context.Context, rp *routedPair, evt platform.SourceEvent) {
	pair := rp.snapshot()
	if pair.Status != PairActive {
		r.recordDropped(ctx, pair, evt)
		return
	}

	// A mapping means this create was already delivered; redelivered feed
	// events and retried creates must not double-post.
	if _, err := r.mapper.Lookup(ctx, pair.ID, evt.MessageID); err == nil {
		r.log.Debug().Str("pair_id", pair.ID).Str("message_id", evt.MessageID).
			Msg("Create already forwarded, skipping")
		return
	} else if !errors.Is(err, ErrMappingMiss) {
		r.log.Error().Err(err).Str("pair_id", pair.ID).Msg("Mapping lookup failed")
		return
	}

	// Media is re-encoded before the block check so the content hash is
	// computed over metadata-stripped bytes. The pair ID doubles as the
	// leak-tracing watermark tag.
	var img *ImageResult
	contentHash := ""
	if evt.Media != nil {
		res := rp.cleaner.CleanImage(evt.Media.Bytes, pair.ID)
		img = &res
		contentHash = img.Hash
	}
	if verdict := r.traps.CheckContent(pair.ID, evt.Text, contentHash); verdict.Blocked {
		r.recordBlocked(ctx, rp, evt, verdict.Rule)
		return
	}

	clean := rp.cleaner.CleanText(evt.Text)
	out := platform.OutgoingMessage{Text: clean.Text}
	if img != nil {
		mime := img.MimeType
		if mime == "" {
			// Decode failure passthrough keeps the original type.
			mime = evt.Media.MimeType
		}
		out.Media = &platform.Media{
			Bytes:    img.Bytes,
			MimeType: mime,
			Filename: evt.Media.Filename,
		}
	}

	dest, channelRef, err := r.registry.Resolve(pair.DestinationRef)
	if err != nil {
		r.failPair(ctx, rp, evt, err)
		return
	}

	destID, err := r.forwarder.Create(ctx, pair.ID, dest, channelRef, out)
	if err != nil {
		r.handleForwardErr(ctx, rp, evt, err)
		return
	}

	if err := r.mapper.Record(ctx, Mapping{
		PairID:               pair.ID,
		SourceMessageID:      evt.MessageID,
		DestinationMessageID: destID,
		CreatedAt:            time.Now().UTC(),
	}); err != nil && !errors.Is(err, ErrDuplicateMapping) {
		r.log.Error().Err(err).Str("pair_id", pair.ID).Str("message_id", evt.MessageID).
			Msg("Failed to record message mapping")
	}

	r.pool.ReportSuccess(evt.SessionID)
	rp.mu.Lock()
	rp.pair.MessageCount++
	pair = rp.pair
	rp.mu.Unlock()
	r.flushPair(ctx, pair)

	r.log.Debug().Str("pair_id", pair.ID).Str("message_id", evt.MessageID).
		Str("dest_message_id", destID).Msg("Message forwarded")
}

func (r *Router) handleEdit(ctx context.Context, rp *routedPair, evt platform.SourceEvent) {
	pair := rp.snapshot()
	if pair.Status != PairActive {
		r.recordDropped(ctx, pair, evt)
		return
	}

	mapping, err := r.mapper.Lookup(ctx, pair.ID, evt.MessageID)
	if err != nil {
		if errors.Is(err, ErrMappingMiss) {
			r.log.Debug().Str("pair_id", pair.ID).Str("message_id", evt.MessageID).
				Msg("Edit for unmapped message, skipping")
		} else {
			r.log.Error().Err(err).Str("pair_id", pair.ID).Msg("Mapping lookup failed")
		}
		return
	}

	verdict := r.traps.OnEdit(pair.ID, evt.MessageID)
	if verdict.Paused {
		r.setPairStatus(ctx, rp, PairPaused)
		r.activity.Record(ctx, Activity{
			Type: "trap_detected",
			Message: fmt.Sprintf("Pair %s paused: message edited %d times (trap threshold), resumes %s",
				pair.ID, verdict.Count, verdict.Until.Format(time.RFC3339)),
			Severity: SeverityWarning,
			PairID:   pair.ID,
		})
		return
	}
	if verdict.Count >= r.traps.Threshold() {
		// Already at or past the threshold from a previous edit; the pause
		// alert fired once, silently skip.
		return
	}

	clean := rp.cleaner.CleanText(evt.Text)
	dest, channelRef, err := r.registry.Resolve(pair.DestinationRef)
	if err != nil {
		r.failPair(ctx, rp, evt, err)
		return
	}
	if err := r.forwarder.Edit(ctx, pair.ID, dest, channelRef, mapping.DestinationMessageID, platform.OutgoingMessage{Text: clean.Text}); err != nil {
		r.handleForwardErr(ctx, rp, evt, err)
		return
	}
	if err := r.mapper.Update(ctx, pair.ID, evt.MessageID, verdict.Count); err != nil {
		r.log.Error().Err(err).Str("pair_id", pair.ID).Msg("Failed to update mapping edit count")
	}
	r.pool.ReportSuccess(evt.SessionID)
}

// handleDelete propagates deletes even for paused pairs so a trap-triggered
// source cleanup still erases the forwarded copies.
func (r *Router) handleDelete(ctx context.Context, rp *routedPair, evt platform.SourceEvent) {
	pair := rp.snapshot()

	mapping, err := r.mapper.Lookup(ctx, pair.ID, evt.MessageID)
	if err != nil {
		if !errors.Is(err, ErrMappingMiss) {
			r.log.Error().Err(err).Str("pair_id", pair.ID).Msg("Mapping lookup failed")
		}
		return
	}

	dest, channelRef, err := r.registry.Resolve(pair.DestinationRef)
	if err != nil {
		r.failPair(ctx, rp, evt, err)
		return
	}
	if err := r.forwarder.Delete(ctx, pair.ID, dest, channelRef, mapping.DestinationMessageID); err != nil {
		r.handleForwardErr(ctx, rp, evt, err)
		return
	}
	if err := r.mapper.Remove(ctx, pair.ID, evt.MessageID); err != nil {
		r.log.Error().Err(err).Str("pair_id", pair.ID).Msg("Failed to remove mapping")
	}
	r.pool.ReportSuccess(evt.SessionID)
	r.log.Debug().Str("pair_id", pair.ID).Str("message_id", evt.MessageID).Msg("Delete propagated")
}

func (r *Router) recordBlocked(ctx context.Context, rp *routedPair, evt platform.SourceEvent, rule *BlockRule) {
	rp.mu.Lock()
	rp.pair.BlockedCount++
	pair := rp.pair
	rp.mu.Unlock()
	r.flushPair(ctx, pair)

	r.log.Info().
		Str("pair_id", pair.ID).
		Str("message_id", evt.MessageID).
		Str("rule_id", rule.ID).
		Str("rule_kind", string(rule.Kind)).
		Msg("Message blocked by rule")
	r.activity.Record(ctx, Activity{
		Type:      "message_blocked",
		Message:   fmt.Sprintf("Message dropped on pair %s by %s rule %s", pair.ID, rule.Kind, rule.ID),
		Severity:  SeverityInfo,
		PairID:    pair.ID,
		SessionID: evt.SessionID,
	})
}

// recordDropped reports an event discarded because its pair was paused or in
// error; the feed is how operators see traffic lost to a pause.
func (r *Router) recordDropped(ctx context.Context, pair Pair, evt platform.SourceEvent) {
	r.activity.Record(ctx, Activity{
		Type:      "message_dropped",
		Message:   fmt.Sprintf("%s dropped on pair %s (status %s)", evt.Kind, pair.ID, pair.Status),
		Severity:  SeverityInfo,
		PairID:    pair.ID,
		SessionID: evt.SessionID,
	})
}

// handleForwardErr reacts to delivery failure: transient exhaustion marks
// the session, fatal errors additionally pause the pair.
func (r *Router) handleForwardErr(ctx context.Context, rp *routedPair, evt platform.SourceEvent, err error) {
	pair := rp.snapshot()
	r.pool.ReportFailure(evt.SessionID)

	if IsFatalForward(err) {
		r.setPairStatus(ctx, rp, PairError)
		r.activity.Record(ctx, Activity{
			Type:      "forward_failed",
			Message:   fmt.Sprintf("Pair %s moved to error state: %v", pair.ID, err),
			Severity:  SeverityError,
			PairID:    pair.ID,
			SessionID: evt.SessionID,
		})
		return
	}
	r.activity.Record(ctx, Activity{
		Type:      "forward_failed",
		Message:   fmt.Sprintf("Delivery failed for pair %s: %v", pair.ID, err),
		Severity:  SeverityError,
		PairID:    pair.ID,
		SessionID: evt.SessionID,
	})
}

func (r *Router) failPair(ctx context.Context, rp *routedPair, evt platform.SourceEvent, err error) {
	pair := rp.snapshot()
	r.log.Error().Err(err).Str("pair_id", pair.ID).Msg("Pair misconfigured")
	r.setPairStatus(ctx, rp, PairError)
	r.activity.Record(ctx, Activity{
		Type:     "pair_error",
		Message:  fmt.Sprintf("Pair %s failed: %v", pair.ID, err),
		Severity: SeverityError,
		PairID:   pair.ID,
	})
}

func (r *Router) setPairStatus(ctx context.Context, rp *routedPair, status PairStatus) {
	rp.mu.Lock()
	rp.pair.Status = status
	pair := rp.pair
	rp.mu.Unlock()
	r.flushPair(ctx, pair)
}

func (r *Router) flushPair(ctx context.Context, pair Pair) {
	if r.persistPair == nil {
		return
	}
	if err := r.persistPair(ctx, pair); err != nil {
		r.log.Error().Err(err).Str("pair_id", pair.ID).Msg("Failed to persist pair state")
	}
}

// PausePair suspends forwarding for a pair from the admin surface.
func (r *Router) PausePair(ctx context.Context, pairID string) error {
	return r.adminSetStatus(ctx, pairID, PairPaused)
}

// ResumePair clears a pause or error state, also resetting trap counters so
// a manual resume starts fresh.
func (r *Router) ResumePair(ctx context.Context, pairID string) error {
	r.traps.ClearPair(pairID)
	return r.adminSetStatus(ctx, pairID, PairActive)
}

func (r *Router) adminSetStatus(ctx context.Context, pairID string, status PairStatus) error {
	r.mu.RLock()
	rp, ok := r.pairs[pairID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrPairNotFound, pairID)
	}
	r.setPairStatus(ctx, rp, status)
	return nil
}

// Pairs returns a sorted snapshot of all pairs, for monitoring.
func (r *Router) Pairs() []Pair {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Pair, 0, len(r.pairs))
	for _, rp := range r.pairs {
		out = append(out, rp.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stop shuts down the pair consumers without draining their queues.
func (r *Router) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopped)
	})
	r.wg.Wait()
}
