// Copyright 2025-2026 ForwardX Labs
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// TrapConfig tunes trap detection.
type TrapConfig struct {
	// EditThreshold is the per-message edit count that suspends a pair.
	EditThreshold int `yaml:"edit_threshold"`
	// CooldownSeconds is how long a tripped pair stays paused before it may
	// auto-resume.
	CooldownSeconds int `yaml:"cooldown_seconds"`
}

func DefaultTrapConfig() TrapConfig {
	return TrapConfig{
		EditThreshold:   3,
		CooldownSeconds: 1800,
	}
}

func (c TrapConfig) cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}

// ContentVerdict is the outcome of a block-rule evaluation.
type ContentVerdict struct {
	Blocked bool
	Rule    *BlockRule
}

// EditVerdict is the outcome of an edit-velocity check. Paused is true only
// on the transition that tripped the threshold, so callers emit exactly one
// alert per suspension.
type EditVerdict struct {
	Count  int
	Paused bool
	Until  time.Time
}

// trapState is transient and rebuildable; losing in-flight counters on
// restart is acceptable.
type trapState struct {
	editCounts  map[string]int
	pausedUntil time.Time
}

// TrapDetector decides whether content should be blocked and whether a pair
// should be auto-paused. Per-pair counters are mutated under a single lock
// to keep concurrent edit notifications for a pair race-free.
type TrapDetector struct {
	cfg   TrapConfig
	rules *BlockRuleStore
	log   zerolog.Logger
	now   func() time.Time

	mu    sync.Mutex
	pairs map[string]*trapState
}

func NewTrapDetector(cfg TrapConfig, rules *BlockRuleStore, log zerolog.Logger) *TrapDetector {
	if cfg.EditThreshold <= 0 {
		cfg.EditThreshold = DefaultTrapConfig().EditThreshold
	}
	if cfg.CooldownSeconds <= 0 {
		cfg.CooldownSeconds = DefaultTrapConfig().CooldownSeconds
	}
	return &TrapDetector{
		cfg:   cfg,
		rules: rules,
		log:   log.With().Str("component", "trap_detector").Logger(),
		now:   time.Now,
		pairs: make(map[string]*trapState),
	}
}

// CheckContent evaluates raw text and/or an image content hash against the
// block rules: global rules first, then pair-scoped, first match blocks.
func (d *TrapDetector) CheckContent(pairID, text, contentHash string) ContentVerdict {
	rule := d.rules.Match(pairID, text, contentHash)
	if rule == nil {
		return ContentVerdict{}
	}
	d.log.Warn().
		Str("pair_id", pairID).
		Str("rule_id", rule.ID).
		Str("kind", string(rule.Kind)).
		Msg("Content matched block rule")
	return ContentVerdict{Blocked: true, Rule: rule}
}

// OnEdit increments the per-message edit counter. When the counter reaches
// the threshold the pair is marked paused until now + cooldown.
func (d *TrapDetector) OnEdit(pairID, sourceMessageID string) EditVerdict {
	d.mu.Lock()
	defer d.mu.Unlock()

	state := d.pairState(pairID)
	state.editCounts[sourceMessageID]++
	count := state.editCounts[sourceMessageID]

	verdict := EditVerdict{Count: count}
	if count == d.cfg.EditThreshold {
		state.pausedUntil = d.now().Add(d.cfg.cooldown())
		verdict.Paused = true
		verdict.Until = state.pausedUntil
		d.log.Warn().
			Str("pair_id", pairID).
			Str("source_message_id", sourceMessageID).
			Int("edit_count", count).
			Time("paused_until", state.pausedUntil).
			Msg("Edit trap tripped, pausing pair")
	}
	return verdict
}

// ResumeDue reports whether a paused pair's cooldown has elapsed, clearing
// the trap state when it has. Called lazily on the next event inspection;
// there is no background timer.
func (d *TrapDetector) ResumeDue(pairID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	state, ok := d.pairs[pairID]
	if !ok || state.pausedUntil.IsZero() {
		return false
	}
	if d.now().Before(state.pausedUntil) {
		return false
	}
	// Fresh start after cooldown: stale edit counters would re-trip the
	// trap on the first edit after resume.
	delete(d.pairs, pairID)
	return true
}

// Threshold returns the configured edit threshold.
func (d *TrapDetector) Threshold() int {
	return d.cfg.EditThreshold
}

// ClearPair drops trap state for a pair, used on manual resume and pair
// deletion.
func (d *TrapDetector) ClearPair(pairID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.pairs, pairID)
}

// PausedUntil returns the pause deadline for a pair, zero if not paused.
func (d *TrapDetector) PausedUntil(pairID string) time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	if state, ok := d.pairs[pairID]; ok {
		return state.pausedUntil
	}
	return time.Time{}
}

func (d *TrapDetector) pairState(pairID string) *trapState {
	state, ok := d.pairs[pairID]
	if !ok {
		state = &trapState{editCounts: make(map[string]int)}
		d.pairs[pairID] = state
	}
	return state
}
