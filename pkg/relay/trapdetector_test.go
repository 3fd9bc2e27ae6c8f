// Copyright 2025-2026 ForwardX Labs
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestDetector(t *testing.T, cfg TrapConfig) (*TrapDetector, *time.Time) {
	t.Helper()
	rules := NewBlockRuleStore(zerolog.Nop())
	d := NewTrapDetector(cfg, rules, zerolog.Nop())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }
	return d, &now
}

func TestOnEditBelowThreshold(t *testing.T) {
	t.Parallel()
	d, _ := newTestDetector(t, DefaultTrapConfig())

	for i := 1; i <= 2; i++ {
		verdict := d.OnEdit("pair-1", "msg-1")
		if verdict.Paused {
			t.Fatalf("edit %d should not pause", i)
		}
		if verdict.Count != i {
			t.Errorf("edit %d: count %d", i, verdict.Count)
		}
	}
	if until := d.PausedUntil("pair-1"); !until.IsZero() {
		t.Errorf("pair should not be paused, until=%v", until)
	}
}

// The third edit of the same message trips the trap, and only the tripping
// edit reports Paused so exactly one alert is raised.
func TestOnEditThresholdPausesOnce(t *testing.T) {
	t.Parallel()
	d, now := newTestDetector(t, DefaultTrapConfig())

	d.OnEdit("pair-1", "msg-1")
	d.OnEdit("pair-1", "msg-1")
	verdict := d.OnEdit("pair-1", "msg-1")
	if !verdict.Paused {
		t.Fatal("third edit should pause")
	}
	want := now.Add(30 * time.Minute)
	if !verdict.Until.Equal(want) {
		t.Errorf("Until: got %v, want %v", verdict.Until, want)
	}

	fourth := d.OnEdit("pair-1", "msg-1")
	if fourth.Paused {
		t.Error("fourth edit must not report Paused again")
	}
}

func TestOnEditCountsPerMessage(t *testing.T) {
	t.Parallel()
	d, _ := newTestDetector(t, DefaultTrapConfig())

	d.OnEdit("pair-1", "msg-1")
	d.OnEdit("pair-1", "msg-1")
	verdict := d.OnEdit("pair-1", "msg-2")
	if verdict.Paused {
		t.Error("edits of different messages must not combine")
	}
	if verdict.Count != 1 {
		t.Errorf("count: got %d, want 1", verdict.Count)
	}
}

func TestResumeDue(t *testing.T) {
	t.Parallel()
	d, now := newTestDetector(t, TrapConfig{EditThreshold: 3, CooldownSeconds: 60})

	for i := 0; i < 3; i++ {
		d.OnEdit("pair-1", "msg-1")
	}
	if d.ResumeDue("pair-1") {
		t.Fatal("cooldown has not elapsed yet")
	}

	*now = now.Add(61 * time.Second)
	if !d.ResumeDue("pair-1") {
		t.Fatal("cooldown elapsed, resume should be due")
	}

	// State was cleared: counters start fresh after resume.
	verdict := d.OnEdit("pair-1", "msg-1")
	if verdict.Count != 1 || verdict.Paused {
		t.Errorf("after resume: count=%d paused=%v", verdict.Count, verdict.Paused)
	}
}

func TestResumeDueUnpausedPair(t *testing.T) {
	t.Parallel()
	d, _ := newTestDetector(t, DefaultTrapConfig())
	if d.ResumeDue("pair-unknown") {
		t.Error("unknown pair should not be due for resume")
	}
}

func TestClearPair(t *testing.T) {
	t.Parallel()
	d, _ := newTestDetector(t, DefaultTrapConfig())

	d.OnEdit("pair-1", "msg-1")
	d.OnEdit("pair-1", "msg-1")
	d.ClearPair("pair-1")
	verdict := d.OnEdit("pair-1", "msg-1")
	if verdict.Count != 1 {
		t.Errorf("count after clear: got %d, want 1", verdict.Count)
	}
}

func TestCheckContentBlocked(t *testing.T) {
	t.Parallel()
	rules := NewBlockRuleStore(zerolog.Nop())
	if _, err := rules.Add(BlockRule{Scope: ScopeGlobal, Kind: RuleTextPattern, Value: `forbidden`, IsActive: true}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	d := NewTrapDetector(DefaultTrapConfig(), rules, zerolog.Nop())

	verdict := d.CheckContent("pair-1", "this is FORBIDDEN text", "")
	if !verdict.Blocked {
		t.Fatal("content should be blocked")
	}
	if verdict.Rule == nil || verdict.Rule.Value != "forbidden" {
		t.Errorf("unexpected rule: %+v", verdict.Rule)
	}

	if d.CheckContent("pair-1", "harmless", "").Blocked {
		t.Error("harmless content should pass")
	}
}
