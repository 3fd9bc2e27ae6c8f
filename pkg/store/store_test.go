// Copyright 2025-2026 ForwardX Labs
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forwardx/relay/pkg/relay"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "relay.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPairRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	pair := relay.Pair{
		ID:             "pair-1",
		SourceRef:      "src-chan",
		DestinationRef: "mattermost:dst-chan",
		SessionID:      "session-a",
		Status:         relay.PairActive,
		MessageCount:   7,
		BlockedCount:   2,
	}
	require.NoError(t, s.UpsertPair(ctx, pair))

	got, err := s.GetPair(ctx, "pair-1")
	require.NoError(t, err)
	assert.Equal(t, pair.SourceRef, got.SourceRef)
	assert.Equal(t, relay.PairActive, got.Status)
	assert.EqualValues(t, 7, got.MessageCount)

	pair.Status = relay.PairPaused
	pair.MessageCount = 8
	require.NoError(t, s.UpsertPair(ctx, pair))
	got, err = s.GetPair(ctx, "pair-1")
	require.NoError(t, err)
	assert.Equal(t, relay.PairPaused, got.Status)
	assert.EqualValues(t, 8, got.MessageCount)

	pairs, err := s.ListPairs(ctx)
	require.NoError(t, err)
	assert.Len(t, pairs, 1)
}

func TestGetPairMissing(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	_, err := s.GetPair(context.Background(), "nope")
	assert.ErrorIs(t, err, relay.ErrPairNotFound)
}

func TestMappingRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertPair(ctx, relay.Pair{ID: "pair-1", SourceRef: "s", DestinationRef: "d", Status: relay.PairActive}))

	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mapping := relay.Mapping{
		PairID:               "pair-1",
		SourceMessageID:      "src-1",
		DestinationMessageID: "dst-1",
		CreatedAt:            created,
	}
	require.NoError(t, s.Record(ctx, mapping))

	got, err := s.Lookup(ctx, "pair-1", "src-1")
	require.NoError(t, err)
	assert.Equal(t, "dst-1", got.DestinationMessageID)
	assert.True(t, got.CreatedAt.Equal(created))

	assert.ErrorIs(t, s.Record(ctx, mapping), relay.ErrDuplicateMapping)

	require.NoError(t, s.Update(ctx, "pair-1", "src-1", 2))
	got, err = s.Lookup(ctx, "pair-1", "src-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.EditCount)

	require.NoError(t, s.Remove(ctx, "pair-1", "src-1"))
	_, err = s.Lookup(ctx, "pair-1", "src-1")
	assert.ErrorIs(t, err, relay.ErrMappingMiss)

	// Removing a missing mapping is a no-op.
	assert.NoError(t, s.Remove(ctx, "pair-1", "src-1"))
}

func TestUpdateMissingMapping(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	err := s.Update(context.Background(), "pair-1", "nope", 1)
	assert.ErrorIs(t, err, relay.ErrMappingMiss)
}

// Deleting a pair cascades to its mappings.
func TestDeletePairCascades(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertPair(ctx, relay.Pair{ID: "pair-1", SourceRef: "s", DestinationRef: "d", Status: relay.PairActive}))
	require.NoError(t, s.Record(ctx, relay.Mapping{
		PairID: "pair-1", SourceMessageID: "src-1", DestinationMessageID: "dst-1", CreatedAt: time.Now(),
	}))

	require.NoError(t, s.DeletePair(ctx, "pair-1"))
	_, err := s.Lookup(ctx, "pair-1", "src-1")
	assert.ErrorIs(t, err, relay.ErrMappingMiss)

	assert.ErrorIs(t, s.DeletePair(ctx, "pair-1"), relay.ErrPairNotFound)
}

func TestRemovePairMappings(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	for _, pairID := range []string{"pair-1", "pair-2"} {
		require.NoError(t, s.UpsertPair(ctx, relay.Pair{ID: pairID, SourceRef: "s", DestinationRef: "d", Status: relay.PairActive}))
		require.NoError(t, s.Record(ctx, relay.Mapping{
			PairID: pairID, SourceMessageID: "src-1", DestinationMessageID: "dst-1", CreatedAt: time.Now(),
		}))
	}

	require.NoError(t, s.RemovePair(ctx, "pair-1"))
	_, err := s.Lookup(ctx, "pair-1", "src-1")
	assert.ErrorIs(t, err, relay.ErrMappingMiss)
	_, err = s.Lookup(ctx, "pair-2", "src-1")
	assert.NoError(t, err)
}

func TestRuleRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	rule := relay.BlockRule{
		ID:       "rule-1",
		Scope:    relay.ScopeGlobal,
		Kind:     relay.RuleTextPattern,
		Value:    "spam",
		IsActive: true,
	}
	require.NoError(t, s.SaveRule(ctx, rule))

	rules, err := s.ListRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, rule, rules[0])

	rule.IsActive = false
	require.NoError(t, s.SaveRule(ctx, rule))
	rules, err = s.ListRules(ctx)
	require.NoError(t, err)
	assert.False(t, rules[0].IsActive)

	require.NoError(t, s.DeleteRule(ctx, "rule-1"))
	assert.ErrorIs(t, s.DeleteRule(ctx, "rule-1"), relay.ErrRuleNotFound)
}

func TestActivityFeed(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendActivity(ctx, relay.Activity{
			ID:        string(rune('a' + i)),
			Type:      "forward_failed",
			Message:   "delivery failed",
			Severity:  relay.SeverityWarning,
			PairID:    "pair-1",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	acts, err := s.RecentActivities(ctx, 2)
	require.NoError(t, err)
	require.Len(t, acts, 2)
	assert.Equal(t, "c", acts[0].ID, "newest first")
	assert.Equal(t, "b", acts[1].ID)
}
