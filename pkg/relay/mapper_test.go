// Copyright 2025-2026 ForwardX Labs
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryMapperRoundTrip(t *testing.T) {
	t.Parallel()
	m := NewMemoryMapper()
	ctx := context.Background()

	err := m.Record(ctx, Mapping{PairID: "pair-1", SourceMessageID: "src-1", DestinationMessageID: "dst-1"})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	got, err := m.Lookup(ctx, "pair-1", "src-1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got.DestinationMessageID != "dst-1" {
		t.Errorf("DestinationMessageID: got %s", got.DestinationMessageID)
	}
	if got.CreatedAt.IsZero() {
		t.Error("CreatedAt should be filled in")
	}
}

func TestMemoryMapperDuplicate(t *testing.T) {
	t.Parallel()
	m := NewMemoryMapper()
	ctx := context.Background()

	mapping := Mapping{PairID: "pair-1", SourceMessageID: "src-1", DestinationMessageID: "dst-1"}
	if err := m.Record(ctx, mapping); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := m.Record(ctx, mapping); !errors.Is(err, ErrDuplicateMapping) {
		t.Errorf("got %v, want ErrDuplicateMapping", err)
	}
}

func TestMemoryMapperMiss(t *testing.T) {
	t.Parallel()
	m := NewMemoryMapper()

	if _, err := m.Lookup(context.Background(), "pair-1", "missing"); !errors.Is(err, ErrMappingMiss) {
		t.Errorf("got %v, want ErrMappingMiss", err)
	}
}

func TestMemoryMapperUpdate(t *testing.T) {
	t.Parallel()
	m := NewMemoryMapper()
	ctx := context.Background()

	m.Record(ctx, Mapping{PairID: "pair-1", SourceMessageID: "src-1", DestinationMessageID: "dst-1"})
	if err := m.Update(ctx, "pair-1", "src-1", 2); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, _ := m.Lookup(ctx, "pair-1", "src-1")
	if got.EditCount != 2 {
		t.Errorf("EditCount: got %d, want 2", got.EditCount)
	}

	if err := m.Update(ctx, "pair-1", "missing", 1); !errors.Is(err, ErrMappingMiss) {
		t.Errorf("got %v, want ErrMappingMiss", err)
	}
}

func TestMemoryMapperRemove(t *testing.T) {
	t.Parallel()
	m := NewMemoryMapper()
	ctx := context.Background()

	m.Record(ctx, Mapping{PairID: "pair-1", SourceMessageID: "src-1", DestinationMessageID: "dst-1"})
	if err := m.Remove(ctx, "pair-1", "src-1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := m.Lookup(ctx, "pair-1", "src-1"); !errors.Is(err, ErrMappingMiss) {
		t.Errorf("mapping should be gone: %v", err)
	}
	// Removing again is a no-op.
	if err := m.Remove(ctx, "pair-1", "src-1"); err != nil {
		t.Errorf("second Remove: %v", err)
	}
}

func TestMemoryMapperRemovePair(t *testing.T) {
	t.Parallel()
	m := NewMemoryMapper()
	ctx := context.Background()

	m.Record(ctx, Mapping{PairID: "pair-1", SourceMessageID: "src-1", DestinationMessageID: "dst-1"})
	m.Record(ctx, Mapping{PairID: "pair-1", SourceMessageID: "src-2", DestinationMessageID: "dst-2"})
	m.Record(ctx, Mapping{PairID: "pair-2", SourceMessageID: "src-1", DestinationMessageID: "dst-3"})

	if err := m.RemovePair(ctx, "pair-1"); err != nil {
		t.Fatalf("RemovePair: %v", err)
	}
	if _, err := m.Lookup(ctx, "pair-1", "src-1"); !errors.Is(err, ErrMappingMiss) {
		t.Error("pair-1 mappings should be gone")
	}
	if _, err := m.Lookup(ctx, "pair-2", "src-1"); err != nil {
		t.Errorf("pair-2 mapping should survive: %v", err)
	}
}
