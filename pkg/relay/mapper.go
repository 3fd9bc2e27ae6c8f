// Copyright 2025-2026 ForwardX Labs
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Mapper is the authoritative source of truth for cross-platform message
// identity correspondence. Implementations must enforce uniqueness per
// (pairID, sourceMessageID).
type Mapper interface {
	// Record creates a mapping, failing with ErrDuplicateMapping when one
	// already exists for the key.
	Record(ctx context.Context, m Mapping) error
	// Lookup returns the mapping, or ErrMappingMiss. Misses on the
	// edit/delete path are normal and non-fatal.
	Lookup(ctx context.Context, pairID, sourceMessageID string) (Mapping, error)
	// Update sets the edit count on an existing mapping.
	Update(ctx context.Context, pairID, sourceMessageID string, editCount int) error
	// Remove deletes a single mapping. Removing a missing mapping is a
	// no-op.
	Remove(ctx context.Context, pairID, sourceMessageID string) error
	// RemovePair deletes every mapping belonging to a pair; a mapping must
	// never outlive its pair.
	RemovePair(ctx context.Context, pairID string) error
}

type mappingKey struct {
	pairID          string
	sourceMessageID string
}

// MemoryMapper is a process-local Mapper used in tests and as a fallback
// when no durable store is configured.
type MemoryMapper struct {
	mu       sync.RWMutex
	mappings map[mappingKey]Mapping
	now      func() time.Time
}

var _ Mapper = (*MemoryMapper)(nil)

func NewMemoryMapper() *MemoryMapper {
	return &MemoryMapper{
		mappings: make(map[mappingKey]Mapping),
		now:      time.Now,
	}
}

func (m *MemoryMapper) Record(_ context.Context, mapping Mapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := mappingKey{mapping.PairID, mapping.SourceMessageID}
	if _, exists := m.mappings[key]; exists {
		return fmt.Errorf("%w: pair %s source %s", ErrDuplicateMapping, mapping.PairID, mapping.SourceMessageID)
	}
	if mapping.CreatedAt.IsZero() {
		mapping.CreatedAt = m.now()
	}
	m.mappings[key] = mapping
	return nil
}

func (m *MemoryMapper) Lookup(_ context.Context, pairID, sourceMessageID string) (Mapping, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mapping, ok := m.mappings[mappingKey{pairID, sourceMessageID}]
	if !ok {
		return Mapping{}, fmt.Errorf("%w: pair %s source %s", ErrMappingMiss, pairID, sourceMessageID)
	}
	return mapping, nil
}

func (m *MemoryMapper) Update(_ context.Context, pairID, sourceMessageID string, editCount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := mappingKey{pairID, sourceMessageID}
	mapping, ok := m.mappings[key]
	if !ok {
		return fmt.Errorf("%w: pair %s source %s", ErrMappingMiss, pairID, sourceMessageID)
	}
	mapping.EditCount = editCount
	m.mappings[key] = mapping
	return nil
}

func (m *MemoryMapper) Remove(_ context.Context, pairID, sourceMessageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.mappings, mappingKey{pairID, sourceMessageID})
	return nil
}

func (m *MemoryMapper) RemovePair(_ context.Context, pairID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.mappings {
		if key.pairID == pairID {
			delete(m.mappings, key)
		}
	}
	return nil
}
