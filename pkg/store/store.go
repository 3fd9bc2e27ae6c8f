// Copyright 2025-2026 ForwardX Labs
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package store persists pairs, sessions, block rules, message mappings and
// the activity feed in a single SQLite database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/forwardx/relay/pkg/relay"
)

const schema = `
CREATE TABLE IF NOT EXISTS pairs (
	id TEXT PRIMARY KEY,
	source_ref TEXT NOT NULL,
	destination_ref TEXT NOT NULL,
	session_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'active',
	message_count INTEGER NOT NULL DEFAULT 0,
	blocked_count INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS block_rules (
	id TEXT PRIMARY KEY,
	scope TEXT NOT NULL,
	pair_id TEXT NOT NULL DEFAULT '',
	kind TEXT NOT NULL,
	value TEXT NOT NULL,
	is_active INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS mappings (
	pair_id TEXT NOT NULL,
	source_message_id TEXT NOT NULL,
	destination_message_id TEXT NOT NULL,
	edit_count INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (pair_id, source_message_id),
	FOREIGN KEY (pair_id) REFERENCES pairs (id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS activities (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	message TEXT NOT NULL,
	severity TEXT NOT NULL,
	pair_id TEXT NOT NULL DEFAULT '',
	session_id TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_activities_created ON activities (created_at DESC);
`

// Store wraps the SQLite database. It implements relay.Mapper and
// relay.ActivitySink.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

var (
	_ relay.Mapper       = (*Store)(nil)
	_ relay.ActivitySink = (*Store)(nil)
)

// Open opens (creating if needed) the database at path and applies the
// schema.
func Open(path string, log zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{db: db, log: log.With().Str("component", "store").Logger()}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertPair writes a pair row, preserving nothing: the caller owns the full
// state.
func (s *Store) UpsertPair(ctx context.Context, pair relay.Pair) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pairs (id, source_ref, destination_ref, session_id, status, message_count, blocked_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			source_ref = excluded.source_ref,
			destination_ref = excluded.destination_ref,
			session_id = excluded.session_id,
			status = excluded.status,
			message_count = excluded.message_count,
			blocked_count = excluded.blocked_count`,
		pair.ID, pair.SourceRef, pair.DestinationRef, pair.SessionID, string(pair.Status),
		pair.MessageCount, pair.BlockedCount)
	return err
}

// GetPair loads one pair.
func (s *Store) GetPair(ctx context.Context, id string) (*relay.Pair, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, source_ref, destination_ref, session_id, status, message_count, blocked_count
		FROM pairs WHERE id = ?`, id)
	pair, err := scanPair(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", relay.ErrPairNotFound, id)
	}
	return pair, err
}

// ListPairs returns all pairs ordered by ID.
func (s *Store) ListPairs(ctx context.Context) ([]relay.Pair, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_ref, destination_ref, session_id, status, message_count, blocked_count
		FROM pairs ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pairs []relay.Pair
	for rows.Next() {
		pair, err := scanPair(rows)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, *pair)
	}
	return pairs, rows.Err()
}

// DeletePair removes a pair; its mappings cascade.
func (s *Store) DeletePair(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pairs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", relay.ErrPairNotFound, id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPair(row rowScanner) (*relay.Pair, error) {
	var pair relay.Pair
	var status string
	err := row.Scan(&pair.ID, &pair.SourceRef, &pair.DestinationRef, &pair.SessionID,
		&status, &pair.MessageCount, &pair.BlockedCount)
	if err != nil {
		return nil, err
	}
	pair.Status = relay.PairStatus(status)
	return &pair, nil
}

// SaveRule writes a block rule row.
func (s *Store) SaveRule(ctx context.Context, rule relay.BlockRule) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO block_rules (id, scope, pair_id, kind, value, is_active)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			scope = excluded.scope,
			pair_id = excluded.pair_id,
			kind = excluded.kind,
			value = excluded.value,
			is_active = excluded.is_active`,
		rule.ID, string(rule.Scope), rule.PairID, string(rule.Kind), rule.Value, boolToInt(rule.IsActive))
	return err
}

// DeleteRule removes a block rule row.
func (s *Store) DeleteRule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM block_rules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", relay.ErrRuleNotFound, id)
	}
	return nil
}

// ListRules returns all block rules ordered by ID.
func (s *Store) ListRules(ctx context.Context) ([]relay.BlockRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scope, pair_id, kind, value, is_active FROM block_rules ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []relay.BlockRule
	for rows.Next() {
		var rule relay.BlockRule
		var scope, kind string
		var active int
		if err := rows.Scan(&rule.ID, &scope, &rule.PairID, &kind, &rule.Value, &active); err != nil {
			return nil, err
		}
		rule.Scope = relay.RuleScope(scope)
		rule.Kind = relay.RuleKind(kind)
		rule.IsActive = active != 0
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// Record inserts a mapping. A primary key conflict reports
// relay.ErrDuplicateMapping so the caller can treat redelivery as benign.
func (s *Store) Record(ctx context.Context, m relay.Mapping) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mappings (pair_id, source_message_id, destination_message_id, edit_count, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		m.PairID, m.SourceMessageID, m.DestinationMessageID, m.EditCount, m.CreatedAt.UnixMilli())
	if err != nil && isUniqueViolation(err) {
		return relay.ErrDuplicateMapping
	}
	return err
}

// Lookup fetches a mapping by pair and source message ID.
func (s *Store) Lookup(ctx context.Context, pairID, sourceMessageID string) (relay.Mapping, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT pair_id, source_message_id, destination_message_id, edit_count, created_at
		FROM mappings WHERE pair_id = ? AND source_message_id = ?`,
		pairID, sourceMessageID)
	var m relay.Mapping
	var createdMS int64
	err := row.Scan(&m.PairID, &m.SourceMessageID, &m.DestinationMessageID, &m.EditCount, &createdMS)
	if errors.Is(err, sql.ErrNoRows) {
		return relay.Mapping{}, relay.ErrMappingMiss
	}
	if err != nil {
		return relay.Mapping{}, err
	}
	m.CreatedAt = time.UnixMilli(createdMS).UTC()
	return m, nil
}

// Update sets the edit count on an existing mapping.
func (s *Store) Update(ctx context.Context, pairID, sourceMessageID string, editCount int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE mappings SET edit_count = ? WHERE pair_id = ? AND source_message_id = ?`,
		editCount, pairID, sourceMessageID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return relay.ErrMappingMiss
	}
	return nil
}

// Remove deletes a mapping. Removing a missing mapping is not an error.
func (s *Store) Remove(ctx context.Context, pairID, sourceMessageID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM mappings WHERE pair_id = ? AND source_message_id = ?`,
		pairID, sourceMessageID)
	return err
}

// RemovePair deletes all mappings for a pair.
func (s *Store) RemovePair(ctx context.Context, pairID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM mappings WHERE pair_id = ?`, pairID)
	return err
}

// AppendActivity persists one activity entry.
func (s *Store) AppendActivity(ctx context.Context, act relay.Activity) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activities (id, type, message, severity, pair_id, session_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		act.ID, act.Type, act.Message, string(act.Severity), act.PairID, act.SessionID,
		act.CreatedAt.UnixMilli())
	return err
}

// RecentActivities returns up to limit entries, newest first.
func (s *Store) RecentActivities(ctx context.Context, limit int) ([]relay.Activity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, message, severity, pair_id, session_id, created_at
		FROM activities ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var acts []relay.Activity
	for rows.Next() {
		var act relay.Activity
		var severity string
		var createdMS int64
		if err := rows.Scan(&act.ID, &act.Type, &act.Message, &severity, &act.PairID, &act.SessionID, &createdMS); err != nil {
			return nil, err
		}
		act.Severity = relay.ActivitySeverity(severity)
		act.CreatedAt = time.UnixMilli(createdMS).UTC()
		acts = append(acts, act)
	}
	return acts, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// modernc.org/sqlite reports constraint failures through the error string;
// it has no typed sentinel for them.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
