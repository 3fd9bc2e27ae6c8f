// Copyright 2025-2026 ForwardX Labs
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"time"
)

// PairStatus is the lifecycle state of a forwarding pair.
type PairStatus string

const (
	PairActive PairStatus = "active"
	PairPaused PairStatus = "paused"
	PairError  PairStatus = "error"
)

// SessionStatus is the lifecycle state of a source-platform identity.
type SessionStatus string

const (
	SessionAuthenticating SessionStatus = "authenticating"
	SessionActive         SessionStatus = "active"
	SessionError          SessionStatus = "error"
)

// Session is an authenticated source-platform identity used to read source
// channels. Owned exclusively by the SessionPool.
type Session struct {
	ID                  string        `json:"id"`
	IdentityRef         string        `json:"identity_ref"`
	Status              SessionStatus `json:"status"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LoadScore           int           `json:"load_score"`
}

// Pair is a configured route from one source channel to one destination
// channel or webhook.
type Pair struct {
	ID             string         `json:"id"`
	SourceRef      string         `json:"source_ref"`
	DestinationRef string         `json:"destination_ref"`
	SessionID      string         `json:"session_id"`
	Status         PairStatus     `json:"status"`
	Cleaning       CleaningConfig `json:"cleaning"`
	MessageCount   int64          `json:"message_count"`
	BlockedCount   int64          `json:"blocked_count"`
}

// RuleScope determines which pairs a block rule applies to.
type RuleScope string

const (
	ScopeGlobal RuleScope = "global"
	ScopePair   RuleScope = "pair"
)

// RuleKind is the matching strategy of a block rule.
type RuleKind string

const (
	RuleTextPattern RuleKind = "text-pattern"
	RuleContentHash RuleKind = "content-hash"
)

// BlockRule suppresses forwarding of matching content. Global rules apply to
// all pairs; pair rules only to their pair. Text patterns are matched against
// the raw pre-clean content, hashes by exact equality.
type BlockRule struct {
	ID       string    `json:"id"`
	Scope    RuleScope `json:"scope"`
	PairID   string    `json:"pair_id,omitempty"`
	Kind     RuleKind  `json:"kind"`
	Value    string    `json:"value"`
	IsActive bool      `json:"is_active"`
}

// Mapping is the recorded correspondence between a source message and its
// forwarded destination counterpart. Unique per (PairID, SourceMessageID).
type Mapping struct {
	PairID               string    `json:"pair_id"`
	SourceMessageID      string    `json:"source_message_id"`
	DestinationMessageID string    `json:"destination_message_id"`
	EditCount            int       `json:"edit_count"`
	CreatedAt            time.Time `json:"created_at"`
}

// ActivitySeverity grades activity records for dashboards and alerting.
type ActivitySeverity string

const (
	SeverityInfo    ActivitySeverity = "info"
	SeverityWarning ActivitySeverity = "warning"
	SeverityError   ActivitySeverity = "error"
)

// Activity is an append-only audit record. It is never mutated after
// creation.
type Activity struct {
	ID        string           `json:"id"`
	Type      string           `json:"type"`
	Message   string           `json:"message"`
	Severity  ActivitySeverity `json:"severity"`
	PairID    string           `json:"pair_id,omitempty"`
	SessionID string           `json:"session_id,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}
