// Copyright 2025-2026 ForwardX Labs
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// BlockRuleStore holds global and pair-scoped content-block rules. Reads go
// through an atomically swapped rule table so per-pair message throughput is
// never blocked by administrative mutations; writers serialize on a mutex
// and publish a fresh table.
type BlockRuleStore struct {
	log   zerolog.Logger
	table atomic.Pointer[ruleTable]
	mu    sync.Mutex
}

type ruleTable struct {
	global []*compiledRule
	byPair map[string][]*compiledRule
}

type compiledRule struct {
	rule BlockRule
	re   *regexp.Regexp // nil for content-hash rules
}

func NewBlockRuleStore(log zerolog.Logger) *BlockRuleStore {
	s := &BlockRuleStore{
		log: log.With().Str("component", "block_rules").Logger(),
	}
	s.table.Store(&ruleTable{byPair: make(map[string][]*compiledRule)})
	return s
}

// Add validates and inserts a rule. Text patterns that do not compile are
// rejected; pair-scoped rules must name a pair. A missing ID is assigned.
func (s *BlockRuleStore) Add(rule BlockRule) (BlockRule, error) {
	compiled, err := compileRule(rule)
	if err != nil {
		return BlockRule{}, err
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
		compiled.rule.ID = rule.ID
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.snapshot()
	if rule.Scope == ScopeGlobal {
		next.global = append(next.global, compiled)
	} else {
		next.byPair[rule.PairID] = append(next.byPair[rule.PairID], compiled)
	}
	s.table.Store(next)

	s.log.Info().
		Str("rule_id", rule.ID).
		Str("scope", string(rule.Scope)).
		Str("kind", string(rule.Kind)).
		Msg("Block rule added")
	return rule, nil
}

// Remove deletes a rule by ID from either scope.
func (s *BlockRuleStore) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.snapshot()
	removed := false

	filtered := next.global[:0]
	for _, r := range next.global {
		if r.rule.ID == id {
			removed = true
			continue
		}
		filtered = append(filtered, r)
	}
	next.global = filtered

	for pairID, rules := range next.byPair {
		kept := rules[:0]
		for _, r := range rules {
			if r.rule.ID == id {
				removed = true
				continue
			}
			kept = append(kept, r)
		}
		if len(kept) == 0 {
			delete(next.byPair, pairID)
		} else {
			next.byPair[pairID] = kept
		}
	}

	if !removed {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	s.table.Store(next)
	s.log.Info().Str("rule_id", id).Msg("Block rule removed")
	return nil
}

// Match evaluates content against global rules first, then the pair's own
// rules. The first active match wins. Text patterns see the raw pre-clean
// text; hashes compare exactly, case-insensitively.
func (s *BlockRuleStore) Match(pairID, text, contentHash string) *BlockRule {
	table := s.table.Load()
	if match := matchRules(table.global, text, contentHash); match != nil {
		return match
	}
	return matchRules(table.byPair[pairID], text, contentHash)
}

// Rules returns a snapshot of all rules, global first.
func (s *BlockRuleStore) Rules() []BlockRule {
	table := s.table.Load()
	rules := make([]BlockRule, 0, len(table.global))
	for _, r := range table.global {
		rules = append(rules, r.rule)
	}
	for _, pairRules := range table.byPair {
		for _, r := range pairRules {
			rules = append(rules, r.rule)
		}
	}
	return rules
}

func matchRules(rules []*compiledRule, text, contentHash string) *BlockRule {
	for _, r := range rules {
		if !r.rule.IsActive {
			continue
		}
		switch r.rule.Kind {
		case RuleTextPattern:
			if text != "" && r.re.MatchString(text) {
				rule := r.rule
				return &rule
			}
		case RuleContentHash:
			if contentHash != "" && strings.EqualFold(r.rule.Value, contentHash) {
				rule := r.rule
				return &rule
			}
		}
	}
	return nil
}

func compileRule(rule BlockRule) (*compiledRule, error) {
	if rule.Value == "" {
		return nil, fmt.Errorf("%w: empty value", ErrInvalidRule)
	}
	switch rule.Scope {
	case ScopeGlobal:
		if rule.PairID != "" {
			return nil, fmt.Errorf("%w: global rule must not name a pair", ErrInvalidRule)
		}
	case ScopePair:
		if rule.PairID == "" {
			return nil, fmt.Errorf("%w: pair rule missing pair id", ErrInvalidRule)
		}
	default:
		return nil, fmt.Errorf("%w: unknown scope %q", ErrInvalidRule, rule.Scope)
	}

	compiled := &compiledRule{rule: rule}
	switch rule.Kind {
	case RuleTextPattern:
		re, err := regexp.Compile("(?i)" + rule.Value)
		if err != nil {
			return nil, fmt.Errorf("%w: pattern %q: %v", ErrInvalidRule, rule.Value, err)
		}
		compiled.re = re
	case RuleContentHash:
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidRule, rule.Kind)
	}
	return compiled, nil
}

// snapshot deep-copies the current table for mutation under s.mu.
func (s *BlockRuleStore) snapshot() *ruleTable {
	current := s.table.Load()
	next := &ruleTable{
		global: append([]*compiledRule(nil), current.global...),
		byPair: make(map[string][]*compiledRule, len(current.byPair)),
	}
	for pairID, rules := range current.byPair {
		next.byPair[pairID] = append([]*compiledRule(nil), rules...)
	}
	return next
}
