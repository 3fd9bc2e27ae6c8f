// Copyright 2025-2026 ForwardX Labs
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/forwardx/relay/pkg/platform"
)

// Backend is durable storage for the service: the mapper plus pair and rule
// persistence and the activity sink. *store.Store satisfies it.
type Backend interface {
	Mapper
	ActivitySink
	RuleSaver
	UpsertPair(ctx context.Context, pair Pair) error
	ListPairs(ctx context.Context) ([]Pair, error)
	ListRules(ctx context.Context) ([]BlockRule, error)
	Close() error
}

// Service wires the pipeline together from a validated Config: destination
// registry, session pool with event feeds, block rules, trap detection,
// router, and the admin API.
type Service struct {
	log     zerolog.Logger
	cfg     *Config
	backend Backend

	pool     *SessionPool
	rules    *BlockRuleStore
	traps    *TrapDetector
	router   *Router
	activity *ActivityLog
	admin    *AdminAPI
}

func NewService(cfg *Config, backend Backend, log zerolog.Logger) (*Service, error) {
	svc := &Service{
		log:     log,
		cfg:     cfg,
		backend: backend,
	}

	registry := platform.NewRegistry()
	if err := svc.registerDestinations(registry); err != nil {
		return nil, err
	}

	svc.activity = NewActivityLog(backend, log)
	svc.rules = NewBlockRuleStore(log)
	svc.traps = NewTrapDetector(cfg.Trap, svc.rules, log)
	svc.pool = NewSessionPool(cfg.Pool, log)
	forwarder := NewForwarder(cfg.Retry, log)
	svc.router = NewRouter(svc.pool, svc.traps, backend, forwarder, registry, svc.activity, log)
	svc.router.SetPairPersister(backend.UpsertPair)
	svc.admin = NewAdminAPI(cfg.Admin, svc.router, svc.pool, svc.rules, svc.activity, backend, log)

	if err := svc.loadState(context.Background()); err != nil {
		return nil, err
	}
	return svc, nil
}

func (s *Service) registerDestinations(registry *platform.Registry) error {
	if mm := s.cfg.Destinations.Mattermost; mm != nil {
		registry.Register("mattermost", platform.NewMattermostDestination(mm.ServerURL, mm.Token, s.log))
	}
	if mx := s.cfg.Destinations.Matrix; mx != nil {
		dest, err := platform.NewMatrixDestination(mx.HomeserverURL, mx.UserID, mx.AccessToken, s.log)
		if err != nil {
			return fmt.Errorf("failed to build matrix destination: %w", err)
		}
		registry.Register("matrix", dest)
	}
	if s.cfg.Destinations.WebhookEnabled {
		registry.Register("webhook", platform.NewWebhookDestination(s.log))
	}
	return nil
}

// loadState restores persisted rules and pairs, then overlays the pairs
// declared in the config. Config is authoritative for pair topology; the
// database contributes status and counters.
func (s *Service) loadState(ctx context.Context) error {
	rules, err := s.backend.ListRules(ctx)
	if err != nil {
		return fmt.Errorf("failed to load block rules: %w", err)
	}
	for _, rule := range rules {
		if _, err := s.rules.Add(rule); err != nil {
			s.log.Warn().Err(err).Str("rule_id", rule.ID).Msg("Skipping invalid persisted rule")
		}
	}

	stored, err := s.backend.ListPairs(ctx)
	if err != nil {
		return fmt.Errorf("failed to load pairs: %w", err)
	}
	storedByID := make(map[string]Pair, len(stored))
	for _, pair := range stored {
		storedByID[pair.ID] = pair
	}

	for _, pc := range s.cfg.Pairs {
		pair := Pair{
			ID:             pc.ID,
			SourceRef:      pc.Source,
			DestinationRef: pc.Destination,
			Status:         PairActive,
			Cleaning:       s.cfg.PairCleaning(pc),
		}
		if prev, ok := storedByID[pc.ID]; ok {
			pair.Status = prev.Status
			pair.MessageCount = prev.MessageCount
			pair.BlockedCount = prev.BlockedCount
		}
		if err := s.backend.UpsertPair(ctx, pair); err != nil {
			return fmt.Errorf("failed to persist pair %s: %w", pair.ID, err)
		}
		if err := s.router.AddPair(pair); err != nil {
			return err
		}
	}

	for _, sess := range s.cfg.Sessions {
		var header http.Header
		if sess.FeedToken != "" {
			header = http.Header{"Authorization": []string{"Bearer " + sess.FeedToken}}
		}
		feed := platform.NewWSFeed(sess.FeedURL, sess.ID, header, s.log)
		s.pool.AddSession(sess.ID, sess.IdentityRef, feed)
	}
	return nil
}

// Start connects the session feeds and begins routing events.
func (s *Service) Start(ctx context.Context) {
	s.pool.Start(ctx, s.router.Dispatch)
	s.admin.Start()
	s.activity.Record(ctx, Activity{
		Type:     "service_started",
		Message:  fmt.Sprintf("Forwarding started with %d pairs and %d sessions", len(s.cfg.Pairs), len(s.cfg.Sessions)),
		Severity: SeverityInfo,
	})
}

// Stop tears the pipeline down in dependency order: feeds first so no new
// events arrive, then the router, then the admin API and storage.
func (s *Service) Stop() {
	s.pool.Stop()
	s.router.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.admin.Stop(ctx)

	if err := s.backend.Close(); err != nil {
		s.log.Warn().Err(err).Msg("Failed to close storage")
	}
	s.log.Info().Msg("Service stopped")
}

// Router exposes the router for operational tooling.
func (s *Service) Router() *Router {
	return s.router
}

// Pool exposes the session pool for operational tooling.
func (s *Service) Pool() *SessionPool {
	return s.pool
}
