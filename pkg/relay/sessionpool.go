// Copyright 2025-2026 ForwardX Labs
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/forwardx/relay/pkg/platform"
)

// PoolConfig tunes session health tracking.
type PoolConfig struct {
	// FailureThreshold is the consecutive-failure count that moves a
	// session to the error state and excludes it from selection.
	FailureThreshold int `yaml:"failure_threshold"`
	// DrainTimeoutSeconds bounds how long Stop waits for in-flight event
	// handling before abandoning it.
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		FailureThreshold:    5,
		DrainTimeoutSeconds: 30,
	}
}

type poolSession struct {
	Session
	source platform.EventSource
}

// SessionPool maintains the rotation of authenticated source identities and
// their persistent event feeds. Sessions are created by the provisioning
// collaborator and handed in as opaque {id, identityRef, source} triples.
type SessionPool struct {
	cfg PoolConfig
	log zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*poolSession
	bindings map[string]string // pairID -> sessionID

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}
}

func NewSessionPool(cfg PoolConfig, log zerolog.Logger) *SessionPool {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultPoolConfig().FailureThreshold
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = DefaultPoolConfig().DrainTimeoutSeconds
	}
	return &SessionPool{
		cfg:      cfg,
		log:      log.With().Str("component", "session_pool").Logger(),
		sessions: make(map[string]*poolSession),
		bindings: make(map[string]string),
		stopped:  make(chan struct{}),
	}
}

// AddSession registers a provisioned session and its event feed. The session
// starts in the authenticating state until its feed connects.
func (p *SessionPool) AddSession(id, identityRef string, source platform.EventSource) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions[id] = &poolSession{
		Session: Session{
			ID:          id,
			IdentityRef: identityRef,
			Status:      SessionAuthenticating,
		},
		source: source,
	}
}

// RemoveSession revokes a session, closing its feed and dropping its pair
// bindings.
func (p *SessionPool) RemoveSession(id string) error {
	p.mu.Lock()
	sess, ok := p.sessions[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	delete(p.sessions, id)
	for pairID, sessionID := range p.bindings {
		if sessionID == id {
			delete(p.bindings, pairID)
		}
	}
	p.mu.Unlock()

	if sess.source != nil {
		return sess.source.Close()
	}
	return nil
}

// Acquire returns the session bound to the pair, or binds the least-loaded
// active session. Selection is weighted by inverse load score with ties
// broken by session ID order, so it is deterministic and testable.
func (p *SessionPool) Acquire(pairID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if sessionID, bound := p.bindings[pairID]; bound {
		if sess, ok := p.sessions[sessionID]; ok && sess.Status == SessionActive {
			return sessionID, nil
		}
		// Bound session gone or unhealthy; rebind below.
		p.unbindLocked(pairID)
	}

	candidates := make([]*poolSession, 0, len(p.sessions))
	for _, sess := range p.sessions {
		if sess.Status == SessionActive {
			candidates = append(candidates, sess)
		}
	}
	if len(candidates) == 0 {
		return "", ErrNoActiveSession
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].LoadScore != candidates[j].LoadScore {
			return candidates[i].LoadScore < candidates[j].LoadScore
		}
		return candidates[i].ID < candidates[j].ID
	})

	chosen := candidates[0]
	chosen.LoadScore++
	p.bindings[pairID] = chosen.ID
	p.log.Debug().Str("pair_id", pairID).Str("session_id", chosen.ID).Msg("Pair bound to session")
	return chosen.ID, nil
}

// Release unbinds a pair from its session, e.g. on pair deletion.
func (p *SessionPool) Release(pairID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unbindLocked(pairID)
}

func (p *SessionPool) unbindLocked(pairID string) {
	if sessionID, bound := p.bindings[pairID]; bound {
		delete(p.bindings, pairID)
		if sess, ok := p.sessions[sessionID]; ok && sess.LoadScore > 0 {
			sess.LoadScore--
		}
	}
}

// ReportFailure increments the session's consecutive failure count and moves
// it to the error state once the threshold is crossed. Error sessions are
// excluded from selection until restored.
func (p *SessionPool) ReportFailure(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sess, ok := p.sessions[sessionID]
	if !ok {
		return
	}
	sess.ConsecutiveFailures++
	if sess.ConsecutiveFailures >= p.cfg.FailureThreshold && sess.Status == SessionActive {
		sess.Status = SessionError
		p.log.Warn().
			Str("session_id", sessionID).
			Int("consecutive_failures", sess.ConsecutiveFailures).
			Msg("Session moved to error state")
	}
}

// ReportSuccess resets the failure counter. A successful health probe also
// restores an errored session to active.
func (p *SessionPool) ReportSuccess(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sess, ok := p.sessions[sessionID]
	if !ok {
		return
	}
	sess.ConsecutiveFailures = 0
	if sess.Status == SessionError {
		sess.Status = SessionActive
		p.log.Info().Str("session_id", sessionID).Msg("Session restored to active")
	}
}

// Snapshot returns the sessions sorted by ID, for monitoring.
func (p *SessionPool) Snapshot() []Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Session, 0, len(p.sessions))
	for _, sess := range p.sessions {
		out = append(out, sess.Session)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Start connects every session's event feed and pumps its events into the
// handler. Streams are independent; one session's connection failure does
// not stop the others.
func (p *SessionPool) Start(ctx context.Context, handler func(platform.SourceEvent)) {
	p.mu.Lock()
	sessions := make([]*poolSession, 0, len(p.sessions))
	for _, sess := range p.sessions {
		sessions = append(sessions, sess)
	}
	p.mu.Unlock()

	for _, sess := range sessions {
		if sess.source == nil {
			continue
		}
		p.wg.Add(1)
		go p.runSession(ctx, sess, handler)
	}
}

func (p *SessionPool) runSession(ctx context.Context, sess *poolSession, handler func(platform.SourceEvent)) {
	defer p.wg.Done()

	if err := sess.source.Connect(ctx); err != nil {
		p.log.Error().Err(err).Str("session_id", sess.ID).Msg("Session feed connect failed")
		p.setStatus(sess.ID, SessionError)
		return
	}
	p.setStatus(sess.ID, SessionActive)

	for {
		select {
		case <-p.stopped:
			return
		case evt, ok := <-sess.source.Events():
			if !ok {
				p.log.Info().Str("session_id", sess.ID).Msg("Session event stream ended")
				return
			}
			handler(evt)
		}
	}
}

func (p *SessionPool) setStatus(sessionID string, status SessionStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sess, ok := p.sessions[sessionID]; ok {
		sess.Status = status
	}
}

// Stop closes all event subscriptions and waits for pumps to drain under
// the configured timeout. In-flight handling past the deadline is abandoned
// and logged; there is no forced mid-write cancellation.
func (p *SessionPool) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopped)
	})

	p.mu.Lock()
	for _, sess := range p.sessions {
		if sess.source != nil {
			if err := sess.source.Close(); err != nil {
				p.log.Warn().Err(err).Str("session_id", sess.ID).Msg("Session feed close failed")
			}
		}
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Duration(p.cfg.DrainTimeoutSeconds) * time.Second):
		p.log.Warn().Msg("Session drain timeout, abandoning in-flight events")
	}
}
