// Copyright 2025-2026 ForwardX Labs
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/forwardx/relay/pkg/platform"
)

type adminHarness struct {
	api    *AdminAPI
	server *httptest.Server
	rules  *BlockRuleStore
	router *Router
	pool   *SessionPool
}

func newAdminHarness(t *testing.T, cfg AdminConfig) *adminHarness {
	t.Helper()
	log := zerolog.Nop()

	pool := NewSessionPool(DefaultPoolConfig(), log)
	pool.AddSession("session-a", "alpha", nil)
	pool.setStatus("session-a", SessionActive)

	rules := NewBlockRuleStore(log)
	traps := NewTrapDetector(DefaultTrapConfig(), rules, log)
	forwarder := NewForwarder(DefaultRetryConfig(), log)
	registry := platform.NewRegistry()
	registry.Register("fake", newRecordingDest())
	activity := NewActivityLog(nil, log)

	router := NewRouter(pool, traps, NewMemoryMapper(), forwarder, registry, activity, log)
	t.Cleanup(router.Stop)
	if err := router.AddPair(Pair{ID: "pair-1", SourceRef: "src", DestinationRef: "fake:dst", Status: PairActive}); err != nil {
		t.Fatalf("AddPair: %v", err)
	}

	api := NewAdminAPI(cfg, router, pool, rules, activity, nil, log)
	server := httptest.NewServer(api.Handler())
	t.Cleanup(server.Close)
	return &adminHarness{api: api, server: server, rules: rules, router: router, pool: pool}
}

func (h *adminHarness) do(t *testing.T, method, path string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, h.server.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestAdminStatus(t *testing.T) {
	t.Parallel()
	h := newAdminHarness(t, AdminConfig{})

	resp := h.do(t, "GET", "/api/status", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d", resp.StatusCode)
	}
	var body statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Pairs) != 1 || body.Pairs[0].ID != "pair-1" {
		t.Errorf("pairs: %+v", body.Pairs)
	}
	if len(body.Sessions) != 1 || body.Sessions[0].ID != "session-a" {
		t.Errorf("sessions: %+v", body.Sessions)
	}
}

func TestAdminRuleLifecycle(t *testing.T) {
	t.Parallel()
	h := newAdminHarness(t, AdminConfig{})

	payload := []byte(`{"scope":"global","kind":"text-pattern","value":"spam","is_active":true}`)
	resp := h.do(t, "POST", "/api/rules", payload)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create rule: got %d", resp.StatusCode)
	}
	var created BlockRule
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.ID == "" {
		t.Fatal("created rule should have an ID")
	}
	if h.rules.Match("pair-1", "SPAM here", "") == nil {
		t.Error("rule should be live immediately")
	}

	resp = h.do(t, "GET", "/api/rules", nil)
	var listed []BlockRule
	json.NewDecoder(resp.Body).Decode(&listed)
	if len(listed) != 1 {
		t.Errorf("listed rules: %d", len(listed))
	}

	resp = h.do(t, "DELETE", "/api/rules/"+created.ID, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete rule: got %d", resp.StatusCode)
	}
	resp = h.do(t, "DELETE", "/api/rules/"+created.ID, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("delete missing rule: got %d", resp.StatusCode)
	}
}

func TestAdminRuleValidation(t *testing.T) {
	t.Parallel()
	h := newAdminHarness(t, AdminConfig{})

	resp := h.do(t, "POST", "/api/rules", []byte(`{"scope":"global","kind":"text-pattern","value":"[unclosed","is_active":true}`))
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid pattern: got %d", resp.StatusCode)
	}
	resp = h.do(t, "POST", "/api/rules", []byte(`{not json`))
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad body: got %d", resp.StatusCode)
	}
}

func TestAdminPairPauseResume(t *testing.T) {
	t.Parallel()
	h := newAdminHarness(t, AdminConfig{})

	resp := h.do(t, "POST", "/api/pairs/pair-1/pause", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("pause: got %d", resp.StatusCode)
	}
	if got := h.router.Pairs()[0].Status; got != PairPaused {
		t.Errorf("status: got %s", got)
	}

	resp = h.do(t, "POST", "/api/pairs/pair-1/resume", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("resume: got %d", resp.StatusCode)
	}
	if got := h.router.Pairs()[0].Status; got != PairActive {
		t.Errorf("status: got %s", got)
	}

	resp = h.do(t, "POST", "/api/pairs/missing/pause", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing pair: got %d", resp.StatusCode)
	}
}

func TestAdminSessionReactivate(t *testing.T) {
	t.Parallel()
	h := newAdminHarness(t, AdminConfig{})

	for i := 0; i < DefaultPoolConfig().FailureThreshold; i++ {
		h.pool.ReportFailure("session-a")
	}
	resp := h.do(t, "POST", "/api/sessions/session-a/reactivate", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("reactivate: got %d", resp.StatusCode)
	}
	if got := h.pool.Snapshot()[0].Status; got != SessionActive {
		t.Errorf("status: got %s", got)
	}

	resp = h.do(t, "POST", "/api/sessions/missing/reactivate", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing session: got %d", resp.StatusCode)
	}
}

func TestAdminActivityLimit(t *testing.T) {
	t.Parallel()
	h := newAdminHarness(t, AdminConfig{})
	for i := 0; i < 5; i++ {
		h.api.activity.Record(context.Background(), Activity{Type: "x", Message: "m", Severity: SeverityInfo})
	}

	resp := h.do(t, "GET", "/api/activity?limit=2", nil)
	var acts []Activity
	if err := json.NewDecoder(resp.Body).Decode(&acts); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(acts) != 2 {
		t.Errorf("activities: got %d, want 2", len(acts))
	}

	resp = h.do(t, "GET", "/api/activity?limit=zero", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad limit: got %d", resp.StatusCode)
	}
}

func TestAdminAuth(t *testing.T) {
	t.Parallel()
	h := newAdminHarness(t, AdminConfig{Token: "sekrit"})

	resp := h.do(t, "GET", "/api/status", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest("GET", h.server.URL+"/api/status", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	authed, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer authed.Body.Close()
	if authed.StatusCode != http.StatusOK {
		t.Errorf("with token: got %d", authed.StatusCode)
	}
}
