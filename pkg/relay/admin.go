// Copyright 2025-2026 ForwardX Labs
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// RuleSaver persists block rule changes behind the admin API.
type RuleSaver interface {
	SaveRule(ctx context.Context, rule BlockRule) error
	DeleteRule(ctx context.Context, id string) error
}

// AdminAPI is the operator HTTP surface: status, activity feed, block rule
// management, pair pause/resume and session recovery.
type AdminAPI struct {
	cfg      AdminConfig
	log      zerolog.Logger
	router   *Router
	pool     *SessionPool
	rules    *BlockRuleStore
	activity *ActivityLog
	saver    RuleSaver

	server *http.Server
}

func NewAdminAPI(cfg AdminConfig, router *Router, pool *SessionPool, rules *BlockRuleStore, activity *ActivityLog, saver RuleSaver, log zerolog.Logger) *AdminAPI {
	return &AdminAPI{
		cfg:      cfg,
		log:      log.With().Str("component", "admin_api").Logger(),
		router:   router,
		pool:     pool,
		rules:    rules,
		activity: activity,
		saver:    saver,
	}
}

// Handler builds the route table. Exposed separately so tests can drive it
// through httptest without binding a port.
func (a *AdminAPI) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/api/status", a.handleStatus).Methods("GET")
	r.HandleFunc("/api/activity", a.handleActivity).Methods("GET")
	r.HandleFunc("/api/rules", a.handleListRules).Methods("GET")
	r.HandleFunc("/api/rules", a.handleAddRule).Methods("POST")
	r.HandleFunc("/api/rules/{id}", a.handleDeleteRule).Methods("DELETE")
	r.HandleFunc("/api/pairs/{id}/pause", a.handlePausePair).Methods("POST")
	r.HandleFunc("/api/pairs/{id}/resume", a.handleResumePair).Methods("POST")
	r.HandleFunc("/api/sessions/{id}/reactivate", a.handleReactivateSession).Methods("POST")
	if a.cfg.Token != "" {
		r.Use(a.authMiddleware)
	}
	return r
}

// Start launches the HTTP server. A blank listen address disables the API.
func (a *AdminAPI) Start() {
	if a.cfg.ListenAddr == "" {
		return
	}
	a.server = &http.Server{
		Addr:         a.cfg.ListenAddr,
		Handler:      a.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		a.log.Info().Str("addr", a.cfg.ListenAddr).Msg("Starting admin API")
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.log.Error().Err(err).Msg("Admin API error")
		}
	}()
}

// Stop shuts the server down gracefully.
func (a *AdminAPI) Stop(ctx context.Context) {
	if a.server == nil {
		return
	}
	if err := a.server.Shutdown(ctx); err != nil {
		a.log.Warn().Err(err).Msg("Admin API shutdown error")
	}
}

func (a *AdminAPI) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+a.cfg.Token {
			writeJSONError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusResponse struct {
	Pairs    []Pair    `json:"pairs"`
	Sessions []Session `json:"sessions"`
}

func (a *AdminAPI) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Pairs:    a.router.Pairs(),
		Sessions: a.pool.Snapshot(),
	})
}

func (a *AdminAPI) handleActivity(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	writeJSON(w, http.StatusOK, a.activity.Recent(limit))
}

func (a *AdminAPI) handleListRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.rules.Rules())
}

func (a *AdminAPI) handleAddRule(w http.ResponseWriter, r *http.Request) {
	var rule BlockRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	added, err := a.rules.Add(rule)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if a.saver != nil {
		if err := a.saver.SaveRule(r.Context(), added); err != nil {
			a.log.Error().Err(err).Str("rule_id", added.ID).Msg("Failed to persist block rule")
		}
	}
	writeJSON(w, http.StatusCreated, added)
}

func (a *AdminAPI) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := a.rules.Remove(id); err != nil {
		if errors.Is(err, ErrRuleNotFound) {
			writeJSONError(w, http.StatusNotFound, err.Error())
		} else {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	if a.saver != nil {
		if err := a.saver.DeleteRule(r.Context(), id); err != nil {
			a.log.Error().Err(err).Str("rule_id", id).Msg("Failed to delete persisted block rule")
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *AdminAPI) handlePausePair(w http.ResponseWriter, r *http.Request) {
	a.pairStatusChange(w, r, a.router.PausePair)
}

func (a *AdminAPI) handleResumePair(w http.ResponseWriter, r *http.Request) {
	a.pairStatusChange(w, r, a.router.ResumePair)
}

func (a *AdminAPI) pairStatusChange(w http.ResponseWriter, r *http.Request, change func(context.Context, string) error) {
	id := mux.Vars(r)["id"]
	if err := change(r.Context(), id); err != nil {
		if errors.Is(err, ErrPairNotFound) {
			writeJSONError(w, http.StatusNotFound, err.Error())
		} else {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *AdminAPI) handleReactivateSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	a.pool.ReportSuccess(id)
	found := false
	for _, sess := range a.pool.Snapshot() {
		if sess.ID == id {
			found = true
			break
		}
	}
	if !found {
		writeJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
