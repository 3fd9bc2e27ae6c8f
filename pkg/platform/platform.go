// Copyright 2025-2026 ForwardX Labs
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package platform defines the interfaces the relay pipeline uses to talk to
// messaging platforms, plus the concrete adapters shipped with the relay:
// a websocket event feed for source channels and Mattermost, Matrix, and
// webhook destinations.
//
// The pipeline is polymorphic over these interfaces and never depends on a
// specific platform's API shape.
package platform

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// EventKind identifies what happened to a source message.
type EventKind string

const (
	EventCreate EventKind = "create"
	EventEdit   EventKind = "edit"
	EventDelete EventKind = "delete"
)

// Valid reports whether the kind is one the pipeline understands.
func (k EventKind) Valid() bool {
	switch k {
	case EventCreate, EventEdit, EventDelete:
		return true
	default:
		return false
	}
}

// Media is an attachment carried by a source event.
type Media struct {
	Bytes    []byte
	MimeType string
	Filename string
}

// SourceEvent is a single platform event read from a session's event stream.
type SourceEvent struct {
	Kind       EventKind
	SessionID  string
	ChannelRef string
	MessageID  string
	Text       string
	Media      *Media
	Timestamp  time.Time
}

// OutgoingMessage is the content written to a destination after cleaning.
type OutgoingMessage struct {
	Text  string
	Media *Media
}

// EventSource is a persistent connection to a source platform identity.
// Connect establishes the stream; events are delivered on Events until the
// source is closed or the connection drops.
type EventSource interface {
	Connect(ctx context.Context) error
	Events() <-chan SourceEvent
	Close() error
}

// Destination performs writes against a destination platform. channelRef is
// the platform-specific channel/room/webhook identifier, already stripped of
// its scheme prefix.
type Destination interface {
	CreateMessage(ctx context.Context, channelRef string, msg OutgoingMessage) (destinationID string, err error)
	EditMessage(ctx context.Context, channelRef, destinationID string, msg OutgoingMessage) error
	DeleteMessage(ctx context.Context, channelRef, destinationID string) error
}

// ErrUnknownDestination is returned by Registry.Resolve for refs whose scheme
// has no registered destination.
var ErrUnknownDestination = errors.New("unknown destination scheme")

// Registry maps destination ref schemes ("mattermost:abc123",
// "matrix:!room:server", "webhook:https://...") to destination clients.
type Registry struct {
	mu    sync.RWMutex
	dests map[string]Destination
}

func NewRegistry() *Registry {
	return &Registry{dests: make(map[string]Destination)}
}

// Register binds a destination client to a ref scheme. Registering the same
// scheme twice replaces the previous client.
func (r *Registry) Register(scheme string, dest Destination) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dests[scheme] = dest
}

// Resolve splits a destination ref into its registered client and the
// platform-specific channel ref.
func (r *Registry) Resolve(ref string) (Destination, string, error) {
	scheme, channelRef, ok := strings.Cut(ref, ":")
	if !ok || scheme == "" || channelRef == "" {
		return nil, "", fmt.Errorf("%w: malformed ref %q", ErrUnknownDestination, ref)
	}
	r.mu.RLock()
	dest, found := r.dests[scheme]
	r.mu.RUnlock()
	if !found {
		return nil, "", fmt.Errorf("%w: %q", ErrUnknownDestination, scheme)
	}
	return dest, channelRef, nil
}

// Schemes returns the registered scheme names, for snapshot reporting.
func (r *Registry) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schemes := make([]string, 0, len(r.dests))
	for s := range r.dests {
		schemes = append(schemes, s)
	}
	sort.Strings(schemes)
	return schemes
}

// RemoteError wraps a destination API failure with enough information for the
// forwarder to decide between retry and pair shutdown.
type RemoteError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *RemoteError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// Permanent reports whether the failure is non-retryable: revoked
// credentials, missing destination, or an invalid request. Rate limits,
// timeouts, and server errors are considered transient.
func (e *RemoteError) Permanent() bool {
	switch e.StatusCode {
	case 400, 401, 403, 404, 410:
		return true
	default:
		return false
	}
}

// IsPermanent reports whether err carries a permanent RemoteError.
func IsPermanent(err error) bool {
	var remote *RemoteError
	return errors.As(err, &remote) && remote.Permanent()
}
