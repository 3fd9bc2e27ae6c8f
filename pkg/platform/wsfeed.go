// Copyright 2025-2026 ForwardX Labs
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package platform

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// wireEvent is the JSON frame delivered by a session worker's event feed.
type wireEvent struct {
	Kind        string `json:"kind"`
	ChannelRef  string `json:"channel"`
	MessageID   string `json:"message_id"`
	Text        string `json:"text,omitempty"`
	MediaB64    string `json:"media_b64,omitempty"`
	MediaType   string `json:"media_type,omitempty"`
	MediaName   string `json:"media_name,omitempty"`
	TimestampMS int64  `json:"timestamp_ms"`
}

// WSFeed reads source channel events for one session over a websocket. The
// connection is persistent; a dropped stream reconnects with backoff until
// Close is called. Malformed frames are dropped with a logged warning and
// never kill the stream.
type WSFeed struct {
	url       string
	sessionID string
	header    http.Header
	log       zerolog.Logger

	events chan SourceEvent

	mu       sync.Mutex
	conn     *websocket.Conn
	stopOnce sync.Once
	stop     chan struct{}
}

var _ EventSource = (*WSFeed)(nil)

// NewWSFeed creates a feed for the given session. The header carries the
// session's authentication, supplied by the provisioning collaborator.
func NewWSFeed(url, sessionID string, header http.Header, log zerolog.Logger) *WSFeed {
	return &WSFeed{
		url:       url,
		sessionID: sessionID,
		header:    header,
		log:       log.With().Str("component", "ws_feed").Str("session_id", sessionID).Logger(),
		events:    make(chan SourceEvent, 64),
		stop:      make(chan struct{}),
	}
}

// Connect dials the feed and starts the read loop.
func (f *WSFeed) Connect(ctx context.Context) error {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, f.url, f.header)
	if err != nil {
		if resp != nil {
			return &RemoteError{Op: "ws dial", StatusCode: resp.StatusCode, Err: err}
		}
		return fmt.Errorf("ws dial: %w", err)
	}
	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()

	f.log.Info().Str("url", f.url).Msg("Event feed connected")
	go f.readLoop(conn)
	return nil
}

// Events returns the stream of parsed source events.
func (f *WSFeed) Events() <-chan SourceEvent {
	return f.events
}

// Close stops the read loop and closes the event channel. In-flight reads
// are interrupted by closing the underlying connection.
func (f *WSFeed) Close() error {
	f.stopOnce.Do(func() {
		close(f.stop)
	})
	f.mu.Lock()
	conn := f.conn
	f.conn = nil
	f.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (f *WSFeed) readLoop(conn *websocket.Conn) {
	defer close(f.events)
	for {
		select {
		case <-f.stop:
			return
		default:
		}

		var wire wireEvent
		if err := conn.ReadJSON(&wire); err != nil {
			select {
			case <-f.stop:
				return
			default:
			}
			if websocket.IsUnexpectedCloseError(err) {
				f.log.Warn().Err(err).Msg("Event feed closed, reconnecting")
			} else {
				f.log.Warn().Err(err).Msg("Event feed read failed, reconnecting")
			}
			if !f.reconnect() {
				return
			}
			f.mu.Lock()
			conn = f.conn
			f.mu.Unlock()
			continue
		}

		evt, err := f.parseWireEvent(wire)
		if err != nil {
			// A single bad frame must never crash the session stream.
			f.log.Warn().Err(err).Str("kind", wire.Kind).Msg("Dropping malformed event")
			continue
		}

		select {
		case f.events <- evt:
		case <-f.stop:
			return
		}
	}
}

// reconnect redials with exponential backoff. Returns false when the feed is
// being closed.
func (f *WSFeed) reconnect() bool {
	delay := time.Second
	const maxDelay = time.Minute
	for {
		select {
		case <-f.stop:
			return false
		case <-time.After(delay):
		}

		conn, _, err := websocket.DefaultDialer.Dial(f.url, f.header)
		if err == nil {
			f.mu.Lock()
			f.conn = conn
			f.mu.Unlock()
			f.log.Info().Msg("Event feed reconnected")
			return true
		}
		f.log.Warn().Err(err).Dur("retry_in", delay).Msg("Event feed reconnect failed")
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func (f *WSFeed) parseWireEvent(wire wireEvent) (SourceEvent, error) {
	kind := EventKind(wire.Kind)
	if !kind.Valid() {
		return SourceEvent{}, fmt.Errorf("unknown event kind %q", wire.Kind)
	}
	if wire.ChannelRef == "" || wire.MessageID == "" {
		return SourceEvent{}, fmt.Errorf("event missing channel or message id")
	}

	evt := SourceEvent{
		Kind:       kind,
		SessionID:  f.sessionID,
		ChannelRef: wire.ChannelRef,
		MessageID:  wire.MessageID,
		Text:       wire.Text,
		Timestamp:  time.UnixMilli(wire.TimestampMS),
	}
	if wire.MediaB64 != "" {
		data, err := base64.StdEncoding.DecodeString(wire.MediaB64)
		if err != nil {
			return SourceEvent{}, fmt.Errorf("invalid media payload: %w", err)
		}
		evt.Media = &Media{
			Bytes:    data,
			MimeType: wire.MediaType,
			Filename: wire.MediaName,
		}
	}
	return evt, nil
}
