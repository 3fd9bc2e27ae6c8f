// Copyright 2025-2026 ForwardX Labs
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package platform

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// WebhookDestination posts relayed messages to Discord-compatible webhooks.
// The channelRef is the full webhook URL. Creates use ?wait=true so the
// destination returns the created message ID, which edits and deletes then
// address via the /messages/{id} sub-resource.
type WebhookDestination struct {
	httpClient *http.Client
	log        zerolog.Logger
}

var _ Destination = (*WebhookDestination)(nil)

func NewWebhookDestination(log zerolog.Logger) *WebhookDestination {
	return &WebhookDestination{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log.With().Str("component", "webhook_dest").Logger(),
	}
}

type webhookPayload struct {
	Content  string `json:"content"`
	ImageB64 string `json:"image_b64,omitempty"`
}

type webhookResponse struct {
	ID string `json:"id"`
}

func (d *WebhookDestination) CreateMessage(ctx context.Context, channelRef string, msg OutgoingMessage) (string, error) {
	body, err := d.do(ctx, http.MethodPost, channelRef+"?wait=true", msg)
	if err != nil {
		return "", err
	}
	var resp webhookResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.ID == "" {
		return "", &RemoteError{Op: "webhook: create", Err: fmt.Errorf("response missing message id")}
	}
	return resp.ID, nil
}

func (d *WebhookDestination) EditMessage(ctx context.Context, channelRef, destinationID string, msg OutgoingMessage) error {
	_, err := d.do(ctx, http.MethodPatch, channelRef+"/messages/"+destinationID, msg)
	return err
}

func (d *WebhookDestination) DeleteMessage(ctx context.Context, channelRef, destinationID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, channelRef+"/messages/"+destinationID, nil)
	if err != nil {
		return &RemoteError{Op: "webhook: delete", Err: err}
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return &RemoteError{Op: "webhook: delete", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &RemoteError{Op: "webhook: delete", StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected status")}
	}
	return nil
}

func (d *WebhookDestination) do(ctx context.Context, method, url string, msg OutgoingMessage) ([]byte, error) {
	payload := webhookPayload{Content: msg.Text}
	if msg.Media != nil {
		payload.ImageB64 = base64.StdEncoding.EncodeToString(msg.Media.Bytes)
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, &RemoteError{Op: "webhook: " + method, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(encoded))
	if err != nil {
		return nil, &RemoteError{Op: "webhook: " + method, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, &RemoteError{Op: "webhook: " + method, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &RemoteError{Op: "webhook: " + method, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode >= 300 {
		return nil, &RemoteError{Op: "webhook: " + method, StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected status")}
	}
	return body, nil
}
