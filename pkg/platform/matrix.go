// Copyright 2025-2026 ForwardX Labs
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package platform

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// MatrixDestination writes relayed messages to Matrix rooms. The channelRef
// is the room ID; destination message IDs are Matrix event IDs.
type MatrixDestination struct {
	client *mautrix.Client
	log    zerolog.Logger
}

var _ Destination = (*MatrixDestination)(nil)

// NewMatrixDestination creates a destination client for the given homeserver
// with an existing access token.
func NewMatrixDestination(homeserverURL, userID, accessToken string, log zerolog.Logger) (*MatrixDestination, error) {
	client, err := mautrix.NewClient(homeserverURL, id.UserID(userID), accessToken)
	if err != nil {
		return nil, err
	}
	return &MatrixDestination{
		client: client,
		log:    log.With().Str("component", "matrix_dest").Logger(),
	}, nil
}

func (d *MatrixDestination) CreateMessage(ctx context.Context, channelRef string, msg OutgoingMessage) (string, error) {
	content := event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    msg.Text,
	}

	if msg.Media != nil {
		upload, err := d.client.UploadBytes(ctx, msg.Media.Bytes, msg.Media.MimeType)
		if err != nil {
			return "", wrapMatrixErr("upload media", err)
		}
		content.MsgType = event.MsgImage
		content.Body = mediaFilename(msg.Media)
		content.URL = upload.ContentURI.CUString()
		content.Info = &event.FileInfo{
			MimeType: msg.Media.MimeType,
			Size:     len(msg.Media.Bytes),
		}
		if msg.Text != "" {
			// Keep the cleaned text as the caption-style filename body.
			content.Body = msg.Text
		}
	}

	resp, err := d.client.SendMessageEvent(ctx, id.RoomID(channelRef), event.EventMessage, &content)
	if err != nil {
		return "", wrapMatrixErr("send message", err)
	}
	return string(resp.EventID), nil
}

func (d *MatrixDestination) EditMessage(ctx context.Context, channelRef, destinationID string, msg OutgoingMessage) error {
	content := event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    msg.Text,
	}
	content.SetEdit(id.EventID(destinationID))
	_, err := d.client.SendMessageEvent(ctx, id.RoomID(channelRef), event.EventMessage, &content)
	if err != nil {
		return wrapMatrixErr("send edit", err)
	}
	return nil
}

func (d *MatrixDestination) DeleteMessage(ctx context.Context, channelRef, destinationID string) error {
	_, err := d.client.RedactEvent(ctx, id.RoomID(channelRef), id.EventID(destinationID))
	if err != nil {
		return wrapMatrixErr("redact event", err)
	}
	return nil
}

func wrapMatrixErr(op string, err error) error {
	status := 0
	var httpErr mautrix.HTTPError
	if errors.As(err, &httpErr) && httpErr.Response != nil {
		status = httpErr.Response.StatusCode
	}
	return &RemoteError{Op: "matrix: " + op, StatusCode: status, Err: err}
}
