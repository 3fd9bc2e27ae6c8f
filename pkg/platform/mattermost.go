// Copyright 2025-2026 ForwardX Labs
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package platform

import (
	"context"
	"fmt"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"
	"go.mau.fi/util/ptr"
)

// MattermostDestination writes relayed messages to Mattermost channels
// through a single authenticated API client. The channelRef is the Mattermost
// channel ID.
type MattermostDestination struct {
	client *model.Client4
	log    zerolog.Logger
}

var _ Destination = (*MattermostDestination)(nil)

// NewMattermostDestination creates a destination client for the given server
// using a personal access or bot token.
func NewMattermostDestination(serverURL, token string, log zerolog.Logger) *MattermostDestination {
	client := model.NewAPIv4Client(serverURL)
	client.SetToken(token)
	return &MattermostDestination{
		client: client,
		log:    log.With().Str("component", "mattermost_dest").Logger(),
	}
}

// Verify checks the token against the server. Called once at startup.
func (d *MattermostDestination) Verify(ctx context.Context) error {
	me, resp, err := d.client.GetMe(ctx, "")
	if err != nil {
		return wrapMattermostErr("verify token", resp, err)
	}
	d.log.Info().Str("user_id", me.Id).Str("username", me.Username).Msg("Mattermost destination authenticated")
	return nil
}

func (d *MattermostDestination) CreateMessage(ctx context.Context, channelRef string, msg OutgoingMessage) (string, error) {
	post := &model.Post{
		ChannelId: channelRef,
		Message:   msg.Text,
	}

	if msg.Media != nil {
		upload, resp, err := d.client.UploadFile(ctx, msg.Media.Bytes, channelRef, mediaFilename(msg.Media))
		if err != nil {
			return "", wrapMattermostErr("upload file", resp, err)
		}
		for _, info := range upload.FileInfos {
			post.FileIds = append(post.FileIds, info.Id)
		}
	}

	created, resp, err := d.client.CreatePost(ctx, post)
	if err != nil {
		return "", wrapMattermostErr("create post", resp, err)
	}
	return created.Id, nil
}

func (d *MattermostDestination) EditMessage(ctx context.Context, _ string, destinationID string, msg OutgoingMessage) error {
	patch := &model.PostPatch{Message: ptr.Ptr(msg.Text)}
	_, resp, err := d.client.PatchPost(ctx, destinationID, patch)
	if err != nil {
		return wrapMattermostErr("patch post", resp, err)
	}
	return nil
}

func (d *MattermostDestination) DeleteMessage(ctx context.Context, _ string, destinationID string) error {
	resp, err := d.client.DeletePost(ctx, destinationID)
	if err != nil {
		return wrapMattermostErr("delete post", resp, err)
	}
	return nil
}

func mediaFilename(m *Media) string {
	if m.Filename != "" {
		return m.Filename
	}
	switch m.MimeType {
	case "image/png":
		return "image.png"
	default:
		return "image.jpg"
	}
}

func wrapMattermostErr(op string, resp *model.Response, err error) error {
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	return &RemoteError{Op: fmt.Sprintf("mattermost: %s", op), StatusCode: status, Err: err}
}
