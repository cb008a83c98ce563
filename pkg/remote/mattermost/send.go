// Copyright 2024-2026 Aiku AI

package mattermost

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/aiku/mautrix-bridgecore/pkg/network"
)

// SendMessage delivers translated content to Mattermost and returns the id
// of the created post or reaction. The transaction id is sent as the
// pending post id, which the server uses to collapse retried creates.
func (c *Client) SendMessage(ctx context.Context, out *network.Outbound) (string, error) {
	api, userID := c.clientFor(out.SenderID)
	if api == nil {
		return "", network.Permanent(network.ReasonPermissionDenied, ErrNotLoggedIn)
	}
	content := &out.Content
	switch content.Kind {
	case network.ContentEdit:
		if content.Encrypted != nil {
			return c.createPost(ctx, api, userID, out)
		}
		return c.editPost(ctx, api, content.TargetID, content.Body)
	case network.ContentRedaction, network.ContentReactionRemove:
		if reaction, ok := ParseReactionID(content.TargetID); ok {
			return c.removeReaction(ctx, api, userID, reaction)
		} else if content.Kind == network.ContentReactionRemove {
			return "", network.Permanent(network.ReasonBadRequest, fmt.Errorf("%s is not a reaction", content.TargetID))
		}
		resp, err := api.DeletePost(ctx, content.TargetID)
		if err != nil {
			return "", classify("delete post", resp, err)
		}
		return deleteEventID(&model.Post{Id: content.TargetID}), nil
	case network.ContentReaction:
		saved, resp, err := api.SaveReaction(ctx, &model.Reaction{
			UserId:    userID,
			PostId:    content.TargetID,
			EmojiName: content.Emoji,
		})
		if err != nil {
			return "", classify("save reaction", resp, err)
		}
		return ReactionID(saved), nil
	case network.ContentMembership, network.ContentToDevice:
		return "", network.Permanent(network.ReasonUnsupported, fmt.Errorf("can't send %s events to Mattermost", content.Kind))
	default:
		return c.createPost(ctx, api, userID, out)
	}
}

func (c *Client) createPost(ctx context.Context, api *model.Client4, userID string, out *network.Outbound) (string, error) {
	content := &out.Content
	post := &model.Post{
		ChannelId:     out.ConversationID,
		UserId:        userID,
		Message:       content.Body,
		PendingPostId: out.TxnID,
		RootId:        content.ReplyTo,
	}
	switch {
	case content.Encrypted != nil:
		raw, err := json.Marshal(content.Encrypted)
		if err != nil {
			return "", network.Permanent(network.ReasonBadRequest, fmt.Errorf("failed to encode encrypted payload: %w", err))
		}
		post.Message = encryptedPlaceholder
		post.AddProp(propEncrypted, string(raw))
	case content.Kind == network.ContentMedia && content.Media != nil && content.Media.RemoteID != "":
		post.FileIds = model.StringArray{content.Media.RemoteID}
	case content.Kind == network.ContentNotice:
		post.AddProp("from_bot", "true")
	}
	if post.RootId != "" {
		post.RootId = c.threadRoot(ctx, api, post.RootId)
	}
	created, resp, err := api.CreatePost(ctx, post)
	if err != nil {
		return "", classify("create post", resp, err)
	}
	c.log.Debug().
		Str("post_id", created.Id).
		Str("channel_id", created.ChannelId).
		Str("txn_id", out.TxnID).
		Msg("Sent post")
	return created.Id, nil
}

// threadRoot returns the root of the thread a post belongs to, since
// Mattermost replies must point at the thread root.
func (c *Client) threadRoot(ctx context.Context, api *model.Client4, postID string) string {
	parent, _, err := api.GetPost(ctx, postID, "")
	if err != nil || parent.RootId == "" {
		return postID
	}
	return parent.RootId
}

func (c *Client) editPost(ctx context.Context, api *model.Client4, postID, message string) (string, error) {
	patched, resp, err := api.PatchPost(ctx, postID, &model.PostPatch{Message: &message})
	if err != nil {
		return "", classify("patch post", resp, err)
	}
	return editEventID(patched), nil
}

func (c *Client) removeReaction(ctx context.Context, api *model.Client4, userID string, reaction *model.Reaction) (string, error) {
	if reaction.UserId != userID {
		return "", network.Permanent(network.ReasonPermissionDenied, fmt.Errorf("reaction %s belongs to another user", reaction.EmojiName))
	}
	resp, err := api.DeleteReaction(ctx, reaction)
	if err != nil {
		return "", classify("delete reaction", resp, err)
	}
	return ReactionID(reaction) + ":remove", nil
}
