// Copyright 2024-2026 Aiku AI

package mattermost

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/aiku/mautrix-bridgecore/pkg/msgconv"
	"github.com/aiku/mautrix-bridgecore/pkg/network"
)

const (
	// PostTypeToDevice marks posts that carry a pairwise device message.
	PostTypeToDevice = "custom_bridgecore_to_device"
	propEncrypted    = "bridgecore_encrypted"
	propToDevice     = "bridgecore_to_device"

	encryptedPlaceholder = "[Encrypted message]"
	reactionIDPrefix     = "reaction:"
)

// ReactionID builds the stable id of a reaction. The creation time keeps a
// reaction that was removed and added again distinct from the first one.
func ReactionID(r *model.Reaction) string {
	return fmt.Sprintf("%s%s:%s:%s:%d", reactionIDPrefix, r.UserId, r.PostId, r.EmojiName, r.CreateAt)
}

// ParseReactionID is the inverse of ReactionID.
func ParseReactionID(reactionID string) (*model.Reaction, bool) {
	rest, ok := strings.CutPrefix(reactionID, reactionIDPrefix)
	if !ok {
		return nil, false
	}
	parts := strings.SplitN(rest, ":", 4)
	if len(parts) != 4 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return nil, false
	}
	createAt, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return nil, false
	}
	return &model.Reaction{UserId: parts[0], PostId: parts[1], EmojiName: parts[2], CreateAt: createAt}, true
}

func editEventID(post *model.Post) string {
	return fmt.Sprintf("%s:edit:%d", post.Id, post.EditAt)
}

func deleteEventID(post *model.Post) string {
	return post.Id + ":delete"
}

// postIDOf extracts the post id from any remote event id.
func postIDOf(eventID string) string {
	if r, ok := ParseReactionID(strings.TrimSuffix(eventID, ":remove")); ok {
		return r.PostId
	}
	postID, _, _ := strings.Cut(eventID, ":")
	return postID
}

// skipUser applies the echo prevention layers shared by every event type.
func (c *Client) skipUser(userID, senderName string) bool {
	if userID == c.UserID() || c.IsPuppetUserID(userID) {
		return true
	}
	senderName = strings.TrimPrefix(senderName, "@")
	return senderName != "" && isBridgeUsername(senderName, c.cfg.GhostPrefix, c.cfg.BotPrefix)
}

func relayedPostType(postType string) bool {
	switch postType {
	case model.PostTypeDefault, model.PostTypeMe, PostTypeToDevice:
		return true
	default:
		return false
	}
}

// convertEvent turns a websocket event into a network event. It returns
// nil for events that aren't relayed.
func (c *Client) convertEvent(evt *model.WebSocketEvent) *network.Event {
	ctx := c.log.WithContext(context.Background())
	var converted *network.Event
	var err error
	switch evt.EventType() {
	case model.WebsocketEventPosted:
		converted, err = c.convertPostedEvent(ctx, evt)
	case model.WebsocketEventPostEdited:
		converted, err = c.convertPostEditedEvent(evt)
	case model.WebsocketEventPostDeleted:
		converted, err = c.convertPostDeletedEvent(evt)
	case model.WebsocketEventReactionAdded, model.WebsocketEventReactionRemoved:
		converted, err = c.convertReactionEvent(evt)
	case model.WebsocketEventUserAdded, model.WebsocketEventUserRemoved:
		converted = c.convertMembershipEvent(evt)
	default:
		c.log.Trace().Str("event_type", string(evt.EventType())).Msg("Unhandled event type")
	}
	if err != nil {
		c.log.Warn().Err(err).Str("event_type", string(evt.EventType())).Msg("Failed to parse websocket event")
		return nil
	}
	return converted
}

func (c *Client) parsePost(evt *model.WebSocketEvent) (*model.Post, error) {
	postJSON, ok := evt.GetData()["post"].(string)
	if !ok {
		return nil, fmt.Errorf("%s event missing post data", evt.EventType())
	}
	var post model.Post
	if err := json.Unmarshal([]byte(postJSON), &post); err != nil {
		return nil, fmt.Errorf("failed to unmarshal post: %w", err)
	}
	senderName, _ := evt.GetData()["sender_name"].(string)
	if !relayedPostType(post.Type) || c.skipUser(post.UserId, senderName) {
		return nil, nil
	}
	return &post, nil
}

func (c *Client) convertPostedEvent(ctx context.Context, evt *model.WebSocketEvent) (*network.Event, error) {
	post, err := c.parsePost(evt)
	if err != nil || post == nil {
		return nil, err
	}
	c.log.Debug().
		Str("post_id", post.Id).
		Str("channel_id", post.ChannelId).
		Str("user_id", post.UserId).
		Msg("Received new message")
	return c.postToEvent(ctx, post)
}

func (c *Client) convertPostEditedEvent(evt *model.WebSocketEvent) (*network.Event, error) {
	post, err := c.parsePost(evt)
	if err != nil || post == nil {
		return nil, err
	} else if post.GetProp(propEncrypted) != nil {
		// Edits of encrypted posts arrive as new encrypted posts.
		return nil, nil
	}
	return &network.Event{
		Side:           network.SideRemote,
		ID:             editEventID(post),
		ConversationID: post.ChannelId,
		Sender:         post.UserId,
		Timestamp:      time.UnixMilli(post.EditAt),
		Content: network.Content{
			Kind:     network.ContentEdit,
			Body:     post.Message,
			TargetID: post.Id,
		},
	}, nil
}

func (c *Client) convertPostDeletedEvent(evt *model.WebSocketEvent) (*network.Event, error) {
	post, err := c.parsePost(evt)
	if err != nil || post == nil {
		return nil, err
	}
	ts := time.UnixMilli(post.DeleteAt)
	if post.DeleteAt == 0 {
		ts = time.Now()
	}
	return &network.Event{
		Side:           network.SideRemote,
		ID:             deleteEventID(post),
		ConversationID: post.ChannelId,
		Sender:         post.UserId,
		Timestamp:      ts,
		Content: network.Content{
			Kind:     network.ContentRedaction,
			TargetID: post.Id,
		},
	}, nil
}

func (c *Client) convertReactionEvent(evt *model.WebSocketEvent) (*network.Event, error) {
	reactionJSON, ok := evt.GetData()["reaction"].(string)
	if !ok {
		return nil, nil
	}
	var reaction model.Reaction
	if err := json.Unmarshal([]byte(reactionJSON), &reaction); err != nil {
		return nil, fmt.Errorf("failed to unmarshal reaction: %w", err)
	}
	senderName, _ := evt.GetData()["sender_name"].(string)
	if c.skipUser(reaction.UserId, senderName) {
		return nil, nil
	}
	converted := &network.Event{
		Side:           network.SideRemote,
		ID:             ReactionID(&reaction),
		ConversationID: evt.GetBroadcast().ChannelId,
		Sender:         reaction.UserId,
		Timestamp:      time.UnixMilli(reaction.CreateAt),
		Content: network.Content{
			Kind:     network.ContentReaction,
			TargetID: reaction.PostId,
			Emoji:    reaction.EmojiName,
		},
	}
	if evt.EventType() == model.WebsocketEventReactionRemoved {
		converted.ID += ":remove"
		converted.Timestamp = time.Now()
		converted.Content.Kind = network.ContentReactionRemove
		converted.Content.TargetID = ReactionID(&reaction)
	}
	return converted, nil
}

func (c *Client) convertMembershipEvent(evt *model.WebSocketEvent) *network.Event {
	userID, _ := evt.GetData()["user_id"].(string)
	channelID := evt.GetBroadcast().ChannelId
	if channelID == "" {
		channelID, _ = evt.GetData()["channel_id"].(string)
	}
	if userID == "" {
		userID = evt.GetBroadcast().UserId
	}
	if userID == "" || channelID == "" || c.skipUser(userID, "") {
		return nil
	}
	membership := network.MembershipJoin
	if evt.EventType() == model.WebsocketEventUserRemoved {
		membership = network.MembershipLeave
	}
	now := time.Now()
	return &network.Event{
		Side:           network.SideRemote,
		ID:             fmt.Sprintf("member:%s:%s:%s:%d", channelID, userID, membership, now.UnixMilli()),
		ConversationID: channelID,
		Sender:         userID,
		Timestamp:      now,
		Content: network.Content{
			Kind:       network.ContentMembership,
			Membership: membership,
			Member:     userID,
		},
	}
}

// postToEvent converts a post into a message event.
func (c *Client) postToEvent(ctx context.Context, post *model.Post) (*network.Event, error) {
	evt := &network.Event{
		Side:           network.SideRemote,
		ID:             post.Id,
		ConversationID: post.ChannelId,
		Sender:         post.UserId,
		Timestamp:      time.UnixMilli(post.CreateAt),
		Content: network.Content{
			Kind:    network.ContentText,
			Body:    post.Message,
			ReplyTo: post.RootId,
			RawType: post.Type,
		},
	}
	switch {
	case post.Type == PostTypeToDevice:
		msg, err := unmarshalProp[network.ToDeviceMessage](post, propToDevice)
		if err != nil {
			return nil, err
		} else if msg.RecipientUser != c.UserID() {
			return nil, nil
		}
		evt.Content = network.Content{Kind: network.ContentToDevice, ToDevice: msg}
		return evt, nil
	case post.GetProp(propEncrypted) != nil:
		payload, err := unmarshalProp[network.EncryptedPayload](post, propEncrypted)
		if err != nil {
			return nil, err
		}
		evt.Content.Body = ""
		evt.Content.Encrypted = payload
		return evt, nil
	case post.Type == model.PostTypeMe:
		evt.Content.Kind = network.ContentEmote
	}
	if len(post.FileIds) > 0 {
		c.attachFiles(ctx, post, &evt.Content)
	}
	return evt, nil
}

// unmarshalProp decodes a JSON prop. Props arrive either as the original
// string or as an already decoded map depending on the API path.
func unmarshalProp[T any](post *model.Post, key string) (*T, error) {
	var raw []byte
	switch val := post.GetProp(key).(type) {
	case string:
		raw = []byte(val)
	case nil:
		return nil, fmt.Errorf("post %s has no %s prop", post.Id, key)
	default:
		var err error
		if raw, err = json.Marshal(val); err != nil {
			return nil, fmt.Errorf("failed to re-encode %s prop: %w", key, err)
		}
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode %s prop of post %s: %w", key, post.Id, err)
	}
	return &out, nil
}

func (c *Client) attachFiles(ctx context.Context, post *model.Post, content *network.Content) {
	infos := make([]*model.FileInfo, 0, len(post.FileIds))
	if post.Metadata != nil && len(post.Metadata.Files) > 0 {
		infos = append(infos, post.Metadata.Files...)
	} else {
		api := c.client()
		for _, fileID := range post.FileIds {
			info, _, err := api.GetFileInfo(ctx, fileID)
			if err != nil {
				c.log.Err(err).Str("file_id", fileID).Msg("Failed to get file info")
				continue
			}
			infos = append(infos, info)
		}
	}
	if len(infos) == 0 {
		return
	}
	first := c.fileToMedia(infos[0])
	content.Kind = network.ContentMedia
	content.Media = first
	extra := make([]string, 0, len(infos)-1)
	for _, info := range infos[1:] {
		extra = append(extra, msgconv.MediaFallback(c.fileToMedia(info)))
	}
	if len(extra) > 0 {
		content.Body = strings.TrimSpace(content.Body + "\n" + strings.Join(extra, "\n"))
	}
	if content.Body == "" {
		content.Body = first.Name
	}
}

func (c *Client) fileToMedia(info *model.FileInfo) *network.Media {
	kind := network.MediaFile
	switch {
	case strings.HasPrefix(info.MimeType, "image/"):
		kind = network.MediaImage
	case strings.HasPrefix(info.MimeType, "video/"):
		kind = network.MediaVideo
	case strings.HasPrefix(info.MimeType, "audio/"):
		kind = network.MediaAudio
	}
	return &network.Media{
		Kind:     kind,
		URL:      c.cfg.ServerURL + "/api/v4/files/" + info.Id,
		Name:     info.Name,
		MimeType: info.MimeType,
		Size:     info.Size,
		RemoteID: info.Id,
	}
}
