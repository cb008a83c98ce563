// Copyright 2024-2026 Aiku AI

package mattermost

import (
	"cmp"
	"context"
	"slices"
	"strconv"
	"strings"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/aiku/mautrix-bridgecore/pkg/network"
)

const maxPerPage = 200

// FetchHistory returns up to limit posts after the given event, oldest
// first. Posts made by the bridge itself are left out.
func (c *Client) FetchHistory(ctx context.Context, conversationID, after string, limit int) ([]*network.Event, error) {
	api := c.client()
	if api == nil {
		return nil, ErrNotLoggedIn
	}
	if limit <= 0 {
		limit = 100
	}
	perPage := min(limit, maxPerPage)

	var postList *model.PostList
	var resp *model.Response
	var err error
	if after != "" {
		postList, resp, err = api.GetPostsAfter(ctx, conversationID, postIDOf(after), 0, perPage, "", false, false)
	} else {
		postList, resp, err = api.GetPostsForChannel(ctx, conversationID, 0, perPage, "", false, false)
	}
	if err != nil {
		return nil, classify("fetch posts", resp, err)
	}

	posts := postList.ToSlice()
	slices.SortFunc(posts, func(a, b *model.Post) int {
		return cmp.Compare(a.CreateAt, b.CreateAt)
	})
	if len(posts) > limit {
		posts = posts[:limit]
	}
	events := make([]*network.Event, 0, len(posts))
	for _, post := range posts {
		if post.Type == PostTypeToDevice || !relayedPostType(post.Type) || c.skipUser(post.UserId, "") {
			continue
		}
		evt, err := c.postToEvent(ctx, post)
		if err != nil {
			c.log.Warn().Err(err).Str("post_id", post.Id).Msg("Skipping unparseable post in history")
			continue
		} else if evt != nil {
			events = append(events, evt)
		}
	}
	return events, nil
}

// GetConversation returns the channel's name, kind and remote members. The
// bridge account and puppets aren't counted as members.
func (c *Client) GetConversation(ctx context.Context, conversationID string) (*network.ConversationInfo, error) {
	api := c.client()
	if api == nil {
		return nil, ErrNotLoggedIn
	}
	channel, resp, err := api.GetChannel(ctx, conversationID, "")
	if err != nil {
		return nil, classify("get channel", resp, err)
	}
	info := &network.ConversationInfo{
		ID:    channel.Id,
		Name:  cmp.Or(channel.DisplayName, channel.Name),
		Topic: channel.Header,
		Kind:  channelKind(channel.Type),
	}
	for page := 0; ; page++ {
		members, resp, err := api.GetChannelMembers(ctx, conversationID, page, maxPerPage, "")
		if err != nil {
			return nil, classify("get channel members", resp, err)
		}
		for _, member := range members {
			if member.UserId == c.UserID() || c.IsPuppetUserID(member.UserId) {
				continue
			}
			info.Members = append(info.Members, member.UserId)
		}
		if len(members) < maxPerPage {
			break
		}
	}
	if info.Kind == network.KindDirect && len(info.Members) == 1 {
		if user, err := c.GetUser(ctx, info.Members[0]); err == nil {
			info.Name = user.DisplayName
		}
	}
	return info, nil
}

func channelKind(channelType model.ChannelType) network.ConversationKind {
	switch channelType {
	case model.ChannelTypeDirect:
		return network.KindDirect
	case model.ChannelTypeGroup:
		return network.KindGroup
	default:
		return network.KindChannel
	}
}

// GetUser returns a user's profile, cached for the configured TTL.
func (c *Client) GetUser(ctx context.Context, userID string) (*network.UserProfile, error) {
	if item := c.users.Get(userID); item != nil {
		return item.Value(), nil
	}
	api := c.client()
	if api == nil {
		return nil, ErrNotLoggedIn
	}
	user, resp, err := api.GetUser(ctx, userID, "")
	if err != nil {
		return nil, classify("get user", resp, err)
	}
	profile := &network.UserProfile{
		ID:          user.Id,
		Username:    user.Username,
		DisplayName: displayName(user),
		AvatarURL:   c.cfg.ServerURL + "/api/v4/users/" + user.Id + "/image",
		AvatarHash:  strconv.FormatInt(user.LastPictureUpdate, 10),
	}
	c.users.Set(userID, profile, 0)
	return profile, nil
}

func displayName(user *model.User) string {
	if user.Nickname != "" {
		return user.Nickname
	}
	if full := strings.TrimSpace(user.FirstName + " " + user.LastName); full != "" {
		return full
	}
	return user.Username
}
