// Copyright 2024-2026 Aiku AI

package matrix

import (
	"context"
	"fmt"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-bridgecore/pkg/network"
)

// CreateRoom creates the home room of a portal as the bridge bot and joins
// the member ghosts to it.
func (c *Client) CreateRoom(ctx context.Context, req *network.CreateRoomRequest) (string, error) {
	bot := c.intents.Bot()
	invite := make([]id.UserID, 0, len(req.Members)+len(req.Invite))
	for _, member := range req.Members {
		invite = append(invite, id.UserID(member))
	}
	for _, user := range req.Invite {
		invite = append(invite, id.UserID(user))
	}
	create := &mautrix.ReqCreateRoom{
		Visibility: "private",
		Name:       req.Name,
		Topic:      req.Topic,
		Invite:     invite,
		Preset:     "private_chat",
		IsDirect:   req.Kind == network.KindDirect,
		InitialState: []*event.Event{
			c.bridgeInfo(event.StateBridge, req),
			c.bridgeInfo(event.StateHalfShotBridge, req),
		},
	}
	if req.Kind == network.KindDirect {
		create.Preset = "trusted_private_chat"
	}
	resp, err := bot.CreateRoom(ctx, create)
	if err != nil {
		return "", classify("create room", err)
	}
	c.log.Info().
		Str("room_id", resp.RoomID.String()).
		Str("portal_id", req.RemoteID).
		Int("members", len(req.Members)).
		Msg("Created room")
	for _, member := range req.Members {
		if err = c.intents.User(id.UserID(member)).EnsureJoined(ctx, resp.RoomID); err != nil {
			c.log.Warn().Err(err).Str("user_id", member).Str("room_id", resp.RoomID.String()).Msg("Failed to join ghost to new room")
		}
	}
	return resp.RoomID.String(), nil
}

func (c *Client) bridgeInfo(evtType event.Type, req *network.CreateRoomRequest) *event.Event {
	stateKey := fmt.Sprintf("%s://%s", c.cfg.ProtocolID, req.RemoteID)
	return &event.Event{
		Type:     evtType,
		StateKey: &stateKey,
		Content: event.Content{Parsed: &event.BridgeEventContent{
			BridgeBot: c.cfg.BotUserID,
			Creator:   c.cfg.BotUserID,
			Protocol: event.BridgeInfoSection{
				ID:          c.cfg.ProtocolID,
				DisplayName: c.cfg.ProtocolName,
			},
			Channel: event.BridgeInfoSection{
				ID:          req.RemoteID,
				DisplayName: req.Name,
			},
		}},
	}
}

// EnsurePuppet registers a ghost and sets its profile. Avatars are only
// set when they are already hosted on the homeserver.
func (c *Client) EnsurePuppet(ctx context.Context, mxid string, profile *network.PuppetProfile) error {
	intent := c.intents.User(id.UserID(mxid))
	if err := intent.EnsureRegistered(ctx); err != nil {
		return classify("register ghost", err)
	}
	if profile == nil {
		return nil
	}
	if profile.DisplayName != "" {
		if err := intent.SetDisplayName(ctx, profile.DisplayName); err != nil {
			return classify("set ghost displayname", err)
		}
	}
	if isMXC(profile.AvatarURL) {
		uri, err := id.ParseContentURI(profile.AvatarURL)
		if err != nil {
			return network.Permanent(network.ReasonBadRequest, fmt.Errorf("invalid avatar url: %w", err))
		}
		if err = intent.SetAvatarURL(ctx, uri); err != nil {
			return classify("set ghost avatar", err)
		}
	}
	return nil
}
