// Copyright 2024-2026 Aiku AI

package mattermost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/aiku/mautrix-bridgecore/pkg/network"
)

// PreferenceCategoryKeys is the preference category device key bundles
// are published under, one preference per device.
const PreferenceCategoryKeys = "bridgecore_keys"

// ErrNoOneTimeKeys is returned when a device has no unclaimed one-time key.
var ErrNoOneTimeKeys = errors.New("device has no unclaimed one-time keys")

// PublishDeviceKeys stores the bundle in the bridge account's preferences.
func (c *Client) PublishDeviceKeys(ctx context.Context, keys *network.DeviceKeys) error {
	api := c.client()
	if api == nil {
		return ErrNotLoggedIn
	}
	raw, err := json.Marshal(keys)
	if err != nil {
		return fmt.Errorf("failed to encode device keys: %w", err)
	}
	userID := c.UserID()
	resp, err := api.UpdatePreferences(ctx, userID, model.Preferences{{
		UserId:   userID,
		Category: PreferenceCategoryKeys,
		Name:     keys.DeviceID,
		Value:    string(raw),
	}})
	if err != nil {
		return classify("publish device keys", resp, err)
	}
	return nil
}

// FetchDeviceKeys reads every bundle a user has published. Reading other
// users' preferences needs a system admin token.
func (c *Client) FetchDeviceKeys(ctx context.Context, userID string) ([]*network.DeviceKeys, error) {
	api := c.client()
	if api == nil {
		return nil, ErrNotLoggedIn
	}
	prefs, resp, err := api.GetPreferencesByCategory(ctx, userID, PreferenceCategoryKeys)
	if err != nil {
		if resp != nil && resp.StatusCode == 404 {
			return nil, nil
		}
		return nil, classify("fetch device keys", resp, err)
	}
	keys := make([]*network.DeviceKeys, 0, len(prefs))
	for _, pref := range prefs {
		var dk network.DeviceKeys
		if err = json.Unmarshal([]byte(pref.Value), &dk); err != nil {
			c.log.Warn().Err(err).Str("user_id", userID).Str("device_id", pref.Name).Msg("Ignoring malformed device keys")
			continue
		} else if dk.UserID != userID || dk.DeviceID != pref.Name {
			c.log.Warn().Str("user_id", userID).Str("device_id", pref.Name).Msg("Ignoring device keys published under the wrong name")
			continue
		}
		keys = append(keys, &dk)
	}
	return keys, nil
}

// ClaimOneTimeKey picks a one-time key of a device that this process hasn't
// handed out yet. The owner removes consumed keys when it republishes.
func (c *Client) ClaimOneTimeKey(ctx context.Context, userID, deviceID string) (*network.OneTimeKey, error) {
	devices, err := c.FetchDeviceKeys(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, dev := range devices {
		if dev.DeviceID != deviceID {
			continue
		}
		for i := range dev.OneTimeKeys {
			otk := dev.OneTimeKeys[i]
			if _, taken := c.claimed.LoadOrStore(userID+"|"+deviceID+"|"+otk.ID, struct{}{}); !taken {
				return &otk, nil
			}
		}
		return nil, fmt.Errorf("%w: %s/%s", ErrNoOneTimeKeys, userID, deviceID)
	}
	return nil, fmt.Errorf("%w: unknown device %s/%s", ErrNoOneTimeKeys, userID, deviceID)
}

// SendToDevice posts the message into the direct channel with the
// recipient as a hidden custom post.
func (c *Client) SendToDevice(ctx context.Context, msg *network.ToDeviceMessage) error {
	api := c.client()
	if api == nil {
		return ErrNotLoggedIn
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode device message: %w", err)
	}
	channel, resp, err := api.CreateDirectChannel(ctx, c.UserID(), msg.RecipientUser)
	if err != nil {
		return classify("open direct channel", resp, err)
	}
	post := &model.Post{
		ChannelId: channel.Id,
		Type:      PostTypeToDevice,
	}
	post.AddProp(propToDevice, string(raw))
	if _, resp, err = api.CreatePost(ctx, post); err != nil {
		return classify("send device message", resp, err)
	}
	return nil
}
