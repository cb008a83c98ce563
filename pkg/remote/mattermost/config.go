// Copyright 2024-2026 Aiku AI

package mattermost

import (
	"fmt"
	"strings"
	"time"

	up "go.mau.fi/util/configupgrade"
	"gopkg.in/yaml.v3"
)

// Config holds the Mattermost connection settings.
type Config struct {
	ServerURL string `yaml:"server_url"`
	// Token is the access token of the bridge's own account.
	Token  string `yaml:"token"`
	TeamID string `yaml:"team_id"`
	// BotPrefix is a username prefix for echo prevention. Any Mattermost
	// username starting with this prefix is treated as a bridge-managed bot
	// and its posts are not relayed back. Leave empty to disable
	// prefix-based filtering.
	BotPrefix string `yaml:"bot_prefix"`
	// GhostPrefix is the username prefix of ghosts created by other bridges
	// on the same server.
	GhostPrefix string `yaml:"ghost_prefix"`
	// UserCacheTTL is how long user profiles are cached.
	UserCacheTTL time.Duration `yaml:"user_cache_ttl"`
	// Puppets are dedicated Mattermost accounts that home users post as.
	Puppets []PuppetEntry `yaml:"puppets"`
}

// PuppetEntry describes one per-user puppet account.
type PuppetEntry struct {
	Slug      string `yaml:"slug" json:"slug"`
	MXID      string `yaml:"mxid" json:"mxid"`
	Token     string `yaml:"token" json:"token"`
	ServerURL string `yaml:"server_url,omitempty" json:"server_url,omitempty"`
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess validates the config and fills in defaults.
func (c *Config) PostProcess() error {
	c.ServerURL = strings.TrimSuffix(c.ServerURL, "/")
	if c.ServerURL == "" {
		return fmt.Errorf("mattermost.server_url is required")
	}
	if c.UserCacheTTL <= 0 {
		c.UserCacheTTL = 10 * time.Minute
	}
	for i, entry := range c.Puppets {
		if entry.MXID == "" || entry.Token == "" {
			return fmt.Errorf("mattermost.puppets[%d] needs both mxid and token", i)
		}
	}
	return nil
}

// UpgradeConfig copies the mattermost section during config upgrades.
func UpgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "mattermost", "server_url")
	helper.Copy(up.Str|up.Null, "mattermost", "token")
	helper.Copy(up.Str|up.Null, "mattermost", "team_id")
	helper.Copy(up.Str|up.Null, "mattermost", "bot_prefix")
	helper.Copy(up.Str, "mattermost", "ghost_prefix")
	helper.Copy(up.Str, "mattermost", "user_cache_ttl")
	helper.Copy(up.List, "mattermost", "puppets")
}
