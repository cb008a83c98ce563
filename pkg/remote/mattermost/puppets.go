// Copyright 2024-2026 Aiku AI

package mattermost

import (
	"cmp"
	"context"
	"os"
	"strings"

	"github.com/mattermost/mattermost/server/public/model"
)

// PuppetClient holds a Mattermost API client for a specific Matrix user,
// allowing their messages to appear as a dedicated Mattermost user.
type PuppetClient struct {
	MXID     string
	Client   *model.Client4
	UserID   string
	Username string
}

const (
	envPuppetPrefix = "MATTERMOST_PUPPET_"
	envMXIDSuffix   = "_MXID"
	envTokenSuffix  = "_TOKEN"
	envURLSuffix    = "_URL"
)

// EnvPuppetEntries scans the environment for puppet config.
//
//	MATTERMOST_PUPPET_<NAME>_MXID  = @alice:example.com
//	MATTERMOST_PUPPET_<NAME>_TOKEN = <personal access token>
//	MATTERMOST_PUPPET_<NAME>_URL   = http://mattermost:8065  (optional)
func EnvPuppetEntries() []PuppetEntry {
	var entries []PuppetEntry
	for _, env := range os.Environ() {
		key, _, ok := strings.Cut(env, "=")
		if !ok || !strings.HasPrefix(key, envPuppetPrefix) || !strings.HasSuffix(key, envMXIDSuffix) {
			continue
		}
		slug := strings.TrimSuffix(strings.TrimPrefix(key, envPuppetPrefix), envMXIDSuffix)
		mxid := os.Getenv(envPuppetPrefix + slug + envMXIDSuffix)
		token := os.Getenv(envPuppetPrefix + slug + envTokenSuffix)
		if slug == "" || mxid == "" || token == "" {
			continue
		}
		entries = append(entries, PuppetEntry{
			Slug:      slug,
			MXID:      mxid,
			Token:     token,
			ServerURL: os.Getenv(envPuppetPrefix + slug + envURLSuffix),
		})
	}
	return entries
}

// LoadPuppets makes the puppet set equal to entries. Unchanged puppets are
// kept, puppets whose token fails verification are skipped.
func (c *Client) LoadPuppets(ctx context.Context, entries []PuppetEntry) (added, removed int) {
	desired := make(map[string]PuppetEntry, len(entries))
	for _, e := range entries {
		desired[e.MXID] = e
	}

	c.puppetLock.Lock()
	defer c.puppetLock.Unlock()
	for mxid := range c.puppets {
		if _, ok := desired[mxid]; !ok {
			c.log.Info().Str("mxid", mxid).Msg("Removing puppet")
			delete(c.puppets, mxid)
			removed++
		}
	}
	for mxid, entry := range desired {
		existing, ok := c.puppets[mxid]
		if ok && existing.Client.AuthToken == entry.Token {
			continue
		}
		client := model.NewAPIv4Client(cmp.Or(entry.ServerURL, c.cfg.ServerURL))
		client.SetToken(entry.Token)
		me, _, err := client.GetMe(ctx, "")
		if err != nil {
			c.log.Err(err).
				Str("slug", entry.Slug).
				Str("mxid", mxid).
				Msg("Failed to verify puppet token, skipping")
			continue
		}
		c.puppets[mxid] = &PuppetClient{
			MXID:     mxid,
			Client:   client,
			UserID:   me.Id,
			Username: me.Username,
		}
		added++
		c.log.Info().
			Str("slug", entry.Slug).
			Str("mxid", mxid).
			Str("mm_user_id", me.Id).
			Str("mm_username", me.Username).
			Msg("Loaded puppet client")
	}
	c.log.Info().
		Int("added", added).
		Int("removed", removed).
		Int("total", len(c.puppets)).
		Msg("Puppet reload complete")
	return added, removed
}

// PuppetSource lists puppet entries kept outside the config, such as the
// stored logins of home users.
type PuppetSource func(ctx context.Context) ([]PuppetEntry, error)

// SetPuppetSource adds a source of puppet entries to ReloadPuppets.
func (c *Client) SetPuppetSource(src PuppetSource) {
	c.puppetLock.Lock()
	c.puppetSource = src
	c.puppetLock.Unlock()
}

// ReloadPuppets reloads puppets from the configured list, the environment
// and the puppet source. If the source fails, the current set is kept.
func (c *Client) ReloadPuppets(ctx context.Context) (added, removed int) {
	entries := append(append([]PuppetEntry(nil), c.cfg.Puppets...), EnvPuppetEntries()...)
	c.puppetLock.RLock()
	src := c.puppetSource
	c.puppetLock.RUnlock()
	if src != nil {
		extra, err := src(ctx)
		if err != nil {
			c.log.Err(err).Msg("Failed to list stored puppet logins, keeping current puppets")
			return 0, 0
		}
		entries = append(entries, extra...)
	}
	return c.LoadPuppets(ctx, entries)
}

// IsPuppetUserID reports whether a Mattermost user id belongs to a puppet.
func (c *Client) IsPuppetUserID(userID string) bool {
	c.puppetLock.RLock()
	defer c.puppetLock.RUnlock()
	for _, puppet := range c.puppets {
		if puppet.UserID == userID {
			return true
		}
	}
	return false
}

// PuppetUsername returns the Mattermost username of a Matrix user's puppet.
func (c *Client) PuppetUsername(mxid string) (string, bool) {
	c.puppetLock.RLock()
	defer c.puppetLock.RUnlock()
	puppet, ok := c.puppets[mxid]
	if !ok {
		return "", false
	}
	return puppet.Username, true
}

// PuppetCount returns the number of loaded puppets.
func (c *Client) PuppetCount() int {
	c.puppetLock.RLock()
	defer c.puppetLock.RUnlock()
	return len(c.puppets)
}

// clientFor returns the API client to post as the given Matrix user: their
// puppet if one is loaded, else the bridge account.
func (c *Client) clientFor(mxid string) (*model.Client4, string) {
	if mxid != "" {
		c.puppetLock.RLock()
		puppet, ok := c.puppets[mxid]
		c.puppetLock.RUnlock()
		if ok {
			return puppet.Client, puppet.UserID
		}
	}
	return c.client(), c.UserID()
}

// isBridgeUsername reports whether a username belongs to bridge
// infrastructure whose posts are never relayed.
func isBridgeUsername(username, ghostPrefix, botPrefix string) bool {
	switch {
	case username == "mattermost-bridge":
		return true
	case ghostPrefix != "" && strings.HasPrefix(username, ghostPrefix):
		return true
	case botPrefix != "" && strings.HasPrefix(username, botPrefix):
		return true
	default:
		return false
	}
}
