// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-bridgecore/pkg/identity"
	"github.com/aiku/mautrix-bridgecore/pkg/network"
)

const mentionLookupTimeout = 5 * time.Second

// MentionSource resolves the Mattermost accounts behind Matrix users.
type MentionSource interface {
	GetUser(ctx context.Context, userID string) (*network.UserProfile, error)
	PuppetUsername(mxid string) (string, bool)
}

// MentionResolver turns Matrix user pills into Mattermost usernames.
type MentionResolver struct {
	ghosts *identity.GhostNamer
	remote MentionSource
	log    zerolog.Logger
}

func NewMentionResolver(ghosts *identity.GhostNamer, remote MentionSource, log zerolog.Logger) *MentionResolver {
	return &MentionResolver{ghosts: ghosts, remote: remote, log: log}
}

// Resolve returns the Mattermost username of a ghost or of a Matrix user
// with a puppet account.
func (m *MentionResolver) Resolve(userID id.UserID) (string, bool) {
	if username, ok := m.remote.PuppetUsername(string(userID)); ok {
		return username, true
	}
	remoteID, ok := m.ghosts.Parse(userID)
	if !ok {
		return "", false
	}
	ctx, cancel := context.WithTimeout(context.Background(), mentionLookupTimeout)
	defer cancel()
	user, err := m.remote.GetUser(ctx, remoteID)
	if err != nil {
		m.log.Debug().Err(err).Stringer("user_id", userID).Msg("Failed to resolve mention")
		return "", false
	} else if user.Username == "" {
		return "", false
	}
	return user.Username, true
}
