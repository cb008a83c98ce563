// Copyright 2024-2026 Aiku AI

package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/aiku/mautrix-bridgecore/pkg/database"
	"github.com/aiku/mautrix-bridgecore/pkg/network"
)

// GetOrCreatePuppet returns the ghost of a remote user, creating it on first
// sight. The profile is synced when it changed since the last sync, at most
// once per sync interval. A failed sync is only an error if the ghost has
// never been provisioned.
func (m *Mapper) GetOrCreatePuppet(ctx context.Context, remoteUserID string) (*database.Puppet, error) {
	res, err, _ := m.puppetGate.Do(remoteUserID, func() (any, error) {
		puppet, err := m.db.Puppet.GetByRemoteID(ctx, remoteUserID)
		if err != nil {
			return nil, storageError(err)
		}
		if puppet == nil {
			inserted, err := m.db.Puppet.Insert(ctx, &database.Puppet{
				RemoteID: remoteUserID,
				MXID:     m.ghosts.MXID(remoteUserID).String(),
			})
			if err != nil {
				return nil, storageError(err)
			} else if !inserted {
				m.log.Debug().Str("remote_user_id", remoteUserID).Msg("Mapping conflict, puppet was created concurrently")
			}
			if puppet, err = m.db.Puppet.GetByRemoteID(ctx, remoteUserID); err != nil {
				return nil, storageError(err)
			} else if puppet == nil {
				return nil, storageError(fmt.Errorf("puppet %s vanished after insert", remoteUserID))
			}
		}
		if m.syncGate.Get(remoteUserID) != nil {
			return puppet, nil
		}
		if err = m.syncPuppet(ctx, puppet); err != nil {
			return nil, err
		}
		return puppet, nil
	})
	if err != nil {
		return nil, err
	}
	puppet := *res.(*database.Puppet)
	return &puppet, nil
}

// GetPuppetByMXID returns the puppet with the given ghost mxid.
func (m *Mapper) GetPuppetByMXID(ctx context.Context, mxid string) (*database.Puppet, error) {
	puppet, err := m.db.Puppet.GetByMXID(ctx, mxid)
	if err != nil {
		return nil, storageError(err)
	} else if puppet == nil {
		return nil, ErrNotFound
	}
	return puppet, nil
}

// ResyncPuppet drops the sync throttle of a puppet so that the next
// GetOrCreatePuppet call fetches the profile again.
func (m *Mapper) ResyncPuppet(remoteUserID string) {
	m.syncGate.Delete(remoteUserID)
}

func (m *Mapper) syncPuppet(ctx context.Context, puppet *database.Puppet) error {
	log := m.log.With().Str("remote_user_id", puppet.RemoteID).Str("ghost", puppet.MXID).Logger()
	provisioned := !puppet.LastSync.IsZero()

	var profile *network.UserProfile
	if m.profiles != nil {
		var err error
		if profile, err = m.profiles.GetUser(ctx, puppet.RemoteID); err != nil {
			log.Warn().Err(err).Msg("Failed to fetch remote profile")
			profile = nil
		}
	}
	if profile == nil {
		if provisioned {
			return nil
		}
		profile = &network.UserProfile{ID: puppet.RemoteID, Username: puppet.RemoteID}
	}

	name := FormatDisplayname(m.names, DisplaynameParams{Username: profile.Username, DisplayName: profile.DisplayName})
	nameChanged := !puppet.NameSet || puppet.DisplayName != name
	avatarChanged := profile.AvatarHash != "" && (!puppet.AvatarSet || puppet.AvatarHash != profile.AvatarHash)
	if provisioned && !nameChanged && !avatarChanged {
		m.syncGate.Set(puppet.RemoteID, struct{}{}, ttlcache.DefaultTTL)
		return nil
	}

	err := m.home.EnsurePuppet(ctx, puppet.MXID, &network.PuppetProfile{DisplayName: name, AvatarURL: profile.AvatarURL})
	if err != nil {
		if !provisioned {
			return fmt.Errorf("failed to provision ghost %s: %w", puppet.MXID, err)
		}
		log.Warn().Err(err).Msg("Failed to sync ghost profile, keeping stale profile")
		return nil
	}
	puppet.DisplayName = name
	puppet.NameSet = true
	if profile.AvatarHash != "" {
		puppet.AvatarHash = profile.AvatarHash
		puppet.AvatarURL = profile.AvatarURL
		puppet.AvatarSet = true
	}
	puppet.LastSync = time.Now()
	if err = m.db.Puppet.UpdateProfile(ctx, puppet); err != nil {
		return storageError(err)
	}
	m.syncGate.Set(puppet.RemoteID, struct{}{}, ttlcache.DefaultTTL)
	log.Debug().Str("displayname", name).Bool("avatar_changed", avatarChanged).Msg("Synced ghost profile")
	return nil
}
