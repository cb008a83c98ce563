// Copyright 2024-2026 Aiku AI

// Package identity maps remote conversations to home rooms and remote users
// to ghost accounts. It is the only writer of the portal mapping and the
// puppet table.
package identity

import (
	"context"
	"errors"
	"fmt"
	"text/template"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/aiku/mautrix-bridgecore/pkg/database"
	"github.com/aiku/mautrix-bridgecore/pkg/network"
)

var (
	// ErrNotFound is returned when no live mapping exists.
	ErrNotFound = errors.New("mapping not found")
	// ErrRoomAlreadyMapped is returned when a portal already has another room.
	ErrRoomAlreadyMapped = errors.New("portal is already mapped to a different room")
	// ErrStorageUnavailable wraps storage failures. Callers retry the whole
	// inbound event.
	ErrStorageUnavailable = errors.New("mapping storage unavailable")
)

func storageError(err error) error {
	return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
}

// PuppetProvisioner registers ghosts on the home network.
type PuppetProvisioner interface {
	EnsurePuppet(ctx context.Context, mxid string, profile *network.PuppetProfile) error
}

// ProfileSource looks up remote user profiles.
type ProfileSource interface {
	GetUser(ctx context.Context, userID string) (*network.UserProfile, error)
}

// Config configures ghost naming and profile sync.
type Config struct {
	UsernameTemplate    string
	DisplaynameTemplate string
	ServerName          string
	// ProfileSyncInterval is the minimum time between two profile syncs of
	// the same puppet.
	ProfileSyncInterval time.Duration
}

// Mapper is the identity mapper.
type Mapper struct {
	db       *database.Database
	ghosts   *GhostNamer
	names    *template.Template
	home     PuppetProvisioner
	profiles ProfileSource
	log      zerolog.Logger

	portalGate singleflight.Group
	puppetGate singleflight.Group
	syncGate   *ttlcache.Cache[string, struct{}]
}

// New creates a mapper. Close must be called to stop the sync throttle.
func New(db *database.Database, cfg Config, home PuppetProvisioner, profiles ProfileSource, log zerolog.Logger) (*Mapper, error) {
	ghosts, err := NewGhostNamer(cfg.UsernameTemplate, cfg.ServerName)
	if err != nil {
		return nil, err
	}
	var names *template.Template
	if cfg.DisplaynameTemplate != "" {
		if names, err = template.New("displayname").Parse(cfg.DisplaynameTemplate); err != nil {
			return nil, fmt.Errorf("failed to parse displayname template: %w", err)
		}
	}
	if cfg.ProfileSyncInterval <= 0 {
		cfg.ProfileSyncInterval = time.Hour
	}
	syncGate := ttlcache.New[string, struct{}](
		ttlcache.WithTTL[string, struct{}](cfg.ProfileSyncInterval),
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
	)
	go syncGate.Start()
	return &Mapper{
		db:       db,
		ghosts:   ghosts,
		names:    names,
		home:     home,
		profiles: profiles,
		log:      log.With().Str("component", "identity").Logger(),
		syncGate: syncGate,
	}, nil
}

// Close stops background work.
func (m *Mapper) Close() {
	m.syncGate.Stop()
}

// Ghosts returns the ghost namer.
func (m *Mapper) Ghosts() *GhostNamer {
	return m.ghosts
}

func live(p *database.Portal, err error) (*database.Portal, error) {
	if err != nil {
		return nil, storageError(err)
	} else if p == nil || p.State == database.StateArchived {
		return nil, ErrNotFound
	}
	return p, nil
}

// ResolvePortalByRemote returns the live portal of a remote conversation.
func (m *Mapper) ResolvePortalByRemote(ctx context.Context, remoteID string) (*database.Portal, error) {
	return live(m.db.Portal.GetByRemoteID(ctx, remoteID))
}

// ResolvePortalByRoom returns the live portal mapped to a home room.
func (m *Mapper) ResolvePortalByRoom(ctx context.Context, roomID string) (*database.Portal, error) {
	return live(m.db.Portal.GetByMXID(ctx, roomID))
}

// LookupPortalByRoom returns the mapping of a home room even if it was
// archived, so that callers can tell unbridged rooms from unknown ones.
func (m *Mapper) LookupPortalByRoom(ctx context.Context, roomID string) (*database.Portal, error) {
	p, err := m.db.Portal.GetByMXID(ctx, roomID)
	if err != nil {
		return nil, storageError(err)
	} else if p == nil {
		return nil, ErrNotFound
	}
	return p, nil
}

type createResult struct {
	portal  *database.Portal
	created bool
}

// CreateOrGetPortal returns the mapping of a remote conversation, creating
// it in state CREATING if there is none. Concurrent calls for the same id
// share one storage round trip and the storage-level upsert guarantees a
// single row across processes. Only the caller that inserted the row gets
// created=true. Archived mappings are returned as they are.
func (m *Mapper) CreateOrGetPortal(ctx context.Context, remoteID string, kind network.ConversationKind) (*database.Portal, bool, error) {
	var ran bool
	res, err, _ := m.portalGate.Do(remoteID, func() (any, error) {
		ran = true
		existing, err := m.db.Portal.GetByRemoteID(ctx, remoteID)
		if err != nil {
			return nil, storageError(err)
		} else if existing != nil {
			return &createResult{portal: existing}, nil
		}
		inserted, err := m.db.Portal.Insert(ctx, &database.Portal{
			RemoteID: remoteID,
			Kind:     kind,
			State:    database.StateCreating,
		})
		if err != nil {
			return nil, storageError(err)
		}
		if !inserted {
			m.log.Debug().Str("portal_id", remoteID).Msg("Mapping conflict, another writer created the portal first")
		}
		portal, err := m.db.Portal.GetByRemoteID(ctx, remoteID)
		if err != nil {
			return nil, storageError(err)
		} else if portal == nil {
			return nil, storageError(fmt.Errorf("portal %s vanished after insert", remoteID))
		}
		if inserted {
			m.log.Info().Str("portal_id", remoteID).Str("kind", string(kind)).Msg("Created portal")
		}
		return &createResult{portal: portal, created: inserted}, nil
	})
	if err != nil {
		return nil, false, err
	}
	result := res.(*createResult)
	portal := *result.portal
	return &portal, result.created && ran, nil
}

// SetPortalRoom assigns the home room of a portal. Assigning the same room
// twice is a no-op; assigning a different one fails.
func (m *Mapper) SetPortalRoom(ctx context.Context, portal *database.Portal, roomID string) error {
	updated, err := m.db.Portal.SetMXID(ctx, portal.RemoteID, roomID)
	if err != nil {
		return storageError(err)
	}
	if !updated {
		current, err := m.db.Portal.GetByRemoteID(ctx, portal.RemoteID)
		if err != nil {
			return storageError(err)
		} else if current == nil {
			return ErrNotFound
		} else if current.MXID != roomID {
			return fmt.Errorf("%w: %s is mapped to %s", ErrRoomAlreadyMapped, portal.RemoteID, current.MXID)
		}
	}
	portal.MXID = roomID
	return nil
}

// Unbridge archives a portal. The mapping row is kept, but resolve calls
// return ErrNotFound afterwards.
func (m *Mapper) Unbridge(ctx context.Context, remoteID string) error {
	portal, err := m.db.Portal.GetByRemoteID(ctx, remoteID)
	if err != nil {
		return storageError(err)
	} else if portal == nil {
		return ErrNotFound
	} else if portal.State == database.StateArchived {
		return nil
	}
	if err = m.db.Portal.Archive(ctx, remoteID, time.Now()); err != nil {
		return storageError(err)
	}
	m.log.Info().Str("portal_id", remoteID).Str("room_id", portal.MXID).Msg("Portal unbridged")
	return nil
}

// EnsureUser returns the user row of a home account, creating it on first
// interaction.
func (m *Mapper) EnsureUser(ctx context.Context, mxid string) (*database.User, error) {
	user, err := m.db.User.GetByMXID(ctx, mxid)
	if err != nil {
		return nil, storageError(err)
	} else if user != nil {
		return user, nil
	}
	if _, err = m.db.User.Insert(ctx, &database.User{MXID: mxid}); err != nil {
		return nil, storageError(err)
	}
	user, err = m.db.User.GetByMXID(ctx, mxid)
	if err != nil {
		return nil, storageError(err)
	}
	return user, nil
}

// SetRemoteLogin stores the Mattermost login of a home account. An empty
// token removes it.
func (m *Mapper) SetRemoteLogin(ctx context.Context, mxid, remoteID, token string) (*database.User, error) {
	user, err := m.EnsureUser(ctx, mxid)
	if err != nil {
		return nil, err
	}
	user.RemoteID = remoteID
	user.AccessToken = token
	if err = m.db.User.Update(ctx, user); err != nil {
		return nil, storageError(err)
	}
	return user, nil
}

// DeactivateUser marks a home account deactivated. Users are never deleted.
func (m *Mapper) DeactivateUser(ctx context.Context, mxid string) error {
	user, err := m.db.User.GetByMXID(ctx, mxid)
	if err != nil {
		return storageError(err)
	} else if user == nil {
		return ErrNotFound
	}
	user.Deactivated = true
	if err = m.db.User.Update(ctx, user); err != nil {
		return storageError(err)
	}
	return nil
}
