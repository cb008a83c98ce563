// Copyright 2024-2026 Aiku AI

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.mau.fi/util/dbutil"
)

// Puppet is the home-network ghost of one remote user.
type Puppet struct {
	RemoteID    string
	MXID        string
	DisplayName string
	AvatarHash  string
	AvatarURL   string
	NameSet     bool
	AvatarSet   bool
	LastSync    time.Time
}

type PuppetQuery struct {
	db *dbutil.Database
}

const getPuppetBaseQuery = `
	SELECT remote_id, mxid, displayname, avatar_hash, avatar_url, name_set, avatar_set, last_sync FROM puppet
`

const (
	getPuppetByRemoteIDQuery = getPuppetBaseQuery + `WHERE remote_id=$1`
	getPuppetByMXIDQuery     = getPuppetBaseQuery + `WHERE mxid=$1`
)

const insertPuppetQuery = `
	INSERT INTO puppet (remote_id, mxid, displayname, avatar_hash, avatar_url, name_set, avatar_set, last_sync)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (remote_id) DO NOTHING
`

const updatePuppetProfileQuery = `
	UPDATE puppet SET displayname=$2, avatar_hash=$3, avatar_url=$4, name_set=$5, avatar_set=$6, last_sync=$7
	WHERE remote_id=$1
`

func scanPuppet(row dbutil.Scannable) (*Puppet, error) {
	var p Puppet
	var lastSync int64
	err := row.Scan(&p.RemoteID, &p.MXID, &p.DisplayName, &p.AvatarHash, &p.AvatarURL, &p.NameSet, &p.AvatarSet, &lastSync)
	if err != nil {
		return nil, err
	}
	p.LastSync = unixMilli(lastSync)
	return &p, nil
}

func (pq *PuppetQuery) getOne(ctx context.Context, query, arg string) (*Puppet, error) {
	p, err := scanPuppet(pq.db.QueryRow(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to get puppet %s: %w", arg, err)
	}
	return p, nil
}

// GetByRemoteID returns the puppet for a remote user or nil.
func (pq *PuppetQuery) GetByRemoteID(ctx context.Context, remoteID string) (*Puppet, error) {
	return pq.getOne(ctx, getPuppetByRemoteIDQuery, remoteID)
}

// GetByMXID returns the puppet with the given ghost mxid or nil.
func (pq *PuppetQuery) GetByMXID(ctx context.Context, mxid string) (*Puppet, error) {
	return pq.getOne(ctx, getPuppetByMXIDQuery, mxid)
}

// Insert creates the puppet unless one already exists for the remote id.
// The returned bool is false when another writer got there first.
func (pq *PuppetQuery) Insert(ctx context.Context, p *Puppet) (bool, error) {
	res, err := pq.db.Exec(ctx, insertPuppetQuery,
		p.RemoteID, p.MXID, p.DisplayName, p.AvatarHash, p.AvatarURL, p.NameSet, p.AvatarSet, toUnixMilli(p.LastSync),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert puppet %s: %w", p.RemoteID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return affected > 0, nil
}

// UpdateProfile saves the synced profile fields.
func (pq *PuppetQuery) UpdateProfile(ctx context.Context, p *Puppet) error {
	_, err := pq.db.Exec(ctx, updatePuppetProfileQuery,
		p.RemoteID, p.DisplayName, p.AvatarHash, p.AvatarURL, p.NameSet, p.AvatarSet, toUnixMilli(p.LastSync),
	)
	if err != nil {
		return fmt.Errorf("failed to update puppet %s: %w", p.RemoteID, err)
	}
	return nil
}
