// Copyright 2024-2026 Aiku AI

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.mau.fi/util/dbutil"

	"github.com/aiku/mautrix-bridgecore/pkg/network"
)

// PortalState is a lifecycle state of a portal.
type PortalState string

const (
	StateCreating PortalState = "CREATING"
	StateSyncing  PortalState = "SYNCING"
	StateActive   PortalState = "ACTIVE"
	StateDegraded PortalState = "DEGRADED"
	StateArchived PortalState = "ARCHIVED"
)

// Portal maps one remote conversation to one home room.
type Portal struct {
	RemoteID   string
	MXID       string
	Kind       network.ConversationKind
	Name       string
	State      PortalState
	Encrypted  bool
	Cursor     string
	NextOrder  int64
	RelayUser  string
	CreatedAt  time.Time
	ArchivedAt time.Time
}

type PortalQuery struct {
	db *dbutil.Database
}

const getPortalBaseQuery = `
	SELECT remote_id, mxid, kind, name, state, encrypted, cursor, next_order, relay_user, created_at, archived_at
	FROM portal
`

const (
	getPortalByRemoteIDQuery = getPortalBaseQuery + `WHERE remote_id=$1`
	getPortalByMXIDQuery     = getPortalBaseQuery + `WHERE mxid=$1`
	getAllPortalsQuery       = getPortalBaseQuery + `WHERE state<>'ARCHIVED'`
)

const insertPortalQuery = `
	INSERT INTO portal (remote_id, mxid, kind, name, state, encrypted, cursor, next_order, relay_user, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (remote_id) DO NOTHING
`

const (
	setPortalMXIDQuery      = `UPDATE portal SET mxid=$2 WHERE remote_id=$1 AND mxid IS NULL`
	setPortalStateQuery     = `UPDATE portal SET state=$2 WHERE remote_id=$1 AND state<>'ARCHIVED'`
	archivePortalQuery      = `UPDATE portal SET state='ARCHIVED', archived_at=$2 WHERE remote_id=$1`
	updatePortalCursorQuery = `UPDATE portal SET cursor=$2, next_order=$3 WHERE remote_id=$1`
	updatePortalInfoQuery   = `UPDATE portal SET name=$2, encrypted=$3, relay_user=$4 WHERE remote_id=$1`
)

func scanPortal(row dbutil.Scannable) (*Portal, error) {
	var p Portal
	var mxid, relayUser sql.NullString
	var createdAt int64
	var archivedAt sql.NullInt64
	err := row.Scan(
		&p.RemoteID, &mxid, &p.Kind, &p.Name, &p.State, &p.Encrypted, &p.Cursor, &p.NextOrder,
		&relayUser, &createdAt, &archivedAt,
	)
	if err != nil {
		return nil, err
	}
	p.MXID = mxid.String
	p.RelayUser = relayUser.String
	p.CreatedAt = unixMilli(createdAt)
	p.ArchivedAt = unixMilli(archivedAt.Int64)
	return &p, nil
}

func (pq *PortalQuery) getOne(ctx context.Context, query, arg string) (*Portal, error) {
	p, err := scanPortal(pq.db.QueryRow(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to get portal %s: %w", arg, err)
	}
	return p, nil
}

// GetByRemoteID returns the portal for a remote conversation or nil.
// Archived portals are returned too.
func (pq *PortalQuery) GetByRemoteID(ctx context.Context, remoteID string) (*Portal, error) {
	return pq.getOne(ctx, getPortalByRemoteIDQuery, remoteID)
}

// GetByMXID returns the portal mapped to a home room or nil.
func (pq *PortalQuery) GetByMXID(ctx context.Context, mxid string) (*Portal, error) {
	return pq.getOne(ctx, getPortalByMXIDQuery, mxid)
}

// GetAllActive returns every portal that has not been archived.
func (pq *PortalQuery) GetAllActive(ctx context.Context) ([]*Portal, error) {
	return dbutil.ConvertRowFn[*Portal](scanPortal).NewRowIter(pq.db.Query(ctx, getAllPortalsQuery)).AsList()
}

// Insert creates the portal unless the remote id is already mapped. The
// returned bool is false when the row already existed.
func (pq *PortalQuery) Insert(ctx context.Context, p *Portal) (bool, error) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	res, err := pq.db.Exec(ctx, insertPortalQuery,
		p.RemoteID, dbutil.StrPtr(p.MXID), p.Kind, p.Name, p.State, p.Encrypted, p.Cursor, p.NextOrder,
		dbutil.StrPtr(p.RelayUser), p.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert portal %s: %w", p.RemoteID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return affected > 0, nil
}

// SetMXID assigns the home room once. It returns false if the portal
// already had a room.
func (pq *PortalQuery) SetMXID(ctx context.Context, remoteID, mxid string) (bool, error) {
	res, err := pq.db.Exec(ctx, setPortalMXIDQuery, remoteID, mxid)
	if err != nil {
		return false, fmt.Errorf("failed to set portal room: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return affected > 0, nil
}

// SetState persists a state transition. Archived portals are never revived.
func (pq *PortalQuery) SetState(ctx context.Context, remoteID string, state PortalState) error {
	if state == StateArchived {
		return pq.Archive(ctx, remoteID, time.Now())
	}
	_, err := pq.db.Exec(ctx, setPortalStateQuery, remoteID, state)
	if err != nil {
		return fmt.Errorf("failed to set portal state: %w", err)
	}
	return nil
}

// Archive marks the portal ARCHIVED while keeping the mapping row.
func (pq *PortalQuery) Archive(ctx context.Context, remoteID string, at time.Time) error {
	_, err := pq.db.Exec(ctx, archivePortalQuery, remoteID, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to archive portal: %w", err)
	}
	return nil
}

// UpdateCursor stores the last processed source event and the next
// ordering key.
func (pq *PortalQuery) UpdateCursor(ctx context.Context, remoteID, cursor string, nextOrder int64) error {
	_, err := pq.db.Exec(ctx, updatePortalCursorQuery, remoteID, cursor, nextOrder)
	if err != nil {
		return fmt.Errorf("failed to update portal cursor: %w", err)
	}
	return nil
}

// UpdateInfo saves the name, encryption flag and relay user.
func (pq *PortalQuery) UpdateInfo(ctx context.Context, p *Portal) error {
	_, err := pq.db.Exec(ctx, updatePortalInfoQuery, p.RemoteID, p.Name, p.Encrypted, dbutil.StrPtr(p.RelayUser))
	if err != nil {
		return fmt.Errorf("failed to update portal info: %w", err)
	}
	return nil
}
