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

// User is a home-network account known to the bridge.
type User struct {
	MXID           string
	RemoteID       string
	AccessToken    string
	ManagementRoom string
	Deactivated    bool
	CreatedAt      time.Time
}

type UserQuery struct {
	db *dbutil.Database
}

const (
	getUserBaseQuery = `
		SELECT mxid, remote_id, access_token, management_room, deactivated, created_at FROM "user"
	`
	getUserByMXIDQuery    = getUserBaseQuery + `WHERE mxid=$1`
	getLoggedInUsersQuery = getUserBaseQuery + `WHERE access_token IS NOT NULL AND access_token<>'' AND deactivated=false`

	insertUserQuery = `
		INSERT INTO "user" (mxid, remote_id, access_token, management_room, deactivated, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (mxid) DO NOTHING
	`

	updateUserQuery = `
		UPDATE "user" SET remote_id=$2, access_token=$3, management_room=$4, deactivated=$5 WHERE mxid=$1
	`
)

func scanUser(row dbutil.Scannable) (*User, error) {
	var u User
	var remoteID, token, mgmtRoom sql.NullString
	var createdAt int64
	err := row.Scan(&u.MXID, &remoteID, &token, &mgmtRoom, &u.Deactivated, &createdAt)
	if err != nil {
		return nil, err
	}
	u.RemoteID = remoteID.String
	u.AccessToken = token.String
	u.ManagementRoom = mgmtRoom.String
	u.CreatedAt = unixMilli(createdAt)
	return &u, nil
}

// GetByMXID returns the user or nil if it doesn't exist.
func (uq *UserQuery) GetByMXID(ctx context.Context, mxid string) (*User, error) {
	u, err := scanUser(uq.db.QueryRow(ctx, getUserByMXIDQuery, mxid))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to get user %s: %w", mxid, err)
	}
	return u, nil
}

// GetAllLoggedIn returns every active user with a stored remote token.
func (uq *UserQuery) GetAllLoggedIn(ctx context.Context) ([]*User, error) {
	return dbutil.ConvertRowFn[*User](scanUser).NewRowIter(uq.db.Query(ctx, getLoggedInUsersQuery)).AsList()
}

// Insert creates the user unless it already exists.
func (uq *UserQuery) Insert(ctx context.Context, u *User) (bool, error) {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	res, err := uq.db.Exec(ctx, insertUserQuery,
		u.MXID, dbutil.StrPtr(u.RemoteID), dbutil.StrPtr(u.AccessToken), dbutil.StrPtr(u.ManagementRoom),
		u.Deactivated, u.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert user %s: %w", u.MXID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return affected > 0, nil
}

// Update saves every mutable field of the user.
func (uq *UserQuery) Update(ctx context.Context, u *User) error {
	_, err := uq.db.Exec(ctx, updateUserQuery,
		u.MXID, dbutil.StrPtr(u.RemoteID), dbutil.StrPtr(u.AccessToken), dbutil.StrPtr(u.ManagementRoom), u.Deactivated,
	)
	if err != nil {
		return fmt.Errorf("failed to update user %s: %w", u.MXID, err)
	}
	return nil
}
