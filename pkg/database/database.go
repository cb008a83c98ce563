// Copyright 2024-2026 Aiku AI

// Package database stores the bridge's identity mapping and message
// deduplication state.
package database

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"

	"github.com/aiku/mautrix-bridgecore/pkg/database/upgrades"
)

// Database wraps a dbutil.Database with typed query helpers for every table.
type Database struct {
	*dbutil.Database

	User    *UserQuery
	Puppet  *PuppetQuery
	Portal  *PortalQuery
	Message *MessageQuery
}

// New wraps db. The bridge tables are versioned separately from the crypto
// store so both can share one connection pool.
func New(db *dbutil.Database, log zerolog.Logger) *Database {
	db = db.Child("bridgecore_version", upgrades.Table, dbutil.ZeroLogger(log))
	return &Database{
		Database: db,
		User:     &UserQuery{db: db},
		Puppet:   &PuppetQuery{db: db},
		Portal:   &PortalQuery{db: db},
		Message:  &MessageQuery{db: db},
	}
}

// Upgrade runs all pending schema upgrades.
func (db *Database) Upgrade(ctx context.Context) error {
	return db.Database.Upgrade(ctx)
}

func unixMilli(ts int64) time.Time {
	if ts == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ts)
}

func toUnixMilli(ts time.Time) int64 {
	if ts.IsZero() {
		return 0
	}
	return ts.UnixMilli()
}
