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

// MessageStatus is the delivery status of a relayed message.
type MessageStatus string

const (
	StatusPending MessageStatus = "PENDING"
	StatusSent    MessageStatus = "SENT"
	StatusFailed  MessageStatus = "FAILED"
)

// Message is one relayed event. The dedup key is unique per portal.
type Message struct {
	PortalID   string
	DedupKey   string
	SourceSide network.Side
	SourceID   string
	TargetSide network.Side
	TargetID   string
	Ordering   int64
	Status     MessageStatus
	FailReason network.ReasonCode
	Encrypted  bool
	Generation uint32
	Sender     string
	TxnID      string
	Timestamp  time.Time
	// Event is the encoded source event, kept while the message is PENDING.
	Event []byte
}

type MessageQuery struct {
	db *dbutil.Database
}

const getMessageBaseQuery = `
	SELECT portal_id, dedup_key, source_side, source_id, target_side, target_id, ordering, status, fail_reason,
	       encrypted, generation, sender, txn_id, timestamp, event
	FROM message
`

const (
	getMessageByDedupKeyQuery = getMessageBaseQuery + `WHERE portal_id=$1 AND dedup_key=$2`
	getPendingMessagesQuery   = getMessageBaseQuery + `WHERE portal_id=$1 AND status='PENDING' ORDER BY ordering ASC`
)

const getMessageCounterpartQuery = getMessageBaseQuery + `
	WHERE portal_id=$1 AND ((source_side=$2 AND source_id=$3) OR (target_side=$2 AND target_id=$3))
	ORDER BY ordering ASC LIMIT 1
`

const claimMessageQuery = `
	INSERT INTO message (
		portal_id, dedup_key, source_side, source_id, target_side, target_id, ordering, status, fail_reason,
		encrypted, generation, sender, txn_id, timestamp, event
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	ON CONFLICT (portal_id, dedup_key) DO NOTHING
`

const (
	markMessageSentQuery = `
		UPDATE message SET status='SENT', target_id=$3, encrypted=$4, generation=$5, event=NULL
		WHERE portal_id=$1 AND dedup_key=$2
	`
	markMessageFailedQuery = `UPDATE message SET status='FAILED', fail_reason=$3, event=NULL WHERE portal_id=$1 AND dedup_key=$2`
	countMessagesQuery     = `SELECT COUNT(*) FROM message WHERE portal_id=$1`
	maxOrderingQuery       = `SELECT COALESCE(MAX(ordering), -1) FROM message WHERE portal_id=$1`
)

func scanMessage(row dbutil.Scannable) (*Message, error) {
	var m Message
	var ts int64
	err := row.Scan(
		&m.PortalID, &m.DedupKey, &m.SourceSide, &m.SourceID, &m.TargetSide, &m.TargetID, &m.Ordering,
		&m.Status, &m.FailReason, &m.Encrypted, &m.Generation, &m.Sender, &m.TxnID, &ts, &m.Event,
	)
	if err != nil {
		return nil, err
	}
	m.Timestamp = unixMilli(ts)
	return &m, nil
}

func (mq *MessageQuery) getOne(ctx context.Context, query string, args ...any) (*Message, error) {
	m, err := scanMessage(mq.db.QueryRow(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return m, nil
}

// GetByDedupKey returns the message with the given dedup key or nil.
func (mq *MessageQuery) GetByDedupKey(ctx context.Context, portalID, dedupKey string) (*Message, error) {
	return mq.getOne(ctx, getMessageByDedupKeyQuery, portalID, dedupKey)
}

// GetCounterpart finds the message that has eventID on the given side,
// either as its source or as its target.
func (mq *MessageQuery) GetCounterpart(ctx context.Context, portalID string, side network.Side, eventID string) (*Message, error) {
	return mq.getOne(ctx, getMessageCounterpartQuery, portalID, side, eventID)
}

// GetPending returns the undelivered messages of a portal in ordering key
// order.
func (mq *MessageQuery) GetPending(ctx context.Context, portalID string) ([]*Message, error) {
	return dbutil.ConvertRowFn[*Message](scanMessage).NewRowIter(mq.db.Query(ctx, getPendingMessagesQuery, portalID)).AsList()
}

// Claim inserts the message as the owner of its dedup key. It returns false
// if the key was already taken, in which case nothing is written.
func (mq *MessageQuery) Claim(ctx context.Context, m *Message) (bool, error) {
	if m.Status == "" {
		m.Status = StatusPending
	}
	res, err := mq.db.Exec(ctx, claimMessageQuery,
		m.PortalID, m.DedupKey, m.SourceSide, m.SourceID, m.TargetSide, m.TargetID, m.Ordering, m.Status,
		m.FailReason, m.Encrypted, m.Generation, m.Sender, m.TxnID, toUnixMilli(m.Timestamp), m.Event,
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim dedup key %s: %w", m.DedupKey, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return affected > 0, nil
}

// MarkSent records the target id of a delivered message.
func (mq *MessageQuery) MarkSent(ctx context.Context, m *Message) error {
	_, err := mq.db.Exec(ctx, markMessageSentQuery, m.PortalID, m.DedupKey, m.TargetID, m.Encrypted, m.Generation)
	if err != nil {
		return fmt.Errorf("failed to mark message sent: %w", err)
	}
	m.Status = StatusSent
	m.Event = nil
	return nil
}

// MarkFailed records a terminal delivery failure.
func (mq *MessageQuery) MarkFailed(ctx context.Context, m *Message, reason network.ReasonCode) error {
	_, err := mq.db.Exec(ctx, markMessageFailedQuery, m.PortalID, m.DedupKey, reason)
	if err != nil {
		return fmt.Errorf("failed to mark message failed: %w", err)
	}
	m.Status = StatusFailed
	m.FailReason = reason
	m.Event = nil
	return nil
}

// CountByPortal returns how many messages a portal has.
func (mq *MessageQuery) CountByPortal(ctx context.Context, portalID string) (count int, err error) {
	err = mq.db.QueryRow(ctx, countMessagesQuery, portalID).Scan(&count)
	return
}

// MaxOrdering returns the highest ordering key used in a portal, or -1.
func (mq *MessageQuery) MaxOrdering(ctx context.Context, portalID string) (maxOrder int64, err error) {
	err = mq.db.QueryRow(ctx, maxOrderingQuery, portalID).Scan(&maxOrder)
	return
}
