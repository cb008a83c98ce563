// Copyright 2024-2026 Aiku AI

package cryptostore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"

	"github.com/aiku/mautrix-bridgecore/pkg/cryptostore/upgrades"
)

// SQLStore is a Store backed by any dbutil dialect.
type SQLStore struct {
	db     *dbutil.Database
	sealer *Sealer
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore wraps db with its own version table so that it can share a
// connection pool with the bridge database.
func NewSQLStore(db *dbutil.Database, sealer *Sealer, log zerolog.Logger) *SQLStore {
	return &SQLStore{
		db:     db.Child("crypto_version", upgrades.Table, dbutil.ZeroLogger(log)),
		sealer: sealer,
	}
}

// Upgrade runs all pending crypto schema upgrades.
func (s *SQLStore) Upgrade(ctx context.Context) error {
	return s.db.Upgrade(ctx)
}

const (
	getDeviceBaseQuery = `
		SELECT user_id, device_id, identity_key, signing_key, trust, own, sealed, version
		FROM crypto_device
	`
	getDeviceQuery    = getDeviceBaseQuery + `WHERE user_id=$1 AND device_id=$2`
	getOwnDeviceQuery = getDeviceBaseQuery + `WHERE user_id=$1 AND own=true`
	getDevicesQuery   = getDeviceBaseQuery + `WHERE user_id=$1 ORDER BY device_id`
	insertDeviceQuery = `
		INSERT INTO crypto_device (user_id, device_id, identity_key, signing_key, trust, own, sealed, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 1)
		ON CONFLICT (user_id, device_id) DO NOTHING
	`
	updateDeviceQuery = `
		UPDATE crypto_device
		SET identity_key=$3, signing_key=$4, trust=$5, own=$6, sealed=$7, version=$8+1
		WHERE user_id=$1 AND device_id=$2 AND version=$8
	`
)

const (
	insertOneTimeKeyQuery = `
		INSERT INTO crypto_one_time_key (user_id, device_id, key_id, public_key, sealed)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, device_id, key_id) DO NOTHING
	`
	getOneTimeKeysQuery = `
		SELECT user_id, device_id, key_id, public_key FROM crypto_one_time_key
		WHERE user_id=$1 AND device_id=$2 AND claimed=false ORDER BY key_id
	`
	consumeOneTimeKeyQuery = `
		UPDATE crypto_one_time_key SET claimed=true
		WHERE user_id=$1 AND device_id=$2 AND key_id=$3 AND claimed=false
		RETURNING public_key, sealed
	`
)

const (
	getPairwiseQuery = `
		SELECT sealed, version FROM crypto_pairwise_session
		WHERE own_device=$1 AND peer_user=$2 AND peer_device=$3
	`
	insertPairwiseQuery = `
		INSERT INTO crypto_pairwise_session (own_device, peer_user, peer_device, sealed, version)
		VALUES ($1, $2, $3, $4, 1)
		ON CONFLICT (own_device, peer_user, peer_device) DO NOTHING
	`
	updatePairwiseQuery = `
		UPDATE crypto_pairwise_session SET sealed=$4, version=$5+1
		WHERE own_device=$1 AND peer_user=$2 AND peer_device=$3 AND version=$5
	`
)

const (
	getGroupBaseQuery = `
		SELECT portal_id, session_id, generation, message_count, created_at, sealed, version
		FROM crypto_group_session
	`
	getGroupQuery    = getGroupBaseQuery + `WHERE portal_id=$1`
	listGroupQuery   = getGroupBaseQuery + `ORDER BY portal_id`
	insertGroupQuery = `
		INSERT INTO crypto_group_session (portal_id, session_id, generation, message_count, created_at, sealed, version)
		VALUES ($1, $2, $3, $4, $5, $6, 1)
		ON CONFLICT (portal_id) DO NOTHING
	`
	updateGroupQuery = `
		UPDATE crypto_group_session
		SET session_id=$2, generation=$3, message_count=$4, created_at=$5, sealed=$6, version=$7+1
		WHERE portal_id=$1 AND version=$7 AND generation<=$3
	`
)

const (
	insertInboundQuery = `
		INSERT INTO crypto_inbound_group_session
			(portal_id, sender_user, sender_device, generation, session_id, received_at, sealed)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (portal_id, sender_user, sender_device, generation) DO NOTHING
	`
	getInboundQuery = `
		SELECT portal_id, sender_user, sender_device, generation, session_id, received_at, sealed
		FROM crypto_inbound_group_session
		WHERE portal_id=$1 AND sender_user=$2 AND sender_device=$3 AND generation=$4
	`
	getLatestInboundGenerationQuery = `
		SELECT MAX(generation) FROM crypto_inbound_group_session WHERE portal_id=$1 AND sender_user=$2
	`
)

const (
	putMemberExitQuery = `
		INSERT INTO crypto_member_exit (portal_id, user_id, generation) VALUES ($1, $2, $3)
		ON CONFLICT (portal_id, user_id) DO UPDATE SET generation=excluded.generation
		WHERE crypto_member_exit.generation < excluded.generation
	`
	getMemberExitQuery = `SELECT generation FROM crypto_member_exit WHERE portal_id=$1 AND user_id=$2`
	markSeenQuery      = `
		INSERT INTO crypto_seen_message (portal_id, digest, seen_at) VALUES ($1, $2, $3)
		ON CONFLICT (portal_id, digest) DO NOTHING
	`
)

func rowsAffected(res sql.Result, err error) (int64, error) {
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLStore) scanDevice(row dbutil.Scannable) (*Device, error) {
	var d Device
	var sealed []byte
	err := row.Scan(&d.UserID, &d.DeviceID, &d.IdentityKey, &d.SigningKey, &d.Trust, &d.Own, &sealed, &d.Version)
	if err != nil {
		return nil, err
	}
	if len(sealed) > 0 {
		d.Private = &DevicePrivate{}
		if err = s.sealer.Open(sealed, d.Private); err != nil {
			return nil, err
		}
	}
	return &d, nil
}

func (s *SQLStore) getDevice(ctx context.Context, query string, args ...any) (*Device, error) {
	d, err := s.scanDevice(s.db.QueryRow(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return d, nil
}

// GetDevice returns a single device or nil.
func (s *SQLStore) GetDevice(ctx context.Context, userID, deviceID string) (*Device, error) {
	return s.getDevice(ctx, getDeviceQuery, userID, deviceID)
}

// GetOwnDevice returns the device the bridge owns for userID, if any.
func (s *SQLStore) GetOwnDevice(ctx context.Context, userID string) (*Device, error) {
	return s.getDevice(ctx, getOwnDeviceQuery, userID)
}

// GetDevices returns every known device of userID.
func (s *SQLStore) GetDevices(ctx context.Context, userID string) ([]*Device, error) {
	devices, err := dbutil.ConvertRowFn[*Device](s.scanDevice).NewRowIter(s.db.Query(ctx, getDevicesQuery, userID)).AsList()
	if err != nil {
		return nil, fmt.Errorf("failed to get devices of %s: %w", userID, err)
	}
	return devices, nil
}

// PutDevice inserts a new device (Version 0) or updates an existing one if
// nobody else wrote it since it was read.
func (s *SQLStore) PutDevice(ctx context.Context, d *Device) error {
	var sealed []byte
	if d.Private != nil {
		var err error
		if sealed, err = s.sealer.Seal(d.Private); err != nil {
			return err
		}
	}
	var affected int64
	var err error
	if d.Version == 0 {
		affected, err = rowsAffected(s.db.Exec(ctx, insertDeviceQuery,
			d.UserID, d.DeviceID, d.IdentityKey, d.SigningKey, d.Trust, d.Own, sealed))
	} else {
		affected, err = rowsAffected(s.db.Exec(ctx, updateDeviceQuery,
			d.UserID, d.DeviceID, d.IdentityKey, d.SigningKey, d.Trust, d.Own, sealed, d.Version))
	}
	if err != nil {
		return fmt.Errorf("failed to save device %s/%s: %w", d.UserID, d.DeviceID, err)
	} else if affected == 0 {
		return fmt.Errorf("%w: device %s/%s", ErrStaleVersion, d.UserID, d.DeviceID)
	}
	d.Version++
	return nil
}

type sealedOneTimeKey struct {
	Private []byte `cbor:"1,keyasint"`
}

// PutOneTimeKeys stores freshly generated one-time keys.
func (s *SQLStore) PutOneTimeKeys(ctx context.Context, keys []*OneTimeKey) error {
	return s.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		for _, key := range keys {
			sealed, err := s.sealer.Seal(&sealedOneTimeKey{Private: key.Private})
			if err != nil {
				return err
			}
			_, err = s.db.Exec(ctx, insertOneTimeKeyQuery, key.UserID, key.DeviceID, key.KeyID, key.PublicKey, sealed)
			if err != nil {
				return fmt.Errorf("failed to save one-time key %s: %w", key.KeyID, err)
			}
		}
		return nil
	})
}

func scanOneTimeKey(row dbutil.Scannable) (*OneTimeKey, error) {
	var key OneTimeKey
	err := row.Scan(&key.UserID, &key.DeviceID, &key.KeyID, &key.PublicKey)
	if err != nil {
		return nil, err
	}
	return &key, nil
}

// GetOneTimeKeys returns the unclaimed one-time keys of a device without
// their private halves.
func (s *SQLStore) GetOneTimeKeys(ctx context.Context, userID, deviceID string) ([]*OneTimeKey, error) {
	keys, err := dbutil.ConvertRowFn[*OneTimeKey](scanOneTimeKey).NewRowIter(s.db.Query(ctx, getOneTimeKeysQuery, userID, deviceID)).AsList()
	if err != nil {
		return nil, fmt.Errorf("failed to get one-time keys: %w", err)
	}
	return keys, nil
}

// ConsumeOneTimeKey marks a one-time key claimed and returns its private
// half. A key can only be consumed once; later calls return nil.
func (s *SQLStore) ConsumeOneTimeKey(ctx context.Context, userID, deviceID, keyID string) (*OneTimeKey, error) {
	key := &OneTimeKey{UserID: userID, DeviceID: deviceID, KeyID: keyID, Claimed: true}
	var sealed []byte
	err := s.db.QueryRow(ctx, consumeOneTimeKeyQuery, userID, deviceID, keyID).Scan(&key.PublicKey, &sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to consume one-time key %s: %w", keyID, err)
	}
	var priv sealedOneTimeKey
	if err = s.sealer.Open(sealed, &priv); err != nil {
		return nil, err
	}
	key.Private = priv.Private
	return key, nil
}

// GetPairwiseSession returns the session with a peer device or nil.
func (s *SQLStore) GetPairwiseSession(ctx context.Context, ownDevice, peerUser, peerDevice string) (*PairwiseSession, error) {
	sess := &PairwiseSession{OwnDevice: ownDevice, PeerUser: peerUser, PeerDevice: peerDevice}
	var sealed []byte
	err := s.db.QueryRow(ctx, getPairwiseQuery, ownDevice, peerUser, peerDevice).Scan(&sealed, &sess.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to get pairwise session: %w", err)
	}
	if err = s.sealer.Open(sealed, &sess.State); err != nil {
		return nil, err
	}
	return sess, nil
}

// PutPairwiseSession saves a pairwise session with a version check.
func (s *SQLStore) PutPairwiseSession(ctx context.Context, sess *PairwiseSession) error {
	sealed, err := s.sealer.Seal(&sess.State)
	if err != nil {
		return err
	}
	var affected int64
	if sess.Version == 0 {
		affected, err = rowsAffected(s.db.Exec(ctx, insertPairwiseQuery, sess.OwnDevice, sess.PeerUser, sess.PeerDevice, sealed))
	} else {
		affected, err = rowsAffected(s.db.Exec(ctx, updatePairwiseQuery, sess.OwnDevice, sess.PeerUser, sess.PeerDevice, sealed, sess.Version))
	}
	if err != nil {
		return fmt.Errorf("failed to save pairwise session: %w", err)
	} else if affected == 0 {
		return fmt.Errorf("%w: pairwise session with %s/%s", ErrStaleVersion, sess.PeerUser, sess.PeerDevice)
	}
	sess.Version++
	return nil
}

func (s *SQLStore) scanGroupSession(row dbutil.Scannable) (*OutboundGroupSession, error) {
	var sess OutboundGroupSession
	var createdAt int64
	var sealed []byte
	err := row.Scan(&sess.PortalID, &sess.SessionID, &sess.Generation, &sess.MessageCount, &createdAt, &sealed, &sess.Version)
	if err != nil {
		return nil, err
	}
	sess.CreatedAt = time.UnixMilli(createdAt)
	if err = s.sealer.Open(sealed, &sess.Sealed); err != nil {
		return nil, err
	}
	return &sess, nil
}

// GetOutboundGroupSession returns the current group session of a portal or nil.
func (s *SQLStore) GetOutboundGroupSession(ctx context.Context, portalID string) (*OutboundGroupSession, error) {
	sess, err := s.scanGroupSession(s.db.QueryRow(ctx, getGroupQuery, portalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to get group session of %s: %w", portalID, err)
	}
	return sess, nil
}

// ListOutboundGroupSessions returns the current group session of every portal.
func (s *SQLStore) ListOutboundGroupSessions(ctx context.Context) ([]*OutboundGroupSession, error) {
	sessions, err := dbutil.ConvertRowFn[*OutboundGroupSession](s.scanGroupSession).NewRowIter(s.db.Query(ctx, listGroupQuery)).AsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list group sessions: %w", err)
	}
	return sessions, nil
}

// PutOutboundGroupSession saves a group session. The write is rejected if
// the stored version moved on or if it would lower the generation.
func (s *SQLStore) PutOutboundGroupSession(ctx context.Context, sess *OutboundGroupSession) error {
	sealed, err := s.sealer.Seal(&sess.Sealed)
	if err != nil {
		return err
	}
	var affected int64
	if sess.Version == 0 {
		affected, err = rowsAffected(s.db.Exec(ctx, insertGroupQuery,
			sess.PortalID, sess.SessionID, sess.Generation, sess.MessageCount, sess.CreatedAt.UnixMilli(), sealed))
	} else {
		affected, err = rowsAffected(s.db.Exec(ctx, updateGroupQuery,
			sess.PortalID, sess.SessionID, sess.Generation, sess.MessageCount, sess.CreatedAt.UnixMilli(), sealed, sess.Version))
	}
	if err != nil {
		return fmt.Errorf("failed to save group session of %s: %w", sess.PortalID, err)
	} else if affected == 0 {
		current, getErr := s.GetOutboundGroupSession(ctx, sess.PortalID)
		if getErr == nil && current != nil && current.Generation > sess.Generation {
			return fmt.Errorf("%w: %d < %d", ErrGenerationRegressed, sess.Generation, current.Generation)
		}
		return fmt.Errorf("%w: group session of %s", ErrStaleVersion, sess.PortalID)
	}
	sess.Version++
	return nil
}

// PutInboundGroupSession stores an inbound session. Existing sessions for
// the same sender generation are kept as they are.
func (s *SQLStore) PutInboundGroupSession(ctx context.Context, sess *InboundGroupSession) error {
	sealed, err := s.sealer.Seal(&inboundGroupState{FirstIndex: sess.FirstIndex, ChainKey: sess.ChainKey})
	if err != nil {
		return err
	}
	if sess.ReceivedAt.IsZero() {
		sess.ReceivedAt = time.Now()
	}
	_, err = s.db.Exec(ctx, insertInboundQuery,
		sess.PortalID, sess.SenderUser, sess.SenderDevice, sess.Generation, sess.SessionID, sess.ReceivedAt.UnixMilli(), sealed)
	if err != nil {
		return fmt.Errorf("failed to save inbound group session: %w", err)
	}
	return nil
}

// GetInboundGroupSession returns the inbound session for one sender
// generation or nil.
func (s *SQLStore) GetInboundGroupSession(ctx context.Context, portalID, senderUser, senderDevice string, generation uint32) (*InboundGroupSession, error) {
	var sess InboundGroupSession
	var receivedAt int64
	var sealed []byte
	err := s.db.QueryRow(ctx, getInboundQuery, portalID, senderUser, senderDevice, generation).Scan(
		&sess.PortalID, &sess.SenderUser, &sess.SenderDevice, &sess.Generation, &sess.SessionID, &receivedAt, &sealed,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to get inbound group session: %w", err)
	}
	var state inboundGroupState
	if err = s.sealer.Open(sealed, &state); err != nil {
		return nil, err
	}
	sess.ReceivedAt = time.UnixMilli(receivedAt)
	sess.FirstIndex = state.FirstIndex
	sess.ChainKey = state.ChainKey
	return &sess, nil
}

// GetLatestInboundGeneration returns the newest generation any device of
// senderUser shared in the portal.
func (s *SQLStore) GetLatestInboundGeneration(ctx context.Context, portalID, senderUser string) (uint32, bool, error) {
	var generation sql.NullInt64
	err := s.db.QueryRow(ctx, getLatestInboundGenerationQuery, portalID, senderUser).Scan(&generation)
	if err != nil {
		return 0, false, fmt.Errorf("failed to get latest inbound generation: %w", err)
	}
	return uint32(generation.Int64), generation.Valid, nil
}

// PutMemberExit records that userID left portalID when the group session
// was at generation. The stored generation only ever grows.
func (s *SQLStore) PutMemberExit(ctx context.Context, portalID, userID string, generation uint32) error {
	_, err := s.db.Exec(ctx, putMemberExitQuery, portalID, userID, generation)
	if err != nil {
		return fmt.Errorf("failed to save member exit: %w", err)
	}
	return nil
}

// GetMemberExit returns the generation at which userID last left portalID.
func (s *SQLStore) GetMemberExit(ctx context.Context, portalID, userID string) (generation uint32, found bool, err error) {
	err = s.db.QueryRow(ctx, getMemberExitQuery, portalID, userID).Scan(&generation)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	} else if err != nil {
		return 0, false, fmt.Errorf("failed to get member exit: %w", err)
	}
	return generation, true, nil
}

// MarkSeen records a decrypted message digest. It returns false when the
// digest was already recorded for the portal.
func (s *SQLStore) MarkSeen(ctx context.Context, portalID string, digest [32]byte) (bool, error) {
	affected, err := rowsAffected(s.db.Exec(ctx, markSeenQuery, portalID, digest[:], time.Now().UnixMilli()))
	if err != nil {
		return false, fmt.Errorf("failed to record message digest: %w", err)
	}
	return affected > 0, nil
}
