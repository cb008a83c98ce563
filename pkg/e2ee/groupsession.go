// Copyright 2024-2026 Aiku AI

package e2ee

import (
	"bytes"
	"context"
	"fmt"
	"slices"

	"go.mau.fi/util/random"

	"github.com/aiku/mautrix-bridgecore/pkg/cryptostore"
	"github.com/aiku/mautrix-bridgecore/pkg/network"
)

func (m *Manager) needsRotation(sess *cryptostore.OutboundGroupSession, members []string) bool {
	switch {
	case sess == nil:
		return true
	case !bytes.Equal(membershipHash(members), sess.Sealed.MembershipHash):
		return true
	case sess.MessageCount >= m.cfg.RotationMessages:
		return true
	case m.now().Sub(sess.CreatedAt) >= m.cfg.RotationPeriod:
		return true
	default:
		return false
	}
}

// EncryptForPortal encrypts plaintext with the portal's current group
// session. The session is rotated first if there is none yet, if members
// differs from the session's membership snapshot or if it reached the
// rotation threshold. A nil members keeps the current snapshot.
func (m *Manager) EncryptForPortal(ctx context.Context, portalID string, members []string, plaintext []byte) (*network.EncryptedPayload, error) {
	unlock := m.portalLocks.Lock(portalID)
	defer unlock()

	own, err := m.ensureDevice(ctx, m.cfg.OwnUserID)
	if err != nil {
		return nil, err
	}
	sess, err := m.store.GetOutboundGroupSession(ctx, portalID)
	if err != nil {
		return nil, err
	}
	if members == nil && sess != nil {
		members = sess.Sealed.Members
	}
	if m.needsRotation(sess, members) {
		if sess, err = m.rotateLocked(ctx, portalID, sess, members, own); err != nil {
			return nil, err
		}
	}

	index := sess.Sealed.Index
	messageKey, next := ratchet(sess.Sealed.ChainKey)
	ciphertext, err := seal(messageKey, plaintext, groupAAD(portalID, sess.SessionID, sess.Generation, index))
	if err != nil {
		return nil, err
	}
	sess.Sealed.ChainKey = next
	sess.Sealed.Index++
	sess.MessageCount++
	if err = m.store.PutOutboundGroupSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to persist group session before use: %w", err)
	}
	return &network.EncryptedPayload{
		SessionID:    sess.SessionID,
		Generation:   sess.Generation,
		Index:        index,
		SenderUser:   own.UserID,
		SenderDevice: own.DeviceID,
		Ciphertext:   ciphertext,
	}, nil
}

// RotateGroupSession starts a new generation for the portal with the
// current membership snapshot. Earlier generations stay decryptable.
func (m *Manager) RotateGroupSession(ctx context.Context, portalID string) (uint32, error) {
	unlock := m.portalLocks.Lock(portalID)
	defer unlock()

	own, err := m.ensureDevice(ctx, m.cfg.OwnUserID)
	if err != nil {
		return 0, err
	}
	prev, err := m.store.GetOutboundGroupSession(ctx, portalID)
	if err != nil {
		return 0, err
	}
	var members []string
	if prev != nil {
		members = prev.Sealed.Members
	}
	sess, err := m.rotateLocked(ctx, portalID, prev, members, own)
	if err != nil {
		return 0, err
	}
	return sess.Generation, nil
}

// MemberJoined adds userID to the portal's membership snapshot and rotates.
func (m *Manager) MemberJoined(ctx context.Context, portalID, userID string) error {
	return m.changeMembership(ctx, portalID, userID, true)
}

// MemberLeft records the newest generation userID had shared when they left
// and rotates to a session that isn't shared with them. Payloads userID
// encrypted under older generations are rejected from then on.
func (m *Manager) MemberLeft(ctx context.Context, portalID, userID string) error {
	return m.changeMembership(ctx, portalID, userID, false)
}

func (m *Manager) changeMembership(ctx context.Context, portalID, userID string, joined bool) error {
	unlock := m.portalLocks.Lock(portalID)
	defer unlock()

	own, err := m.ensureDevice(ctx, m.cfg.OwnUserID)
	if err != nil {
		return err
	}
	prev, err := m.store.GetOutboundGroupSession(ctx, portalID)
	if err != nil {
		return err
	}
	var members []string
	if prev != nil {
		members = slices.Clone(prev.Sealed.Members)
	}
	if joined {
		if slices.Contains(members, userID) {
			return nil
		}
		members = append(members, userID)
	} else {
		exitGeneration, _, err := m.store.GetLatestInboundGeneration(ctx, portalID, userID)
		if err != nil {
			return err
		}
		if err = m.store.PutMemberExit(ctx, portalID, userID, exitGeneration); err != nil {
			return err
		}
		if prev == nil {
			return nil
		}
		members = slices.DeleteFunc(members, func(member string) bool { return member == userID })
	}
	_, err = m.rotateLocked(ctx, portalID, prev, members, own)
	return err
}

// rotateLocked creates, persists and shares the next generation. The
// caller must hold the portal lock.
func (m *Manager) rotateLocked(ctx context.Context, portalID string, prev *cryptostore.OutboundGroupSession, members []string, own *cryptostore.Device) (*cryptostore.OutboundGroupSession, error) {
	log := m.log.With().Str("portal_id", portalID).Logger()
	next := &cryptostore.OutboundGroupSession{
		PortalID:   portalID,
		SessionID:  random.String(16),
		Generation: 1,
		CreatedAt:  m.now(),
		Sealed: cryptostore.OutboundGroupState{
			ChainKey:       random.Bytes(keySize),
			MembershipHash: membershipHash(members),
			Members:        slices.Clone(members),
		},
	}
	if prev != nil {
		next.Generation = prev.Generation + 1
		next.Version = prev.Version
	}

	var recipients []*cryptostore.Device
	for _, member := range members {
		devices, err := m.peerDevices(ctx, member)
		if err != nil {
			log.Warn().Err(err).Str("user_id", member).Msg("Failed to get devices for room key share")
			continue
		}
		for _, dev := range devices {
			if dev.UserID == own.UserID && dev.DeviceID == own.DeviceID {
				continue
			}
			recipients = append(recipients, dev)
			next.Sealed.Devices = append(next.Sealed.Devices, dev.Ref())
		}
	}

	err := m.store.PutInboundGroupSession(ctx, &cryptostore.InboundGroupSession{
		PortalID:     portalID,
		SenderUser:   own.UserID,
		SenderDevice: own.DeviceID,
		Generation:   next.Generation,
		SessionID:    next.SessionID,
		ChainKey:     next.Sealed.ChainKey,
	})
	if err != nil {
		return nil, err
	}
	if err = m.store.PutOutboundGroupSession(ctx, next); err != nil {
		return nil, fmt.Errorf("failed to persist rotated group session: %w", err)
	}

	key, err := encMode.Marshal(&roomKey{
		PortalID:   portalID,
		SessionID:  next.SessionID,
		Generation: next.Generation,
		ChainKey:   next.Sealed.ChainKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode room key: %w", err)
	}
	shared := 0
	for _, dev := range recipients {
		msg, err := m.encryptToDevice(ctx, own, dev, key)
		if err == nil {
			err = m.transport.SendToDevice(ctx, msg)
		}
		if err != nil {
			log.Warn().Err(err).
				Str("user_id", dev.UserID).
				Str("device_id", dev.DeviceID).
				Msg("Failed to share room key")
			continue
		}
		shared++
	}
	log.Info().
		Uint32("generation", next.Generation).
		Int("members", len(members)).
		Int("shared_devices", shared).
		Msg("Rotated group session")
	return next, nil
}

// CurrentGeneration returns the generation new messages in the portal are
// encrypted with, or 0 if the portal has no group session yet.
func (m *Manager) CurrentGeneration(ctx context.Context, portalID string) (uint32, error) {
	sess, err := m.store.GetOutboundGroupSession(ctx, portalID)
	if err != nil || sess == nil {
		return 0, err
	}
	return sess.Generation, nil
}

// Decrypt opens a group payload with exactly the generation it names.
func (m *Manager) Decrypt(ctx context.Context, portalID string, payload *network.EncryptedPayload) ([]byte, error) {
	unlock := m.portalLocks.Lock(portalID)
	defer unlock()

	fail := func(reason FailureReason, err error) error {
		return &DecryptFailure{Reason: reason, PortalID: portalID, Generation: payload.Generation, Err: err}
	}
	exitGeneration, left, err := m.store.GetMemberExit(ctx, portalID, payload.SenderUser)
	if err != nil {
		return nil, err
	} else if left && payload.Generation < exitGeneration {
		return nil, fail(MembershipMismatch, fmt.Errorf("%s left at generation %d", payload.SenderUser, exitGeneration))
	}
	sess, err := m.store.GetInboundGroupSession(ctx, portalID, payload.SenderUser, payload.SenderDevice, payload.Generation)
	if err != nil {
		return nil, err
	} else if sess == nil {
		return nil, fail(UnknownSession, nil)
	} else if sess.SessionID != payload.SessionID {
		return nil, fail(UnknownSession, fmt.Errorf("session id %s does not match %s", payload.SessionID, sess.SessionID))
	} else if payload.Index < sess.FirstIndex || payload.Index-sess.FirstIndex > maxRatchetSkip {
		return nil, fail(UnknownSession, fmt.Errorf("index %d is outside the known chain", payload.Index))
	}
	messageKey, _ := ratchet(advance(sess.ChainKey, payload.Index-sess.FirstIndex))
	plaintext, err := open(messageKey, payload.Ciphertext, groupAAD(portalID, payload.SessionID, payload.Generation, payload.Index))
	if err != nil {
		return nil, fail(UnknownSession, err)
	}
	fresh, err := m.store.MarkSeen(ctx, portalID, messageDigest(portalID, payload.Ciphertext))
	if err != nil {
		return nil, err
	} else if !fresh {
		return nil, fail(ReplayedMessage, nil)
	}
	return plaintext, nil
}
