// Copyright 2024-2026 Aiku AI

package e2ee

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"

	"github.com/zeebo/blake3"
	"go.mau.fi/util/random"

	"github.com/aiku/mautrix-bridgecore/pkg/cryptostore"
	"github.com/aiku/mautrix-bridgecore/pkg/network"
)

// DeviceInfo is the public description of a device. Key bytes never leave
// the manager; the fingerprint identifies the identity key instead.
type DeviceInfo struct {
	UserID      string
	DeviceID    string
	Trust       cryptostore.Trust
	Own         bool
	Fingerprint string
}

func deviceInfo(d *cryptostore.Device) *DeviceInfo {
	sum := blake3.Sum256(d.IdentityKey)
	return &DeviceInfo{
		UserID:      d.UserID,
		DeviceID:    d.DeviceID,
		Trust:       d.Trust,
		Own:         d.Own,
		Fingerprint: base64.RawStdEncoding.EncodeToString(sum[:12]),
	}
}

// EnsureDevice returns the own device of userID, creating and publishing it
// first if there is none. Keys are republished once per process start.
func (m *Manager) EnsureDevice(ctx context.Context, userID string) (*DeviceInfo, error) {
	dev, err := m.ensureDevice(ctx, userID)
	if err != nil {
		return nil, err
	}
	return deviceInfo(dev), nil
}

func (m *Manager) ensureDevice(ctx context.Context, userID string) (*cryptostore.Device, error) {
	unlock := m.userLocks.Lock(userID)
	defer unlock()

	dev, err := m.store.GetOwnDevice(ctx, userID)
	if err != nil {
		return nil, err
	}
	if dev == nil {
		if dev, err = m.createDevice(ctx, userID); err != nil {
			return nil, err
		}
	}
	m.publishedLock.Lock()
	published := m.published[userID]
	m.publishedLock.Unlock()
	if !published {
		if err = m.publishKeys(ctx, dev); err != nil {
			return nil, err
		}
	}
	return dev, nil
}

func (m *Manager) createDevice(ctx context.Context, userID string) (*cryptostore.Device, error) {
	identityPriv, identityPub, err := generateX25519()
	if err != nil {
		return nil, err
	}
	signingPub, signingPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	dev := &cryptostore.Device{
		UserID:      userID,
		DeviceID:    "BRIDGE" + random.String(8),
		IdentityKey: identityPub,
		SigningKey:  signingPub,
		Trust:       cryptostore.TrustVerified,
		Own:         true,
		Private:     &cryptostore.DevicePrivate{IdentityKey: identityPriv, SigningKey: signingPriv},
	}
	if err = m.store.PutDevice(ctx, dev); err != nil {
		return nil, fmt.Errorf("failed to save new device: %w", err)
	}
	if err = m.generateOneTimeKeys(ctx, dev, m.cfg.OneTimeKeys); err != nil {
		return nil, err
	}
	m.log.Info().Str("user_id", userID).Str("device_id", dev.DeviceID).Msg("Created new device")
	return dev, nil
}

func (m *Manager) generateOneTimeKeys(ctx context.Context, dev *cryptostore.Device, count int) error {
	keys := make([]*cryptostore.OneTimeKey, 0, count)
	for range count {
		priv, pub, err := generateX25519()
		if err != nil {
			return err
		}
		keys = append(keys, &cryptostore.OneTimeKey{
			UserID:    dev.UserID,
			DeviceID:  dev.DeviceID,
			KeyID:     random.String(12),
			PublicKey: pub,
			Private:   priv,
		})
	}
	if err := m.store.PutOneTimeKeys(ctx, keys); err != nil {
		return fmt.Errorf("failed to save one-time keys: %w", err)
	}
	return nil
}

func (m *Manager) publishKeys(ctx context.Context, dev *cryptostore.Device) error {
	otks, err := m.store.GetOneTimeKeys(ctx, dev.UserID, dev.DeviceID)
	if err != nil {
		return err
	}
	signingKey := ed25519.PrivateKey(dev.Private.SigningKey)
	keys := &network.DeviceKeys{
		UserID:      dev.UserID,
		DeviceID:    dev.DeviceID,
		IdentityKey: dev.IdentityKey,
		SigningKey:  dev.SigningKey,
		Signature:   ed25519.Sign(signingKey, dev.IdentityKey),
		OneTimeKeys: make([]network.OneTimeKey, len(otks)),
	}
	for i, otk := range otks {
		keys.OneTimeKeys[i] = network.OneTimeKey{
			ID:        otk.KeyID,
			Key:       otk.PublicKey,
			Signature: ed25519.Sign(signingKey, otk.PublicKey),
		}
	}
	if err = m.transport.PublishDeviceKeys(ctx, keys); err != nil {
		return fmt.Errorf("failed to publish device keys: %w", err)
	}
	m.publishedLock.Lock()
	m.published[dev.UserID] = true
	m.publishedLock.Unlock()
	m.log.Debug().
		Str("user_id", dev.UserID).
		Str("device_id", dev.DeviceID).
		Int("one_time_keys", len(otks)).
		Msg("Published device keys")
	return nil
}

// replenishOneTimeKey replaces a consumed one-time key and republishes.
func (m *Manager) replenishOneTimeKey(ctx context.Context, userID string) {
	unlock := m.userLocks.Lock(userID)
	defer unlock()
	dev, err := m.store.GetOwnDevice(ctx, userID)
	if err == nil && dev != nil {
		err = m.generateOneTimeKeys(ctx, dev, 1)
		if err == nil {
			err = m.publishKeys(ctx, dev)
		}
	}
	if err != nil {
		m.log.Warn().Err(err).Str("user_id", userID).Msg("Failed to replenish one-time keys")
	}
}

// peerDevices refreshes the devices of userID from the key transport and
// returns every known, non-revoked device that isn't owned by this manager.
func (m *Manager) peerDevices(ctx context.Context, userID string) ([]*cryptostore.Device, error) {
	published, err := m.transport.FetchDeviceKeys(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch device keys of %s: %w", userID, err)
	}
	for _, keys := range published {
		if err = m.rememberDevice(ctx, keys); err != nil {
			m.log.Warn().Err(err).
				Str("user_id", keys.UserID).
				Str("device_id", keys.DeviceID).
				Msg("Ignoring published device")
		}
	}
	known, err := m.store.GetDevices(ctx, userID)
	if err != nil {
		return nil, err
	}
	peers := known[:0]
	for _, dev := range known {
		if !dev.Own && dev.Trust != cryptostore.TrustRevoked {
			peers = append(peers, dev)
		}
	}
	return peers, nil
}

func (m *Manager) rememberDevice(ctx context.Context, keys *network.DeviceKeys) error {
	if len(keys.SigningKey) != ed25519.PublicKeySize || !ed25519.Verify(keys.SigningKey, keys.IdentityKey, keys.Signature) {
		return ErrInvalidSignature
	}
	existing, err := m.store.GetDevice(ctx, keys.UserID, keys.DeviceID)
	if err != nil {
		return err
	} else if existing != nil {
		if !bytes.Equal(existing.IdentityKey, keys.IdentityKey) {
			return fmt.Errorf("identity key of %s/%s changed", keys.UserID, keys.DeviceID)
		}
		return nil
	}
	err = m.store.PutDevice(ctx, &cryptostore.Device{
		UserID:      keys.UserID,
		DeviceID:    keys.DeviceID,
		IdentityKey: keys.IdentityKey,
		SigningKey:  keys.SigningKey,
		Trust:       cryptostore.TrustUnverified,
	})
	if errors.Is(err, cryptostore.ErrStaleVersion) {
		return nil
	}
	return err
}

// lookupDevice returns a known device, fetching the user's devices once if
// it isn't known yet.
func (m *Manager) lookupDevice(ctx context.Context, userID, deviceID string) (*cryptostore.Device, error) {
	dev, err := m.store.GetDevice(ctx, userID, deviceID)
	if err != nil || dev != nil {
		return dev, err
	}
	if _, err = m.peerDevices(ctx, userID); err != nil {
		return nil, err
	}
	return m.store.GetDevice(ctx, userID, deviceID)
}

// GetDevice returns the public description of a known device.
func (m *Manager) GetDevice(ctx context.Context, userID, deviceID string) (*DeviceInfo, error) {
	dev, err := m.store.GetDevice(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	} else if dev == nil {
		return nil, ErrDeviceNotFound
	}
	return deviceInfo(dev), nil
}

func (m *Manager) setTrust(ctx context.Context, userID, deviceID string, trust cryptostore.Trust) error {
	for range 3 {
		dev, err := m.lookupDevice(ctx, userID, deviceID)
		if err != nil {
			return err
		} else if dev == nil {
			return ErrDeviceNotFound
		}
		dev.Trust = trust
		err = m.store.PutDevice(ctx, dev)
		if !errors.Is(err, cryptostore.ErrStaleVersion) {
			return err
		}
	}
	return fmt.Errorf("failed to update trust of %s/%s: %w", userID, deviceID, cryptostore.ErrStaleVersion)
}

// VerifyDevice marks a device as verified.
func (m *Manager) VerifyDevice(ctx context.Context, userID, deviceID string) error {
	if err := m.setTrust(ctx, userID, deviceID, cryptostore.TrustVerified); err != nil {
		return err
	}
	m.log.Info().Str("user_id", userID).Str("device_id", deviceID).Msg("Device verified")
	return nil
}

// RevokeDevice marks a device as revoked and rotates every group session
// that was shared with it.
func (m *Manager) RevokeDevice(ctx context.Context, userID, deviceID string) error {
	if err := m.setTrust(ctx, userID, deviceID, cryptostore.TrustRevoked); err != nil {
		return err
	}
	sessions, err := m.store.ListOutboundGroupSessions(ctx)
	if err != nil {
		return err
	}
	ref := cryptostore.DeviceRef{UserID: userID, DeviceID: deviceID}
	rotated := 0
	for _, sess := range sessions {
		if !slices.Contains(sess.Sealed.Devices, ref) {
			continue
		}
		if _, err = m.RotateGroupSession(ctx, sess.PortalID); err != nil {
			return fmt.Errorf("failed to rotate group session of %s after revocation: %w", sess.PortalID, err)
		}
		rotated++
	}
	m.log.Info().
		Str("user_id", userID).
		Str("device_id", deviceID).
		Int("rotated_sessions", rotated).
		Msg("Device revoked")
	return nil
}
