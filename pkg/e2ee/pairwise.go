// Copyright 2024-2026 Aiku AI

package e2ee

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/aiku/mautrix-bridgecore/pkg/cryptostore"
	"github.com/aiku/mautrix-bridgecore/pkg/network"
)

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("e2ee: CBOR encoder initialization failed: " + err.Error())
	}
}

// prekeyHeader lets the responder derive the same session as the initiator.
type prekeyHeader struct {
	OneTimeKeyID string `cbor:"1,keyasint"`
	Ephemeral    []byte `cbor:"2,keyasint"`
	IdentityKey  []byte `cbor:"3,keyasint"`
}

type pairwiseEnvelope struct {
	Prekey     []byte `cbor:"1,keyasint,omitempty"`
	Counter    uint32 `cbor:"2,keyasint"`
	Ciphertext []byte `cbor:"3,keyasint"`
}

// roomKey is the pairwise payload that shares one group session generation.
type roomKey struct {
	PortalID   string `cbor:"1,keyasint"`
	SessionID  string `cbor:"2,keyasint"`
	Generation uint32 `cbor:"3,keyasint"`
	Index      uint32 `cbor:"4,keyasint"`
	ChainKey   []byte `cbor:"5,keyasint"`
}

func pairwiseAAD(senderUser, senderDevice, recipientUser, recipientDevice string, counter uint32) []byte {
	var buf bytes.Buffer
	for _, part := range []string{senderUser, senderDevice, recipientUser, recipientDevice} {
		buf.WriteString(part)
		buf.WriteByte(0)
	}
	return binary.BigEndian.AppendUint32(buf.Bytes(), counter)
}

func peerLockKey(ownDevice, peerUser, peerDevice string) string {
	return ownDevice + "|" + peerUser + "|" + peerDevice
}

// startSession claims a one-time key of peer and derives a new outbound
// pairwise session.
func (m *Manager) startSession(ctx context.Context, own, peer *cryptostore.Device) (*cryptostore.PairwiseSession, error) {
	otk, err := m.transport.ClaimOneTimeKey(ctx, peer.UserID, peer.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to claim one-time key of %s/%s: %w", peer.UserID, peer.DeviceID, err)
	} else if otk == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrNoOneTimeKey, peer.UserID, peer.DeviceID)
	} else if !ed25519.Verify(peer.SigningKey, otk.Key, otk.Signature) {
		return nil, fmt.Errorf("%w: one-time key %s of %s/%s", ErrInvalidSignature, otk.ID, peer.UserID, peer.DeviceID)
	}
	ephPriv, ephPub, err := generateX25519()
	if err != nil {
		return nil, err
	}
	secret, err := agree(
		[2][]byte{ephPriv, peer.IdentityKey},
		[2][]byte{ephPriv, otk.Key},
		[2][]byte{own.Private.IdentityKey, otk.Key},
	)
	if err != nil {
		return nil, err
	}
	sendChain, recvChain, err := deriveChains(secret)
	if err != nil {
		return nil, err
	}
	header, err := encMode.Marshal(&prekeyHeader{OneTimeKeyID: otk.ID, Ephemeral: ephPub, IdentityKey: own.IdentityKey})
	if err != nil {
		return nil, fmt.Errorf("failed to encode prekey header: %w", err)
	}
	return &cryptostore.PairwiseSession{
		OwnDevice:  own.DeviceID,
		PeerUser:   peer.UserID,
		PeerDevice: peer.DeviceID,
		State: cryptostore.PairwiseState{
			SendChain: sendChain,
			RecvChain: recvChain,
			Prekey:    header,
			Initiator: true,
		},
	}, nil
}

func agree(pairs ...[2][]byte) ([]byte, error) {
	secret := make([]byte, 0, len(pairs)*keySize)
	for _, pair := range pairs {
		shared, err := dh(pair[0], pair[1])
		if err != nil {
			return nil, err
		}
		secret = append(secret, shared...)
	}
	return secret, nil
}

// encryptToDevice seals plaintext for one peer device. The ratcheted
// session is persisted before the message is returned.
func (m *Manager) encryptToDevice(ctx context.Context, own, peer *cryptostore.Device, plaintext []byte) (*network.ToDeviceMessage, error) {
	unlock := m.peerLocks.Lock(peerLockKey(own.DeviceID, peer.UserID, peer.DeviceID))
	defer unlock()

	sess, err := m.store.GetPairwiseSession(ctx, own.DeviceID, peer.UserID, peer.DeviceID)
	if err != nil {
		return nil, err
	} else if sess == nil {
		if sess, err = m.startSession(ctx, own, peer); err != nil {
			return nil, err
		}
	}
	counter := sess.State.SendCounter
	messageKey, next := ratchet(sess.State.SendChain)
	ciphertext, err := seal(messageKey, plaintext, pairwiseAAD(own.UserID, own.DeviceID, peer.UserID, peer.DeviceID, counter))
	if err != nil {
		return nil, err
	}
	sess.State.SendChain = next
	sess.State.SendCounter++
	if err = m.store.PutPairwiseSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to save pairwise session: %w", err)
	}
	env := &pairwiseEnvelope{Counter: counter, Ciphertext: ciphertext}
	if sess.State.Initiator {
		env.Prekey = sess.State.Prekey
	}
	payload, err := encMode.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode pairwise envelope: %w", err)
	}
	return &network.ToDeviceMessage{
		SenderUser:      own.UserID,
		SenderDevice:    own.DeviceID,
		RecipientUser:   peer.UserID,
		RecipientDevice: peer.DeviceID,
		Payload:         payload,
	}, nil
}

// acceptSession derives the responder side of a session from a prekey
// header, consuming the referenced own one-time key.
func (m *Manager) acceptSession(ctx context.Context, own, peer *cryptostore.Device, rawHeader []byte, existing *cryptostore.PairwiseSession) (*cryptostore.PairwiseSession, bool, error) {
	var header prekeyHeader
	if err := cbor.Unmarshal(rawHeader, &header); err != nil {
		return nil, false, fmt.Errorf("failed to decode prekey header: %w", err)
	}
	if !bytes.Equal(header.IdentityKey, peer.IdentityKey) {
		return nil, false, fmt.Errorf("%w: identity key mismatch for %s/%s", ErrUntrustedSender, peer.UserID, peer.DeviceID)
	}
	otk, err := m.store.ConsumeOneTimeKey(ctx, own.UserID, own.DeviceID, header.OneTimeKeyID)
	if err != nil {
		return nil, false, err
	} else if otk == nil {
		return nil, false, fmt.Errorf("one-time key %s is unknown or already used", header.OneTimeKeyID)
	}
	secret, err := agree(
		[2][]byte{own.Private.IdentityKey, header.Ephemeral},
		[2][]byte{otk.Private, header.Ephemeral},
		[2][]byte{otk.Private, header.IdentityKey},
	)
	if err != nil {
		return nil, true, err
	}
	initiatorChain, responderChain, err := deriveChains(secret)
	if err != nil {
		return nil, true, err
	}
	sess := &cryptostore.PairwiseSession{
		OwnDevice:  own.DeviceID,
		PeerUser:   peer.UserID,
		PeerDevice: peer.DeviceID,
		State: cryptostore.PairwiseState{
			SendChain: responderChain,
			RecvChain: initiatorChain,
			Prekey:    rawHeader,
		},
	}
	if existing != nil {
		sess.Version = existing.Version
	}
	return sess, true, nil
}

// decryptFromDevice opens a pairwise envelope and persists the advanced
// receiving chain.
func (m *Manager) decryptFromDevice(ctx context.Context, own, peer *cryptostore.Device, env *pairwiseEnvelope) (plaintext []byte, consumedKey bool, err error) {
	unlock := m.peerLocks.Lock(peerLockKey(own.DeviceID, peer.UserID, peer.DeviceID))
	defer unlock()

	sess, err := m.store.GetPairwiseSession(ctx, own.DeviceID, peer.UserID, peer.DeviceID)
	if err != nil {
		return nil, false, err
	}
	if len(env.Prekey) > 0 && (sess == nil || !bytes.Equal(sess.State.Prekey, env.Prekey)) {
		sess, consumedKey, err = m.acceptSession(ctx, own, peer, env.Prekey, sess)
		if err != nil {
			return nil, consumedKey, err
		}
	} else if sess == nil {
		return nil, false, fmt.Errorf("%w %s/%s", ErrNoPairwiseSession, peer.UserID, peer.DeviceID)
	}
	if env.Counter < sess.State.RecvCounter {
		return nil, consumedKey, fmt.Errorf("pairwise message %d from %s/%s was already received", env.Counter, peer.UserID, peer.DeviceID)
	} else if env.Counter-sess.State.RecvCounter > maxRatchetSkip {
		return nil, consumedKey, fmt.Errorf("pairwise message %d from %s/%s is too far ahead", env.Counter, peer.UserID, peer.DeviceID)
	}
	chain := advance(sess.State.RecvChain, env.Counter-sess.State.RecvCounter)
	messageKey, next := ratchet(chain)
	plaintext, err = open(messageKey, env.Ciphertext, pairwiseAAD(peer.UserID, peer.DeviceID, own.UserID, own.DeviceID, env.Counter))
	if err != nil {
		return nil, consumedKey, err
	}
	sess.State.RecvChain = next
	sess.State.RecvCounter = env.Counter + 1
	if err = m.store.PutPairwiseSession(ctx, sess); err != nil {
		return nil, consumedKey, fmt.Errorf("failed to save pairwise session: %w", err)
	}
	return plaintext, consumedKey, nil
}

// HandleToDevice processes a pairwise message addressed to one of the
// manager's own devices. Room keys it carries become inbound group
// sessions.
func (m *Manager) HandleToDevice(ctx context.Context, msg *network.ToDeviceMessage) error {
	own, err := m.store.GetOwnDevice(ctx, msg.RecipientUser)
	if err != nil {
		return err
	} else if own == nil || own.DeviceID != msg.RecipientDevice {
		return fmt.Errorf("%w: %s/%s is not an own device", ErrDeviceNotFound, msg.RecipientUser, msg.RecipientDevice)
	}
	peer, err := m.lookupDevice(ctx, msg.SenderUser, msg.SenderDevice)
	if err != nil {
		return err
	} else if peer == nil || peer.Trust == cryptostore.TrustRevoked {
		return fmt.Errorf("%w: %s/%s", ErrUntrustedSender, msg.SenderUser, msg.SenderDevice)
	}
	var env pairwiseEnvelope
	if err = cbor.Unmarshal(msg.Payload, &env); err != nil {
		return fmt.Errorf("failed to decode pairwise envelope: %w", err)
	}
	plaintext, consumedKey, err := m.decryptFromDevice(ctx, own, peer, &env)
	if consumedKey {
		m.replenishOneTimeKey(ctx, own.UserID)
	}
	if err != nil {
		return err
	}
	var key roomKey
	if err = cbor.Unmarshal(plaintext, &key); err != nil {
		return fmt.Errorf("failed to decode room key: %w", err)
	}
	err = m.store.PutInboundGroupSession(ctx, &cryptostore.InboundGroupSession{
		PortalID:     key.PortalID,
		SenderUser:   msg.SenderUser,
		SenderDevice: msg.SenderDevice,
		Generation:   key.Generation,
		SessionID:    key.SessionID,
		FirstIndex:   key.Index,
		ChainKey:     key.ChainKey,
	})
	if err != nil {
		return err
	}
	m.log.Debug().
		Str("portal_id", key.PortalID).
		Str("sender_user", msg.SenderUser).
		Str("sender_device", msg.SenderDevice).
		Uint32("generation", key.Generation).
		Msg("Received room key")
	return nil
}
