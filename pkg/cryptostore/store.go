// Copyright 2024-2026 Aiku AI

// Package cryptostore persists device keys and session state for the
// encryption session manager. Private key material is sealed before it
// touches the database.
package cryptostore

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrStaleVersion is returned when a record was written by someone else
	// since it was read.
	ErrStaleVersion = errors.New("crypto record version is stale")
	// ErrGenerationRegressed is returned when a group session write would
	// lower the portal's generation.
	ErrGenerationRegressed = errors.New("group session generation must not decrease")
)

// Trust is the verification state of a device.
type Trust string

const (
	TrustUnverified Trust = "unverified"
	TrustVerified   Trust = "verified"
	TrustRevoked    Trust = "revoked"
)

// DeviceRef names one device of one user.
type DeviceRef struct {
	UserID   string `cbor:"1,keyasint"`
	DeviceID string `cbor:"2,keyasint"`
}

// Device is an own or peer device. Private is only set for own devices.
type Device struct {
	UserID      string
	DeviceID    string
	IdentityKey []byte
	SigningKey  []byte
	Trust       Trust
	Own         bool
	Private     *DevicePrivate
	// Version is the version that was read. Writes bump it by one.
	Version int64
}

// Ref returns the device reference.
func (d *Device) Ref() DeviceRef {
	return DeviceRef{UserID: d.UserID, DeviceID: d.DeviceID}
}

// DevicePrivate holds the private halves of an own device's keys.
type DevicePrivate struct {
	IdentityKey []byte `cbor:"1,keyasint"`
	SigningKey  []byte `cbor:"2,keyasint"`
}

// OneTimeKey is an own one-time prekey. Private is only populated when the
// key is consumed.
type OneTimeKey struct {
	UserID    string
	DeviceID  string
	KeyID     string
	PublicKey []byte
	Private   []byte
	Claimed   bool
}

// PairwiseState is the symmetric ratchet state between two devices.
type PairwiseState struct {
	SendChain   []byte `cbor:"1,keyasint"`
	SendCounter uint32 `cbor:"2,keyasint"`
	RecvChain   []byte `cbor:"3,keyasint"`
	RecvCounter uint32 `cbor:"4,keyasint"`
	// Prekey is the encoded handshake header the session was established
	// with. The initiator repeats it until the session is replaced.
	Prekey    []byte `cbor:"5,keyasint,omitempty"`
	Initiator bool   `cbor:"6,keyasint,omitempty"`
}

// PairwiseSession is keyed by own device and peer device.
type PairwiseSession struct {
	OwnDevice  string
	PeerUser   string
	PeerDevice string
	State      PairwiseState
	Version    int64
}

// OutboundGroupSession is the current group session a portal encrypts with.
type OutboundGroupSession struct {
	PortalID     string
	SessionID    string
	Generation   uint32
	MessageCount int
	CreatedAt    time.Time
	Sealed       OutboundGroupState
	Version      int64
}

// OutboundGroupState is the sealed part of an outbound group session.
type OutboundGroupState struct {
	ChainKey       []byte      `cbor:"1,keyasint"`
	Index          uint32      `cbor:"2,keyasint"`
	Devices        []DeviceRef `cbor:"3,keyasint"`
	MembershipHash []byte      `cbor:"4,keyasint"`
	Members        []string    `cbor:"5,keyasint"`
}

// InboundGroupSession lets a portal decrypt one sender's generation. The
// chain key is stored at FirstIndex and ratcheted forward on demand.
type InboundGroupSession struct {
	PortalID     string
	SenderUser   string
	SenderDevice string
	Generation   uint32
	SessionID    string
	ReceivedAt   time.Time
	FirstIndex   uint32
	ChainKey     []byte
}

type inboundGroupState struct {
	FirstIndex uint32 `cbor:"1,keyasint"`
	ChainKey   []byte `cbor:"2,keyasint"`
}

// Store is the persistence boundary of the encryption session manager.
// Every method is a single-record operation.
type Store interface {
	PutDevice(ctx context.Context, device *Device) error
	GetDevice(ctx context.Context, userID, deviceID string) (*Device, error)
	GetOwnDevice(ctx context.Context, userID string) (*Device, error)
	GetDevices(ctx context.Context, userID string) ([]*Device, error)

	PutOneTimeKeys(ctx context.Context, keys []*OneTimeKey) error
	// GetOneTimeKeys returns the public halves of unclaimed keys.
	GetOneTimeKeys(ctx context.Context, userID, deviceID string) ([]*OneTimeKey, error)
	ConsumeOneTimeKey(ctx context.Context, userID, deviceID, keyID string) (*OneTimeKey, error)

	GetPairwiseSession(ctx context.Context, ownDevice, peerUser, peerDevice string) (*PairwiseSession, error)
	PutPairwiseSession(ctx context.Context, session *PairwiseSession) error

	GetOutboundGroupSession(ctx context.Context, portalID string) (*OutboundGroupSession, error)
	PutOutboundGroupSession(ctx context.Context, session *OutboundGroupSession) error
	ListOutboundGroupSessions(ctx context.Context) ([]*OutboundGroupSession, error)

	PutInboundGroupSession(ctx context.Context, session *InboundGroupSession) error
	GetInboundGroupSession(ctx context.Context, portalID, senderUser, senderDevice string, generation uint32) (*InboundGroupSession, error)
	// GetLatestInboundGeneration returns the newest generation received
	// from any device of senderUser in the portal.
	GetLatestInboundGeneration(ctx context.Context, portalID, senderUser string) (generation uint32, found bool, err error)

	PutMemberExit(ctx context.Context, portalID, userID string, generation uint32) error
	GetMemberExit(ctx context.Context, portalID, userID string) (generation uint32, found bool, err error)

	// MarkSeen records a message digest and reports whether it was new.
	MarkSeen(ctx context.Context, portalID string, digest [32]byte) (bool, error)
}
