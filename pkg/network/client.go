// Copyright 2024-2026 Aiku AI

package network

import (
	"context"
)

// HomeClient is the part of the home network the bridge core depends on.
type HomeClient interface {
	SendEvent(ctx context.Context, out *Outbound) (string, error)
	CreateRoom(ctx context.Context, req *CreateRoomRequest) (string, error)
	EnsurePuppet(ctx context.Context, mxid string, profile *PuppetProfile) error
	Events() <-chan *Event
}

// RemoteClient is the part of the remote network the bridge core depends on.
type RemoteClient interface {
	KeyTransport

	SendMessage(ctx context.Context, out *Outbound) (string, error)
	// FetchHistory returns up to limit events posted after the given event
	// id (or the newest ones when after is empty), oldest first.
	FetchHistory(ctx context.Context, conversationID, after string, limit int) ([]*Event, error)
	// Subscribe streams events of one conversation, or of every conversation
	// when conversationID is empty. The channel closes when ctx is done.
	Subscribe(ctx context.Context, conversationID string) (<-chan *Event, error)
	GetConversation(ctx context.Context, conversationID string) (*ConversationInfo, error)
	GetUser(ctx context.Context, userID string) (*UserProfile, error)
}

// DeviceKeys is the public key bundle of one device.
type DeviceKeys struct {
	UserID      string       `json:"user_id"`
	DeviceID    string       `json:"device_id"`
	IdentityKey []byte       `json:"identity_key"`
	SigningKey  []byte       `json:"signing_key"`
	OneTimeKeys []OneTimeKey `json:"one_time_keys,omitempty"`
	Signature   []byte       `json:"signature"`
}

// OneTimeKey is a signed single-use X25519 prekey.
type OneTimeKey struct {
	ID        string `json:"id"`
	Key       []byte `json:"key"`
	Signature []byte `json:"signature"`
}

// ToDeviceMessage is an opaque pairwise payload addressed to one device.
type ToDeviceMessage struct {
	SenderUser      string `json:"sender_user"`
	SenderDevice    string `json:"sender_device"`
	RecipientUser   string `json:"recipient_user"`
	RecipientDevice string `json:"recipient_device"`
	Payload         []byte `json:"payload"`
}

// KeyTransport publishes and fetches device keys and carries pairwise
// messages between devices.
type KeyTransport interface {
	PublishDeviceKeys(ctx context.Context, keys *DeviceKeys) error
	FetchDeviceKeys(ctx context.Context, userID string) ([]*DeviceKeys, error)
	ClaimOneTimeKey(ctx context.Context, userID, deviceID string) (*OneTimeKey, error)
	SendToDevice(ctx context.Context, msg *ToDeviceMessage) error
}
