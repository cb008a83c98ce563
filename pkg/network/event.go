// Copyright 2024-2026 Aiku AI

package network

import (
	"time"
)

// Side identifies which network an event originates from or is sent to.
type Side string

const (
	SideHome   Side = "home"
	SideRemote Side = "remote"
)

// Opposite returns the other side of the bridge.
func (s Side) Opposite() Side {
	if s == SideHome {
		return SideRemote
	}
	return SideHome
}

// ConversationKind describes the shape of a bridged conversation.
type ConversationKind string

const (
	KindDirect  ConversationKind = "direct"
	KindGroup   ConversationKind = "group"
	KindChannel ConversationKind = "channel"
)

// ContentKind is the network-neutral type of an event's content.
type ContentKind string

const (
	ContentText           ContentKind = "text"
	ContentNotice         ContentKind = "notice"
	ContentEmote          ContentKind = "emote"
	ContentMedia          ContentKind = "media"
	ContentLocation       ContentKind = "location"
	ContentSticker        ContentKind = "sticker"
	ContentReaction       ContentKind = "reaction"
	ContentReactionRemove ContentKind = "reaction_remove"
	ContentEdit           ContentKind = "edit"
	ContentRedaction      ContentKind = "redaction"
	ContentMembership     ContentKind = "membership"
	ContentToDevice       ContentKind = "to_device"
	ContentUnknown        ContentKind = "unknown"
)

// MediaKind is the coarse class of an attachment.
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
	MediaAudio MediaKind = "audio"
	MediaFile  MediaKind = "file"
)

// Membership is the membership transition carried by a membership event.
type Membership string

const (
	MembershipJoin  Membership = "join"
	MembershipLeave Membership = "leave"
)

// Media references an attachment hosted by one of the networks.
type Media struct {
	Kind     MediaKind
	URL      string
	Name     string
	MimeType string
	Size     int64
	// RemoteID is the network specific file reference, if any.
	RemoteID string
}

// EncryptedPayload is a group session ciphertext plus the metadata needed to
// find the exact key state it was produced with.
type EncryptedPayload struct {
	SessionID    string `json:"session_id"`
	Generation   uint32 `json:"generation"`
	Index        uint32 `json:"index"`
	SenderUser   string `json:"sender_user"`
	SenderDevice string `json:"sender_device"`
	Ciphertext   []byte `json:"ciphertext"`
}

// Content is the network-neutral body of an event.
type Content struct {
	Kind ContentKind
	// Body is plain text on the home side and markdown on the remote side.
	Body string
	// HTML is the formatted home-side body, if any.
	HTML  string
	Media *Media
	// TargetID is the source-side id of the event an edit, redaction or
	// reaction applies to.
	TargetID   string
	ReplyTo    string
	Emoji      string
	Membership Membership
	Member     string
	GeoURI     string
	// RawType keeps the network specific type name for textual fallbacks.
	RawType   string
	Encrypted *EncryptedPayload
	ToDevice  *ToDeviceMessage
}

// Event is a single inbound event from either network.
type Event struct {
	Side             Side
	ID               string
	ConversationID   string
	ConversationKind ConversationKind
	Sender           string
	SenderName       string
	Timestamp        time.Time
	Content          Content
}

// Outbound is a translated event ready to be sent to a network client.
type Outbound struct {
	ConversationID string
	// SenderID is the puppet mxid on the home side, or the originating home
	// user on the remote side (used to pick a per-user remote client).
	SenderID string
	// TxnID stays the same across every attempt for one message.
	TxnID   string
	Content Content
}

// ConversationInfo is the remote view of a conversation.
type ConversationInfo struct {
	ID      string
	Name    string
	Topic   string
	Kind    ConversationKind
	Members []string
}

// UserProfile is the remote view of a user.
type UserProfile struct {
	ID          string
	Username    string
	DisplayName string
	AvatarURL   string
	AvatarHash  string
}

// PuppetProfile is what the home client needs to provision a ghost.
type PuppetProfile struct {
	DisplayName string
	AvatarURL   string
}

// CreateRoomRequest describes a home room to create for a portal.
type CreateRoomRequest struct {
	RemoteID  string
	Name      string
	Topic     string
	Kind      ConversationKind
	Members   []string
	Invite    []string
	Encrypted bool
}
