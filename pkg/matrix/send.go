// Copyright 2024-2026 Aiku AI

package matrix

import (
	"context"
	"errors"
	"fmt"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-bridgecore/pkg/msgconv"
	"github.com/aiku/mautrix-bridgecore/pkg/network"
)

// SendEvent delivers translated content into a home room as the sender's
// ghost, or the bridge bot when there is no sender. The transaction id
// makes retried sends idempotent on the homeserver.
func (c *Client) SendEvent(ctx context.Context, out *network.Outbound) (string, error) {
	roomID := id.RoomID(out.ConversationID)
	content := &out.Content
	if content.Kind == network.ContentMembership {
		return c.sendMembership(ctx, roomID, out)
	}
	intent := c.intentFor(out.SenderID)
	if err := intent.EnsureJoined(ctx, roomID); err != nil {
		return "", classify("join room", err)
	}
	switch content.Kind {
	case network.ContentRedaction, network.ContentReactionRemove:
		resp, err := intent.RedactEvent(ctx, roomID, id.EventID(content.TargetID), mautrix.ReqRedact{TxnID: out.TxnID})
		if err != nil {
			return "", classify("redact event", err)
		}
		return resp.EventID.String(), nil
	case network.ContentReaction:
		return c.send(ctx, intent, roomID, event.EventReaction, &event.ReactionEventContent{
			RelatesTo: event.RelatesTo{
				Type:    event.RelAnnotation,
				EventID: id.EventID(content.TargetID),
				Key:     content.Emoji,
			},
		}, out.TxnID)
	case network.ContentToDevice:
		return "", network.Permanent(network.ReasonUnsupported, errors.New("device messages can't be sent to rooms"))
	}
	evtType, msg := messageContent(content)
	if content.Kind == network.ContentEdit {
		if content.TargetID == "" {
			return "", network.Permanent(network.ReasonBadRequest, errors.New("edit without target"))
		}
		msg = editContent(msg, id.EventID(content.TargetID))
	} else if content.ReplyTo != "" {
		msg.RelatesTo = (&event.RelatesTo{}).SetReplyTo(id.EventID(content.ReplyTo))
	}
	return c.send(ctx, intent, roomID, evtType, msg, out.TxnID)
}

func (c *Client) send(ctx context.Context, intent Intent, roomID id.RoomID, evtType event.Type, content any, txnID string) (string, error) {
	resp, err := intent.SendMessageEventTxn(ctx, roomID, evtType, content, txnID)
	if err != nil {
		return "", classify("send "+evtType.Type, err)
	}
	c.log.Debug().
		Str("room_id", roomID.String()).
		Str("event_id", resp.EventID.String()).
		Str("txn_id", txnID).
		Msg("Sent event")
	return resp.EventID.String(), nil
}

// messageContent builds the room message for text-like and media content.
func messageContent(content *network.Content) (event.Type, *event.MessageEventContent) {
	msg := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    content.Body,
	}
	if content.HTML != "" {
		msg.Format = event.FormatHTML
		msg.FormattedBody = content.HTML
	}
	evtType := event.EventMessage
	switch content.Kind {
	case network.ContentNotice:
		msg.MsgType = event.MsgNotice
	case network.ContentEmote:
		msg.MsgType = event.MsgEmote
	case network.ContentLocation:
		msg.MsgType = event.MsgLocation
		msg.GeoURI = content.GeoURI
	case network.ContentMedia, network.ContentSticker:
		media := content.Media
		if media == nil || !isMXC(media.URL) {
			msg.Body = msgconv.MediaFallback(mediaOrFile(media))
			break
		}
		msg.MsgType = mediaMsgType(media.Kind)
		msg.URL = id.ContentURIString(media.URL)
		msg.Body = media.Name
		if content.Body != "" && content.Body != media.Name {
			msg.Body = content.Body
			msg.FileName = media.Name
		}
		msg.Info = &event.FileInfo{MimeType: media.MimeType, Size: int(media.Size)}
		if content.Kind == network.ContentSticker {
			evtType = event.EventSticker
			msg.MsgType = ""
		}
	}
	return evtType, msg
}

func mediaOrFile(media *network.Media) *network.Media {
	if media == nil {
		return &network.Media{Kind: network.MediaFile}
	}
	return media
}

func mediaMsgType(kind network.MediaKind) event.MessageType {
	switch kind {
	case network.MediaImage:
		return event.MsgImage
	case network.MediaVideo:
		return event.MsgVideo
	case network.MediaAudio:
		return event.MsgAudio
	default:
		return event.MsgFile
	}
}

// editContent wraps new content in an m.replace relation with a fallback
// body for clients that don't render edits.
func editContent(newContent *event.MessageEventContent, target id.EventID) *event.MessageEventContent {
	edit := &event.MessageEventContent{
		MsgType:    newContent.MsgType,
		Body:       msgconv.EditFallback(newContent.Body),
		NewContent: newContent,
		RelatesTo:  (&event.RelatesTo{}).SetReplace(target),
	}
	if newContent.Format == event.FormatHTML {
		edit.Format = event.FormatHTML
		edit.FormattedBody = msgconv.EditFallback(newContent.FormattedBody)
	}
	return edit
}

// sendMembership makes the member's ghost join or leave the room.
func (c *Client) sendMembership(ctx context.Context, roomID id.RoomID, out *network.Outbound) (string, error) {
	member := id.UserID(out.Content.Member)
	if member == "" {
		return "", network.Permanent(network.ReasonBadRequest, errors.New("membership change without member"))
	}
	intent := c.intents.User(member)
	switch out.Content.Membership {
	case network.MembershipJoin:
		if err := intent.EnsureJoined(ctx, roomID); err != nil {
			return "", classify("join room", err)
		}
	case network.MembershipLeave:
		if _, err := intent.LeaveRoom(ctx, roomID); err != nil && !errors.Is(err, mautrix.MForbidden) {
			return "", classify("leave room", err)
		}
	default:
		return "", network.Permanent(network.ReasonUnsupported, fmt.Errorf("unknown membership %q", out.Content.Membership))
	}
	return fmt.Sprintf("membership:%s:%s:%s", member, out.Content.Membership, out.TxnID), nil
}
