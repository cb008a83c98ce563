// Copyright 2024-2026 Aiku AI

package matrix

import (
	"time"

	"maunium.net/go/mautrix/event"

	"github.com/aiku/mautrix-bridgecore/pkg/network"
)

// convertEvent turns an appservice event into a network event. It returns
// nil for events that aren't relayed.
func (c *Client) convertEvent(evt *event.Event) *network.Event {
	if evt == nil || c.isBridgeUser(evt.Sender) {
		return nil
	}
	out := &network.Event{
		Side:           network.SideHome,
		ID:             evt.ID.String(),
		ConversationID: evt.RoomID.String(),
		Sender:         evt.Sender.String(),
		Timestamp:      time.UnixMilli(evt.Timestamp),
	}
	var ok bool
	switch evt.Type {
	case event.EventMessage, event.EventSticker:
		ok = convertMessage(evt, &out.Content)
	case event.EventReaction:
		ok = convertReaction(evt, &out.Content)
	case event.EventRedaction:
		ok = convertRedaction(evt, &out.Content)
	case event.EventEncrypted:
		out.Content = network.Content{Kind: network.ContentUnknown, RawType: evt.Type.Type}
		ok = true
	default:
		c.log.Trace().Str("event_type", evt.Type.Type).Msg("Unhandled event type")
	}
	if !ok {
		return nil
	}
	return out
}

func convertMessage(evt *event.Event, content *network.Content) bool {
	msg := evt.Content.AsMessage()
	if msg == nil {
		return false
	}
	if relatesTo := msg.RelatesTo; relatesTo != nil && relatesTo.GetReplaceID() != "" {
		newContent := msg.NewContent
		if newContent == nil {
			newContent = msg
		}
		*content = network.Content{
			Kind:     network.ContentEdit,
			Body:     newContent.Body,
			TargetID: relatesTo.GetReplaceID().String(),
		}
		if newContent.Format == event.FormatHTML {
			content.HTML = newContent.FormattedBody
		}
		return true
	}
	*content = network.Content{
		Body:    msg.Body,
		RawType: string(msg.MsgType),
	}
	if msg.Format == event.FormatHTML {
		content.HTML = msg.FormattedBody
	}
	if msg.RelatesTo != nil {
		content.ReplyTo = msg.RelatesTo.GetReplyTo().String()
	}
	if evt.Type == event.EventSticker {
		content.Kind = network.ContentSticker
		content.Media = messageMedia(msg, network.MediaImage)
		return true
	}
	switch msg.MsgType {
	case event.MsgText:
		content.Kind = network.ContentText
	case event.MsgNotice:
		content.Kind = network.ContentNotice
	case event.MsgEmote:
		content.Kind = network.ContentEmote
	case event.MsgImage:
		content.Kind = network.ContentMedia
		content.Media = messageMedia(msg, network.MediaImage)
	case event.MsgVideo:
		content.Kind = network.ContentMedia
		content.Media = messageMedia(msg, network.MediaVideo)
	case event.MsgAudio:
		content.Kind = network.ContentMedia
		content.Media = messageMedia(msg, network.MediaAudio)
	case event.MsgFile:
		content.Kind = network.ContentMedia
		content.Media = messageMedia(msg, network.MediaFile)
	case event.MsgLocation:
		content.Kind = network.ContentLocation
		content.GeoURI = msg.GeoURI
	default:
		content.Kind = network.ContentUnknown
	}
	return true
}

func messageMedia(msg *event.MessageEventContent, kind network.MediaKind) *network.Media {
	media := &network.Media{
		Kind: kind,
		URL:  string(msg.URL),
		Name: msg.Body,
	}
	if msg.FileName != "" {
		media.Name = msg.FileName
	}
	if msg.Info != nil {
		media.MimeType = msg.Info.MimeType
		media.Size = int64(msg.Info.Size)
	}
	return media
}

func convertReaction(evt *event.Event, content *network.Content) bool {
	reaction := evt.Content.AsReaction()
	if reaction == nil || reaction.RelatesTo.Key == "" || reaction.RelatesTo.EventID == "" {
		return false
	}
	*content = network.Content{
		Kind:     network.ContentReaction,
		TargetID: reaction.RelatesTo.EventID.String(),
		Emoji:    reaction.RelatesTo.Key,
	}
	return true
}

func convertRedaction(evt *event.Event, content *network.Content) bool {
	target := evt.Redacts
	if target == "" {
		if redaction := evt.Content.AsRedaction(); redaction != nil {
			target = redaction.Redacts
		}
	}
	if target == "" {
		return false
	}
	*content = network.Content{
		Kind:     network.ContentRedaction,
		TargetID: target.String(),
	}
	return true
}
