// Copyright 2024-2026 Aiku AI

// Package msgconv translates network-neutral content between the home and
// the remote network. Kinds that have no equivalent on the target side are
// rendered as a textual fallback.
package msgconv

import (
	"cmp"
	"errors"
	"fmt"
	"strings"

	"github.com/aiku/mautrix-bridgecore/pkg/msgconv/matrixfmt"
	"github.com/aiku/mautrix-bridgecore/pkg/msgconv/mattermostfmt"
	"github.com/aiku/mautrix-bridgecore/pkg/network"
)

var (
	// ErrUnsupported is returned for content that isn't relayed to the
	// target side at all.
	ErrUnsupported = errors.New("content is not relayed to the target network")
	// ErrInvalidContent is returned for content missing required fields.
	ErrInvalidContent = errors.New("invalid content")
)

// Converter translates content in both directions.
type Converter struct {
	// Mentions resolves Matrix user pills to Mattermost usernames.
	Mentions matrixfmt.MentionFunc
}

func base(c *network.Content) network.Content {
	return network.Content{
		Kind:     c.Kind,
		TargetID: c.TargetID,
		ReplyTo:  c.ReplyTo,
		RawType:  c.RawType,
	}
}

// ToRemote converts home content to Mattermost markdown content.
func (conv *Converter) ToRemote(c *network.Content) (*network.Content, error) {
	out := base(c)
	switch c.Kind {
	case network.ContentText, network.ContentNotice, network.ContentEdit:
		out.Body = matrixfmt.ParseWithMentions(c.Body, c.HTML, conv.Mentions)
		if out.Body == "" && c.Kind != network.ContentEdit {
			return nil, fmt.Errorf("%w: empty %s message", ErrInvalidContent, c.Kind)
		}
	case network.ContentEmote:
		out.Kind = network.ContentText
		out.Body = "* " + matrixfmt.ParseWithMentions(c.Body, c.HTML, conv.Mentions)
	case network.ContentMedia, network.ContentSticker:
		if c.Media != nil && c.Media.RemoteID != "" {
			media := *c.Media
			out.Kind = network.ContentMedia
			out.Media = &media
			if c.Body != media.Name {
				out.Body = c.Body
			}
		} else {
			out.Kind = network.ContentText
			out.Body = fmt.Sprintf("[Media: %s]", c.Body)
		}
	case network.ContentLocation:
		out.Kind = network.ContentText
		out.Body = locationText(c)
	case network.ContentReaction, network.ContentReactionRemove:
		if c.Emoji == "" || c.TargetID == "" {
			return nil, fmt.Errorf("%w: reaction without emoji or target", ErrInvalidContent)
		}
		out.Emoji = EmojiToShortcode(c.Emoji)
	case network.ContentRedaction:
		if c.TargetID == "" {
			return nil, fmt.Errorf("%w: redaction without target", ErrInvalidContent)
		}
	case network.ContentMembership, network.ContentToDevice:
		return nil, ErrUnsupported
	default:
		out.Kind = network.ContentText
		out.Body = unsupportedText(c)
	}
	return &out, nil
}

// ToHome converts Mattermost content to Matrix content.
func (conv *Converter) ToHome(c *network.Content) (*network.Content, error) {
	out := base(c)
	switch c.Kind {
	case network.ContentText, network.ContentNotice, network.ContentEmote, network.ContentEdit:
		parsed := mattermostfmt.Parse(c.Body)
		out.Body = parsed.Body
		out.HTML = parsed.FormattedBody
		if out.Body == "" && c.Kind != network.ContentEdit {
			return nil, fmt.Errorf("%w: empty %s message", ErrInvalidContent, c.Kind)
		}
	case network.ContentMedia, network.ContentSticker:
		if c.Media == nil {
			return nil, fmt.Errorf("%w: media message without attachment", ErrInvalidContent)
		}
		if strings.HasPrefix(c.Media.URL, "mxc://") {
			media := *c.Media
			out.Media = &media
			out.Body = c.Body
			break
		}
		out.Kind = network.ContentText
		out.Body = MediaFallback(c.Media)
		if c.Body != "" && c.Body != c.Media.Name {
			out.Body = c.Body + "\n" + out.Body
		}
	case network.ContentLocation:
		out.Body = locationText(c)
		out.GeoURI = c.GeoURI
	case network.ContentReaction, network.ContentReactionRemove:
		if c.Emoji == "" || c.TargetID == "" {
			return nil, fmt.Errorf("%w: reaction without emoji or target", ErrInvalidContent)
		}
		out.Emoji = ShortcodeToEmoji(c.Emoji)
	case network.ContentRedaction:
		if c.TargetID == "" {
			return nil, fmt.Errorf("%w: redaction without target", ErrInvalidContent)
		}
	case network.ContentMembership:
		if c.Member == "" {
			return nil, fmt.Errorf("%w: membership change without member", ErrInvalidContent)
		}
		out.Membership = c.Membership
		out.Member = c.Member
	case network.ContentToDevice:
		return nil, ErrUnsupported
	default:
		out.Kind = network.ContentNotice
		out.Body = unsupportedText(c)
	}
	return &out, nil
}

// MediaFallback renders an attachment the target network can't host.
func MediaFallback(media *network.Media) string {
	switch media.Kind {
	case network.MediaImage:
		return fmt.Sprintf("[Photo: %s]", media.URL)
	case network.MediaFile:
		name := media.Name
		if name == "" {
			name = "file"
		}
		return fmt.Sprintf("[File: %s]", name)
	default:
		return fmt.Sprintf("[Media: %s]", cmp.Or(media.URL, media.Name))
	}
}

// EditFallback is the body shown by clients that don't render edits.
func EditFallback(body string) string {
	return "* " + body
}

func locationText(c *network.Content) string {
	body := c.Body
	if c.GeoURI == "" {
		return cmp.Or(body, "Shared a location")
	} else if body == "" {
		return "Location: " + c.GeoURI
	} else if !strings.Contains(body, c.GeoURI) {
		return body + " (" + c.GeoURI + ")"
	}
	return body
}

func unsupportedText(c *network.Content) string {
	if c.Body != "" {
		return c.Body
	}
	return fmt.Sprintf("[Unsupported message: %s]", cmp.Or(c.RawType, string(c.Kind)))
}
