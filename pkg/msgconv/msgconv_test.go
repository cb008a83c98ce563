// Copyright 2024-2026 Aiku AI

package msgconv

import (
	"errors"
	"testing"

	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-bridgecore/pkg/network"
)

func TestToRemote(t *testing.T) {
	t.Parallel()
	conv := &Converter{}
	tests := []struct {
		name     string
		in       network.Content
		wantKind network.ContentKind
		wantBody string
	}{
		{"text", network.Content{Kind: network.ContentText, Body: "hi"}, network.ContentText, "hi"},
		{"html text", network.Content{Kind: network.ContentText, Body: "hi", HTML: "<strong>hi</strong>"}, network.ContentText, "**hi**"},
		{"notice", network.Content{Kind: network.ContentNotice, Body: "note"}, network.ContentNotice, "note"},
		{"emote", network.Content{Kind: network.ContentEmote, Body: "waves"}, network.ContentText, "* waves"},
		{"media without upload", network.Content{Kind: network.ContentMedia, Body: "cat.png", Media: &network.Media{Kind: network.MediaImage, URL: "mxc://example.com/cat"}}, network.ContentText, "[Media: cat.png]"},
		{"sticker", network.Content{Kind: network.ContentSticker, Body: "party"}, network.ContentText, "[Media: party]"},
		{"location", network.Content{Kind: network.ContentLocation, Body: "Office", GeoURI: "geo:52.5,13.4"}, network.ContentText, "Office (geo:52.5,13.4)"},
		{"location without body", network.Content{Kind: network.ContentLocation, GeoURI: "geo:52.5,13.4"}, network.ContentText, "Location: geo:52.5,13.4"},
		{"edit", network.Content{Kind: network.ContentEdit, Body: "fixed", TargetID: "$a"}, network.ContentEdit, "fixed"},
		{"unknown", network.Content{Kind: network.ContentUnknown, RawType: "m.poll.start"}, network.ContentText, "[Unsupported message: m.poll.start]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := conv.ToRemote(&tt.in)
			if err != nil {
				t.Fatalf("ToRemote: %v", err)
			}
			if out.Kind != tt.wantKind {
				t.Errorf("Kind: got %q, want %q", out.Kind, tt.wantKind)
			}
			if out.Body != tt.wantBody {
				t.Errorf("Body: got %q, want %q", out.Body, tt.wantBody)
			}
		})
	}
}

func TestToRemoteUploadedMedia(t *testing.T) {
	t.Parallel()
	in := &network.Content{
		Kind:  network.ContentMedia,
		Body:  "look at this",
		Media: &network.Media{Kind: network.MediaImage, Name: "cat.png", RemoteID: "file1"},
	}
	out, err := (&Converter{}).ToRemote(in)
	if err != nil {
		t.Fatalf("ToRemote: %v", err)
	}
	if out.Kind != network.ContentMedia || out.Media == nil || out.Media.RemoteID != "file1" {
		t.Fatalf("got %+v, want media referencing file1", out)
	}
	if out.Body != "look at this" {
		t.Errorf("caption: got %q, want %q", out.Body, "look at this")
	}
	out.Media.RemoteID = "changed"
	if in.Media.RemoteID != "file1" {
		t.Error("ToRemote shares the media struct with its input")
	}
}

func TestToRemoteMentions(t *testing.T) {
	t.Parallel()
	conv := &Converter{Mentions: func(userID id.UserID) (string, bool) {
		return "alice", userID == "@mattermost_u1:example.com"
	}}
	out, err := conv.ToRemote(&network.Content{
		Kind: network.ContentText,
		Body: "Alice: hi",
		HTML: `<a href="https://matrix.to/#/@mattermost_u1:example.com">Alice</a>: hi`,
	})
	if err != nil {
		t.Fatalf("ToRemote: %v", err)
	}
	if out.Body != "@alice: hi" {
		t.Errorf("Body: got %q, want %q", out.Body, "@alice: hi")
	}
}

func TestToHome(t *testing.T) {
	t.Parallel()
	conv := &Converter{}
	tests := []struct {
		name     string
		in       network.Content
		wantKind network.ContentKind
		wantBody string
		wantHTML string
	}{
		{"plain", network.Content{Kind: network.ContentText, Body: "hi"}, network.ContentText, "hi", ""},
		{"markdown", network.Content{Kind: network.ContentText, Body: "**hi**"}, network.ContentText, "**hi**", "<strong>hi</strong>"},
		{"emote", network.Content{Kind: network.ContentEmote, Body: "waves"}, network.ContentEmote, "waves", ""},
		{"photo", network.Content{Kind: network.ContentMedia, Media: &network.Media{Kind: network.MediaImage, URL: "https://mm.example.com/files/1"}}, network.ContentText, "[Photo: https://mm.example.com/files/1]", ""},
		{"file", network.Content{Kind: network.ContentMedia, Media: &network.Media{Kind: network.MediaFile, Name: "report.pdf"}}, network.ContentText, "[File: report.pdf]", ""},
		{"video", network.Content{Kind: network.ContentMedia, Media: &network.Media{Kind: network.MediaVideo, URL: "https://mm.example.com/files/2"}}, network.ContentText, "[Media: https://mm.example.com/files/2]", ""},
		{"media with caption", network.Content{Kind: network.ContentMedia, Body: "our cat", Media: &network.Media{Kind: network.MediaImage, Name: "cat.png", URL: "https://x/cat"}}, network.ContentText, "our cat\n[Photo: https://x/cat]", ""},
		{"location", network.Content{Kind: network.ContentLocation, GeoURI: "geo:1,2"}, network.ContentLocation, "Location: geo:1,2", ""},
		{"system message", network.Content{Kind: network.ContentUnknown, RawType: "custom_poll"}, network.ContentNotice, "[Unsupported message: custom_poll]", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := conv.ToHome(&tt.in)
			if err != nil {
				t.Fatalf("ToHome: %v", err)
			}
			if out.Kind != tt.wantKind {
				t.Errorf("Kind: got %q, want %q", out.Kind, tt.wantKind)
			}
			if out.Body != tt.wantBody {
				t.Errorf("Body: got %q, want %q", out.Body, tt.wantBody)
			}
			if out.HTML != tt.wantHTML {
				t.Errorf("HTML: got %q, want %q", out.HTML, tt.wantHTML)
			}
		})
	}
}

func TestReactionsMapEmoji(t *testing.T) {
	t.Parallel()
	conv := &Converter{}
	home, err := conv.ToHome(&network.Content{Kind: network.ContentReaction, Emoji: "thumbsup", TargetID: "p1"})
	if err != nil {
		t.Fatalf("ToHome: %v", err)
	}
	if home.Emoji != "\U0001f44d" || home.TargetID != "p1" {
		t.Errorf("ToHome reaction: got %q on %q", home.Emoji, home.TargetID)
	}
	remote, err := conv.ToRemote(&network.Content{Kind: network.ContentReactionRemove, Emoji: "\U0001f44d", TargetID: "$e"})
	if err != nil {
		t.Fatalf("ToRemote: %v", err)
	}
	if remote.Emoji != "+1" || remote.Kind != network.ContentReactionRemove {
		t.Errorf("ToRemote reaction removal: got %q kind %q", remote.Emoji, remote.Kind)
	}
}

func TestInvalidContent(t *testing.T) {
	t.Parallel()
	conv := &Converter{}
	if _, err := conv.ToRemote(&network.Content{Kind: network.ContentReaction, TargetID: "$e"}); !errors.Is(err, ErrInvalidContent) {
		t.Errorf("reaction without emoji: got %v, want ErrInvalidContent", err)
	}
	if _, err := conv.ToHome(&network.Content{Kind: network.ContentRedaction}); !errors.Is(err, ErrInvalidContent) {
		t.Errorf("redaction without target: got %v, want ErrInvalidContent", err)
	}
	if _, err := conv.ToHome(&network.Content{Kind: network.ContentMedia}); !errors.Is(err, ErrInvalidContent) {
		t.Errorf("media without attachment: got %v, want ErrInvalidContent", err)
	}
	if _, err := conv.ToRemote(&network.Content{Kind: network.ContentText}); !errors.Is(err, ErrInvalidContent) {
		t.Errorf("empty text: got %v, want ErrInvalidContent", err)
	}
	if _, err := conv.ToRemote(&network.Content{Kind: network.ContentMembership, Member: "@a:example.com"}); !errors.Is(err, ErrUnsupported) {
		t.Errorf("home membership: got %v, want ErrUnsupported", err)
	}
}

func TestEmojiShortcodes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		emoji, shortcode string
	}{
		{"\U0001f44d", "+1"},
		{"❤️", "heart"},
		{"❤", "heart"},
		{"\U0001f680", "rocket"},
		{":party_parrot:", "party_parrot"},
	}
	for _, tt := range tests {
		if got := EmojiToShortcode(tt.emoji); got != tt.shortcode {
			t.Errorf("EmojiToShortcode(%q) = %q, want %q", tt.emoji, got, tt.shortcode)
		}
	}
	if got := ShortcodeToEmoji("party_parrot"); got != ":party_parrot:" {
		t.Errorf("custom emoji: got %q, want %q", got, ":party_parrot:")
	}
	if got := ShortcodeToEmoji("rocket"); got != "\U0001f680" {
		t.Errorf("ShortcodeToEmoji(rocket) = %q", got)
	}
}
