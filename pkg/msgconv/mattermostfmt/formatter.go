// Copyright 2024-2026 Aiku AI

// Package mattermostfmt converts Mattermost markdown to Matrix HTML.
package mattermostfmt

import (
	"bytes"
	"html"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"
	"maunium.net/go/mautrix/event"
)

// ParsedMessage holds the result of converting Mattermost markdown to Matrix format.
type ParsedMessage struct {
	Body          string
	Format        event.Format
	FormattedBody string
}

// Raw HTML in posts is never passed through and dangerous link schemes
// are dropped, since the renderer runs without WithUnsafe.
var md = goldmark.New(
	goldmark.WithExtensions(extension.Strikethrough, extension.Linkify, extension.Table),
	goldmark.WithRendererOptions(gmhtml.WithHardWraps()),
)

// Parse converts a Mattermost markdown message to Matrix event content.
// Messages without any formatting only get a plain body.
func Parse(text string) *ParsedMessage {
	if text == "" {
		return &ParsedMessage{}
	}
	var buf bytes.Buffer
	if err := md.Convert([]byte(text), &buf); err != nil {
		return &ParsedMessage{Body: text}
	}
	formatted := strings.TrimSpace(buf.String())
	if strings.HasPrefix(formatted, "<p>") && strings.HasSuffix(formatted, "</p>") && strings.Count(formatted, "<p>") == 1 {
		formatted = formatted[len("<p>") : len(formatted)-len("</p>")]
	}
	if !strings.Contains(formatted, "<") && html.UnescapeString(formatted) == text {
		return &ParsedMessage{Body: text}
	}
	return &ParsedMessage{
		Body:          text,
		Format:        event.FormatHTML,
		FormattedBody: formatted,
	}
}
