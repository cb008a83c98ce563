// Copyright 2024-2026 Aiku AI

package identity

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"maunium.net/go/mautrix/id"
)

// GhostNamer renders ghost user ids from remote user ids and back.
type GhostNamer struct {
	serverName string
	prefix     string
	suffix     string
}

// NewGhostNamer parses a localpart template such as "mattermost_{{.}}".
func NewGhostNamer(usernameTemplate, serverName string) (*GhostNamer, error) {
	tmpl, err := template.New("username").Parse(usernameTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse username template: %w", err)
	}
	const marker = "\x00remote\x00"
	var buf bytes.Buffer
	if err = tmpl.Execute(&buf, marker); err != nil {
		return nil, fmt.Errorf("failed to render username template: %w", err)
	}
	prefix, suffix, found := strings.Cut(buf.String(), marker)
	if !found {
		return nil, fmt.Errorf("username template %q doesn't contain the remote id", usernameTemplate)
	}
	return &GhostNamer{serverName: serverName, prefix: prefix, suffix: suffix}, nil
}

// MXID returns the ghost user id for a remote user id.
func (g *GhostNamer) MXID(remoteUserID string) id.UserID {
	return id.NewUserID(g.prefix+remoteUserID+g.suffix, g.serverName)
}

// Parse returns the remote user id of a ghost, or false if mxid isn't one.
func (g *GhostNamer) Parse(mxid id.UserID) (string, bool) {
	localpart, server, err := mxid.Parse()
	if err != nil || server != g.serverName {
		return "", false
	}
	if !strings.HasPrefix(localpart, g.prefix) || !strings.HasSuffix(localpart, g.suffix) {
		return "", false
	}
	remoteID := localpart[len(g.prefix) : len(localpart)-len(g.suffix)]
	if remoteID == "" {
		return "", false
	}
	return remoteID, true
}

// IsGhost reports whether mxid belongs to a bridge ghost.
func (g *GhostNamer) IsGhost(mxid id.UserID) bool {
	_, ok := g.Parse(mxid)
	return ok
}

// DisplaynameParams holds the parameters for rendering the displayname template.
type DisplaynameParams struct {
	Username    string
	DisplayName string
}

// FormatDisplayname renders the ghost displayname, falling back to the
// remote username.
func FormatDisplayname(tmpl *template.Template, params DisplaynameParams) string {
	if tmpl == nil {
		return params.Username
	}
	var buf strings.Builder
	if err := tmpl.Execute(&buf, params); err != nil {
		return params.Username
	}
	return buf.String()
}
