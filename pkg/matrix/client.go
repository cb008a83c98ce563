// Copyright 2024-2026 Aiku AI

// Package matrix implements the home network client as a Matrix
// application service.
package matrix

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-bridgecore/pkg/network"
)

// Intent is the subset of the appservice intent API the client uses.
type Intent interface {
	EnsureRegistered(ctx context.Context) error
	EnsureJoined(ctx context.Context, roomID id.RoomID, extra ...appservice.EnsureJoinedParams) error
	SetDisplayName(ctx context.Context, displayName string) error
	SetAvatarURL(ctx context.Context, avatarURL id.ContentURI) error
	// SendMessageEventTxn sends a room event under a caller-chosen
	// transaction id.
	SendMessageEventTxn(ctx context.Context, roomID id.RoomID, eventType event.Type, contentJSON any, txnID string) (*mautrix.RespSendEvent, error)
	RedactEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID, extra ...mautrix.ReqRedact) (*mautrix.RespSendEvent, error)
	CreateRoom(ctx context.Context, req *mautrix.ReqCreateRoom) (*mautrix.RespCreateRoom, error)
	LeaveRoom(ctx context.Context, roomID id.RoomID, extra ...any) (*mautrix.RespLeaveRoom, error)
}

// appserviceIntent adds transaction ids to the appservice intent, whose own
// SendMessageEvent always generates one.
type appserviceIntent struct {
	*appservice.IntentAPI
}

func (i appserviceIntent) SendMessageEventTxn(ctx context.Context, roomID id.RoomID, eventType event.Type, contentJSON any, txnID string) (*mautrix.RespSendEvent, error) {
	if err := i.EnsureJoined(ctx, roomID); err != nil {
		return nil, err
	}
	contentJSON = i.AddDoublePuppetValue(contentJSON)
	return i.Client.SendMessageEvent(ctx, roomID, eventType, contentJSON, mautrix.ReqSendEvent{TransactionID: txnID})
}

// Intents hands out intents for the bridge bot and ghosts.
type Intents interface {
	Bot() Intent
	User(userID id.UserID) Intent
}

type appserviceIntents struct {
	as *appservice.AppService
}

func (a appserviceIntents) Bot() Intent {
	return appserviceIntent{a.as.BotIntent()}
}

func (a appserviceIntents) User(userID id.UserID) Intent {
	return appserviceIntent{a.as.Intent(userID)}
}

// GhostChecker tells ghosts of remote users apart from real home users.
type GhostChecker interface {
	IsGhost(mxid id.UserID) bool
}

// Config configures the home client.
type Config struct {
	BotUserID id.UserID
	// Protocol is written to the bridge info state of created rooms.
	ProtocolID   string
	ProtocolName string
}

// Client is the home network client.
type Client struct {
	cfg     Config
	intents Intents
	ghosts  GhostChecker
	log     zerolog.Logger

	events chan *network.Event

	stopOnce sync.Once
	stop     chan struct{}
}

var (
	_ network.HomeClient = (*Client)(nil)
	_ Intent             = appserviceIntent{}
)

// New creates a client over an existing application service.
func New(as *appservice.AppService, cfg Config, ghosts GhostChecker, log zerolog.Logger) *Client {
	if cfg.BotUserID == "" {
		cfg.BotUserID = as.BotMXID()
	}
	return NewWithIntents(appserviceIntents{as: as}, cfg, ghosts, log)
}

// NewWithIntents creates a client over an arbitrary intent source.
func NewWithIntents(intents Intents, cfg Config, ghosts GhostChecker, log zerolog.Logger) *Client {
	return &Client{
		cfg:     cfg,
		intents: intents,
		ghosts:  ghosts,
		log:     log.With().Str("component", "matrix_client").Logger(),
		events:  make(chan *network.Event, 128),
		stop:    make(chan struct{}),
	}
}

// Events returns the stream of converted home events.
func (c *Client) Events() <-chan *network.Event {
	return c.events
}

// Run converts raw appservice events until ctx is done or Stop is called.
func (c *Client) Run(ctx context.Context, raw <-chan *event.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case evt, ok := <-raw:
			if !ok {
				return
			}
			converted := c.convertEvent(evt)
			if converted == nil {
				continue
			}
			select {
			case c.events <- converted:
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			}
		}
	}
}

// Stop ends Run.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

// isBridgeUser reports whether events from the user must not be relayed.
func (c *Client) isBridgeUser(userID id.UserID) bool {
	if userID == c.cfg.BotUserID {
		return true
	}
	return c.ghosts != nil && c.ghosts.IsGhost(userID)
}

func (c *Client) intentFor(senderID string) Intent {
	if senderID == "" || id.UserID(senderID) == c.cfg.BotUserID {
		return c.intents.Bot()
	}
	return c.intents.User(id.UserID(senderID))
}

func isMXC(url string) bool {
	return strings.HasPrefix(url, "mxc://")
}
