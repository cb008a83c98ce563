// Copyright 2024-2026 Aiku AI

// Package mattermost implements the remote network client on top of the
// Mattermost REST API and websocket.
package mattermost

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/aiku/mautrix-bridgecore/pkg/network"
)

// Client is a single authenticated Mattermost connection of the bridge
// account, plus the puppet accounts of home users.
type Client struct {
	cfg Config
	log zerolog.Logger

	lock      sync.RWMutex
	api       *model.Client4
	ws        *model.WebSocketClient
	userID    string
	username  string
	teamID    string
	connected bool

	puppetLock   sync.RWMutex
	puppets      map[string]*PuppetClient
	puppetSource PuppetSource

	users   *ttlcache.Cache[string, *network.UserProfile]
	claimed sync.Map

	subLock sync.Mutex
	subs    []*subscriber

	onReconnect func(ctx context.Context)

	stopOnce sync.Once
	stopChan chan struct{}
}

var _ network.RemoteClient = (*Client)(nil)

// New creates a client. Connect must be called before use.
func New(cfg Config, log zerolog.Logger) *Client {
	users := ttlcache.New[string, *network.UserProfile](
		ttlcache.WithTTL[string, *network.UserProfile](cfg.UserCacheTTL),
	)
	go users.Start()
	c := &Client{
		cfg:      cfg,
		log:      log.With().Str("component", "mm_client").Logger(),
		puppets:  make(map[string]*PuppetClient),
		users:    users,
		stopChan: make(chan struct{}),
	}
	if cfg.Token != "" {
		c.api = model.NewAPIv4Client(cfg.ServerURL)
		c.api.SetToken(cfg.Token)
	}
	return c
}

// Connect verifies the session, resolves the team, loads puppet clients
// and opens the websocket.
func (c *Client) Connect(ctx context.Context) error {
	api := c.client()
	if api == nil {
		return ErrNotLoggedIn
	}
	c.log.Info().Str("server_url", c.cfg.ServerURL).Msg("Connecting to Mattermost")
	if err := c.authenticate(ctx, api); err != nil {
		return err
	}
	c.ReloadPuppets(ctx)
	if err := c.connectWebSocket(); err != nil {
		return fmt.Errorf("websocket connection failed: %w", err)
	}
	go c.listenWebSocket(ctx)
	return nil
}

func (c *Client) authenticate(ctx context.Context, api *model.Client4) error {
	me, resp, err := api.GetMe(ctx, "")
	if err != nil {
		return classify("verify Mattermost session", resp, err)
	}
	teamID := c.cfg.TeamID
	if teamID == "" {
		teams, resp, err := api.GetTeamsForUser(ctx, me.Id, "")
		if err != nil {
			return classify("get teams", resp, err)
		}
		if len(teams) > 0 {
			teamID = teams[0].Id
		}
	}
	c.lock.Lock()
	c.api = api
	c.userID = me.Id
	c.username = me.Username
	c.teamID = teamID
	c.lock.Unlock()
	c.log.Info().Str("user_id", me.Id).Str("username", me.Username).Msg("Authenticated")
	return nil
}

// Relogin replaces the bridge account's token and reconnects the websocket.
func (c *Client) Relogin(ctx context.Context, token string) error {
	api := model.NewAPIv4Client(c.cfg.ServerURL)
	api.SetToken(token)
	if err := c.authenticate(ctx, api); err != nil {
		return err
	}
	c.lock.Lock()
	old := c.ws
	c.ws = nil
	c.lock.Unlock()
	if old != nil {
		// The listener sees the closed channel and reconnects with the new
		// token.
		old.Close()
		return nil
	}
	if err := c.connectWebSocket(); err != nil {
		return fmt.Errorf("websocket connection failed: %w", err)
	}
	go c.listenWebSocket(ctx)
	return nil
}

// Disconnect closes the websocket and stops the event loop.
func (c *Client) Disconnect() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
		c.users.Stop()
	})
	c.lock.Lock()
	ws := c.ws
	c.ws = nil
	c.connected = false
	c.lock.Unlock()
	if ws != nil {
		ws.Close()
	}
}

// IsLoggedIn reports whether the client holds an authentication token.
func (c *Client) IsLoggedIn() bool {
	api := c.client()
	return api != nil && api.AuthToken != ""
}

// UserID returns the Mattermost user id of the bridge account.
func (c *Client) UserID() string {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.userID
}

// Ping checks that the server is reachable with the current token.
func (c *Client) Ping(ctx context.Context) error {
	api := c.client()
	if api == nil {
		return ErrNotLoggedIn
	}
	_, resp, err := api.GetPing(ctx)
	return classify("ping", resp, err)
}

func (c *Client) client() *model.Client4 {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.api
}

func (c *Client) connectWebSocket() error {
	api := c.client()
	if api == nil {
		return ErrNotLoggedIn
	}
	wsURL := httpToWS(c.cfg.ServerURL)
	ws, err := model.NewWebSocketClient4(wsURL, api.AuthToken)
	if err != nil {
		return fmt.Errorf("failed to create websocket client: %w", err)
	}
	ws.Listen()
	c.lock.Lock()
	c.ws = ws
	c.connected = true
	c.lock.Unlock()
	c.log.Info().Str("ws_url", wsURL).Msg("WebSocket connected")
	return nil
}

// httpToWS converts an HTTP(S) URL to a WS(S) URL.
func httpToWS(url string) string {
	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	if strings.HasPrefix(url, "http://") {
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}

func (c *Client) listenWebSocket(ctx context.Context) {
	for {
		c.lock.RLock()
		ws := c.ws
		c.lock.RUnlock()
		if ws == nil {
			if err := c.reconnect(ctx); err != nil {
				return
			}
			c.lock.RLock()
			onReconnect := c.onReconnect
			c.lock.RUnlock()
			if onReconnect != nil {
				onReconnect(ctx)
			}
			continue
		}
		select {
		case <-c.stopChan:
			return
		case <-ctx.Done():
			return
		case evt, ok := <-ws.EventChannel:
			if !ok {
				c.log.Warn().Msg("WebSocket event channel closed, reconnecting")
				c.lock.Lock()
				if c.ws == ws {
					c.ws = nil
				}
				c.connected = false
				c.lock.Unlock()
				continue
			}
			if evt == nil {
				continue
			}
			if converted := c.convertEvent(evt); converted != nil {
				c.publish(ctx, converted)
			}
		}
	}
}

func (c *Client) reconnect(ctx context.Context) error {
	backoff := retry.WithCappedDuration(time.Minute, retry.NewExponential(time.Second))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		select {
		case <-c.stopChan:
			return context.Canceled
		default:
		}
		if err := c.connectWebSocket(); err != nil {
			c.log.Warn().Err(err).Msg("Failed to reconnect WebSocket")
			return retry.RetryableError(err)
		}
		return nil
	})
}

// SetReconnectHandler sets a function that is called every time the
// websocket came back after a disconnect. Events posted in between are
// not replayed by the websocket.
func (c *Client) SetReconnectHandler(fn func(ctx context.Context)) {
	c.lock.Lock()
	c.onReconnect = fn
	c.lock.Unlock()
}

// Connected reports whether the websocket is currently up.
func (c *Client) Connected() bool {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.connected
}

type subscriber struct {
	conversationID string
	ch             chan *network.Event
	ctx            context.Context
}

// Subscribe streams events of one channel, or of every channel when
// conversationID is empty.
func (c *Client) Subscribe(ctx context.Context, conversationID string) (<-chan *network.Event, error) {
	sub := &subscriber{conversationID: conversationID, ch: make(chan *network.Event, 64), ctx: ctx}
	c.subLock.Lock()
	c.subs = append(c.subs, sub)
	c.subLock.Unlock()
	go func() {
		<-ctx.Done()
		c.subLock.Lock()
		for i, s := range c.subs {
			if s == sub {
				c.subs = append(c.subs[:i], c.subs[i+1:]...)
				break
			}
		}
		c.subLock.Unlock()
		close(sub.ch)
	}()
	return sub.ch, nil
}

// publish hands an event to every matching subscriber in order. It blocks
// while a subscriber is busy so that events are never reordered or dropped.
func (c *Client) publish(ctx context.Context, evt *network.Event) {
	c.subLock.Lock()
	subs := make([]*subscriber, 0, len(c.subs))
	for _, sub := range c.subs {
		if sub.conversationID == "" || sub.conversationID == evt.ConversationID {
			subs = append(subs, sub)
		}
	}
	c.subLock.Unlock()
	for _, sub := range subs {
		select {
		case sub.ch <- evt:
		case <-sub.ctx.Done():
		case <-ctx.Done():
			return
		}
	}
}
