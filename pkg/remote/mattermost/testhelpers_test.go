// Copyright 2024-2026 Aiku AI

package mattermost

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"
)

// endpointCall records which API endpoints were hit during a test.
type endpointCall struct {
	Method string
	Path   string
	Query  string
	Body   string
}

// failure is a canned error response for one path prefix.
type failure struct {
	Status int
	Header map[string]string
}

// fakeMM simulates the parts of the Mattermost API the client uses.
type fakeMM struct {
	Server *httptest.Server

	mu    sync.Mutex
	calls []endpointCall

	Users          map[string]*model.User
	TokenToUser    map[string]string
	Teams          map[string][]*model.Team
	Channels       map[string]*model.Channel
	ChannelMembers map[string]model.ChannelMembers
	Files          map[string]*model.FileInfo
	Posts          map[string]*model.Post
	// ChannelPosts maps channel id to the post list returned by history
	// endpoints.
	ChannelPosts map[string]*model.PostList
	// Preferences maps "userID/category" to stored preferences.
	Preferences map[string]model.Preferences
	Fail        map[string]failure

	createdPosts []*model.Post
	nextPost     int
}

func newFakeMM(t *testing.T) *fakeMM {
	f := &fakeMM{
		Users:          make(map[string]*model.User),
		TokenToUser:    make(map[string]string),
		Teams:          make(map[string][]*model.Team),
		Channels:       make(map[string]*model.Channel),
		ChannelMembers: make(map[string]model.ChannelMembers),
		Files:          make(map[string]*model.FileInfo),
		Posts:          make(map[string]*model.Post),
		ChannelPosts:   make(map[string]*model.PostList),
		Preferences:    make(map[string]model.Preferences),
		Fail:           make(map[string]failure),
	}
	f.Users["my-user-id"] = &model.User{Id: "my-user-id", Username: "bridge"}
	f.TokenToUser["test-token"] = "my-user-id"
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	t.Cleanup(f.Server.Close)
	return f
}

func (f *fakeMM) Calls() []endpointCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]endpointCall(nil), f.calls...)
}

func (f *fakeMM) CalledPath(method, path string) bool {
	for _, c := range f.Calls() {
		if c.Method == method && strings.Contains(c.Path, path) {
			return true
		}
	}
	return false
}

func (f *fakeMM) Created() []*model.Post {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*model.Post(nil), f.createdPosts...)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func notFound(w http.ResponseWriter, path string) {
	writeJSON(w, http.StatusNotFound, map[string]any{"id": "api.not_found", "message": "not found: " + path, "status_code": 404})
}

func (f *fakeMM) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, endpointCall{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery, Body: string(body)})

	path := r.URL.Path
	for prefix, fail := range f.Fail {
		if strings.HasPrefix(path, prefix) {
			for k, v := range fail.Header {
				w.Header().Set(k, v)
			}
			writeJSON(w, fail.Status, map[string]any{"id": "fake.error", "message": "fake error", "status_code": fail.Status})
			return
		}
	}

	parts := strings.Split(strings.TrimPrefix(path, "/api/v4/"), "/")
	switch {
	case r.Method == http.MethodGet && path == "/api/v4/users/me":
		uid, ok := f.TokenToUser[strings.TrimPrefix(strings.TrimPrefix(r.Header.Get("Authorization"), "BEARER "), "Bearer ")]
		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "unauthorized", "status_code": 401})
			return
		}
		writeJSON(w, http.StatusOK, f.Users[uid])

	case r.Method == http.MethodGet && len(parts) == 2 && parts[0] == "users":
		if u, ok := f.Users[parts[1]]; ok {
			writeJSON(w, http.StatusOK, u)
			return
		}
		notFound(w, path)

	case r.Method == http.MethodGet && len(parts) == 3 && parts[0] == "users" && parts[2] == "teams":
		writeJSON(w, http.StatusOK, f.Teams[parts[1]])

	case r.Method == http.MethodPut && len(parts) == 3 && parts[0] == "users" && parts[2] == "preferences":
		var prefs model.Preferences
		_ = json.Unmarshal(body, &prefs)
		for _, pref := range prefs {
			key := parts[1] + "/" + pref.Category
			existing := f.Preferences[key]
			replaced := false
			for i := range existing {
				if existing[i].Name == pref.Name {
					existing[i] = pref
					replaced = true
				}
			}
			if !replaced {
				existing = append(existing, pref)
			}
			f.Preferences[key] = existing
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "OK"})

	case r.Method == http.MethodGet && len(parts) == 4 && parts[0] == "users" && parts[2] == "preferences":
		prefs, ok := f.Preferences[parts[1]+"/"+parts[3]]
		if !ok {
			notFound(w, path)
			return
		}
		writeJSON(w, http.StatusOK, prefs)

	case r.Method == http.MethodDelete && len(parts) == 6 && parts[0] == "users" && parts[4] == "reactions":
		writeJSON(w, http.StatusOK, map[string]string{"status": "OK"})

	case r.Method == http.MethodGet && len(parts) == 2 && parts[0] == "channels":
		if ch, ok := f.Channels[parts[1]]; ok {
			writeJSON(w, http.StatusOK, ch)
			return
		}
		notFound(w, path)

	case r.Method == http.MethodPost && path == "/api/v4/channels/direct":
		var ids []string
		_ = json.Unmarshal(body, &ids)
		writeJSON(w, http.StatusCreated, &model.Channel{Id: "dm-" + strings.Join(ids, "-"), Type: model.ChannelTypeDirect})

	case r.Method == http.MethodGet && len(parts) == 3 && parts[0] == "channels" && parts[2] == "members":
		members := f.ChannelMembers[parts[1]]
		if r.URL.Query().Get("page") != "0" {
			members = model.ChannelMembers{}
		}
		writeJSON(w, http.StatusOK, members)

	case r.Method == http.MethodGet && len(parts) == 3 && parts[0] == "channels" && parts[2] == "posts":
		if pl, ok := f.ChannelPosts[parts[1]]; ok {
			writeJSON(w, http.StatusOK, pl)
			return
		}
		writeJSON(w, http.StatusOK, model.NewPostList())

	case r.Method == http.MethodPost && path == "/api/v4/posts":
		var post model.Post
		_ = json.Unmarshal(body, &post)
		f.nextPost++
		post.Id = "created-post-" + strconv.Itoa(f.nextPost)
		post.CreateAt = time.Now().UnixMilli()
		f.createdPosts = append(f.createdPosts, &post)
		f.Posts[post.Id] = &post
		writeJSON(w, http.StatusCreated, &post)

	case r.Method == http.MethodGet && len(parts) == 2 && parts[0] == "posts":
		if post, ok := f.Posts[parts[1]]; ok {
			writeJSON(w, http.StatusOK, post)
			return
		}
		notFound(w, path)

	case r.Method == http.MethodPut && len(parts) == 3 && parts[0] == "posts" && parts[2] == "patch":
		var patch model.PostPatch
		_ = json.Unmarshal(body, &patch)
		post := &model.Post{Id: parts[1], EditAt: 1700000000000}
		if patch.Message != nil {
			post.Message = *patch.Message
		}
		writeJSON(w, http.StatusOK, post)

	case r.Method == http.MethodDelete && len(parts) == 2 && parts[0] == "posts":
		writeJSON(w, http.StatusOK, map[string]string{"status": "OK"})

	case r.Method == http.MethodPost && path == "/api/v4/reactions":
		var reaction model.Reaction
		_ = json.Unmarshal(body, &reaction)
		reaction.CreateAt = 1700000000123
		writeJSON(w, http.StatusOK, &reaction)

	case r.Method == http.MethodGet && path == "/api/v4/system/ping":
		writeJSON(w, http.StatusOK, map[string]string{"status": "OK"})

	case r.Method == http.MethodGet && len(parts) == 3 && parts[0] == "files" && parts[2] == "info":
		if fi, ok := f.Files[parts[1]]; ok {
			writeJSON(w, http.StatusOK, fi)
			return
		}
		notFound(w, path)

	default:
		notFound(w, path)
	}
}

// newTestClient creates a logged in client talking to the fake server
// without opening a websocket.
func newTestClient(t *testing.T, f *fakeMM) *Client {
	cfg := Config{ServerURL: f.Server.URL, Token: "test-token", GhostPrefix: "mattermost_", UserCacheTTL: time.Minute}
	c := New(cfg, zerolog.Nop())
	c.userID = "my-user-id"
	c.username = "bridge"
	t.Cleanup(c.users.Stop)
	return c
}

// newNotLoggedInClient creates a client without a token.
func newNotLoggedInClient(t *testing.T) *Client {
	c := New(Config{ServerURL: "http://127.0.0.1:1", UserCacheTTL: time.Minute}, zerolog.Nop())
	t.Cleanup(c.users.Stop)
	return c
}

// newWebSocketEvent creates a model.WebSocketEvent for testing conversion.
func newWebSocketEvent(eventType model.WebsocketEventType, channelID string, data map[string]any) *model.WebSocketEvent {
	evt := model.NewWebSocketEvent(eventType, "", channelID, "", nil, "")
	return evt.SetData(data)
}

func postJSON(t *testing.T, post *model.Post) string {
	t.Helper()
	raw, err := json.Marshal(post)
	if err != nil {
		t.Fatalf("failed to marshal post: %v", err)
	}
	return string(raw)
}

func reactionJSON(t *testing.T, reaction *model.Reaction) string {
	t.Helper()
	raw, err := json.Marshal(reaction)
	if err != nil {
		t.Fatalf("failed to marshal reaction: %v", err)
	}
	return string(raw)
}
