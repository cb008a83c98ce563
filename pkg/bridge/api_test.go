// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"

	"github.com/aiku/mautrix-bridgecore/pkg/cryptostore"
	"github.com/aiku/mautrix-bridgecore/pkg/database"
	"github.com/aiku/mautrix-bridgecore/pkg/e2ee"
	"github.com/aiku/mautrix-bridgecore/pkg/identity"
	"github.com/aiku/mautrix-bridgecore/pkg/network"
	"github.com/aiku/mautrix-bridgecore/pkg/portal"
	"github.com/aiku/mautrix-bridgecore/pkg/remote/mattermost"
)

type idleProcessor struct{}

func (idleProcessor) Bootstrap(context.Context, *portal.Portal) error { return nil }

func (idleProcessor) Process(context.Context, *portal.Portal, *network.Event) portal.Result {
	return portal.Result{Outcome: portal.OutcomeIgnored}
}

func (idleProcessor) CatchUp(context.Context, *portal.Portal) error { return nil }

func (idleProcessor) Park(context.Context, *portal.Portal, *network.Event) error { return nil }

type fakeRemoteAdmin struct {
	mu         sync.Mutex
	tokens     []string
	reloginErr error
	loaded     [][]mattermost.PuppetEntry
	reloads    int
}

func (f *fakeRemoteAdmin) Relogin(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, token)
	return f.reloginErr
}

func (f *fakeRemoteAdmin) LoadPuppets(_ context.Context, entries []mattermost.PuppetEntry) (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loaded = append(f.loaded, entries)
	return len(entries), 0
}

func (f *fakeRemoteAdmin) ReloadPuppets(context.Context) (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reloads++
	return 0, 1
}

func (f *fakeRemoteAdmin) PuppetCount() int { return 2 }

func (f *fakeRemoteAdmin) IsLoggedIn() bool { return true }

func (f *fakeRemoteAdmin) Connected() bool { return false }

type fakeProvisioner struct{}

func (fakeProvisioner) EnsurePuppet(context.Context, string, *network.PuppetProfile) error {
	return nil
}

type fakeSessions map[string]uint32

func (f fakeSessions) CurrentGeneration(_ context.Context, portalID string) (uint32, error) {
	return f[portalID], nil
}

func (f *fakeRemoteAdmin) snapshot() (tokens []string, loaded [][]mattermost.PuppetEntry, reloads int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.tokens...), append([][]mattermost.PuppetEntry(nil), f.loaded...), f.reloads
}

type fakeDevices struct {
	mu      sync.Mutex
	devices map[string]*e2ee.DeviceInfo
}

func (f *fakeDevices) GetDevice(_ context.Context, userID, deviceID string) (*e2ee.DeviceInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dev, ok := f.devices[userID+"/"+deviceID]
	if !ok {
		return nil, e2ee.ErrDeviceNotFound
	}
	cp := *dev
	return &cp, nil
}

func (f *fakeDevices) setTrust(userID, deviceID string, trust cryptostore.Trust) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	dev, ok := f.devices[userID+"/"+deviceID]
	if !ok {
		return e2ee.ErrDeviceNotFound
	}
	dev.Trust = trust
	return nil
}

func (f *fakeDevices) VerifyDevice(_ context.Context, userID, deviceID string) error {
	return f.setTrust(userID, deviceID, cryptostore.TrustVerified)
}

func (f *fakeDevices) RevokeDevice(_ context.Context, userID, deviceID string) error {
	return f.setTrust(userID, deviceID, cryptostore.TrustRevoked)
}

type apiHarness struct {
	db      *database.Database
	portals *portal.Registry
	remote  *fakeRemoteAdmin
	devices *fakeDevices
	health  *Health
	server  *httptest.Server
}

func newAPIHarness(t *testing.T, secret string) *apiHarness {
	t.Helper()
	uri := "file:" + filepath.Join(t.TempDir(), "api.db") + "?_txlock=immediate&_busy_timeout=5000"
	raw, err := dbutil.NewWithDialect(uri, "sqlite3")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	raw.RawDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = raw.Close() })
	db := database.New(raw, zerolog.Nop())
	if err = db.Upgrade(context.Background()); err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	mapper, err := identity.New(db, identity.Config{
		UsernameTemplate:    "mattermost_{{.}}",
		DisplaynameTemplate: "{{or .DisplayName .Username}}",
		ServerName:          "example.com",
	}, fakeProvisioner{}, &fakeMentionSource{users: map[string]*network.UserProfile{
		"u1": {ID: "u1", Username: "alice", DisplayName: "Alice"},
	}}, zerolog.Nop())
	if err != nil {
		t.Fatalf("identity.New: %v", err)
	}
	t.Cleanup(mapper.Close)
	portals := portal.NewRegistry(db, idleProcessor{}, 0, zerolog.Nop())
	t.Cleanup(portals.Stop)

	h := &apiHarness{
		db:      db,
		portals: portals,
		remote:  &fakeRemoteAdmin{},
		devices: &fakeDevices{devices: map[string]*e2ee.DeviceInfo{
			"u2/D2": {UserID: "u2", DeviceID: "D2", Trust: cryptostore.TrustUnverified, Fingerprint: "abc"},
		}},
		health: NewHealth(2, zerolog.Nop()),
	}
	api := NewAdminAPI(AdminDeps{
		DB:       db,
		Mapper:   mapper,
		Portals:  portals,
		Remote:   h.remote,
		Devices:  h.devices,
		Sessions: fakeSessions{"secret": 3},
		Health:   h.health,
	}, secret, zerolog.Nop())
	h.server = httptest.NewServer(api)
	t.Cleanup(h.server.Close)
	return h
}

func (h *apiHarness) do(t *testing.T, method, path, body string, headers ...string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, h.server.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err = json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode, out
}

func (h *apiHarness) insertPortal(t *testing.T, remoteID string) {
	t.Helper()
	_, err := h.db.Portal.Insert(context.Background(), &database.Portal{
		RemoteID:  remoteID,
		MXID:      "!" + remoteID + ":example.com",
		Kind:      network.KindChannel,
		Name:      "Town Square",
		State:     database.StateActive,
		Encrypted: remoteID == "secret",
	})
	if err != nil {
		t.Fatalf("insert portal: %v", err)
	}
}

func TestAPIGetPortal(t *testing.T) {
	t.Parallel()
	h := newAPIHarness(t, "")
	if status, _ := h.do(t, http.MethodGet, "/api/portals/missing", ""); status != http.StatusNotFound {
		t.Errorf("missing portal: got %d, want 404", status)
	}

	h.insertPortal(t, "ch1")
	status, body := h.do(t, http.MethodGet, "/api/portals/ch1", "")
	if status != http.StatusOK {
		t.Fatalf("status: got %d, want 200", status)
	}
	if body["room_id"] != "!ch1:example.com" || body["state"] != "ACTIVE" || body["loaded"] != false {
		t.Errorf("unexpected body: %v", body)
	}

	if err := h.portals.LoadAll(context.Background()); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	_, body = h.do(t, http.MethodGet, "/api/portals/ch1", "")
	if body["loaded"] != true || body["name"] != "Town Square" || body["messages"] != float64(0) {
		t.Errorf("loaded portal: got %v", body)
	}
	if _, ok := body["generation"]; ok {
		t.Errorf("unencrypted portal has a generation: %v", body)
	}

	h.insertPortal(t, "secret")
	_, body = h.do(t, http.MethodGet, "/api/portals/secret", "")
	if body["encrypted"] != true || body["generation"] != float64(3) {
		t.Errorf("encrypted portal: got %v", body)
	}
}

func TestAPIStatus(t *testing.T) {
	t.Parallel()
	h := newAPIHarness(t, "")
	h.health.ReportFailure(network.SideRemote, errUnreachable)
	status, body := h.do(t, http.MethodGet, "/api/status", "")
	if status != http.StatusOK {
		t.Fatalf("status: got %d, want 200", status)
	}
	if body["remote_logged_in"] != true || body["remote_connected"] != false || body["puppets"] != float64(2) {
		t.Errorf("remote status: got %v", body)
	}
	if body["degraded"] != false || body["remote_failures"] != float64(1) || body["home_failures"] != float64(0) {
		t.Errorf("health status: got %v", body)
	}
}

func TestAPIUserLoginAndDeactivate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newAPIHarness(t, "")
	status, body := h.do(t, http.MethodPost, "/api/users/@bob:example.com/login", `{"remote_id":"bob-mm","token":"bob-token"}`)
	if status != http.StatusOK || body["total"] != float64(2) {
		t.Fatalf("login: got %d %v", status, body)
	}
	if _, _, reloads := h.remote.snapshot(); reloads != 1 {
		t.Errorf("reloads after login: got %d, want 1", reloads)
	}
	loggedIn, err := h.db.User.GetAllLoggedIn(ctx)
	if err != nil || len(loggedIn) != 1 || loggedIn[0].AccessToken != "bob-token" {
		t.Fatalf("stored logins: got %+v, %v", loggedIn, err)
	}

	if status, _ = h.do(t, http.MethodPost, "/api/users/@bob:example.com/deactivate", ""); status != http.StatusOK {
		t.Fatalf("deactivate: got %d, want 200", status)
	}
	if loggedIn, err = h.db.User.GetAllLoggedIn(ctx); err != nil || len(loggedIn) != 0 {
		t.Errorf("deactivated user still logged in: %+v, %v", loggedIn, err)
	}
	if _, _, reloads := h.remote.snapshot(); reloads != 2 {
		t.Errorf("reloads after deactivate: got %d, want 2", reloads)
	}
	if status, _ = h.do(t, http.MethodPost, "/api/users/@nobody:example.com/deactivate", ""); status != http.StatusNotFound {
		t.Errorf("unknown user: got %d, want 404", status)
	}
}

func TestAPIResyncPuppet(t *testing.T) {
	t.Parallel()
	h := newAPIHarness(t, "")
	status, body := h.do(t, http.MethodPost, "/api/puppets/u1/resync", "")
	if status != http.StatusOK || body["mxid"] != "@mattermost_u1:example.com" || body["displayname"] != "Alice" {
		t.Fatalf("resync by id: got %d %v", status, body)
	}
	status, body = h.do(t, http.MethodPost, "/api/puppets/@mattermost_u1:example.com/resync", "")
	if status != http.StatusOK || body["remote_id"] != "u1" {
		t.Fatalf("resync by mxid: got %d %v", status, body)
	}
	if status, _ = h.do(t, http.MethodPost, "/api/puppets/@mattermost_nobody:example.com/resync", ""); status != http.StatusNotFound {
		t.Errorf("unknown ghost: got %d, want 404", status)
	}
}

func TestAPIUnbridgePortal(t *testing.T) {
	t.Parallel()
	h := newAPIHarness(t, "")
	h.insertPortal(t, "ch1")
	if err := h.portals.LoadAll(context.Background()); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	live := h.portals.Lookup("ch1")
	if live == nil {
		t.Fatal("portal not loaded")
	}

	status, body := h.do(t, http.MethodPost, "/api/portals/ch1/unbridge", "")
	if status != http.StatusOK || body["state"] != "ARCHIVED" {
		t.Fatalf("unbridge: got %d %v", status, body)
	}
	if live.State() != database.StateArchived {
		t.Errorf("live portal state: got %q, want archived", live.State())
	}
	row, err := h.db.Portal.GetByRemoteID(context.Background(), "ch1")
	if err != nil || row == nil || row.State != database.StateArchived {
		t.Fatalf("stored portal: got %+v, %v", row, err)
	}
	_, body = h.do(t, http.MethodGet, "/api/portals/ch1", "")
	if body["state"] != "ARCHIVED" || body["archived_at"] == nil {
		t.Errorf("archived portal: got %v", body)
	}

	if status, _ = h.do(t, http.MethodPost, "/api/portals/missing/unbridge", ""); status != http.StatusNotFound {
		t.Errorf("unknown portal: got %d, want 404", status)
	}
}

func TestAPIRelogin(t *testing.T) {
	t.Parallel()
	h := newAPIHarness(t, "")
	if status, _ := h.do(t, http.MethodPost, "/api/relogin", ""); status != http.StatusBadRequest {
		t.Errorf("missing token: got %d, want 400", status)
	}
	if status, _ := h.do(t, http.MethodPost, "/api/relogin", "{"); status != http.StatusBadRequest {
		t.Errorf("invalid JSON: got %d, want 400", status)
	}
	if status, _ := h.do(t, http.MethodPost, "/api/relogin", `{"token":"new-token"}`); status != http.StatusOK {
		t.Errorf("relogin: got %d, want 200", status)
	}
	if tokens, _, _ := h.remote.snapshot(); len(tokens) != 1 || tokens[0] != "new-token" {
		t.Errorf("tokens: got %v", tokens)
	}

	h.remote.mu.Lock()
	h.remote.reloginErr = network.Permanent(network.ReasonPermissionDenied, errors.New("invalid token"))
	h.remote.mu.Unlock()
	if status, _ := h.do(t, http.MethodPost, "/api/relogin", `{"token":"bad"}`); status != http.StatusBadGateway {
		t.Errorf("failed relogin: got %d, want 502", status)
	}
	if status, _ := h.do(t, http.MethodGet, "/api/relogin", ""); status != http.StatusMethodNotAllowed {
		t.Errorf("GET relogin: got %d, want 405", status)
	}
}

func TestAPIReloadPuppets(t *testing.T) {
	t.Parallel()
	h := newAPIHarness(t, "")
	status, body := h.do(t, http.MethodPost, "/api/reload-puppets", "")
	if _, _, reloads := h.remote.snapshot(); status != http.StatusOK || reloads != 1 {
		t.Fatalf("env reload: got %d, reloads = %d", status, reloads)
	}
	if body["removed"] != float64(1) || body["total"] != float64(2) {
		t.Errorf("env reload body: got %v", body)
	}

	status, body = h.do(t, http.MethodPost, "/api/reload-puppets", `[{"slug":"ALICE","mxid":"@alice:example.com","token":"t"}]`)
	if status != http.StatusOK || body["added"] != float64(1) {
		t.Fatalf("body reload: got %d %v", status, body)
	}
	if _, loaded, _ := h.remote.snapshot(); len(loaded) != 1 || loaded[0][0].MXID != "@alice:example.com" {
		t.Errorf("loaded entries: got %v", loaded)
	}

	if status, _ = h.do(t, http.MethodPost, "/api/reload-puppets", `{"slug":1}`); status != http.StatusBadRequest {
		t.Errorf("invalid body: got %d, want 400", status)
	}
}

func TestAPIDeviceTrust(t *testing.T) {
	t.Parallel()
	h := newAPIHarness(t, "")
	status, body := h.do(t, http.MethodGet, "/api/devices/u2/D2", "")
	if status != http.StatusOK || body["trust"] != "unverified" || body["fingerprint"] != "abc" {
		t.Fatalf("get device: got %d %v", status, body)
	}
	status, body = h.do(t, http.MethodPost, "/api/devices/u2/D2/verify", "")
	if status != http.StatusOK || body["trust"] != "verified" {
		t.Fatalf("verify: got %d %v", status, body)
	}
	status, body = h.do(t, http.MethodPost, "/api/devices/u2/D2/revoke", "")
	if status != http.StatusOK || body["trust"] != "revoked" {
		t.Fatalf("revoke: got %d %v", status, body)
	}
	if status, _ = h.do(t, http.MethodPost, "/api/devices/u2/D9/verify", ""); status != http.StatusNotFound {
		t.Errorf("unknown device: got %d, want 404", status)
	}
	if status, _ = h.do(t, http.MethodPost, "/api/devices/u2/D2/delete", ""); status != http.StatusNotFound {
		t.Errorf("unknown action: got %d, want 404", status)
	}
}

func TestAPISharedSecret(t *testing.T) {
	t.Parallel()
	h := newAPIHarness(t, "s3cret")
	if status, _ := h.do(t, http.MethodGet, "/api/devices/u2/D2", ""); status != http.StatusUnauthorized {
		t.Errorf("no token: got %d, want 401", status)
	}
	if status, _ := h.do(t, http.MethodGet, "/api/devices/u2/D2", "", "Authorization", "Bearer wrong"); status != http.StatusUnauthorized {
		t.Errorf("wrong token: got %d, want 401", status)
	}
	if status, _ := h.do(t, http.MethodGet, "/api/devices/u2/D2", "", "Authorization", "Bearer s3cret"); status != http.StatusOK {
		t.Errorf("valid token: got %d, want 200", status)
	}
}
