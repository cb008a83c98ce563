// Copyright 2024-2026 Aiku AI

package identity

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"

	"github.com/aiku/mautrix-bridgecore/pkg/database"
	"github.com/aiku/mautrix-bridgecore/pkg/network"
)

type fakeHome struct {
	mu    sync.Mutex
	calls map[string][]network.PuppetProfile
	fail  error
}

func (f *fakeHome) EnsurePuppet(_ context.Context, mxid string, profile *network.PuppetProfile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	if f.calls == nil {
		f.calls = make(map[string][]network.PuppetProfile)
	}
	f.calls[mxid] = append(f.calls[mxid], *profile)
	return nil
}

func (f *fakeHome) count(mxid string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls[mxid])
}

func (f *fakeHome) setFail(err error) {
	f.mu.Lock()
	f.fail = err
	f.mu.Unlock()
}

type fakeProfiles struct {
	mu    sync.Mutex
	users map[string]*network.UserProfile
}

func (f *fakeProfiles) GetUser(_ context.Context, userID string) (*network.UserProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	profile, ok := f.users[userID]
	if !ok {
		return nil, network.Permanent(network.ReasonTargetDeleted, errors.New("user not found"))
	}
	cp := *profile
	return &cp, nil
}

func (f *fakeProfiles) set(profile *network.UserProfile) {
	f.mu.Lock()
	f.users[profile.ID] = profile
	f.mu.Unlock()
}

func newTestMapper(t *testing.T) (*Mapper, *fakeHome, *fakeProfiles) {
	t.Helper()
	uri := "file:" + filepath.Join(t.TempDir(), "identity.db") + "?_txlock=immediate&_busy_timeout=5000"
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
	home := &fakeHome{}
	profiles := &fakeProfiles{users: map[string]*network.UserProfile{
		"u1": {ID: "u1", Username: "alice", DisplayName: "Alice"},
	}}
	m, err := New(db, Config{
		UsernameTemplate:    "mattermost_{{.}}",
		DisplaynameTemplate: "{{or .DisplayName .Username}} (MM)",
		ServerName:          "example.com",
		ProfileSyncInterval: time.Hour,
	}, home, profiles, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(m.Close)
	return m, home, profiles
}

func TestCreateOrGetPortalIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _, _ := newTestMapper(t)

	const callers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			portal, isNew, err := m.CreateOrGetPortal(ctx, "C1", network.KindGroup)
			if err != nil {
				t.Errorf("CreateOrGetPortal: %v", err)
				return
			}
			if portal.RemoteID != "C1" || portal.State != database.StateCreating {
				t.Errorf("got portal %q in %q, want C1 in CREATING", portal.RemoteID, portal.State)
			}
			if isNew {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if created != 1 {
		t.Errorf("portal was created %d times, want exactly once", created)
	}
	portals, err := m.db.Portal.GetAllActive(ctx)
	if err != nil {
		t.Fatalf("GetAllActive: %v", err)
	}
	if len(portals) != 1 {
		t.Fatalf("got %d portals, want 1", len(portals))
	}

	_, isNew, err := m.CreateOrGetPortal(ctx, "C1", network.KindDirect)
	if err != nil {
		t.Fatalf("CreateOrGetPortal: %v", err)
	}
	if isNew {
		t.Error("second call reported a new portal")
	}
}

func TestResolvePortal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _, _ := newTestMapper(t)

	if _, err := m.ResolvePortalByRemote(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("ResolvePortalByRemote(missing): got %v, want ErrNotFound", err)
	}
	portal, _, err := m.CreateOrGetPortal(ctx, "C1", network.KindChannel)
	if err != nil {
		t.Fatalf("CreateOrGetPortal: %v", err)
	}
	if err = m.SetPortalRoom(ctx, portal, "!room:example.com"); err != nil {
		t.Fatalf("SetPortalRoom: %v", err)
	}
	byRoom, err := m.ResolvePortalByRoom(ctx, "!room:example.com")
	if err != nil {
		t.Fatalf("ResolvePortalByRoom: %v", err)
	}
	if byRoom.RemoteID != "C1" {
		t.Errorf("ResolvePortalByRoom: got %q, want %q", byRoom.RemoteID, "C1")
	}
	byRemote, err := m.ResolvePortalByRemote(ctx, "C1")
	if err != nil {
		t.Fatalf("ResolvePortalByRemote: %v", err)
	}
	if byRemote.MXID != "!room:example.com" {
		t.Errorf("ResolvePortalByRemote: got room %q, want %q", byRemote.MXID, "!room:example.com")
	}
}

func TestSetPortalRoomIsAppendOnly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _, _ := newTestMapper(t)

	portal, _, err := m.CreateOrGetPortal(ctx, "C1", network.KindGroup)
	if err != nil {
		t.Fatalf("CreateOrGetPortal: %v", err)
	}
	if err = m.SetPortalRoom(ctx, portal, "!a:example.com"); err != nil {
		t.Fatalf("SetPortalRoom: %v", err)
	}
	if err = m.SetPortalRoom(ctx, portal, "!a:example.com"); err != nil {
		t.Errorf("repeating the same room: got %v, want nil", err)
	}
	if err = m.SetPortalRoom(ctx, portal, "!b:example.com"); !errors.Is(err, ErrRoomAlreadyMapped) {
		t.Errorf("assigning another room: got %v, want ErrRoomAlreadyMapped", err)
	}
	got, err := m.ResolvePortalByRemote(ctx, "C1")
	if err != nil {
		t.Fatalf("ResolvePortalByRemote: %v", err)
	}
	if got.MXID != "!a:example.com" {
		t.Errorf("room: got %q, want %q", got.MXID, "!a:example.com")
	}
}

func TestUnbridgeKeepsRowButHidesPortal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _, _ := newTestMapper(t)

	portal, _, err := m.CreateOrGetPortal(ctx, "C1", network.KindGroup)
	if err != nil {
		t.Fatalf("CreateOrGetPortal: %v", err)
	}
	if err = m.SetPortalRoom(ctx, portal, "!a:example.com"); err != nil {
		t.Fatalf("SetPortalRoom: %v", err)
	}
	if err = m.Unbridge(ctx, "C1"); err != nil {
		t.Fatalf("Unbridge: %v", err)
	}
	if err = m.Unbridge(ctx, "C1"); err != nil {
		t.Errorf("second Unbridge: got %v, want nil", err)
	}
	if _, err = m.ResolvePortalByRemote(ctx, "C1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("ResolvePortalByRemote after unbridge: got %v, want ErrNotFound", err)
	}
	if _, err = m.ResolvePortalByRoom(ctx, "!a:example.com"); !errors.Is(err, ErrNotFound) {
		t.Errorf("ResolvePortalByRoom after unbridge: got %v, want ErrNotFound", err)
	}
	again, isNew, err := m.CreateOrGetPortal(ctx, "C1", network.KindGroup)
	if err != nil {
		t.Fatalf("CreateOrGetPortal after unbridge: %v", err)
	}
	if isNew || again.State != database.StateArchived {
		t.Errorf("got new=%v state=%q, want the archived row", isNew, again.State)
	}
	if again.ArchivedAt.IsZero() {
		t.Error("archived_at was not stamped")
	}
	if err = m.Unbridge(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Unbridge(missing): got %v, want ErrNotFound", err)
	}
}

func TestGetOrCreatePuppet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, home, _ := newTestMapper(t)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.GetOrCreatePuppet(ctx, "u1"); err != nil {
				t.Errorf("GetOrCreatePuppet: %v", err)
			}
		}()
	}
	wg.Wait()

	puppet, err := m.GetOrCreatePuppet(ctx, "u1")
	if err != nil {
		t.Fatalf("GetOrCreatePuppet: %v", err)
	}
	if puppet.MXID != "@mattermost_u1:example.com" {
		t.Errorf("MXID: got %q, want %q", puppet.MXID, "@mattermost_u1:example.com")
	}
	if puppet.DisplayName != "Alice (MM)" || !puppet.NameSet {
		t.Errorf("profile: got %q name_set=%v, want %q", puppet.DisplayName, puppet.NameSet, "Alice (MM)")
	}
	if n := home.count(puppet.MXID); n != 1 {
		t.Errorf("ghost provisioned %d times, want 1", n)
	}
	byMXID, err := m.GetPuppetByMXID(ctx, puppet.MXID)
	if err != nil {
		t.Fatalf("GetPuppetByMXID: %v", err)
	}
	if byMXID.RemoteID != "u1" {
		t.Errorf("GetPuppetByMXID: got %q, want %q", byMXID.RemoteID, "u1")
	}
}

func TestPuppetProfileSync(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, home, profiles := newTestMapper(t)

	puppet, err := m.GetOrCreatePuppet(ctx, "u1")
	if err != nil {
		t.Fatalf("GetOrCreatePuppet: %v", err)
	}
	profiles.set(&network.UserProfile{ID: "u1", Username: "alice", DisplayName: "Alice B", AvatarHash: "h1", AvatarURL: "mxc://example.com/a"})

	if _, err = m.GetOrCreatePuppet(ctx, "u1"); err != nil {
		t.Fatalf("GetOrCreatePuppet: %v", err)
	}
	if n := home.count(puppet.MXID); n != 1 {
		t.Fatalf("profile synced %d times inside the throttle window, want 1", n)
	}

	m.ResyncPuppet("u1")
	synced, err := m.GetOrCreatePuppet(ctx, "u1")
	if err != nil {
		t.Fatalf("GetOrCreatePuppet: %v", err)
	}
	if synced.DisplayName != "Alice B (MM)" || synced.AvatarHash != "h1" || !synced.AvatarSet {
		t.Errorf("got %q avatar=%q set=%v, want the changed profile", synced.DisplayName, synced.AvatarHash, synced.AvatarSet)
	}
	if n := home.count(puppet.MXID); n != 2 {
		t.Errorf("ghost updated %d times, want 2", n)
	}

	m.ResyncPuppet("u1")
	if _, err = m.GetOrCreatePuppet(ctx, "u1"); err != nil {
		t.Fatalf("GetOrCreatePuppet: %v", err)
	}
	if n := home.count(puppet.MXID); n != 2 {
		t.Errorf("unchanged profile was pushed again: %d calls, want 2", n)
	}
}

func TestPuppetSyncFailureIsBestEffort(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, home, profiles := newTestMapper(t)

	home.setFail(network.Transient("register", errors.New("homeserver down")))
	if _, err := m.GetOrCreatePuppet(ctx, "u1"); err == nil {
		t.Fatal("expected an error when the ghost can't be provisioned at all")
	}

	home.setFail(nil)
	if _, err := m.GetOrCreatePuppet(ctx, "u1"); err != nil {
		t.Fatalf("GetOrCreatePuppet: %v", err)
	}

	profiles.set(&network.UserProfile{ID: "u1", Username: "alice", DisplayName: "Renamed"})
	home.setFail(network.Transient("profile", errors.New("homeserver down")))
	m.ResyncPuppet("u1")
	puppet, err := m.GetOrCreatePuppet(ctx, "u1")
	if err != nil {
		t.Fatalf("stale profile sync should not fail: %v", err)
	}
	if puppet.DisplayName != "Alice (MM)" {
		t.Errorf("got %q, want the last synced name", puppet.DisplayName)
	}
}

func TestPuppetWithoutRemoteProfile(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, home, _ := newTestMapper(t)

	puppet, err := m.GetOrCreatePuppet(ctx, "ghostly")
	if err != nil {
		t.Fatalf("GetOrCreatePuppet: %v", err)
	}
	if puppet.DisplayName != "ghostly (MM)" {
		t.Errorf("got %q, want the remote id as fallback name", puppet.DisplayName)
	}
	if n := home.count(puppet.MXID); n != 1 {
		t.Errorf("ghost provisioned %d times, want 1", n)
	}
}

func TestEnsureAndDeactivateUser(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _, _ := newTestMapper(t)

	user, err := m.EnsureUser(ctx, "@alice:example.com")
	if err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	again, err := m.EnsureUser(ctx, "@alice:example.com")
	if err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	if !again.CreatedAt.Equal(user.CreatedAt) {
		t.Errorf("second EnsureUser recreated the user")
	}
	if err = m.DeactivateUser(ctx, "@alice:example.com"); err != nil {
		t.Fatalf("DeactivateUser: %v", err)
	}
	after, err := m.EnsureUser(ctx, "@alice:example.com")
	if err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	if !after.Deactivated {
		t.Error("user was not deactivated")
	}
	if err = m.DeactivateUser(ctx, "@nobody:example.com"); !errors.Is(err, ErrNotFound) {
		t.Errorf("DeactivateUser(missing): got %v, want ErrNotFound", err)
	}
}

func TestSetRemoteLogin(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _, _ := newTestMapper(t)

	user, err := m.SetRemoteLogin(ctx, "@bob:example.com", "bob-mm", "bob-token")
	if err != nil {
		t.Fatalf("SetRemoteLogin: %v", err)
	}
	if user.RemoteID != "bob-mm" || user.AccessToken != "bob-token" {
		t.Errorf("got %+v", user)
	}
	loggedIn, err := m.db.User.GetAllLoggedIn(ctx)
	if err != nil {
		t.Fatalf("GetAllLoggedIn: %v", err)
	}
	if len(loggedIn) != 1 || loggedIn[0].MXID != "@bob:example.com" {
		t.Fatalf("logged in users: got %+v", loggedIn)
	}

	if _, err = m.SetRemoteLogin(ctx, "@bob:example.com", "", ""); err != nil {
		t.Fatalf("SetRemoteLogin(logout): %v", err)
	}
	if loggedIn, err = m.db.User.GetAllLoggedIn(ctx); err != nil || len(loggedIn) != 0 {
		t.Errorf("after logout: got %+v, %v", loggedIn, err)
	}
}
