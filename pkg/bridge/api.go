// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/aiku/mautrix-bridgecore/pkg/database"
	"github.com/aiku/mautrix-bridgecore/pkg/e2ee"
	"github.com/aiku/mautrix-bridgecore/pkg/identity"
	"github.com/aiku/mautrix-bridgecore/pkg/network"
	"github.com/aiku/mautrix-bridgecore/pkg/portal"
	"github.com/aiku/mautrix-bridgecore/pkg/remote/mattermost"
)

// maxBodySize is the maximum allowed admin request body (1 MB).
const maxBodySize = 1 << 20

// RemoteAdmin is the remote client surface used by the admin API.
type RemoteAdmin interface {
	Relogin(ctx context.Context, token string) error
	LoadPuppets(ctx context.Context, entries []mattermost.PuppetEntry) (added, removed int)
	ReloadPuppets(ctx context.Context) (added, removed int)
	PuppetCount() int
	IsLoggedIn() bool
	Connected() bool
}

// DeviceTrust manages the trust of remote devices.
type DeviceTrust interface {
	GetDevice(ctx context.Context, userID, deviceID string) (*e2ee.DeviceInfo, error)
	VerifyDevice(ctx context.Context, userID, deviceID string) error
	RevokeDevice(ctx context.Context, userID, deviceID string) error
}

// GroupSessions reports the encryption state of portals.
type GroupSessions interface {
	CurrentGeneration(ctx context.Context, portalID string) (uint32, error)
}

// AdminDeps are the components the admin API operates on.
type AdminDeps struct {
	DB      *database.Database
	Mapper  *identity.Mapper
	Portals *portal.Registry
	Remote  RemoteAdmin
	Devices DeviceTrust
	// Sessions and Health are optional.
	Sessions GroupSessions
	Health   *Health
}

// AdminAPI is the HTTP admin interface of the bridge.
type AdminAPI struct {
	AdminDeps
	secret string
	log    zerolog.Logger
	router *mux.Router
}

// NewAdminAPI creates the admin API. An empty secret disables
// authentication.
func NewAdminAPI(deps AdminDeps, secret string, log zerolog.Logger) *AdminAPI {
	a := &AdminAPI{
		AdminDeps: deps,
		secret:    secret,
		log:       log.With().Str("component", "admin_api").Logger(),
		router:    mux.NewRouter(),
	}
	api := a.router.PathPrefix("/api").Subrouter()
	api.Use(hlog.NewHandler(a.log), hlog.RemoteAddrHandler("remote_addr"), a.authenticate)
	api.HandleFunc("/status", a.GetStatus).Methods(http.MethodGet)
	api.HandleFunc("/portals/{id}", a.GetPortal).Methods(http.MethodGet)
	api.HandleFunc("/portals/{id}/unbridge", a.UnbridgePortal).Methods(http.MethodPost)
	api.HandleFunc("/relogin", a.Relogin).Methods(http.MethodPost)
	api.HandleFunc("/reload-puppets", a.ReloadPuppets).Methods(http.MethodPost)
	api.HandleFunc("/puppets/{id}/resync", a.ResyncPuppet).Methods(http.MethodPost)
	api.HandleFunc("/users/{mxid}/login", a.SetUserLogin).Methods(http.MethodPost)
	api.HandleFunc("/users/{mxid}/deactivate", a.DeactivateUser).Methods(http.MethodPost)
	api.HandleFunc("/devices/{user}/{device}", a.GetDevice).Methods(http.MethodGet)
	api.HandleFunc("/devices/{user}/{device}/{action:verify|revoke}", a.SetDeviceTrust).Methods(http.MethodPost)
	return a
}

func (a *AdminAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}

// Server wraps the API in an HTTP server listening on addr.
func (a *AdminAPI) Server(addr string) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      a,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func (a *AdminAPI) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.secret != "" {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(a.secret)) != 1 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("Failed to write response")
	}
}

// readJSON decodes an optional JSON body. It returns false after writing
// an error response.
func readJSON(w http.ResponseWriter, r *http.Request, into any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return false
	} else if len(body) == 0 {
		return true
	} else if err = json.Unmarshal(body, into); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

type portalResponse struct {
	ID         string     `json:"id"`
	RoomID     string     `json:"room_id,omitempty"`
	Kind       string     `json:"kind"`
	Name       string     `json:"name,omitempty"`
	State      string     `json:"state"`
	Encrypted  bool       `json:"encrypted"`
	RelayUser  string     `json:"relay_user,omitempty"`
	Loaded     bool       `json:"loaded"`
	Queued     int        `json:"queued"`
	Messages   int        `json:"messages"`
	Generation *uint32    `json:"generation,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
}

func newPortalResponse(row database.Portal) *portalResponse {
	resp := &portalResponse{
		ID:        row.RemoteID,
		RoomID:    row.MXID,
		Kind:      string(row.Kind),
		Name:      row.Name,
		State:     string(row.State),
		Encrypted: row.Encrypted,
		RelayUser: row.RelayUser,
		CreatedAt: row.CreatedAt,
	}
	if !row.ArchivedAt.IsZero() {
		archivedAt := row.ArchivedAt
		resp.ArchivedAt = &archivedAt
	}
	return resp
}

// GetPortal handles GET /api/portals/{id}.
func (a *AdminAPI) GetPortal(w http.ResponseWriter, r *http.Request) {
	portalID := mux.Vars(r)["id"]
	row, err := a.DB.Portal.GetByRemoteID(r.Context(), portalID)
	if err != nil {
		hlog.FromRequest(r).Err(err).Str("portal_id", portalID).Msg("Failed to get portal")
		http.Error(w, "failed to get portal", http.StatusInternalServerError)
		return
	} else if row == nil {
		http.Error(w, "portal not found", http.StatusNotFound)
		return
	}
	resp := newPortalResponse(*row)
	if live := a.Portals.Lookup(portalID); live != nil {
		resp = newPortalResponse(live.Info())
		resp.Loaded = true
		resp.Queued = live.QueueLen()
	}
	log := hlog.FromRequest(r).With().Str("portal_id", portalID).Logger()
	if resp.Messages, err = a.DB.Message.CountByPortal(r.Context(), portalID); err != nil {
		log.Warn().Err(err).Msg("Failed to count portal messages")
	}
	if resp.Encrypted && a.Sessions != nil {
		if generation, err := a.Sessions.CurrentGeneration(r.Context(), portalID); err != nil {
			log.Warn().Err(err).Msg("Failed to get group session generation")
		} else {
			resp.Generation = &generation
		}
	}
	writeJSON(w, r, http.StatusOK, resp)
}

type statusResponse struct {
	RemoteLoggedIn  bool `json:"remote_logged_in"`
	RemoteConnected bool `json:"remote_connected"`
	Puppets         int  `json:"puppets"`
	Degraded        bool `json:"degraded"`
	HomeFailures    int  `json:"home_failures"`
	RemoteFailures  int  `json:"remote_failures"`
}

// GetStatus handles GET /api/status.
func (a *AdminAPI) GetStatus(w http.ResponseWriter, r *http.Request) {
	resp := &statusResponse{
		RemoteLoggedIn:  a.Remote.IsLoggedIn(),
		RemoteConnected: a.Remote.Connected(),
		Puppets:         a.Remote.PuppetCount(),
	}
	if a.Health != nil {
		resp.Degraded = a.Health.Degraded()
		resp.HomeFailures = a.Health.Failures(network.SideHome)
		resp.RemoteFailures = a.Health.Failures(network.SideRemote)
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// UnbridgePortal handles POST /api/portals/{id}/unbridge.
func (a *AdminAPI) UnbridgePortal(w http.ResponseWriter, r *http.Request) {
	portalID := mux.Vars(r)["id"]
	log := hlog.FromRequest(r).With().Str("portal_id", portalID).Logger()
	err := a.Mapper.Unbridge(r.Context(), portalID)
	if errors.Is(err, identity.ErrNotFound) {
		http.Error(w, "portal not found", http.StatusNotFound)
		return
	} else if err != nil {
		log.Err(err).Msg("Failed to unbridge portal")
		http.Error(w, "failed to unbridge portal", http.StatusInternalServerError)
		return
	}
	a.Portals.MarkArchived(portalID)
	log.Info().Msg("Portal unbridged via admin API")
	writeJSON(w, r, http.StatusOK, map[string]string{
		"id":    portalID,
		"state": string(database.StateArchived),
	})
}

type reloginRequest struct {
	Token string `json:"token"`
}

// Relogin handles POST /api/relogin.
func (a *AdminAPI) Relogin(w http.ResponseWriter, r *http.Request) {
	var req reloginRequest
	if !readJSON(w, r, &req) {
		return
	} else if req.Token == "" {
		http.Error(w, "token is required", http.StatusBadRequest)
		return
	}
	if err := a.Remote.Relogin(r.Context(), req.Token); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("Forced re-login failed")
		http.Error(w, "re-login failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	hlog.FromRequest(r).Info().Msg("Remote client re-logged in")
	writeJSON(w, r, http.StatusOK, map[string]bool{"ok": true})
}

type puppetResponse struct {
	RemoteID    string    `json:"remote_id"`
	MXID        string    `json:"mxid"`
	DisplayName string    `json:"displayname"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	LastSync    time.Time `json:"last_sync"`
}

// ResyncPuppet handles POST /api/puppets/{id}/resync. The id is either a
// Mattermost user id or a ghost mxid.
func (a *AdminAPI) ResyncPuppet(w http.ResponseWriter, r *http.Request) {
	remoteID := mux.Vars(r)["id"]
	if strings.HasPrefix(remoteID, "@") {
		puppet, err := a.Mapper.GetPuppetByMXID(r.Context(), remoteID)
		if errors.Is(err, identity.ErrNotFound) {
			http.Error(w, "puppet not found", http.StatusNotFound)
			return
		} else if err != nil {
			hlog.FromRequest(r).Err(err).Str("mxid", remoteID).Msg("Failed to get puppet")
			http.Error(w, "failed to get puppet", http.StatusInternalServerError)
			return
		}
		remoteID = puppet.RemoteID
	}
	a.Mapper.ResyncPuppet(remoteID)
	puppet, err := a.Mapper.GetOrCreatePuppet(r.Context(), remoteID)
	if err != nil {
		hlog.FromRequest(r).Err(err).Str("remote_user_id", remoteID).Msg("Failed to resync puppet")
		http.Error(w, "failed to resync puppet", http.StatusBadGateway)
		return
	}
	writeJSON(w, r, http.StatusOK, &puppetResponse{
		RemoteID:    puppet.RemoteID,
		MXID:        puppet.MXID,
		DisplayName: puppet.DisplayName,
		AvatarURL:   puppet.AvatarURL,
		LastSync:    puppet.LastSync,
	})
}

type userLoginRequest struct {
	RemoteID string `json:"remote_id"`
	Token    string `json:"token"`
}

// SetUserLogin handles POST /api/users/{mxid}/login. It stores the
// Mattermost login of a home user and reloads puppets, so the user's
// messages are posted as their own Mattermost account. An empty token logs
// the user out.
func (a *AdminAPI) SetUserLogin(w http.ResponseWriter, r *http.Request) {
	mxid := mux.Vars(r)["mxid"]
	var req userLoginRequest
	if !readJSON(w, r, &req) {
		return
	}
	log := hlog.FromRequest(r).With().Str("mxid", mxid).Logger()
	if _, err := a.Mapper.SetRemoteLogin(r.Context(), mxid, req.RemoteID, req.Token); err != nil {
		log.Err(err).Msg("Failed to store user login")
		http.Error(w, "failed to store login", http.StatusInternalServerError)
		return
	}
	added, removed := a.Remote.ReloadPuppets(r.Context())
	log.Info().Bool("logged_in", req.Token != "").Msg("Stored user login")
	writeJSON(w, r, http.StatusOK, map[string]int{
		"added":   added,
		"removed": removed,
		"total":   a.Remote.PuppetCount(),
	})
}

// DeactivateUser handles POST /api/users/{mxid}/deactivate.
func (a *AdminAPI) DeactivateUser(w http.ResponseWriter, r *http.Request) {
	mxid := mux.Vars(r)["mxid"]
	log := hlog.FromRequest(r).With().Str("mxid", mxid).Logger()
	err := a.Mapper.DeactivateUser(r.Context(), mxid)
	if errors.Is(err, identity.ErrNotFound) {
		http.Error(w, "user not found", http.StatusNotFound)
		return
	} else if err != nil {
		log.Err(err).Msg("Failed to deactivate user")
		http.Error(w, "failed to deactivate user", http.StatusInternalServerError)
		return
	}
	a.Remote.ReloadPuppets(r.Context())
	log.Info().Msg("User deactivated via admin API")
	writeJSON(w, r, http.StatusOK, map[string]bool{"deactivated": true})
}

// ReloadPuppets handles POST /api/reload-puppets. It accepts an optional
// JSON list of puppet entries; without one, puppets are reloaded from the
// config and the environment.
func (a *AdminAPI) ReloadPuppets(w http.ResponseWriter, r *http.Request) {
	var entries []mattermost.PuppetEntry
	if !readJSON(w, r, &entries) {
		return
	}
	source := "env"
	if len(entries) > 0 {
		source = "body"
	}
	hlog.FromRequest(r).Info().
		Int("entries", len(entries)).
		Str("source", source).
		Msg("Processing puppet reload")

	var added, removed int
	if len(entries) > 0 {
		added, removed = a.Remote.LoadPuppets(r.Context(), entries)
	} else {
		added, removed = a.Remote.ReloadPuppets(r.Context())
	}
	writeJSON(w, r, http.StatusOK, map[string]int{
		"added":   added,
		"removed": removed,
		"total":   a.Remote.PuppetCount(),
	})
}

type deviceResponse struct {
	UserID      string `json:"user_id"`
	DeviceID    string `json:"device_id"`
	Trust       string `json:"trust"`
	Own         bool   `json:"own"`
	Fingerprint string `json:"fingerprint"`
}

func (a *AdminAPI) writeDevice(w http.ResponseWriter, r *http.Request, userID, deviceID string) {
	info, err := a.Devices.GetDevice(r.Context(), userID, deviceID)
	if errors.Is(err, e2ee.ErrDeviceNotFound) {
		http.Error(w, "device not found", http.StatusNotFound)
		return
	} else if err != nil {
		hlog.FromRequest(r).Err(err).Msg("Failed to get device")
		http.Error(w, "failed to get device", http.StatusInternalServerError)
		return
	}
	writeJSON(w, r, http.StatusOK, &deviceResponse{
		UserID:      info.UserID,
		DeviceID:    info.DeviceID,
		Trust:       string(info.Trust),
		Own:         info.Own,
		Fingerprint: info.Fingerprint,
	})
}

// GetDevice handles GET /api/devices/{user}/{device}.
func (a *AdminAPI) GetDevice(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	a.writeDevice(w, r, vars["user"], vars["device"])
}

// SetDeviceTrust handles POST /api/devices/{user}/{device}/verify and
// /revoke.
func (a *AdminAPI) SetDeviceTrust(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	userID, deviceID := vars["user"], vars["device"]
	var err error
	if vars["action"] == "verify" {
		err = a.Devices.VerifyDevice(r.Context(), userID, deviceID)
	} else {
		err = a.Devices.RevokeDevice(r.Context(), userID, deviceID)
	}
	if errors.Is(err, e2ee.ErrDeviceNotFound) {
		http.Error(w, "device not found", http.StatusNotFound)
		return
	} else if err != nil {
		hlog.FromRequest(r).Err(err).
			Str("user_id", userID).
			Str("device_id", deviceID).
			Str("action", vars["action"]).
			Msg("Failed to change device trust")
		http.Error(w, "failed to change device trust", http.StatusInternalServerError)
		return
	}
	a.writeDevice(w, r, userID, deviceID)
}
