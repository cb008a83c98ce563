// Copyright 2024-2026 Aiku AI

// Package bridge wires the bridge components together and owns their
// startup and shutdown.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/appservice"

	"github.com/aiku/mautrix-bridgecore/pkg/cryptostore"
	"github.com/aiku/mautrix-bridgecore/pkg/database"
	"github.com/aiku/mautrix-bridgecore/pkg/e2ee"
	"github.com/aiku/mautrix-bridgecore/pkg/identity"
	"github.com/aiku/mautrix-bridgecore/pkg/matrix"
	"github.com/aiku/mautrix-bridgecore/pkg/msgconv"
	"github.com/aiku/mautrix-bridgecore/pkg/network"
	"github.com/aiku/mautrix-bridgecore/pkg/relay"
	"github.com/aiku/mautrix-bridgecore/pkg/remote/mattermost"
)

// Bridge is the bridge orchestrator.
type Bridge struct {
	Config *Config
	Log    zerolog.Logger

	DB          *database.Database
	CryptoStore *cryptostore.SQLStore
	AS          *appservice.AppService
	Home        *matrix.Client
	Remote      *mattermost.Client
	Mapper      *identity.Mapper
	Health      *Health

	// Crypto and Relay are created by Start once the remote account is
	// known.
	Crypto *e2ee.Manager
	Relay  *relay.Pipeline

	ghosts    *identity.GhostNamer
	apiServer *http.Server
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	stopOnce  sync.Once
}

// New opens the database and creates the network clients. Nothing talks to
// the network before Start.
func New(cfg *Config, log zerolog.Logger) (*Bridge, error) {
	br := &Bridge{Config: cfg, Log: log}

	rawDB, err := dbutil.NewFromConfig("mautrix-bridgecore", cfg.Database, dbutil.ZeroLogger(log.With().Str("db_section", "main").Logger()))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	br.DB = database.New(rawDB, log)
	sealer, err := cryptostore.NewSealer(cfg.Encryption.PickleKey)
	if err != nil {
		return nil, err
	}
	br.CryptoStore = cryptostore.NewSQLStore(rawDB, sealer, log.With().Str("db_section", "crypto").Logger())

	registration, err := appservice.LoadRegistration(cfg.AppService.Registration)
	if err != nil {
		return nil, fmt.Errorf("failed to load registration: %w", err)
	}
	br.AS, err = appservice.CreateFull(appservice.CreateOpts{
		Registration:     registration,
		HomeserverDomain: cfg.Homeserver.Domain,
		HomeserverURL:    cfg.Homeserver.Address,
		HostConfig: appservice.HostConfig{
			Hostname: cfg.AppService.Hostname,
			Port:     cfg.AppService.Port,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create appservice: %w", err)
	}
	br.AS.Log = log.With().Str("component", "appservice").Logger()

	br.ghosts, err = identity.NewGhostNamer(cfg.Bridge.UsernameTemplate, cfg.Homeserver.Domain)
	if err != nil {
		return nil, err
	}
	br.Home = matrix.New(br.AS, matrix.Config{
		ProtocolID:   "mattermost",
		ProtocolName: "Mattermost",
	}, br.ghosts, log)
	br.Remote = mattermost.New(cfg.Mattermost, log)
	br.Mapper, err = identity.New(br.DB, identity.Config{
		UsernameTemplate:    cfg.Bridge.UsernameTemplate,
		DisplaynameTemplate: cfg.Bridge.DisplaynameTemplate,
		ServerName:          cfg.Homeserver.Domain,
		ProfileSyncInterval: cfg.Bridge.ProfileSyncInterval,
	}, br.Home, br.Remote, log)
	if err != nil {
		return nil, err
	}
	br.Health = NewHealth(cfg.Bridge.DegradeThreshold, log)
	return br, nil
}

// Start upgrades storage, connects both networks, loads portals and starts
// pumping events. The bridge runs until Stop is called.
func (br *Bridge) Start(ctx context.Context) error {
	if err := br.DB.Upgrade(ctx); err != nil {
		return fmt.Errorf("failed to upgrade bridge database: %w", err)
	}
	if err := br.CryptoStore.Upgrade(ctx); err != nil {
		return fmt.Errorf("failed to upgrade crypto store: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	runCtx = br.Log.WithContext(runCtx)
	br.cancel = cancel

	remoteEvents, err := br.Remote.Subscribe(runCtx, "")
	if err != nil {
		return err
	}
	br.Remote.SetPuppetSource(br.storedPuppetLogins)
	if err = br.connectRemote(ctx, runCtx); err != nil {
		return err
	}
	if err = br.AS.BotIntent().EnsureRegistered(ctx); err != nil {
		return fmt.Errorf("failed to register bridge bot: %w", err)
	}

	ownUserID := br.Remote.UserID()
	br.Crypto = e2ee.NewManager(br.CryptoStore, br.Remote, e2ee.Config{
		OwnUserID:        ownUserID,
		RotationMessages: br.Config.Encryption.Rotation.Messages,
		RotationPeriod:   br.Config.Encryption.Rotation.Period,
		OneTimeKeys:      br.Config.Encryption.OneTimeKeys,
	}, br.Log)
	if dev, err := br.Crypto.EnsureDevice(ctx, ownUserID); err != nil {
		br.Log.Warn().Err(err).Msg("Failed to publish own device keys")
	} else {
		br.Log.Info().Str("device_id", dev.DeviceID).Str("fingerprint", dev.Fingerprint).Msg("Own device ready")
	}

	mentions := NewMentionResolver(br.Mapper.Ghosts(), br.Remote, br.Log.With().Str("component", "mentions").Logger())
	br.Relay = relay.New(relay.Deps{
		DB:        br.DB,
		Mapper:    br.Mapper,
		Home:      br.Home,
		Remote:    br.Remote,
		Converter: &msgconv.Converter{Mentions: mentions.Resolve},
		Crypto:    br.Crypto,
		Health:    br.Health,
	}, relay.Config{
		PoolSize:          br.Config.Relay.PoolSize,
		MaxAttempts:       br.Config.Relay.MaxAttempts,
		BaseBackoff:       br.Config.Relay.BaseBackoff,
		MaxBackoff:        br.Config.Relay.MaxBackoff,
		JitterPercent:     br.Config.Relay.JitterPercent,
		AttemptTimeout:    br.Config.Relay.AttemptTimeout,
		DegradedQueueSize: br.Config.Bridge.DegradedQueueSize,
		BackfillLimit:     br.Config.Bridge.Backfill.MaxCount,
		EncryptByDefault:  br.Config.Encryption.Default,
		RelayUser:         br.Config.Bridge.RelayUser,
	}, br.Log)
	br.Health.Watch(br.Relay.Portals())
	if err = br.Relay.Portals().LoadAll(ctx); err != nil {
		return fmt.Errorf("failed to load portals: %w", err)
	}
	br.Remote.SetReconnectHandler(func(context.Context) {
		br.Log.Info().Msg("Mattermost reconnected, catching up portals")
		br.Relay.Portals().CatchUpAll()
	})

	br.goRun(func() { br.AS.Start() })
	br.goRun(func() { br.Home.Run(runCtx, br.AS.Events) })
	remotePump := NewPump(br.Relay, br.Crypto, br.Log.With().Str("component", "pump").Str("side", string(network.SideRemote)).Logger())
	homePump := NewPump(br.Relay, nil, br.Log.With().Str("component", "pump").Str("side", string(network.SideHome)).Logger())
	br.goRun(func() { remotePump.Run(runCtx, remoteEvents) })
	br.goRun(func() { homePump.Run(runCtx, br.Home.Events()) })
	br.goRun(func() {
		br.Health.Run(runCtx, br.Config.Bridge.HealthProbeInterval, map[network.Side]Probe{
			network.SideRemote: br.Remote.Ping,
			network.SideHome: func(ctx context.Context) error {
				_, err := br.AS.BotClient().Whoami(ctx)
				return err
			},
		})
	})
	if br.Config.AdminAPI.Listen != "" {
		br.startAdminAPI()
	}
	br.Log.Info().Msg("Bridge started")
	return nil
}

func (br *Bridge) goRun(fn func()) {
	br.wg.Add(1)
	go func() {
		defer br.wg.Done()
		fn()
	}()
}

// connectRemote retries transient connection failures until ctx is done.
// The websocket listener lives on runCtx.
func (br *Bridge) connectRemote(ctx, runCtx context.Context) error {
	backoff := retry.WithCappedDuration(time.Minute, retry.NewExponential(time.Second))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := br.Remote.Connect(runCtx)
		if network.IsTransient(err) {
			br.Log.Warn().Err(err).Msg("Failed to connect to Mattermost, retrying")
			return retry.RetryableError(err)
		} else if err != nil {
			return fmt.Errorf("failed to connect to Mattermost: %w", err)
		}
		return nil
	})
}

// storedPuppetLogins lists the Mattermost logins home users stored through
// the admin API.
func (br *Bridge) storedPuppetLogins(ctx context.Context) ([]mattermost.PuppetEntry, error) {
	users, err := br.DB.User.GetAllLoggedIn(ctx)
	if err != nil {
		return nil, err
	}
	entries := make([]mattermost.PuppetEntry, 0, len(users))
	for _, user := range users {
		entries = append(entries, mattermost.PuppetEntry{
			Slug:  "user",
			MXID:  user.MXID,
			Token: user.AccessToken,
		})
	}
	return entries, nil
}

func (br *Bridge) startAdminAPI() {
	api := NewAdminAPI(AdminDeps{
		DB:       br.DB,
		Mapper:   br.Mapper,
		Portals:  br.Relay.Portals(),
		Remote:   br.Remote,
		Devices:  br.Crypto,
		Sessions: br.Crypto,
		Health:   br.Health,
	}, br.Config.AdminAPI.SharedSecret, br.Log)
	br.apiServer = api.Server(br.Config.AdminAPI.Listen)
	br.goRun(func() {
		br.Log.Info().Str("addr", br.apiServer.Addr).Msg("Starting bridge admin API")
		if err := br.apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			br.Log.Err(err).Msg("Bridge admin API error")
		}
	})
}

// Stop shuts every component down. Messages still in flight stay PENDING
// and are resumed on the next start.
func (br *Bridge) Stop() {
	br.stopOnce.Do(br.stop)
}

func (br *Bridge) stop() {
	br.Log.Info().Msg("Stopping bridge")
	if br.apiServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := br.apiServer.Shutdown(ctx); err != nil {
			br.Log.Warn().Err(err).Msg("Failed to shut down admin API")
		}
		cancel()
	}
	if br.cancel != nil {
		br.cancel()
	}
	br.Home.Stop()
	br.AS.Stop()
	if br.Relay != nil {
		br.Relay.Stop()
	}
	br.Remote.Disconnect()
	br.wg.Wait()
	br.Mapper.Close()
	if err := br.DB.Close(); err != nil {
		br.Log.Warn().Err(err).Msg("Failed to close database")
	}
	br.Log.Info().Msg("Bridge stopped")
}
