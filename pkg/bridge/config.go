// Copyright 2024-2026 Aiku AI

package bridge

import (
	_ "embed"
	"fmt"
	"strings"
	"text/template"
	"time"

	"go.mau.fi/util/dbutil"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"

	"github.com/aiku/mautrix-bridgecore/pkg/identity"
	"github.com/aiku/mautrix-bridgecore/pkg/remote/mattermost"
)

//go:embed example-config.yaml
var ExampleConfig string

// Config is the whole bridge configuration file.
type Config struct {
	Homeserver HomeserverConfig  `yaml:"homeserver"`
	AppService AppServiceConfig  `yaml:"appservice"`
	Database   dbutil.Config     `yaml:"database"`
	Bridge     BridgeConfig      `yaml:"bridge"`
	Relay      RelayConfig       `yaml:"relay"`
	Encryption EncryptionConfig  `yaml:"encryption"`
	Mattermost mattermost.Config `yaml:"mattermost"`
	AdminAPI   AdminAPIConfig    `yaml:"admin_api"`
	Logging    zeroconfig.Config `yaml:"logging"`
}

type HomeserverConfig struct {
	Address string `yaml:"address"`
	Domain  string `yaml:"domain"`
}

type AppServiceConfig struct {
	// Registration is the path of the appservice registration file.
	Registration string `yaml:"registration"`
	Hostname     string `yaml:"hostname"`
	Port         uint16 `yaml:"port"`
}

type BridgeConfig struct {
	UsernameTemplate    string `yaml:"username_template"`
	DisplaynameTemplate string `yaml:"displayname_template"`
	// BotPrefix is copied to mattermost.bot_prefix when that is empty.
	BotPrefix string `yaml:"bot_prefix"`
	// RelayUser is invited to every new portal room.
	RelayUser string `yaml:"relay_user"`

	// DegradeThreshold is the number of consecutive transient failures on
	// one side after which every active portal is degraded.
	DegradeThreshold    int           `yaml:"degrade_threshold"`
	DegradedQueueSize   int           `yaml:"degraded_queue_size"`
	HealthProbeInterval time.Duration `yaml:"health_probe_interval"`
	ProfileSyncInterval time.Duration `yaml:"profile_sync_interval"`

	Backfill BackfillConfig `yaml:"backfill"`
}

type BackfillConfig struct {
	Enabled  bool `yaml:"enabled"`
	MaxCount int  `yaml:"max_count"`
}

type RelayConfig struct {
	PoolSize       int           `yaml:"pool_size"`
	MaxAttempts    int           `yaml:"max_attempts"`
	BaseBackoff    time.Duration `yaml:"base_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	JitterPercent  uint64        `yaml:"jitter_percent"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

type EncryptionConfig struct {
	// Default turns on remote-side encryption for new portals.
	Default     bool   `yaml:"default"`
	PickleKey   string `yaml:"pickle_key"`
	OneTimeKeys int    `yaml:"one_time_keys"`
	Rotation    struct {
		Messages int           `yaml:"messages"`
		Period   time.Duration `yaml:"period"`
	} `yaml:"rotation"`
}

type AdminAPIConfig struct {
	// Listen is the address of the admin HTTP API. Empty disables it.
	Listen string `yaml:"listen"`
	// SharedSecret, if set, must be sent as a bearer token.
	SharedSecret string `yaml:"shared_secret"`
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess validates the config and fills in defaults.
func (c *Config) PostProcess() error {
	c.Homeserver.Address = strings.TrimSuffix(c.Homeserver.Address, "/")
	if c.Homeserver.Address == "" || c.Homeserver.Domain == "" {
		return fmt.Errorf("homeserver.address and homeserver.domain are required")
	}
	if c.AppService.Registration == "" {
		c.AppService.Registration = "registration.yaml"
	}
	if c.Database.Type == "" || c.Database.URI == "" {
		return fmt.Errorf("database.type and database.uri are required")
	}
	if _, err := identity.NewGhostNamer(c.Bridge.UsernameTemplate, c.Homeserver.Domain); err != nil {
		return fmt.Errorf("invalid bridge.username_template: %w", err)
	}
	if c.Bridge.DisplaynameTemplate != "" {
		if _, err := template.New("displayname").Parse(c.Bridge.DisplaynameTemplate); err != nil {
			return fmt.Errorf("invalid bridge.displayname_template: %w", err)
		}
	}
	if c.Bridge.DegradeThreshold <= 0 {
		c.Bridge.DegradeThreshold = 5
	}
	if c.Bridge.HealthProbeInterval <= 0 {
		c.Bridge.HealthProbeInterval = 30 * time.Second
	}
	if !c.Bridge.Backfill.Enabled {
		c.Bridge.Backfill.MaxCount = 0
	}
	if c.Encryption.PickleKey == "" || c.Encryption.PickleKey == "generate" {
		return fmt.Errorf("encryption.pickle_key is not set")
	}
	if c.Mattermost.BotPrefix == "" {
		c.Mattermost.BotPrefix = c.Bridge.BotPrefix
	}
	return c.Mattermost.PostProcess()
}
