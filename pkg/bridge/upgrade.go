// Copyright 2024-2026 Aiku AI

package bridge

import (
	"fmt"

	up "go.mau.fi/util/configupgrade"
	"gopkg.in/yaml.v3"

	"github.com/aiku/mautrix-bridgecore/pkg/cryptostore"
	"github.com/aiku/mautrix-bridgecore/pkg/remote/mattermost"
)

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "homeserver", "address")
	helper.Copy(up.Str, "homeserver", "domain")

	helper.Copy(up.Str, "appservice", "registration")
	helper.Copy(up.Str, "appservice", "hostname")
	helper.Copy(up.Int, "appservice", "port")

	helper.Copy(up.Str, "database", "type")
	helper.Copy(up.Str, "database", "uri")
	helper.Copy(up.Int, "database", "max_open_conns")
	helper.Copy(up.Int, "database", "max_idle_conns")
	helper.Copy(up.Str|up.Null, "database", "max_conn_idle_time")
	helper.Copy(up.Str|up.Null, "database", "max_conn_lifetime")

	helper.Copy(up.Str, "bridge", "username_template")
	helper.Copy(up.Str, "bridge", "displayname_template")
	helper.Copy(up.Str|up.Null, "bridge", "bot_prefix")
	helper.Copy(up.Str|up.Null, "bridge", "relay_user")
	helper.Copy(up.Int, "bridge", "degrade_threshold")
	helper.Copy(up.Int, "bridge", "degraded_queue_size")
	helper.Copy(up.Str, "bridge", "health_probe_interval")
	helper.Copy(up.Str, "bridge", "profile_sync_interval")
	helper.Copy(up.Bool, "bridge", "backfill", "enabled")
	helper.Copy(up.Int, "bridge", "backfill", "max_count")

	helper.Copy(up.Int, "relay", "pool_size")
	helper.Copy(up.Int, "relay", "max_attempts")
	helper.Copy(up.Str, "relay", "base_backoff")
	helper.Copy(up.Str, "relay", "max_backoff")
	helper.Copy(up.Int, "relay", "jitter_percent")
	helper.Copy(up.Str, "relay", "attempt_timeout")

	helper.Copy(up.Bool, "encryption", "default")
	if key, ok := helper.Get(up.Str, "encryption", "pickle_key"); !ok || key == "generate" || key == "" {
		generated, err := cryptostore.GeneratePickleKey()
		if err != nil {
			panic(fmt.Errorf("failed to generate pickle key: %w", err))
		}
		helper.Set(up.Str, generated, "encryption", "pickle_key")
	} else {
		helper.Copy(up.Str, "encryption", "pickle_key")
	}
	helper.Copy(up.Int, "encryption", "one_time_keys")
	helper.Copy(up.Int, "encryption", "rotation", "messages")
	helper.Copy(up.Str, "encryption", "rotation", "period")

	mattermost.UpgradeConfig(helper)

	helper.Copy(up.Str|up.Null, "admin_api", "listen")
	helper.Copy(up.Str|up.Null, "admin_api", "shared_secret")

	helper.Copy(up.Map, "logging")
}

// Upgrader merges an existing config file into the current example config.
var Upgrader = &up.StructUpgrader{
	SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
	Blocks: [][]string{
		{"homeserver"},
		{"appservice"},
		{"database"},
		{"bridge"},
		{"relay"},
		{"encryption"},
		{"mattermost"},
		{"admin_api"},
		{"logging"},
	},
	Base: ExampleConfig,
}

// Load upgrades the config file at path, optionally saving the result, and
// parses it.
func Load(path string, save bool) (*Config, error) {
	data, _, err := up.Do(path, save, Upgrader)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade config: %w", err)
	}
	return Parse(data)
}

// Parse parses and post-processes raw YAML config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
