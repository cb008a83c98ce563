// Copyright 2024-2026 Aiku AI

package bridge

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aiku/mautrix-bridgecore/pkg/cryptostore"
)

func exampleWithKey(t *testing.T) string {
	t.Helper()
	if !strings.Contains(ExampleConfig, "pickle_key: generate") {
		t.Fatal("example config doesn't contain the pickle key placeholder")
	}
	key, err := cryptostore.GeneratePickleKey()
	if err != nil {
		t.Fatal(err)
	}
	return strings.Replace(ExampleConfig, "pickle_key: generate", "pickle_key: "+key, 1)
}

func TestParseExampleConfig(t *testing.T) {
	t.Parallel()
	cfg, err := Parse([]byte(exampleWithKey(t)))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Homeserver.Domain != "example.com" {
		t.Errorf("homeserver.domain: got %q, want %q", cfg.Homeserver.Domain, "example.com")
	}
	if cfg.Bridge.DegradeThreshold != 5 {
		t.Errorf("bridge.degrade_threshold: got %d, want 5", cfg.Bridge.DegradeThreshold)
	}
	if cfg.Bridge.Backfill.MaxCount != 50 {
		t.Errorf("bridge.backfill.max_count: got %d, want 50", cfg.Bridge.Backfill.MaxCount)
	}
	if cfg.Relay.AttemptTimeout != 30*time.Second {
		t.Errorf("relay.attempt_timeout: got %s, want 30s", cfg.Relay.AttemptTimeout)
	}
	if cfg.Encryption.Rotation.Period != 168*time.Hour {
		t.Errorf("encryption.rotation.period: got %s, want 168h", cfg.Encryption.Rotation.Period)
	}
	if cfg.Mattermost.ServerURL != "http://localhost:8065" {
		t.Errorf("mattermost.server_url: got %q", cfg.Mattermost.ServerURL)
	}
	if cfg.Mattermost.UserCacheTTL != 10*time.Minute {
		t.Errorf("mattermost.user_cache_ttl: got %s, want 10m", cfg.Mattermost.UserCacheTTL)
	}
	if cfg.AdminAPI.Listen != "127.0.0.1:29320" {
		t.Errorf("admin_api.listen: got %q", cfg.AdminAPI.Listen)
	}
}

func TestParseRejectsPlaceholderPickleKey(t *testing.T) {
	t.Parallel()
	if _, err := Parse([]byte(ExampleConfig)); err == nil || !strings.Contains(err.Error(), "pickle_key") {
		t.Fatalf("got %v, want pickle_key error", err)
	}
}

func TestPostProcess(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		edit    func(cfg *Config)
		wantErr string
		check   func(t *testing.T, cfg *Config)
	}{
		{
			name:    "missing domain",
			edit:    func(cfg *Config) { cfg.Homeserver.Domain = "" },
			wantErr: "homeserver.domain",
		},
		{
			name:    "username template without id",
			edit:    func(cfg *Config) { cfg.Bridge.UsernameTemplate = "mattermost_bot" },
			wantErr: "username_template",
		},
		{
			name:    "broken displayname template",
			edit:    func(cfg *Config) { cfg.Bridge.DisplaynameTemplate = "{{.Username" },
			wantErr: "displayname_template",
		},
		{
			name:    "missing mattermost url",
			edit:    func(cfg *Config) { cfg.Mattermost.ServerURL = "" },
			wantErr: "server_url",
		},
		{
			name: "defaults",
			edit: func(cfg *Config) {
				cfg.Homeserver.Address = "https://matrix.example.com/"
				cfg.Bridge.DegradeThreshold = 0
				cfg.Bridge.HealthProbeInterval = 0
				cfg.Bridge.BotPrefix = "bot-"
				cfg.Mattermost.BotPrefix = ""
				cfg.Bridge.Backfill.Enabled = false
			},
			check: func(t *testing.T, cfg *Config) {
				if cfg.Homeserver.Address != "https://matrix.example.com" {
					t.Errorf("address: got %q", cfg.Homeserver.Address)
				}
				if cfg.Bridge.DegradeThreshold != 5 || cfg.Bridge.HealthProbeInterval != 30*time.Second {
					t.Errorf("health defaults: got %d, %s", cfg.Bridge.DegradeThreshold, cfg.Bridge.HealthProbeInterval)
				}
				if cfg.Mattermost.BotPrefix != "bot-" {
					t.Errorf("mattermost.bot_prefix: got %q, want %q", cfg.Mattermost.BotPrefix, "bot-")
				}
				if cfg.Bridge.Backfill.MaxCount != 0 {
					t.Errorf("backfill max count: got %d, want 0 when disabled", cfg.Bridge.Backfill.MaxCount)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := Parse([]byte(exampleWithKey(t)))
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			tt.edit(cfg)
			err = cfg.PostProcess()
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("got %v, want error containing %q", err, tt.wantErr)
				}
				return
			} else if err != nil {
				t.Fatalf("PostProcess failed: %v", err)
			}
			tt.check(t, cfg)
		})
	}
}

func TestLoadUpgradesConfig(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	old := `homeserver:
    address: https://matrix.example.org
    domain: example.org
database:
    type: sqlite3
    uri: file:bridge.db
mattermost:
    server_url: https://mm.example.org
    token: secret
`
	if err := os.WriteFile(path, []byte(old), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path, true)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Homeserver.Domain != "example.org" || cfg.Database.Type != "sqlite3" || cfg.Mattermost.Token != "secret" {
		t.Errorf("existing values not kept: %+v %+v %+v", cfg.Homeserver, cfg.Database.Type, cfg.Mattermost.Token)
	}
	if cfg.Relay.MaxAttempts != 5 {
		t.Errorf("relay.max_attempts: got %d, want default 5", cfg.Relay.MaxAttempts)
	}
	if _, err = cryptostore.NewSealer(cfg.Encryption.PickleKey); err != nil {
		t.Fatalf("generated pickle key is invalid: %v", err)
	}

	again, err := Load(path, false)
	if err != nil {
		t.Fatalf("second Load failed: %v", err)
	}
	if again.Encryption.PickleKey != cfg.Encryption.PickleKey {
		t.Error("generated pickle key was not saved")
	}
}
