package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validJWTSecret = "test-secret-key-at-least-32-chars!"

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
client:
  id: "laptop"
storage:
  dir: "/tmp/appservices"
  statement_cache_size: 16
sync:
  enabled: true
  interval: 60
  server_url: "http://127.0.0.1:8090"
  key_id: "account-1"
  sync_key: "k"
  engines: ["tabs", "passwords"]
  primary_engine: "tabs"
mqtt:
  broker:
    host: "broker.local"
  qos: 1
security:
  jwt:
    secret: "test-secret-key-at-least-32-chars!"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Client.ID != "laptop" {
		t.Errorf("Client.ID = %q, want %q", cfg.Client.ID, "laptop")
	}
	if cfg.Storage.StatementCacheSize != 16 {
		t.Errorf("Storage.StatementCacheSize = %d, want 16", cfg.Storage.StatementCacheSize)
	}
	if got := strings.Join(cfg.Sync.Engines, ","); got != "tabs,passwords" {
		t.Errorf("Sync.Engines = %q, want %q", got, "tabs,passwords")
	}
	if cfg.MQTT.Broker.Host != "broker.local" {
		t.Errorf("MQTT.Broker.Host = %q, want %q", cfg.MQTT.Broker.Host, "broker.local")
	}
	// Defaults survive for keys the file leaves out.
	if cfg.MQTT.Broker.Port != 1883 {
		t.Errorf("MQTT.Broker.Port = %d, want 1883", cfg.MQTT.Broker.Port)
	}
	if got := cfg.StoragePath("logins.db"); got != filepath.Join("/tmp/appservices", "logins.db") {
		t.Errorf("StoragePath() = %q", got)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "invalid: [yaml: content")

	_, err := Load(path)
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	path := writeConfig(t, `
client:
  id: ""
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("Load() expected validation error, got nil")
	}
	for _, want := range []string{"client.id is required", "security.jwt.secret is required"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Load() error = %v, want it to mention %q", err, want)
		}
	}
}

func validConfig() *Config {
	cfg := defaultConfig()
	cfg.Security.JWT.Secret = validJWTSecret
	return cfg
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{name: "missing client ID", mutate: func(c *Config) { c.Client.ID = "" }, wantErr: "client.id"},
		{name: "missing storage dir", mutate: func(c *Config) { c.Storage.Dir = "" }, wantErr: "storage.dir"},
		{name: "invalid QoS", mutate: func(c *Config) { c.MQTT.QoS = 3 }, wantErr: "mqtt.qos"},
		{name: "invalid port low", mutate: func(c *Config) { c.API.Port = 0 }, wantErr: "api.port"},
		{name: "invalid port high", mutate: func(c *Config) { c.API.Port = 70000 }, wantErr: "api.port"},
		{name: "missing JWT secret", mutate: func(c *Config) { c.Security.JWT.Secret = "" }, wantErr: "security.jwt.secret"},
		{name: "JWT secret too short", mutate: func(c *Config) { c.Security.JWT.Secret = "short" }, wantErr: "at least 32"},
		{
			name: "sync enabled without account",
			mutate: func(c *Config) {
				c.Sync.Enabled = true
			},
			wantErr: "sync.server_url",
		},
		{
			name: "sync enabled with account",
			mutate: func(c *Config) {
				c.Sync.Enabled = true
				c.Sync.ServerURL = "http://localhost:8090"
				c.Sync.KeyID = "k"
				c.Sync.SyncKey = "s"
			},
		},
		{name: "duplicate engine", mutate: func(c *Config) { c.Sync.Engines = []string{"tabs", "tabs"} }, wantErr: "twice"},
		{
			name: "primary engine not listed",
			mutate: func(c *Config) {
				c.Sync.Engines = []string{"tabs"}
				c.Sync.PrimaryEngine = "passwords"
			},
			wantErr: "sync.primary_engine",
		},
		{name: "file output without path", mutate: func(c *Config) { c.Logging.Output = "file" }, wantErr: "logging.file.path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_Durations(t *testing.T) {
	cfg := &Config{
		Storage:  StorageConfig{BusyTimeout: 3},
		Sync:     SyncConfig{Interval: 120},
		API:      APIConfig{Timeouts: APITimeoutConfig{Read: 30, Write: 45, Idle: 60}},
		Security: SecurityConfig{JWT: JWTConfig{AccessTokenTTL: 15}},
	}

	tests := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"GetBusyTimeout", cfg.GetBusyTimeout(), 3 * time.Second},
		{"GetSyncInterval", cfg.GetSyncInterval(), 2 * time.Minute},
		{"GetTokenTTL", cfg.GetTokenTTL(), 15 * time.Minute},
		{"GetReadTimeout", cfg.GetReadTimeout(), 30 * time.Second},
		{"GetWriteTimeout", cfg.GetWriteTimeout(), 45 * time.Second},
		{"GetIdleTimeout", cfg.GetIdleTimeout(), 60 * time.Second},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s() = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := defaultConfig()

	t.Setenv("APPSERVICES_STORAGE_DIR", "/custom/dir")
	t.Setenv("APPSERVICES_MQTT_HOST", "mqtt.example.com")
	t.Setenv("APPSERVICES_SYNC_KEY", "sync-key")
	t.Setenv("APPSERVICES_SYNC_ENABLED", "true")
	t.Setenv("APPSERVICES_SYNC_ENGINES", "tabs,extension-storage")
	t.Setenv("APPSERVICES_API_PORT", "9000")
	t.Setenv("APPSERVICES_JWT_SECRET", "jwt-secret")
	t.Setenv("APPSERVICES_LOGINS_KEY", "logins-key")

	applyEnvOverrides(cfg)

	if cfg.Storage.Dir != "/custom/dir" {
		t.Errorf("Storage.Dir = %q, want %q", cfg.Storage.Dir, "/custom/dir")
	}
	if cfg.MQTT.Broker.Host != "mqtt.example.com" {
		t.Errorf("MQTT.Broker.Host = %q, want %q", cfg.MQTT.Broker.Host, "mqtt.example.com")
	}
	if cfg.Sync.SyncKey != "sync-key" {
		t.Errorf("Sync.SyncKey = %q, want %q", cfg.Sync.SyncKey, "sync-key")
	}
	if !cfg.Sync.Enabled {
		t.Error("Sync.Enabled = false, want true")
	}
	if len(cfg.Sync.Engines) != 2 || cfg.Sync.Engines[1] != "extension-storage" {
		t.Errorf("Sync.Engines = %v", cfg.Sync.Engines)
	}
	if cfg.API.Port != 9000 {
		t.Errorf("API.Port = %d, want 9000", cfg.API.Port)
	}
	if cfg.Security.JWT.Secret != "jwt-secret" {
		t.Errorf("Security.JWT.Secret = %q, want %q", cfg.Security.JWT.Secret, "jwt-secret")
	}
	if cfg.Security.LoginsKey != "logins-key" {
		t.Errorf("Security.LoginsKey = %q, want %q", cfg.Security.LoginsKey, "logins-key")
	}
}

func TestResolvePath(t *testing.T) {
	if got := ResolvePath("/etc/a.yaml"); got != "/etc/a.yaml" {
		t.Errorf("ResolvePath(flag) = %q", got)
	}

	t.Setenv("APPSERVICES_CONFIG", "/env/config.yaml")
	if got := ResolvePath(""); got != "/env/config.yaml" {
		t.Errorf("ResolvePath(env) = %q", got)
	}

	t.Setenv("APPSERVICES_CONFIG", "")
	if got := ResolvePath(""); got != filepath.Join("configs", "config.yaml") {
		t.Errorf("ResolvePath(default) = %q", got)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Client.ID == "" {
		t.Error("defaultConfig should have non-empty Client.ID")
	}
	if cfg.Sync.PrimaryEngine != "passwords" {
		t.Errorf("defaultConfig Sync.PrimaryEngine = %q, want passwords", cfg.Sync.PrimaryEngine)
	}
	if cfg.API.Port != 8080 {
		t.Errorf("defaultConfig API.Port = %d, want 8080", cfg.API.Port)
	}
	if cfg.Sync.Enabled {
		t.Error("defaultConfig should not enable sync")
	}
}
