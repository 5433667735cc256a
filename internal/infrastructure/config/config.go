package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration of the appservices daemon.
// It is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Client        ClientConfig        `yaml:"client"`
	Storage       StorageConfig       `yaml:"storage"`
	Sync          SyncConfig          `yaml:"sync"`
	StorageServer StorageServerConfig `yaml:"storage_server"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	InfluxDB      InfluxDBConfig      `yaml:"influxdb"`
	API           APIConfig           `yaml:"api"`
	WebSocket     WebSocketConfig     `yaml:"websocket"`
	Logging       LoggingConfig       `yaml:"logging"`
	Security      SecurityConfig      `yaml:"security"`
}

// ClientConfig identifies this client to other clients of the account.
type ClientConfig struct {
	ID         string `yaml:"id"`
	Name       string `yaml:"name"`
	DeviceType string `yaml:"device_type"`
}

// StorageConfig contains SQLite settings shared by every store.
type StorageConfig struct {
	// Dir holds logins.db, tabs.db, webext.db, suggest.db and syncstate.db.
	Dir                string `yaml:"dir"`
	BusyTimeout        int    `yaml:"busy_timeout"`
	StatementCacheSize int    `yaml:"statement_cache_size"`
}

// SyncConfig contains the storage service account and the engines to run.
type SyncConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Interval    int    `yaml:"interval"`
	ServerURL   string `yaml:"server_url"`
	KeyID       string `yaml:"key_id"`
	AccessToken string `yaml:"access_token"`
	SyncKey     string `yaml:"sync_key"`

	// Engines run in this order.
	Engines []string `yaml:"engines"`

	// PrimaryEngine is the only engine whose failure fails a scheduled run.
	PrimaryEngine string `yaml:"primary_engine"`
}

// StorageServerConfig contains the development storage service settings.
type StorageServerConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	TokenTTL       int    `yaml:"token_ttl"`
	MaxRecordBytes int    `yaml:"max_record_bytes"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings, in seconds.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// APIConfig contains status API server settings.
type APIConfig struct {
	Host      string           `yaml:"host"`
	Port      int              `yaml:"port"`
	TLS       TLSConfig        `yaml:"tls"`
	Timeouts  APITimeoutConfig `yaml:"timeouts"`
	CORS      CORSConfig       `yaml:"cors"`
	RateLimit RateLimitConfig  `yaml:"rate_limit"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeouts, in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// RateLimitConfig limits how often a sync can be triggered through the API.
type RateLimitConfig struct {
	Enabled        bool `yaml:"enabled"`
	SyncsPerMinute int  `yaml:"syncs_per_minute"`
	Burst          int  `yaml:"burst"`
}

// WebSocketConfig contains telemetry stream settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string            `yaml:"level"`
	Format string            `yaml:"format"`
	Output string            `yaml:"output"`
	File   FileLoggingConfig `yaml:"file"`
}

// FileLoggingConfig contains rotating file output settings.
type FileLoggingConfig struct {
	Path       string `yaml:"path"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
}

// SecurityConfig contains secrets.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`

	// LoginsKey is the passphrase the logins database is encrypted with.
	LoginsKey string `yaml:"logins_key"`
}

// JWTConfig contains JWT settings. AccessTokenTTL is in minutes.
type JWTConfig struct {
	Secret         string `yaml:"secret"`
	AccessTokenTTL int    `yaml:"access_token_ttl"`
}

// minJWTSecretLength is the shortest accepted signing secret.
const minJWTSecretLength = 32

// Load layers the YAML file at path over the defaults, then applies
// APPSERVICES_* environment overrides such as APPSERVICES_STORAGE_DIR or
// APPSERVICES_SYNC_KEY, and validates the result.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// ResolvePath picks the config file: the flag value, else APPSERVICES_CONFIG,
// else configs/config.yaml.
func ResolvePath(flag string) string {
	if flag != "" {
		return flag
	}
	if v := os.Getenv("APPSERVICES_CONFIG"); v != "" {
		return v
	}
	return filepath.Join("configs", "config.yaml")
}

func defaultConfig() *Config {
	return &Config{
		Client: ClientConfig{
			ID:         "appservices-local",
			Name:       "appservices",
			DeviceType: "desktop",
		},
		Storage: StorageConfig{
			Dir:                "./data",
			BusyTimeout:        5,
			StatementCacheSize: 128,
		},
		Sync: SyncConfig{
			Interval:      300,
			Engines:       []string{"passwords", "tabs", "extension-storage"},
			PrimaryEngine: "passwords",
		},
		StorageServer: StorageServerConfig{
			Host:           "127.0.0.1",
			Port:           8090,
			TokenTTL:       60,
			MaxRecordBytes: 256 * 1024,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "appservices",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 60,
				Idle:  60,
			},
			RateLimit: RateLimitConfig{
				Enabled:        true,
				SyncsPerMinute: 6,
				Burst:          2,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
			File: FileLoggingConfig{
				MaxSize:    50,
				MaxBackups: 5,
				MaxAge:     28,
			},
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				AccessTokenTTL: 60,
			},
		},
	}
}

// applyEnvOverrides applies APPSERVICES_* environment variables.
func applyEnvOverrides(cfg *Config) {
	strs := map[string]*string{
		"APPSERVICES_CLIENT_ID":         &cfg.Client.ID,
		"APPSERVICES_STORAGE_DIR":       &cfg.Storage.Dir,
		"APPSERVICES_SYNC_SERVER_URL":   &cfg.Sync.ServerURL,
		"APPSERVICES_SYNC_KEY_ID":       &cfg.Sync.KeyID,
		"APPSERVICES_SYNC_ACCESS_TOKEN": &cfg.Sync.AccessToken,
		"APPSERVICES_SYNC_KEY":          &cfg.Sync.SyncKey,
		"APPSERVICES_MQTT_HOST":         &cfg.MQTT.Broker.Host,
		"APPSERVICES_MQTT_USERNAME":     &cfg.MQTT.Auth.Username,
		"APPSERVICES_MQTT_PASSWORD":     &cfg.MQTT.Auth.Password,
		"APPSERVICES_API_HOST":          &cfg.API.Host,
		"APPSERVICES_INFLUXDB_TOKEN":    &cfg.InfluxDB.Token,
		"APPSERVICES_JWT_SECRET":        &cfg.Security.JWT.Secret,
		"APPSERVICES_LOGINS_KEY":        &cfg.Security.LoginsKey,
	}
	for env, dst := range strs {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv("APPSERVICES_SYNC_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Sync.Enabled = b
		}
	}
	if v := os.Getenv("APPSERVICES_SYNC_ENGINES"); v != "" {
		cfg.Sync.Engines = strings.Split(v, ",")
	}
	if v := os.Getenv("APPSERVICES_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}
}

// Validate reports every problem in c, joined into one error.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Client.ID == "" {
		fail("client.id is required")
	}
	if c.Storage.Dir == "" {
		fail("storage.dir is required")
	}

	if c.Sync.Enabled {
		for _, f := range []struct{ key, val string }{
			{"sync.server_url", c.Sync.ServerURL},
			{"sync.key_id", c.Sync.KeyID},
			{"sync.sync_key", c.Sync.SyncKey},
		} {
			if f.val == "" {
				fail("%s is required when sync is enabled", f.key)
			}
		}
		if c.Sync.Interval <= 0 {
			fail("sync.interval must be positive")
		}
	}
	engines := make(map[string]struct{}, len(c.Sync.Engines))
	for _, name := range c.Sync.Engines {
		if name == "" {
			fail("sync.engines must not contain empty names")
			continue
		}
		if _, dup := engines[name]; dup {
			fail("sync.engines lists %q twice", name)
		}
		engines[name] = struct{}{}
	}
	if p := c.Sync.PrimaryEngine; p != "" {
		if _, ok := engines[p]; !ok {
			fail("sync.primary_engine %q is not in sync.engines", p)
		}
	}

	if q := c.MQTT.QoS; q < 0 || q > 2 {
		fail("mqtt.qos must be 0, 1, or 2")
	}
	if p := c.API.Port; p < 1 || p > 65535 {
		fail("api.port must be between 1 and 65535")
	}
	if c.Logging.Output == "file" && c.Logging.File.Path == "" {
		fail("logging.file.path is required when logging.output is file")
	}

	switch secret := c.Security.JWT.Secret; {
	case secret == "":
		fail("security.jwt.secret is required (set APPSERVICES_JWT_SECRET)")
	case len(secret) < minJWTSecretLength:
		fail("security.jwt.secret must be at least %d characters", minJWTSecretLength)
	}

	return errors.Join(errs...)
}

// StoragePath returns the path of the named database file in storage.dir.
func (c *Config) StoragePath(name string) string {
	return filepath.Join(c.Storage.Dir, name)
}

// GetBusyTimeout returns the SQLite busy timeout as a Duration.
func (c *Config) GetBusyTimeout() time.Duration {
	return time.Duration(c.Storage.BusyTimeout) * time.Second
}

// GetSyncInterval returns the time between scheduled syncs.
func (c *Config) GetSyncInterval() time.Duration {
	return time.Duration(c.Sync.Interval) * time.Second
}

// GetTokenTTL returns the lifetime of access tokens issued by the API.
func (c *Config) GetTokenTTL() time.Duration {
	return time.Duration(c.Security.JWT.AccessTokenTTL) * time.Minute
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
