package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

const (
	envPrefix                  = "CORATES"
	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultDatabaseDriver      = DriverSQLite
	defaultDatabaseDSN         = "corates.db"
	defaultLogLevel            = "info"
	defaultSessionIssuer       = "tauth"
	defaultCookieName          = "app_session"
	defaultRoomIdleTimeout     = 30 * time.Second
	defaultCompactAfterUpdates = 500
	defaultCompactionSchedule  = "@every 10m"
	defaultBridgeMaxAttempts   = 5
	defaultBridgeBackoff       = 200 * time.Millisecond
	defaultBlobBucket          = "corates-pdfs"
	defaultMessagesPerSecond   = 50.0
	defaultMessageBurst        = 100
)

// Supported database drivers.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// AppConfig captures runtime configuration for the sync server.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string
	LogLevel       string

	DatabaseDriver string
	DatabaseDSN    string

	SessionSigningSecret string
	SessionIssuer        string
	SessionCookieName    string

	RoomIdleTimeout     time.Duration
	CompactAfterUpdates int
	CompactionSchedule  string

	BridgeMaxAttempts    int
	BridgeInitialBackoff time.Duration

	RedisURL string

	Blob BlobConfig

	MessagesPerSecond float64
	MessageBurst      int
}

// BlobConfig locates PDF storage. An empty Endpoint keeps attachments in memory.
type BlobConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Enabled reports whether an external blob store is configured.
func (b BlobConfig) Enabled() bool {
	return strings.TrimSpace(b.Endpoint) != ""
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("session.issuer", defaultSessionIssuer)
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("room.idle_timeout", defaultRoomIdleTimeout)
	configViper.SetDefault("room.compact_after_updates", defaultCompactAfterUpdates)
	configViper.SetDefault("compaction.schedule", defaultCompactionSchedule)
	configViper.SetDefault("bridge.max_attempts", defaultBridgeMaxAttempts)
	configViper.SetDefault("bridge.initial_backoff", defaultBridgeBackoff)
	configViper.SetDefault("blob.bucket", defaultBlobBucket)
	configViper.SetDefault("blob.use_ssl", false)
	configViper.SetDefault("ws.messages_per_second", defaultMessagesPerSecond)
	configViper.SetDefault("ws.burst", defaultMessageBurst)

	// AutomaticEnv only resolves keys viper already knows about.
	for _, key := range []string{"session.signing_secret", "http.allowed_origins", "redis.url", "blob.endpoint", "blob.access_key", "blob.secret_key"} {
		_ = configViper.BindEnv(key)
	}
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		AllowedOrigins:       configViper.GetStringSlice("http.allowed_origins"),
		LogLevel:             configViper.GetString("log.level"),
		DatabaseDriver:       strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:          configViper.GetString("database.dsn"),
		SessionSigningSecret: configViper.GetString("session.signing_secret"),
		SessionIssuer:        configViper.GetString("session.issuer"),
		SessionCookieName:    configViper.GetString("session.cookie_name"),
		RoomIdleTimeout:      configViper.GetDuration("room.idle_timeout"),
		CompactAfterUpdates:  configViper.GetInt("room.compact_after_updates"),
		CompactionSchedule:   configViper.GetString("compaction.schedule"),
		BridgeMaxAttempts:    configViper.GetInt("bridge.max_attempts"),
		BridgeInitialBackoff: configViper.GetDuration("bridge.initial_backoff"),
		RedisURL:             configViper.GetString("redis.url"),
		Blob: BlobConfig{
			Endpoint:  configViper.GetString("blob.endpoint"),
			AccessKey: configViper.GetString("blob.access_key"),
			SecretKey: configViper.GetString("blob.secret_key"),
			Bucket:    configViper.GetString("blob.bucket"),
			UseSSL:    configViper.GetBool("blob.use_ssl"),
		},
		MessagesPerSecond: configViper.GetFloat64("ws.messages_per_second"),
		MessageBurst:      configViper.GetInt("ws.burst"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSigningSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	switch c.DatabaseDriver {
	case DriverSQLite, DriverMySQL:
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", DriverSQLite, DriverMySQL, c.DatabaseDriver)
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.RoomIdleTimeout <= 0 {
		return fmt.Errorf("room.idle_timeout must be positive")
	}
	if c.CompactAfterUpdates < 0 {
		return fmt.Errorf("room.compact_after_updates must not be negative")
	}
	if strings.TrimSpace(c.CompactionSchedule) != "" {
		if _, err := cron.ParseStandard(c.CompactionSchedule); err != nil {
			return fmt.Errorf("compaction.schedule: %w", err)
		}
	}
	if c.BridgeMaxAttempts < 1 {
		return fmt.Errorf("bridge.max_attempts must be at least 1")
	}
	if c.BridgeInitialBackoff <= 0 {
		return fmt.Errorf("bridge.initial_backoff must be positive")
	}
	if c.Blob.Enabled() && strings.TrimSpace(c.Blob.Bucket) == "" {
		return fmt.Errorf("blob.bucket is required when blob.endpoint is set")
	}
	if c.MessagesPerSecond <= 0 || c.MessageBurst < 1 {
		return fmt.Errorf("ws.messages_per_second and ws.burst must be positive")
	}
	return nil
}
