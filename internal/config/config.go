package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "CORKBOARD"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabasePath      = "corkboard.db"
	defaultLogLevel          = "info"
	defaultLogFormat         = "json"
	defaultIssuer            = "tauth"
	defaultCookieName        = "app_session"
	defaultMaxAttempts       = 10
	defaultRetryJitterMillis = 5
	defaultBufferSize        = 32
	defaultHeartbeatSeconds  = 25
	defaultActivityMaxLen    = 1000
	defaultRelayChannel      = "corkboard:events"
	defaultTraceExporter     = TraceExporterNone
)

// Trace exporters accepted by tracing.exporter.
const (
	TraceExporterNone = "none"
	TraceExporterLog  = "log"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress       string
	DatabasePath      string
	LogLevel          string
	LogFormat         string
	SigningSecret     string
	SessionIssuer     string
	SessionCookieName string
	MaxAttempts       int
	RetryJitter       time.Duration
	RealtimeBuffer    int
	HeartbeatInterval time.Duration
	RedisURL          string
	ActivityMaxLen    int64
	RelayChannel      string
	TraceExporter     string
}

// RedisEnabled reports whether the activity log and the cross-instance relay
// should be started.
func (c AppConfig) RedisEnabled() bool {
	return strings.TrimSpace(c.RedisURL) != ""
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
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("ordering.max_attempts", defaultMaxAttempts)
	configViper.SetDefault("ordering.retry_jitter_ms", defaultRetryJitterMillis)
	configViper.SetDefault("realtime.buffer_size", defaultBufferSize)
	configViper.SetDefault("realtime.heartbeat_seconds", defaultHeartbeatSeconds)
	configViper.SetDefault("redis.url", "")
	configViper.SetDefault("redis.activity_max_len", defaultActivityMaxLen)
	configViper.SetDefault("redis.relay_channel", defaultRelayChannel)
	configViper.SetDefault("tracing.exporter", defaultTraceExporter)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		LogFormat:         strings.ToLower(strings.TrimSpace(configViper.GetString("log.format"))),
		SigningSecret:     configViper.GetString("auth.signing_secret"),
		SessionIssuer:     configViper.GetString("auth.issuer"),
		SessionCookieName: configViper.GetString("auth.cookie_name"),
		MaxAttempts:       configViper.GetInt("ordering.max_attempts"),
		RetryJitter:       time.Duration(configViper.GetInt("ordering.retry_jitter_ms")) * time.Millisecond,
		RealtimeBuffer:    configViper.GetInt("realtime.buffer_size"),
		HeartbeatInterval: time.Duration(configViper.GetInt("realtime.heartbeat_seconds")) * time.Second,
		RedisURL:          configViper.GetString("redis.url"),
		ActivityMaxLen:    configViper.GetInt64("redis.activity_max_len"),
		RelayChannel:      configViper.GetString("redis.relay_channel"),
		TraceExporter:     strings.ToLower(strings.TrimSpace(configViper.GetString("tracing.exporter"))),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("log.format must be json or console, got %q", c.LogFormat)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("ordering.max_attempts must be positive")
	}
	if c.RetryJitter < 0 {
		return fmt.Errorf("ordering.retry_jitter_ms must not be negative")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("realtime.heartbeat_seconds must be positive")
	}
	if c.TraceExporter != TraceExporterNone && c.TraceExporter != TraceExporterLog {
		return fmt.Errorf("tracing.exporter must be none or log, got %q", c.TraceExporter)
	}
	return nil
}
