// Package config handles hub and runtime configuration loading and
// validation: flat JSON files unmarshaled into a typed struct, checked
// by validate, and completed by applyDefaults.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// knownWeakSecrets blocks well-known placeholder secrets from reaching
// production.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
}

// GenerateRandomSecret returns a cryptographically random 64-character
// hex string suitable for use as a JWT secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// HubConfig is the top-level configuration for the hub process.
type HubConfig struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Storage   StorageConfig   `json:"storage"`
	Channel   ChannelConfig   `json:"channel"`
	Logging   LoggingConfig   `json:"logging"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
	Fanout    FanoutConfig    `json:"fanout,omitempty"`
	Tracing   TracingConfig   `json:"tracing,omitempty"`
}

// ServerConfig defines the hub's listener settings.
type ServerConfig struct {
	Addr            string   `json:"addr"`
	TLSCert         string   `json:"tls_cert,omitempty"`
	TLSKey          string   `json:"tls_key,omitempty"`
	AllowedOrigins  []string `json:"allowed_origins,omitempty"`
	MaxBodyBytes    int64    `json:"max_body_bytes,omitempty"`
	MaxClientBytes  int64    `json:"max_client_bytes,omitempty"`  // max client WS message
	MaxRuntimeBytes int64    `json:"max_runtime_bytes,omitempty"` // max runtime WS message
}

// AuthConfig defines authentication settings.
type AuthConfig struct {
	Provider             string              `json:"provider,omitempty"` // "builtin" (default) or "external_jwks"
	ExternalJWKSURL      string              `json:"external_jwks_url,omitempty"`
	ExternalIssuer       string              `json:"external_issuer,omitempty"`
	JWTSecret            string              `json:"jwt_secret"`
	JWTExpiry            Duration            `json:"jwt_expiry,omitempty"`
	RuntimeTokens        []RuntimeTokenEntry `json:"runtime_tokens"`
	RuntimeTokenSecret   string              `json:"runtime_token_secret,omitempty"`
	RuntimeTokenLifetime Duration            `json:"runtime_token_lifetime,omitempty"`
	InitialAdmin         *InitialAdmin       `json:"initial_admin,omitempty"`
}

// RuntimeTokenEntry maps a runtime id to its static auth token.
type RuntimeTokenEntry struct {
	RuntimeID string `json:"runtime_id"`
	Token     string `json:"token"`
	Name      string `json:"name,omitempty"`
}

// InitialAdmin bootstraps the first admin user.
type InitialAdmin struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver         string   `json:"driver"` // "sqlite" (default) or "postgres"
	DSN            string   `json:"dsn"`
	Retention      Duration `json:"retention,omitempty"`
	AuditRetention Duration `json:"audit_retention,omitempty"`
}

// ChannelConfig defines channel/connection behavior.
type ChannelConfig struct {
	MaxConnsPerUser    int                 `json:"max_conns_per_user,omitempty"`
	RuntimeIdleTimeout Duration            `json:"runtime_idle_timeout,omitempty"`
	CheckinTimeout     Duration            `json:"checkin_timeout,omitempty"`
	ProfileIdleTimeout map[string]Duration `json:"profile_idle_timeout,omitempty"`
	SyncReplayLimit    int                 `json:"sync_replay_limit,omitempty"`
	PermissionTimeout  Duration            `json:"permission_timeout,omitempty"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// RateLimitConfig defines rate limiting settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"`
	Burst             int     `json:"burst,omitempty"`
}

// FanoutConfig configures cross-process broadcast fan-out over NATS.
// Left disabled (empty URL), the hub only delivers to connections held
// in its own process.
type FanoutConfig struct {
	NATSURL      string `json:"nats_url,omitempty"`
	SubjectPrefix string `json:"subject_prefix,omitempty"` // default "tymbal.broadcast"
}

// TracingConfig configures the hub's OpenTelemetry tracer.
type TracingConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	ServiceName string `json:"service_name,omitempty"`
}

// Load reads, parses, validates, and defaults a hub config file.
func Load(path string) (*HubConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg HubConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *HubConfig) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if (c.Auth.Provider == "" || c.Auth.Provider == "builtin") && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if knownWeakSecrets[c.Auth.JWTSecret] {
		return fmt.Errorf("auth.jwt_secret is a well-known weak secret, generate a new one")
	}
	if c.Auth.Provider == "external_jwks" && c.Auth.ExternalJWKSURL == "" {
		return fmt.Errorf("auth.external_jwks_url is required when provider is external_jwks")
	}
	return nil
}

func (c *HubConfig) applyDefaults() {
	if c.Auth.JWTExpiry.Duration == 0 {
		c.Auth.JWTExpiry.Duration = 24 * time.Hour
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "tymbal.db"
	}
	if c.Storage.Retention.Duration == 0 {
		c.Storage.Retention.Duration = 30 * 24 * time.Hour
	}
	if c.Storage.AuditRetention.Duration == 0 {
		c.Storage.AuditRetention.Duration = c.Storage.Retention.Duration
	}
	if c.Channel.MaxConnsPerUser == 0 {
		c.Channel.MaxConnsPerUser = 10
	}
	if c.Channel.RuntimeIdleTimeout.Duration == 0 {
		c.Channel.RuntimeIdleTimeout.Duration = 90 * time.Second
	}
	if c.Channel.CheckinTimeout.Duration == 0 {
		c.Channel.CheckinTimeout.Duration = 30 * time.Second
	}
	if c.Channel.SyncReplayLimit == 0 {
		c.Channel.SyncReplayLimit = 100
	}
	if c.Channel.PermissionTimeout.Duration == 0 {
		c.Channel.PermissionTimeout.Duration = 60 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Auth.RuntimeTokenLifetime.Duration == 0 {
		c.Auth.RuntimeTokenLifetime.Duration = 1 * time.Hour
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024
	}
	if c.Server.MaxClientBytes == 0 {
		c.Server.MaxClientBytes = 64 * 1024
	}
	if c.Server.MaxRuntimeBytes == 0 {
		c.Server.MaxRuntimeBytes = 1024 * 1024
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Fanout.SubjectPrefix == "" {
		c.Fanout.SubjectPrefix = "tymbal.broadcast"
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "tymbal-hub"
	}
}
