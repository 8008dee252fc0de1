package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadHubConfig(t *testing.T) {
	configJSON := `{
		"server": {
			"addr": ":8080",
			"allowed_origins": ["http://localhost:3000"]
		},
		"auth": {
			"jwt_secret": "my-super-secret-jwt-key-at-least-32",
			"jwt_expiry": "2h",
			"runtime_tokens": [
				{"runtime_id": "rt-1", "token": "tok-1", "name": "Runtime One"}
			],
			"runtime_token_secret": "hmac-secret",
			"runtime_token_lifetime": "30m"
		},
		"storage": {
			"driver": "sqlite",
			"dsn": "test.db",
			"retention": "72h"
		},
		"channel": {
			"max_conns_per_user": 5,
			"runtime_idle_timeout": "45s",
			"sync_replay_limit": 50
		},
		"logging": {
			"level": "debug",
			"format": "text"
		},
		"rate_limit": {
			"requests_per_second": 20,
			"burst": 40
		}
	}`

	path := writeTempConfig(t, configJSON)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Errorf("Server.Addr: got %q, want %q", cfg.Server.Addr, ":8080")
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "http://localhost:3000" {
		t.Errorf("Server.AllowedOrigins: got %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Auth.JWTExpiry.Duration != 2*time.Hour {
		t.Errorf("Auth.JWTExpiry: got %v, want 2h", cfg.Auth.JWTExpiry.Duration)
	}
	if len(cfg.Auth.RuntimeTokens) != 1 || cfg.Auth.RuntimeTokens[0].RuntimeID != "rt-1" {
		t.Fatalf("Auth.RuntimeTokens: got %+v", cfg.Auth.RuntimeTokens)
	}
	if cfg.Storage.Retention.Duration != 72*time.Hour {
		t.Errorf("Storage.Retention: got %v, want 72h", cfg.Storage.Retention.Duration)
	}
	if cfg.Channel.MaxConnsPerUser != 5 {
		t.Errorf("Channel.MaxConnsPerUser: got %d, want 5", cfg.Channel.MaxConnsPerUser)
	}
	if cfg.Channel.RuntimeIdleTimeout.Duration != 45*time.Second {
		t.Errorf("Channel.RuntimeIdleTimeout: got %v, want 45s", cfg.Channel.RuntimeIdleTimeout.Duration)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("Logging: got %+v", cfg.Logging)
	}
	if cfg.RateLimit.RequestsPerSecond != 20 || cfg.RateLimit.Burst != 40 {
		t.Errorf("RateLimit: got %+v", cfg.RateLimit)
	}
}

func TestHubValidateRequired(t *testing.T) {
	noAddr := `{"server": {}, "auth": {"jwt_secret": "some-secret-value-long-enough"}}`
	if _, err := Load(writeTempConfig(t, noAddr)); err == nil {
		t.Fatal("expected error for missing server.addr, got nil")
	}

	noSecret := `{"server": {"addr": ":8080"}, "auth": {}}`
	if _, err := Load(writeTempConfig(t, noSecret)); err == nil {
		t.Fatal("expected error for missing auth.jwt_secret, got nil")
	}

	weak := `{"server": {"addr": ":8080"}, "auth": {"jwt_secret": "changeme"}}`
	if _, err := Load(writeTempConfig(t, weak)); err == nil {
		t.Fatal("expected error for known-weak jwt_secret, got nil")
	}
}

func TestHubApplyDefaults(t *testing.T) {
	minimal := `{"server": {"addr": ":8080"}, "auth": {"jwt_secret": "my-secret-key-for-testing-purposes"}}`

	cfg, err := Load(writeTempConfig(t, minimal))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Auth.JWTExpiry.Duration != 24*time.Hour {
		t.Errorf("default JWTExpiry: got %v, want 24h", cfg.Auth.JWTExpiry.Duration)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("default Storage.Driver: got %q, want sqlite", cfg.Storage.Driver)
	}
	if cfg.Storage.DSN != "tymbal.db" {
		t.Errorf("default Storage.DSN: got %q, want tymbal.db", cfg.Storage.DSN)
	}
	if cfg.Storage.Retention.Duration != 30*24*time.Hour {
		t.Errorf("default Storage.Retention: got %v, want 720h", cfg.Storage.Retention.Duration)
	}
	if cfg.Channel.MaxConnsPerUser != 10 {
		t.Errorf("default Channel.MaxConnsPerUser: got %d, want 10", cfg.Channel.MaxConnsPerUser)
	}
	if cfg.Channel.RuntimeIdleTimeout.Duration != 90*time.Second {
		t.Errorf("default Channel.RuntimeIdleTimeout: got %v, want 90s", cfg.Channel.RuntimeIdleTimeout.Duration)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("default Logging: got %+v", cfg.Logging)
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "*" {
		t.Errorf("default AllowedOrigins: got %v, want [*]", cfg.Server.AllowedOrigins)
	}
	if cfg.RateLimit.RequestsPerSecond != 10 || cfg.RateLimit.Burst != 20 {
		t.Errorf("default RateLimit: got %+v", cfg.RateLimit)
	}
	if cfg.Fanout.SubjectPrefix != "tymbal.broadcast" {
		t.Errorf("default Fanout.SubjectPrefix: got %q", cfg.Fanout.SubjectPrefix)
	}
}
