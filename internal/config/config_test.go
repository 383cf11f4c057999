// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, overlay and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// clearEnv unsets the overlay variables for the duration of a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{"PORT", "BACKEND_URL", "COVEN_WA_DB_PATH"} {
		if old, ok := os.LookupEnv(name); ok {
			os.Unsetenv(name)
			t.Cleanup(func() { os.Setenv(name, old) })
		}
	}
}

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "127.0.0.1:3000" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "127.0.0.1:3000")
	}
	if cfg.Sessions.IdleTimeout != 10*time.Minute {
		t.Errorf("Sessions.IdleTimeout = %v, want 10m", cfg.Sessions.IdleTimeout)
	}
	if cfg.Sessions.IdleSweepInterval != time.Minute {
		t.Errorf("Sessions.IdleSweepInterval = %v, want 1m", cfg.Sessions.IdleSweepInterval)
	}
	if cfg.Sessions.ReconnectDelay != 2*time.Second {
		t.Errorf("Sessions.ReconnectDelay = %v, want 2s", cfg.Sessions.ReconnectDelay)
	}
	if cfg.Sessions.ReadyPollInterval != time.Second || cfg.Sessions.ReadyPollAttempts != 10 {
		t.Errorf("readiness poll = %v x %d, want 1s x 10", cfg.Sessions.ReadyPollInterval, cfg.Sessions.ReadyPollAttempts)
	}
	if cfg.Sessions.EchoTTL != 60*time.Second {
		t.Errorf("Sessions.EchoTTL = %v, want 60s", cfg.Sessions.EchoTTL)
	}
	if !cfg.Sessions.AutoConnect {
		t.Error("Sessions.AutoConnect = false, want true")
	}
	if cfg.Relay.WebhookURL != "http://127.0.0.1:8000/webhook" {
		t.Errorf("Relay.WebhookURL = %q", cfg.Relay.WebhookURL)
	}
	if cfg.Relay.Timeout != 10*time.Second || cfg.Relay.DedupeWindow != 5*time.Minute {
		t.Errorf("relay timings = %v / %v, want 10s / 5m", cfg.Relay.Timeout, cfg.Relay.DedupeWindow)
	}
	if cfg.Transport.Kind != TransportWhatsApp || cfg.Credentials.Backend != BackendSQLite {
		t.Errorf("transport/backend = %q/%q", cfg.Transport.Kind, cfg.Credentials.Backend)
	}
}

func TestLoad_YAML(t *testing.T) {
	clearEnv(t)
	os.Setenv("TEST_WA_SECRET", "an-encryption-key-long-enough")
	defer os.Unsetenv("TEST_WA_SECRET")

	path := writeConfig(t, "whatsapp.yaml", `
server:
  http_addr: "0.0.0.0:9000"
  grpc_addr: "0.0.0.0:50051"

sessions:
  idle_timeout: "30m"
  reconnect_delay: "5s"
  auto_connect: false

transport:
  kind: "matrix"

credentials:
  backend: "redis"
  redis:
    addr: "redis:6379"
    db: 2
  encryption_key: "${TEST_WA_SECRET}"

relay:
  webhook_url: "https://backend.internal/webhook"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:9000" || cfg.Server.GRPCAddr != "0.0.0.0:50051" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Sessions.IdleTimeout != 30*time.Minute {
		t.Errorf("Sessions.IdleTimeout = %v, want 30m", cfg.Sessions.IdleTimeout)
	}
	if cfg.Sessions.ReconnectDelay != 5*time.Second {
		t.Errorf("Sessions.ReconnectDelay = %v, want 5s", cfg.Sessions.ReconnectDelay)
	}
	// unset keys keep their defaults
	if cfg.Sessions.EchoTTL != 60*time.Second {
		t.Errorf("Sessions.EchoTTL = %v, want 60s", cfg.Sessions.EchoTTL)
	}
	if cfg.Sessions.AutoConnect {
		t.Error("Sessions.AutoConnect = true, want false")
	}
	if cfg.Transport.Kind != TransportMatrix {
		t.Errorf("Transport.Kind = %q", cfg.Transport.Kind)
	}
	if cfg.Credentials.Redis.Addr != "redis:6379" || cfg.Credentials.Redis.DB != 2 {
		t.Errorf("Credentials.Redis = %+v", cfg.Credentials.Redis)
	}
	if cfg.Credentials.Redis.KeyPrefix != "coven:wa:" {
		t.Errorf("Credentials.Redis.KeyPrefix = %q, want default", cfg.Credentials.Redis.KeyPrefix)
	}
	if cfg.Credentials.EncryptionKey != "an-encryption-key-long-enough" {
		t.Errorf("Credentials.EncryptionKey = %q, want expanded value", cfg.Credentials.EncryptionKey)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestLoad_TOML(t *testing.T) {
	clearEnv(t)

	path := writeConfig(t, "whatsapp.toml", `
[server]
http_addr = "127.0.0.1:4000"

[sessions]
idle_timeout = "15m"

[credentials]
backend = "memory"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPAddr != "127.0.0.1:4000" {
		t.Errorf("Server.HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
	if cfg.Sessions.IdleTimeout != 15*time.Minute {
		t.Errorf("Sessions.IdleTimeout = %v, want 15m", cfg.Sessions.IdleTimeout)
	}
	if cfg.Credentials.Backend != BackendMemory {
		t.Errorf("Credentials.Backend = %q", cfg.Credentials.Backend)
	}
}

func TestLoad_EnvOverlay(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "8088")
	t.Setenv("BACKEND_URL", "http://consumer:8000/webhook")
	t.Setenv("COVEN_WA_DB_PATH", "/tmp/wa-test.db")

	path := writeConfig(t, "whatsapp.yaml", `
server:
  http_addr: "0.0.0.0:3000"
relay:
  webhook_url: "http://ignored/webhook"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPAddr != "0.0.0.0:8088" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:8088")
	}
	if cfg.Relay.WebhookURL != "http://consumer:8000/webhook" {
		t.Errorf("Relay.WebhookURL = %q", cfg.Relay.WebhookURL)
	}
	if cfg.Credentials.SQLitePath != "/tmp/wa-test.db" {
		t.Errorf("Credentials.SQLitePath = %q", cfg.Credentials.SQLitePath)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("Load() should fail for a missing file")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "whatsapp.yaml", `
sessions:
  idle_timeout: "ten minutes"
`)
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "idle_timeout") {
		t.Fatalf("Load() error = %v, want idle_timeout parse error", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{name: "unknown transport", mutate: func(c *Config) { c.Transport.Kind = "telegram" }, wantErr: "transport.kind"},
		{name: "unknown backend", mutate: func(c *Config) { c.Credentials.Backend = "etcd" }, wantErr: "credentials.backend"},
		{name: "empty webhook", mutate: func(c *Config) { c.Relay.WebhookURL = "" }, wantErr: "relay.webhook_url"},
		{name: "non-http webhook", mutate: func(c *Config) { c.Relay.WebhookURL = "ftp://x/webhook" }, wantErr: "relay.webhook_url"},
		{name: "zero idle timeout", mutate: func(c *Config) { c.Sessions.IdleTimeout = 0 }, wantErr: "sessions.idle_timeout"},
		{name: "negative reconnect delay", mutate: func(c *Config) { c.Sessions.ReconnectDelay = -time.Second }, wantErr: "sessions.reconnect_delay"},
		{name: "short encryption key", mutate: func(c *Config) { c.Credentials.EncryptionKey = "short" }, wantErr: "encryption_key"},
		{name: "short jwt secret", mutate: func(c *Config) { c.Auth.JWTSecret = "short" }, wantErr: "jwt_secret"},
		{name: "tailscale without hostname", mutate: func(c *Config) { c.Tailscale.Enabled = true; c.Tailscale.Hostname = "" }, wantErr: "tailscale.hostname"},
		{name: "no http addr", mutate: func(c *Config) { c.Server.HTTPAddr = "" }, wantErr: "server.http_addr"},
		{name: "redis with whatsapp", mutate: func(c *Config) { c.Credentials.Backend = BackendRedis }, wantErr: "device keys live in"},
		{name: "redis with matrix", mutate: func(c *Config) { c.Credentials.Backend = BackendRedis; c.Transport.Kind = TransportMatrix }},
		{name: "bad log level", mutate: func(c *Config) { c.Logging.Level = "trace" }, wantErr: "logging.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			if err := parseDurations(cfg); err != nil {
				t.Fatalf("parseDurations() error = %v", err)
			}
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("WA_TEST_HOST", "example.org")
	got := expandEnvVars("url: http://${WA_TEST_HOST}/${WA_TEST_UNSET_VAR}")
	if got != "url: http://example.org/" {
		t.Errorf("expandEnvVars() = %q", got)
	}
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("COVEN_WA_CONFIG", "/etc/coven/wa.yaml")
	if got := DefaultPath(); got != "/etc/coven/wa.yaml" {
		t.Errorf("DefaultPath() = %q", got)
	}

	t.Setenv("COVEN_WA_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	if got := DefaultPath(); got != "/xdg/coven/whatsapp.yaml" {
		t.Errorf("DefaultPath() = %q", got)
	}
}
