// ABOUTME: Configuration loading and parsing for coven-whatsapp
// ABOUTME: YAML or TOML files with ${VAR} expansion, duration strings and an env overlay

package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

// Transport kinds.
const (
	TransportWhatsApp = "whatsapp"
	TransportMatrix   = "matrix"
)

// Credential backends.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// minEncryptionKeyLength matches credstore.MinSecretLength.
const minEncryptionKeyLength = 16

// minJWTSecretLength matches auth.MinSecretLength.
const minJWTSecretLength = 32

// Config represents the complete coven-whatsapp configuration
type Config struct {
	Server      ServerConfig      `yaml:"server" toml:"server"`
	Tailscale   TailscaleConfig   `yaml:"tailscale" toml:"tailscale"`
	Auth        AuthConfig        `yaml:"auth" toml:"auth"`
	Sessions    SessionsConfig    `yaml:"sessions" toml:"sessions"`
	Transport   TransportConfig   `yaml:"transport" toml:"transport"`
	Credentials CredentialsConfig `yaml:"credentials" toml:"credentials"`
	Relay       RelayConfig       `yaml:"relay" toml:"relay"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	// GRPCAddr serves the gRPC health service. Empty disables it.
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	CertFile  string `yaml:"cert_file" toml:"cert_file"` // TLS cert file (generate via: tailscale cert <hostname>)
	KeyFile   string `yaml:"key_file" toml:"key_file"`   // TLS key file
	HTTPS     bool   `yaml:"https" toml:"https"`         // Serve HTTPS on :443
	Funnel    bool   `yaml:"funnel" toml:"funnel"`       // Enable public Funnel (implies HTTPS)
}

// AuthConfig holds control-plane authentication configuration
type AuthConfig struct {
	// JWTSecret enables bearer authentication when set.
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// SessionsConfig holds session lifecycle timing
type SessionsConfig struct {
	IdleTimeout       time.Duration `yaml:"-" toml:"-"`
	IdleSweepInterval time.Duration `yaml:"-" toml:"-"`
	ReconnectDelay    time.Duration `yaml:"-" toml:"-"`
	ReadyPollInterval time.Duration `yaml:"-" toml:"-"`
	EchoTTL           time.Duration `yaml:"-" toml:"-"`

	ReadyPollAttempts int  `yaml:"ready_poll_attempts" toml:"ready_poll_attempts"`
	AutoConnect       bool `yaml:"auto_connect" toml:"auto_connect"`
	AliasCacheSize    int  `yaml:"alias_cache_size" toml:"alias_cache_size"`

	// Raw string values for unmarshaling
	IdleTimeoutRaw       string `yaml:"idle_timeout" toml:"idle_timeout"`
	IdleSweepIntervalRaw string `yaml:"idle_sweep_interval" toml:"idle_sweep_interval"`
	ReconnectDelayRaw    string `yaml:"reconnect_delay" toml:"reconnect_delay"`
	ReadyPollIntervalRaw string `yaml:"ready_poll_interval" toml:"ready_poll_interval"`
	EchoTTLRaw           string `yaml:"echo_ttl" toml:"echo_ttl"`
}

// TransportConfig selects and configures the messaging network
type TransportConfig struct {
	Kind     string         `yaml:"kind" toml:"kind"`
	WhatsApp WhatsAppConfig `yaml:"whatsapp" toml:"whatsapp"`
	Matrix   MatrixConfig   `yaml:"matrix" toml:"matrix"`
}

// WhatsAppConfig holds whatsmeow settings
type WhatsAppConfig struct {
	DevicePath    string `yaml:"device_path" toml:"device_path"`
	DownloadAudio bool   `yaml:"download_audio" toml:"download_audio"`
}

// MatrixConfig holds mautrix settings
type MatrixConfig struct {
	DownloadAudio bool `yaml:"download_audio" toml:"download_audio"`
}

// CredentialsConfig selects the credential store backend
type CredentialsConfig struct {
	Backend    string      `yaml:"backend" toml:"backend"`
	SQLitePath string      `yaml:"sqlite_path" toml:"sqlite_path"`
	Redis      RedisConfig `yaml:"redis" toml:"redis"`

	// EncryptionKey seals credential blobs at rest when set.
	EncryptionKey string `yaml:"encryption_key" toml:"encryption_key"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr      string `yaml:"addr" toml:"addr"`
	Password  string `yaml:"password" toml:"password"`
	DB        int    `yaml:"db" toml:"db"`
	KeyPrefix string `yaml:"key_prefix" toml:"key_prefix"`
}

// RelayConfig holds downstream webhook settings
type RelayConfig struct {
	WebhookURL string `yaml:"webhook_url" toml:"webhook_url"`

	Timeout      time.Duration `yaml:"-" toml:"-"`
	DedupeWindow time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw      string `yaml:"timeout" toml:"timeout"`
	DedupeWindowRaw string `yaml:"dedupe_window" toml:"dedupe_window"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// envOverlay lists the environment variables that override file values.
type envOverlay struct {
	Port       string `env:"PORT"`
	BackendURL string `env:"BACKEND_URL"`
	DBPath     string `env:"COVEN_WA_DB_PATH"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	dataDir := filepath.Join(xdgDir("XDG_DATA_HOME", ".local/share"), "coven")
	return &Config{
		Server: ServerConfig{
			HTTPAddr: "127.0.0.1:3000",
		},
		Tailscale: TailscaleConfig{
			Hostname: "coven-whatsapp",
		},
		Sessions: SessionsConfig{
			IdleTimeoutRaw:       "10m",
			IdleSweepIntervalRaw: "1m",
			ReconnectDelayRaw:    "2s",
			ReadyPollIntervalRaw: "1s",
			EchoTTLRaw:           "60s",
			ReadyPollAttempts:    10,
			AutoConnect:          true,
			AliasCacheSize:       4096,
		},
		Transport: TransportConfig{
			Kind: TransportWhatsApp,
			WhatsApp: WhatsAppConfig{
				DevicePath:    filepath.Join(dataDir, "whatsapp-devices.db"),
				DownloadAudio: true,
			},
		},
		Credentials: CredentialsConfig{
			Backend:    BackendSQLite,
			SQLitePath: filepath.Join(dataDir, "whatsapp.db"),
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "coven:wa:",
			},
		},
		Relay: RelayConfig{
			WebhookURL:      "http://127.0.0.1:8000/webhook",
			TimeoutRaw:      "10s",
			DedupeWindowRaw: "5m",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// DefaultPath returns the config file location: COVEN_WA_CONFIG, else
// $XDG_CONFIG_HOME/coven/whatsapp.yaml.
func DefaultPath() string {
	if p := os.Getenv("COVEN_WA_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(xdgDir("XDG_CONFIG_HOME", ".config"), "coven", "whatsapp.yaml")
}

func xdgDir(env, fallback string) string {
	if dir := os.Getenv(env); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, fallback)
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Values missing from the file keep their defaults. An empty path
// loads defaults only. Environment variables in the format ${VAR_NAME} are
// expanded, then PORT, BACKEND_URL and COVEN_WA_DB_PATH override the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		expanded := expandEnvVars(string(data))

		if strings.EqualFold(filepath.Ext(path), ".toml") {
			if _, err := toml.Decode(expanded, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		} else if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func applyEnv(cfg *Config) error {
	var env envOverlay
	if err := envdecode.Decode(&env); err != nil {
		if errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
			return nil
		}
		return err
	}

	if env.Port != "" {
		host, _, err := net.SplitHostPort(cfg.Server.HTTPAddr)
		if err != nil {
			host = ""
		}
		cfg.Server.HTTPAddr = net.JoinHostPort(host, env.Port)
	}
	if env.BackendURL != "" {
		cfg.Relay.WebhookURL = env.BackendURL
	}
	if env.DBPath != "" {
		cfg.Credentials.SQLitePath = env.DBPath
	}
	return nil
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < minJWTSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", minJWTSecretLength)
	}

	switch c.Transport.Kind {
	case TransportWhatsApp:
		if c.Transport.WhatsApp.DevicePath == "" {
			return fmt.Errorf("transport.whatsapp.device_path is required")
		}
	case TransportMatrix:
	default:
		return fmt.Errorf("transport.kind %q is not one of %s, %s", c.Transport.Kind, TransportWhatsApp, TransportMatrix)
	}

	switch c.Credentials.Backend {
	case BackendSQLite:
		if c.Credentials.SQLitePath == "" {
			return fmt.Errorf("credentials.sqlite_path is required")
		}
	case BackendRedis:
		if c.Credentials.Redis.Addr == "" {
			return fmt.Errorf("credentials.redis.addr is required")
		}
		// whatsmeow's signal keys stay in the local device store, so a
		// shared backend would only share device pointers nobody else can use
		if c.Transport.Kind == TransportWhatsApp {
			return fmt.Errorf("credentials.backend %q cannot be used with transport %q: device keys live in transport.whatsapp.device_path on this host",
				BackendRedis, TransportWhatsApp)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("credentials.backend %q is not one of %s, %s, %s",
			c.Credentials.Backend, BackendSQLite, BackendRedis, BackendMemory)
	}

	if c.Credentials.EncryptionKey != "" && len(c.Credentials.EncryptionKey) < minEncryptionKeyLength {
		return fmt.Errorf("credentials.encryption_key must be at least %d bytes", minEncryptionKeyLength)
	}

	if c.Relay.WebhookURL == "" {
		return fmt.Errorf("relay.webhook_url is required")
	}
	u, err := url.Parse(c.Relay.WebhookURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("relay.webhook_url %q must be an http(s) URL", c.Relay.WebhookURL)
	}

	for name, d := range map[string]time.Duration{
		"sessions.idle_timeout":        c.Sessions.IdleTimeout,
		"sessions.idle_sweep_interval": c.Sessions.IdleSweepInterval,
		"sessions.reconnect_delay":     c.Sessions.ReconnectDelay,
		"sessions.ready_poll_interval": c.Sessions.ReadyPollInterval,
		"sessions.echo_ttl":            c.Sessions.EchoTTL,
		"relay.timeout":                c.Relay.Timeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.Relay.DedupeWindow < 0 {
		return fmt.Errorf("relay.dedupe_window must not be negative")
	}
	if c.Sessions.ReadyPollAttempts < 0 {
		return fmt.Errorf("sessions.ready_poll_attempts must not be negative")
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"idle_timeout", cfg.Sessions.IdleTimeoutRaw, &cfg.Sessions.IdleTimeout},
		{"idle_sweep_interval", cfg.Sessions.IdleSweepIntervalRaw, &cfg.Sessions.IdleSweepInterval},
		{"reconnect_delay", cfg.Sessions.ReconnectDelayRaw, &cfg.Sessions.ReconnectDelay},
		{"ready_poll_interval", cfg.Sessions.ReadyPollIntervalRaw, &cfg.Sessions.ReadyPollInterval},
		{"echo_ttl", cfg.Sessions.EchoTTLRaw, &cfg.Sessions.EchoTTL},
		{"relay timeout", cfg.Relay.TimeoutRaw, &cfg.Relay.Timeout},
		{"dedupe_window", cfg.Relay.DedupeWindowRaw, &cfg.Relay.DedupeWindow},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
