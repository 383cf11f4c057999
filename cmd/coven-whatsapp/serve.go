// ABOUTME: serve subcommand: wires store, transport, relay, sessions and gateway
// ABOUTME: Prints the startup banner and runs until SIGINT or SIGTERM

package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fatih/color"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/2389/coven-whatsapp/internal/config"
	"github.com/2389/coven-whatsapp/internal/credstore"
	"github.com/2389/coven-whatsapp/internal/gateway"
	"github.com/2389/coven-whatsapp/internal/relay"
	"github.com/2389/coven-whatsapp/internal/session"
	"github.com/2389/coven-whatsapp/internal/transport/matrix"
	"github.com/2389/coven-whatsapp/internal/transport/whatsapp"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the session gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, path, err := loadConfig()
	if err != nil {
		return err
	}
	if path == "" {
		path = "(defaults)"
	}

	logger := setupLogger(cfg.Logging)
	printStartup(cfg, path)

	logger.Info("starting coven-whatsapp",
		"config", path,
		"transport", cfg.Transport.Kind,
		"credentials", cfg.Credentials.Backend,
		"http_addr", cfg.Server.HTTPAddr,
	)

	store, err := openStore(ctx, cfg.Credentials, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	transport, closeTransport, err := openTransport(ctx, cfg.Transport, logger)
	if err != nil {
		return err
	}
	defer closeTransport()

	rel := relay.New(relay.NewWebhookSink(cfg.Relay.WebhookURL, cfg.Relay.Timeout), cfg.Relay.DedupeWindow, logger)
	defer rel.Close()

	manager := session.NewManager(sessionConfig(cfg.Sessions), transport, store, rel, logger)

	gw, err := gateway.New(cfg, manager, store, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	go manager.Run(ctx)

	runErr := gw.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Error("closing sessions", "error", err)
	}
	return runErr
}

func printStartup(cfg *config.Config, path string) {
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)

	line := func(label, value string) {
		green.Print("    ▶ ")
		fmt.Printf("%-11s%s\n", label+":", value)
	}

	line("Config", path)
	line("HTTP", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		line("gRPC", cfg.Server.GRPCAddr)
	}
	line("Transport", cfg.Transport.Kind)
	line("Creds", cfg.Credentials.Backend)
	line("Webhook", cfg.Relay.WebhookURL)

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("%-11s", "Tailscale:")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if cfg.Auth.JWTSecret == "" {
		yellow.Println("    ! control plane is unauthenticated (auth.jwt_secret unset)")
	}

	fmt.Println()
}

func sessionConfig(c config.SessionsConfig) session.Config {
	cfg := session.DefaultConfig()
	cfg.IdleTimeout = c.IdleTimeout
	cfg.SweepInterval = c.IdleSweepInterval
	cfg.ReconnectDelay = c.ReconnectDelay
	cfg.ReadyPollInterval = c.ReadyPollInterval
	cfg.ReadyPollAttempts = c.ReadyPollAttempts
	cfg.EchoTTL = c.EchoTTL
	cfg.AutoConnect = c.AutoConnect
	if c.AliasCacheSize > 0 {
		cfg.AliasCacheSize = c.AliasCacheSize
	}
	return cfg
}

// openStore opens the configured backend, sealed when an encryption key is set.
func openStore(ctx context.Context, c config.CredentialsConfig, logger *slog.Logger) (credstore.Store, error) {
	var (
		store credstore.Store
		err   error
	)

	switch c.Backend {
	case config.BackendSQLite:
		store, err = credstore.NewSQLiteStore(c.SQLitePath)
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		store, err = credstore.NewRedisStore(credstore.RedisConfig{Client: client, KeyPrefix: c.Redis.KeyPrefix})
	case config.BackendMemory:
		logger.Warn("credentials kept in memory; every tenant must pair again after restart")
		store = credstore.NewMemoryStore()
	default:
		return nil, fmt.Errorf("unknown credential backend %q", c.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("opening credential store: %w", err)
	}

	if c.EncryptionKey == "" {
		return store, nil
	}
	sealed, err := credstore.NewSealer(store, []byte(c.EncryptionKey))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("enabling credential encryption: %w", err)
	}
	logger.Info("credential encryption enabled")
	return sealed, nil
}

// openTransport builds the configured transport and a func releasing it.
func openTransport(ctx context.Context, c config.TransportConfig, logger *slog.Logger) (session.Transport, func(), error) {
	switch c.Kind {
	case config.TransportWhatsApp:
		t, err := whatsapp.New(ctx, whatsapp.Config{
			DevicePath:    c.WhatsApp.DevicePath,
			DownloadAudio: c.WhatsApp.DownloadAudio,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("opening whatsapp transport: %w", err)
		}
		return t, func() { _ = t.Close() }, nil
	case config.TransportMatrix:
		return matrix.New(matrix.Config{DownloadAudio: c.Matrix.DownloadAudio}, logger), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport %q", c.Kind)
	}
}
