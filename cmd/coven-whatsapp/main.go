// ABOUTME: Entry point for coven-whatsapp, the multi-tenant messaging session gateway
// ABOUTME: Cobra root command with serve, health, status and token subcommands

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/2389/coven-whatsapp/internal/config"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                                  _           _
  ___ _____   _____ _ __       __      _____ _  _| |_ ___  __ _ _ __  _ __
 / __/ _ \ \ / / _ \ '_ \ _____\ \ /\ / / _' | | | __/ __|/ _' | '_ \| '_ \
| (_| (_) \ V /  __/ | | |_____|\ V  V / (_| | |_| |_\__ \ (_| | |_) | |_) |
 \___\___/ \_/ \___|_| |_|       \_/\_/ \__,_|\__,_|\__|___/\__,_| .__/| .__/
                                                                 |_|   |_|
`

var configPath string

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	root := &cobra.Command{
		Use:           "coven-whatsapp",
		Short:         "Multi-tenant messaging session gateway",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $COVEN_WA_CONFIG or ~/.config/coven/whatsapp.yaml)")

	root.AddCommand(serveCmd(), healthCmd(), statusCmd(), tokenCmd())

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads the config named by --config, or the default path when
// it exists, or built-in defaults.
func loadConfig() (*config.Config, string, error) {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = ""
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}
