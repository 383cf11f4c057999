// ABOUTME: Client subcommands that talk to a running gateway or mint tokens
// ABOUTME: health and status use the HTTP API; token signs a JWT with the configured secret

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-whatsapp/internal/auth"
	"github.com/2389/coven-whatsapp/internal/gateway"
)

var httpClient = &http.Client{Timeout: 10 * time.Second}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check gateway health",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}

			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, baseURL(cfg.Server.HTTPAddr)+"/health/ready", nil)
			if err != nil {
				return fmt.Errorf("creating request: %w", err)
			}
			resp, err := httpClient.Do(req)
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			defer resp.Body.Close()

			body, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
			}
			fmt.Println(strings.TrimSpace(string(body)))
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "status [tenant]",
		Short: "Show one session, or every session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			if token == "" {
				token = os.Getenv("COVEN_WA_TOKEN")
			}

			path := "/session"
			if len(args) == 1 {
				path = "/session/status/" + args[0]
			}
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, baseURL(cfg.Server.HTTPAddr)+path, nil)
			if err != nil {
				return fmt.Errorf("creating request: %w", err)
			}
			if token != "" {
				req.Header.Set("Authorization", "Bearer "+token)
			}

			resp, err := httpClient.Do(req)
			if err != nil {
				return fmt.Errorf("status request failed: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				body, _ := io.ReadAll(resp.Body)
				return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
			}

			if len(args) == 1 {
				var s gateway.SessionResponse
				if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
					return fmt.Errorf("decoding response: %w", err)
				}
				s.ClientID = args[0]
				printSession(s)
				return nil
			}

			var list struct {
				Sessions []gateway.SessionResponse `json:"sessions"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
				return fmt.Errorf("decoding response: %w", err)
			}
			if len(list.Sessions) == 0 {
				fmt.Println("no sessions")
			}
			for _, s := range list.Sessions {
				printSession(s)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "bearer token (default $COVEN_WA_TOKEN)")
	return cmd
}

func printSession(s gateway.SessionResponse) {
	statusColor := color.New(color.FgYellow)
	switch s.Status {
	case "open":
		statusColor = color.New(color.FgGreen)
	case "not_found":
		statusColor = color.New(color.FgHiBlack)
	}

	fmt.Printf("%-24s ", s.ClientID)
	statusColor.Printf("%-13s", s.Status)
	if s.LastActivity != nil && *s.LastActivity > 0 {
		fmt.Printf(" last activity %s", time.UnixMilli(*s.LastActivity).Format(time.RFC3339))
	}
	if s.QR != nil && *s.QR {
		color.New(color.FgCyan).Print(" [awaiting pairing]")
	}
	fmt.Println()
}

func tokenCmd() *cobra.Command {
	var (
		subject string
		tenants []string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a control-plane bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret is not configured")
			}
			verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
			if err != nil {
				return fmt.Errorf("creating JWT verifier: %w", err)
			}

			var scope []string
			if len(tenants) > 0 {
				scope = tenants
			}
			token, err := verifier.Generate(subject, scope, ttl)
			if err != nil {
				return fmt.Errorf("generating token: %w", err)
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	cmd.Flags().StringSliceVar(&tenants, "tenant", nil, "restrict the token to these tenants (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime")
	return cmd
}

// baseURL turns a listen address into a URL a local client can reach.
func baseURL(addr string) string {
	if strings.HasPrefix(addr, ":") || strings.HasPrefix(addr, "0.0.0.0:") {
		addr = "127.0.0.1" + addr[strings.LastIndex(addr, ":"):]
	}
	return "http://" + addr
}
