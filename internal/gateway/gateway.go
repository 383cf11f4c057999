// ABOUTME: Gateway orchestrator that serves the session control plane
// ABOUTME: Owns the HTTP and gRPC health servers and their listeners

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/tsnet"

	"github.com/2389/coven-whatsapp/internal/auth"
	"github.com/2389/coven-whatsapp/internal/config"
	"github.com/2389/coven-whatsapp/internal/session"
)

// SessionManager is the part of session.Manager the control plane drives.
type SessionManager interface {
	Connect(ctx context.Context, tenantID string) (session.Conn, error)
	Delete(ctx context.Context, tenantID string) error
	Send(ctx context.Context, tenantID, to, text string) (session.Receipt, error)
	Status(tenantID string) session.Info
	AuthChallenge(tenantID string) (string, bool)
	List() []session.Info
	ImportCredentials(ctx context.Context, tenantID string, data []byte) error
	OnStatusChange(fn func(tenantID string, status session.Status))
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Gateway serves the control plane for a session manager.
type Gateway struct {
	config       *config.Config
	sessions     SessionManager
	store        Pinger
	grpcServer   *grpc.Server
	healthServer *health.Server
	httpServer   *http.Server
	tsnetServer  *tsnet.Server
	logger       *slog.Logger
}

// New creates a Gateway. store backs the readiness check.
func New(cfg *config.Config, sessions SessionManager, store Pinger, logger *slog.Logger) (*Gateway, error) {
	gw := &Gateway{
		config:   cfg,
		sessions: sessions,
		store:    store,
		logger:   logger.With("component", "gateway"),
	}

	if cfg.Server.GRPCAddr != "" || cfg.Tailscale.Enabled {
		gw.grpcServer = createGRPCServer()
		gw.healthServer = health.NewServer()
		healthpb.RegisterHealthServer(gw.grpcServer, gw.healthServer)
		gw.healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		sessions.OnStatusChange(gw.publishTenantHealth)
	}

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", gw.handleHealth)
	mux.HandleFunc("GET /health/ready", gw.handleReady)

	if err := gw.registerSessionRoutes(mux, cfg); err != nil {
		return nil, err
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Handler returns the HTTP handler, for tests and embedding.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// createGRPCServer creates the gRPC server that carries the health service.
func createGRPCServer() *grpc.Server {
	return grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
}

// registerSessionRoutes registers control-plane routes with or without auth middleware.
func (g *Gateway) registerSessionRoutes(mux *http.ServeMux, cfg *config.Config) error {
	wrap := func(h http.HandlerFunc) http.Handler { return h }
	tenant := func(h http.HandlerFunc) http.Handler { return h }

	if cfg.Auth.JWTSecret != "" {
		verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return fmt.Errorf("creating HTTP JWT verifier: %w", err)
		}
		authMiddleware := auth.HTTPAuthMiddleware(verifier)
		wrap = func(h http.HandlerFunc) http.Handler { return authMiddleware(h) }
		tenant = func(h http.HandlerFunc) http.Handler {
			return authMiddleware(auth.RequireTenant("tenant", h))
		}
		g.logger.Info("HTTP auth middleware enabled")
	} else {
		g.logger.Warn("HTTP auth disabled - no jwt_secret configured")
	}

	mux.Handle("POST /session/connect/{tenant}", tenant(g.handleConnect))
	mux.Handle("GET /session/qr/{tenant}", tenant(g.handleAuthChallenge))
	mux.Handle("GET /session/status/{tenant}", tenant(g.handleStatus))
	mux.Handle("GET /session", wrap(g.handleList))
	mux.Handle("PUT /session/credentials/{tenant}", tenant(g.handleImportCredentials))
	mux.Handle("DELETE /session/logout/{tenant}", tenant(g.handleDelete))
	mux.Handle("POST /send-message/{tenant}", tenant(g.handleSendMessage))
	mux.Handle("POST /send-message", wrap(g.handleSendMessageNoTenant))
	return nil
}

// publishTenantHealth mirrors session status onto the gRPC health service
// under "tenant/<id>".
func (g *Gateway) publishTenantHealth(tenantID string, status session.Status) {
	serving := healthpb.HealthCheckResponse_NOT_SERVING
	switch status {
	case session.StatusOpen:
		serving = healthpb.HealthCheckResponse_SERVING
	case session.StatusNotFound:
		serving = healthpb.HealthCheckResponse_SERVICE_UNKNOWN
	}
	g.healthServer.SetServingStatus("tenant/"+tenantID, serving)
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK when the credential store answers.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := g.store.Ping(ctx); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("credential store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d sessions)", len(g.sessions.List()))
}
