// ABOUTME: Listener setup, serving and shutdown for the gateway servers
// ABOUTME: Plain TCP by default; a tsnet node when tailscale is enabled

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/coven-whatsapp/internal/config"
)

const (
	shutdownTimeout = 5 * time.Second
	tailnetGRPCAddr = ":50051"
)

// listeners holds the sockets the servers accept on. grpc is nil when the
// health service is disabled.
type listeners struct {
	grpc net.Listener
	http net.Listener
}

func (l listeners) close() {
	if l.grpc != nil {
		_ = l.grpc.Close()
	}
	if l.http != nil {
		_ = l.http.Close()
	}
}

func (g *Gateway) listen(ctx context.Context) (listeners, error) {
	if !g.config.Tailscale.Enabled {
		return g.listenTCP()
	}
	if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server addresses are ignored on the tailnet",
			"grpc_addr", g.config.Server.GRPCAddr,
			"http_addr", g.config.Server.HTTPAddr,
		)
	}
	return g.listenTailnet(ctx)
}

func (g *Gateway) listenTCP() (listeners, error) {
	var ls listeners
	var err error

	if g.grpcServer != nil {
		if ls.grpc, err = net.Listen("tcp", g.config.Server.GRPCAddr); err != nil {
			return listeners{}, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}
	if ls.http, err = net.Listen("tcp", g.config.Server.HTTPAddr); err != nil {
		ls.close()
		return listeners{}, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ls, nil
}

func tailnetStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("no home directory for tailscale state, set tailscale.state_dir: %w", err)
	}
	return filepath.Join(home, ".local", "share", "coven-whatsapp", "tailscale"), nil
}

func tailnetAuthKey(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if key := os.Getenv("TS_AUTHKEY"); key != "" {
		return key, nil
	}
	return "", errors.New("tailscale auth key required: set tailscale.auth_key or TS_AUTHKEY")
}

// listenTailnet brings up a tsnet node named after tailscale.hostname and
// listens on it. The node is closed by Shutdown.
func (g *Gateway) listenTailnet(ctx context.Context) (listeners, error) {
	tsCfg := g.config.Tailscale

	dir, err := tailnetStateDir(tsCfg.StateDir)
	if err != nil {
		return listeners{}, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return listeners{}, fmt.Errorf("creating tailscale state dir: %w", err)
	}
	authKey, err := tailnetAuthKey(tsCfg.AuthKey)
	if err != nil {
		return listeners{}, err
	}

	node := &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       dir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}
	g.logger.Info("joining tailnet", "hostname", tsCfg.Hostname, "state_dir", dir, "ephemeral", tsCfg.Ephemeral)

	status, err := node.Up(ctx)
	if err != nil {
		_ = node.Close()
		return listeners{}, fmt.Errorf("starting tailscale: %w", err)
	}
	g.tsnetServer = node
	g.logNodeStatus(status)

	var ls listeners
	if g.grpcServer != nil {
		if ls.grpc, err = node.Listen("tcp", tailnetGRPCAddr); err != nil {
			return listeners{}, fmt.Errorf("listening on tailnet gRPC port: %w", err)
		}
	}
	if ls.http, err = g.tailnetHTTPListener(node, tsCfg); err != nil {
		ls.close()
		return listeners{}, err
	}
	return ls, nil
}

func (g *Gateway) logNodeStatus(status *ipnstate.Status) {
	var ip, dnsName string
	if len(status.TailscaleIPs) > 0 {
		ip = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailnet node has no addresses yet")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailnet node up", "tailscale_ip", ip, "dns_name", dnsName)
}

// tailnetHTTPListener picks funnel, HTTPS or plain HTTP. HTTPS uses the
// configured key pair, or certificates from the local tailscale daemon.
func (g *Gateway) tailnetHTTPListener(node *tsnet.Server, tsCfg config.TailscaleConfig) (net.Listener, error) {
	if tsCfg.Funnel {
		g.logger.Info("serving publicly through tailscale funnel on :443")
		ln, err := node.ListenFunnel("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on funnel: %w", err)
		}
		return ln, nil
	}

	if !tsCfg.HTTPS {
		ln, err := node.Listen("tcp", ":80")
		if err != nil {
			return nil, fmt.Errorf("listening on tailnet HTTP port: %w", err)
		}
		return ln, nil
	}

	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if tsCfg.CertFile != "" && tsCfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(tsCfg.CertFile, tsCfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading TLS key pair: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	} else {
		lc, err := node.LocalClient()
		if err != nil {
			return nil, fmt.Errorf("tailscale local client: %w", err)
		}
		tlsCfg.GetCertificate = lc.GetCertificate
	}

	ln, err := node.Listen("tcp", ":443")
	if err != nil {
		return nil, fmt.Errorf("listening on tailnet HTTPS port: %w", err)
	}
	return tls.NewListener(ln, tlsCfg), nil
}

// serve runs each server on its listener. Failures other than a clean
// close arrive on the returned channel.
func (g *Gateway) serve(ls listeners) <-chan error {
	errCh := make(chan error, 2)

	if ls.grpc != nil {
		go func() {
			g.logger.Info("gRPC health listening", "addr", ls.grpc.Addr().String())
			if err := g.grpcServer.Serve(ls.grpc); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		g.logger.Info("control plane listening", "addr", ls.http.Addr().String())
		if err := g.httpServer.Serve(ls.http); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// Run serves until ctx ends or a server fails, then shuts down. A server
// failure takes precedence over shutdown errors.
func (g *Gateway) Run(ctx context.Context) error {
	ls, err := g.listen(ctx)
	if err != nil {
		return err
	}

	errCh := g.serve(ls)

	var serveErr error
	select {
	case <-ctx.Done():
		g.logger.Info("stopping gateway")
	case serveErr = <-errCh:
		g.logger.Error("server failed", "error", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := g.Shutdown(shutdownCtx); serveErr == nil {
		return err
	}
	return serveErr
}

func (g *Gateway) stopGRPC(ctx context.Context) {
	if g.grpcServer == nil {
		return
	}
	g.healthServer.Shutdown()

	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// Shutdown stops the servers and leaves the tailnet. Sessions and the
// credential store belong to the caller.
func (g *Gateway) Shutdown(ctx context.Context) error {
	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}
	g.stopGRPC(ctx)
	if g.tsnetServer != nil {
		if err := g.tsnetServer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tailscale shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}
