// ABOUTME: Gateway orchestrator that wires admission, auth, executor and the usage ledger
// ABOUTME: Serves the HTTP API and the gRPC health service over TCP or a tailnet

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/koine-gateway/internal/admission"
	"github.com/2389/koine-gateway/internal/auth"
	"github.com/2389/koine-gateway/internal/config"
	"github.com/2389/koine-gateway/internal/executor"
	"github.com/2389/koine-gateway/internal/store"
)

// HealthService is the gRPC health service name reported alongside the
// overall ("") status.
const HealthService = "koine.Gateway"

const (
	defaultHealthInterval = time.Second
	shutdownTimeout       = 5 * time.Second
	tailscaleGRPCAddr     = ":50051"
)

// Gateway owns the servers and the components behind them. Build one with
// New and start it with Run.
type Gateway struct {
	config    *config.Config
	executor  *executor.Executor
	admission *admission.Controller
	auth      *auth.Authenticator
	store     store.UsageStore // nil when the ledger is disabled
	logger    *slog.Logger

	handler     http.Handler
	httpServer  *http.Server
	grpcServer  *grpc.Server
	health      *health.Server
	tsnetServer *tsnet.Server

	// healthInterval is how often the gRPC serving status is refreshed.
	healthInterval time.Duration

	// baseCtx parents every request context. It is canceled once the HTTP
	// server stops waiting for in-flight requests.
	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu       sync.Mutex
	httpAddr net.Addr
	grpcAddr net.Addr

	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates a gateway from cfg. It opens the usage ledger when
// database.path is set; everything else is started by Run.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	g := &Gateway{
		config: cfg,
		executor: executor.New(executor.Config{
			Binary:          cfg.Claude.Binary,
			BinaryArgs:      cfg.Claude.Args,
			Timeout:         cfg.Claude.Timeout,
			WorkDir:         cfg.Claude.WorkDir,
			Env:             cfg.Claude.Env(),
			DefaultModel:    cfg.Claude.Model,
			AllowedTools:    cfg.Claude.AllowedTools,
			DisallowedTools: cfg.Claude.DisallowedTools,
		}, logger.With("component", "executor")),
		admission: admission.NewController(admission.Limits{
			MaxStreaming:    cfg.Concurrency.MaxStreaming,
			MaxNonStreaming: cfg.Concurrency.MaxNonStreaming,
		}),
		auth:           auth.NewAuthenticator(cfg.Auth.APIKey, cfg.Auth.JWTSecret),
		logger:         logger.With("component", "gateway"),
		healthInterval: defaultHealthInterval,
	}

	if cfg.Database.Path != "" {
		s, err := store.NewSQLiteStore(cfg.Database.Path, logger.With("component", "store"))
		if err != nil {
			return nil, fmt.Errorf("opening usage ledger: %w", err)
		}
		g.store = s
	}

	g.baseCtx, g.cancelBase = context.WithCancel(context.Background())
	g.handler = g.routes()
	g.httpServer = &http.Server{
		Handler:           g.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
		BaseContext:       func(net.Listener) context.Context { return g.baseCtx },
	}

	if g.grpcEnabled() {
		g.grpcServer = grpc.NewServer(
			grpc.KeepaliveParams(keepalive.ServerParameters{
				Time:    15 * time.Second,
				Timeout: 5 * time.Second,
			}),
			grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
				MinTime:             5 * time.Second,
				PermitWithoutStream: true,
			}),
		)
		g.health = health.NewServer()
		healthpb.RegisterHealthServer(g.grpcServer, g.health)
		reflection.Register(g.grpcServer)
		g.refreshHealth()
	}

	return g, nil
}

// Handler returns the fully wrapped HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// HTTPAddr returns the bound HTTP address once Run has started listening.
func (g *Gateway) HTTPAddr() net.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.httpAddr
}

// GRPCAddr returns the bound gRPC address, or nil when gRPC is disabled or
// not yet listening.
func (g *Gateway) GRPCAddr() net.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.grpcAddr
}

func (g *Gateway) grpcEnabled() bool {
	return g.config.Tailscale.Enabled || g.config.Server.GRPCAddr != ""
}

// setupTCPListeners binds the configured addresses. grpcLn is nil when no
// gRPC address is configured.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	if g.config.Server.GRPCAddr != "" {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			_ = httpLn.Close()
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}
	return grpcLn, httpLn, nil
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		g.logger.Debug("server addresses are ignored when tailscale is enabled",
			"grpc_addr", g.config.Server.GRPCAddr,
			"http_addr", g.config.Server.HTTPAddr,
		)
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// Run starts the servers and blocks until ctx is canceled or a server
// fails. It returns nil after a clean shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	grpcLn, httpLn, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	g.mu.Lock()
	g.httpAddr = httpLn.Addr()
	if grpcLn != nil {
		g.grpcAddr = grpcLn.Addr()
	}
	g.mu.Unlock()

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	if grpcLn != nil {
		eg.Go(func() error {
			g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				return fmt.Errorf("gRPC server: %w", err)
			}
			return nil
		})
		eg.Go(func() error {
			g.watchHealth(egCtx)
			return nil
		})
	}

	eg.Go(func() error {
		<-egCtx.Done()
		if ctx.Err() != nil {
			g.logger.Info("context canceled, initiating shutdown")
		}
		return g.gracefulShutdown()
	})

	return eg.Wait()
}

// gracefulShutdown runs Shutdown with a fresh deadline; the run context is
// already canceled when it is called.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// watchHealth keeps the gRPC serving status in step with CLI availability
// and admission capacity until ctx is done.
func (g *Gateway) watchHealth(ctx context.Context) {
	ticker := time.NewTicker(g.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.refreshHealth()
		}
	}
}

func (g *Gateway) refreshHealth() {
	if g.health == nil {
		return
	}
	status := healthpb.HealthCheckResponse_SERVING
	if !g.executor.Available() || !g.admission.Available() {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	g.health.SetServingStatus("", status)
	g.health.SetServingStatus(HealthService, status)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "koine", "tailscale"), nil
}

func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set tailscale.auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
		Logf: func(format string, args ...any) {
			g.logger.Debug(fmt.Sprintf(format, args...), "source", "tsnet")
		},
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = g.tsnetServer.Listen("tcp", tailscaleGRPCAddr)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	httpLn, err = g.tailscaleHTTPListener(tsCfg.HTTPS)
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, nil, err
	}
	return grpcLn, httpLn, nil
}

func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// tailscaleHTTPListener listens on :80, or on :443 with certificates from
// the tailnet when https is set.
func (g *Gateway) tailscaleHTTPListener(https bool) (net.Listener, error) {
	if !https {
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}

	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
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

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the servers and releases the ledger and tailnet node.
// In-flight requests get until ctx is done to finish; streams still open
// after that have their request context canceled, which kills their CLI
// processes. Only the first call does any work.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.logger.Info("shutting down gateway")

		var errs []error
		if err := g.httpServer.Shutdown(ctx); err != nil {
			g.cancelBase()
			errs = appendCloseError(errs, "HTTP shutdown", err)
			errs = appendCloseError(errs, "HTTP close", g.httpServer.Close())
		}
		g.cancelBase()

		if g.grpcServer != nil {
			g.health.Shutdown()
			g.shutdownGRPCServer(ctx)
		}
		if g.tsnetServer != nil {
			errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
		}
		if g.store != nil {
			errs = appendCloseError(errs, "store close", g.store.Close())
		}
		g.shutdownErr = errors.Join(errs...)
	})
	return g.shutdownErr
}
