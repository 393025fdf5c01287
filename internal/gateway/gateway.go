// ABOUTME: Gateway orchestrator that serves OpAMP WebSocket sessions and the HTTP API
// ABOUTME: Manages the agent registry, event store, remote config, listeners, and shutdown

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

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/opamp-gateway/internal/agent"
	"github.com/2389/opamp-gateway/internal/config"
	"github.com/2389/opamp-gateway/internal/dedupe"
	"github.com/2389/opamp-gateway/internal/metrics"
	"github.com/2389/opamp-gateway/internal/opamp"
	"github.com/2389/opamp-gateway/internal/remoteconfig"
	"github.com/2389/opamp-gateway/internal/session"
	"github.com/2389/opamp-gateway/internal/store"
	"github.com/2389/opamp-gateway/internal/transport"
)

// statusFilterSize bounds the number of agents whose last status is remembered.
const statusFilterSize = 100_000

// Banner is served on the root path.
const Banner = "OpAMP gateway running"

// Gateway orchestrates the opamp-gateway server components.
// It owns the agent registry and runs one session per accepted WebSocket.
type Gateway struct {
	config       *config.Config
	agentManager *agent.Manager
	store        store.Store
	recorder     *store.Recorder
	remoteConfig *remoteconfig.Store
	statusFilter *dedupe.Cache
	metrics      *metrics.Metrics
	codec        opamp.Codec
	httpServer   *http.Server
	tsnetServer  *tsnet.Server
	logger       *slog.Logger

	// baseCtx is cancelled at shutdown; every session context derives from it
	// because hijacked connections outlive http.Server.Shutdown.
	baseCtx        context.Context
	cancelSessions context.CancelFunc

	// sessionsMu guards closing so no session is added once Wait has begun.
	sessionsMu sync.Mutex
	closing    bool
	sessions   sync.WaitGroup

	shutdownOnce sync.Once
	shutdownErr  error
}

// initStore creates and returns a store based on config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("OPAMP_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	rc, err := remoteconfig.Load(cfg.RemoteConfig, cfg.BaseDir(), logger.With("component", "remote-config"))
	if err != nil {
		return nil, err
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	agentMgr := agent.NewManager(logger.With("component", "agent-manager"))

	m := metrics.New()
	m.RegisterAgentCount(agentMgr.Count)

	baseCtx, cancel := context.WithCancel(context.Background())

	gw := &Gateway{
		config:         cfg,
		agentManager:   agentMgr,
		store:          s,
		remoteConfig:   rc,
		statusFilter:   dedupe.New(cfg.OpAMP.StatusDedupeTTL, statusFilterSize),
		metrics:        m,
		codec:          opamp.Codec{Header: !cfg.OpAMP.DisableWSHeader},
		logger:         logger.With("component", "gateway"),
		baseCtx:        baseCtx,
		cancelSessions: cancel,
	}
	gw.recorder = store.NewRecorder(s, store.RecorderConfig{
		Buffer: cfg.OpAMP.EventBuffer,
		Logger: logger,
	})

	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", gw.handleRoot)
	mux.HandleFunc(cfg.Server.OpAMPPath, gw.handleOpAMP)

	// Health endpoints
	mux.HandleFunc("/health", gw.handleHealth)
	mux.HandleFunc("/health/ready", gw.handleReady)

	gw.registerAPIRoutes(mux)

	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, m.Handler())
		logger.Info("metrics enabled", "path", cfg.Metrics.Path)
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Handler returns the HTTP handler serving every gateway route.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// AgentManager returns the registry of connected agents.
func (g *Gateway) AgentManager() *agent.Manager {
	return g.agentManager
}

// setupTCPListener creates a standard TCP listener for HTTP and WebSocket traffic.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting gateway",
		"http_addr", g.config.Server.HTTPAddr,
		"opamp_path", g.config.Server.OpAMPPath,
	)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// warnIgnoredAddress logs a warning if a server address is configured but Tailscale is enabled.
func (g *Gateway) warnIgnoredAddress() {
	if g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.http_addr is ignored when tailscale is enabled",
			"http_addr", g.config.Server.HTTPAddr,
		)
	}
}

// setupListener creates the listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddress()
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// startServer starts the HTTP server in a goroutine, returning its error channel.
func (g *Gateway) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)

	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String(), "opamp_path", g.config.Server.OpAMPPath)
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		return err
	}
}

// Run starts the gateway server and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	errCh := g.startServer(ln)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() since the run context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), g.shutdownTimeout())
	defer cancel()
	return g.Shutdown(ctx)
}

func (g *Gateway) shutdownTimeout() time.Duration {
	if g.config.OpAMP.ShutdownTimeout > 0 {
		return g.config.OpAMP.ShutdownTimeout
	}
	return config.DefaultShutdownTimeout
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
	return filepath.Join(homeDir, ".local", "share", "opamp-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable (get one at https://login.tailscale.com/admin/settings/keys)")
	}
	return authKey, nil
}

// setupTailscaleListener creates a tsnet server and returns its HTTP listener.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}

	g.logTailscaleStatus(tsCfg.Hostname, status)

	return g.createTailscaleHTTPListener(tsCfg)
}

// logTailscaleStatus logs info about the tailscale node status.
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

// createTailscaleHTTPListener creates the appropriate HTTP listener based on config.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return g.createTailscaleTLSListener()
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener() (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting connections, ends every session with a
// going-away close, waits for their teardown, and releases resources.
// Later calls return the first result.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.shutdownErr = g.shutdown(ctx)
	})
	return g.shutdownErr
}

func (g *Gateway) shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway", "agents", g.agentManager.Count())

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.sessionsMu.Lock()
	g.closing = true
	g.sessionsMu.Unlock()

	g.closeSessions(ctx)
	errs = appendCloseError(errs, "session drain", g.waitForSessions(ctx))

	// Sessions are done recording; flush queued events before the store closes.
	g.recorder.Close()
	errs = appendCloseError(errs, "store close", g.store.Close())
	g.statusFilter.Close()

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// closeSessions sends every registered agent a going-away close, then
// cancels the base context to stop sessions that never identified or whose
// peer did not answer the close handshake.
func (g *Gateway) closeSessions(ctx context.Context) {
	closed := make(chan struct{})
	go func() {
		g.agentManager.CloseAll(transport.CloseGoingAway, session.CloseReason)
		close(closed)
	}()

	select {
	case <-closed:
	case <-ctx.Done():
	}
	g.cancelSessions()
}

// waitForSessions blocks until every session has torn down or ctx expires.
func (g *Gateway) waitForSessions(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.sessions.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		g.logger.Warn("sessions still running at shutdown deadline", "agents", g.agentManager.Count())
		return ctx.Err()
	}
}

// handleRoot serves the banner.
func (g *Gateway) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(Banner))
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once a remote config snapshot is loaded.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if g.remoteConfig.Current() == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("remote config not loaded"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", g.agentManager.Count())
}
