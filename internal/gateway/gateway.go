// ABOUTME: Gateway orchestrator wiring session, supervisor, keep-alive and the REST facade
// ABOUTME: Owns the HTTP/gRPC listeners (TCP or tailnet) and their graceful shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/brokergate/internal/auth"
	"github.com/2389/brokergate/internal/authflow"
	"github.com/2389/brokergate/internal/backoff"
	"github.com/2389/brokergate/internal/config"
	"github.com/2389/brokergate/internal/credentials"
	"github.com/2389/brokergate/internal/dedupe"
	"github.com/2389/brokergate/internal/health"
	"github.com/2389/brokergate/internal/keepalive"
	"github.com/2389/brokergate/internal/session"
	"github.com/2389/brokergate/internal/store"
	"github.com/2389/brokergate/internal/supervisor"
	"github.com/2389/brokergate/internal/upstream"
)

// Gateway orchestrates the brokergate components.
// It keeps the brokerage session alive and serves the facade over HTTP.
type Gateway struct {
	config      *config.Config
	journal     store.Journal
	upstream    *upstream.Client
	supervisor  *supervisor.Supervisor
	session     *session.Session
	credentials *credentials.Store
	flow        *authflow.Flow
	keepalive   *keepalive.Loop
	monitor     *health.Monitor

	authn  *auth.Authenticator
	tokens *auth.JWTVerifier // nil unless a JWT secret is configured

	// dedupe replays proxied requests carrying an Idempotency-Key
	dedupe *dedupe.Cache

	// connectLimiter throttles manual /connect calls
	connectLimiter *rate.Limiter

	grpcServer   *grpc.Server // nil unless server.grpc_addr is set
	healthServer *grpchealth.Server
	httpServer   *http.Server
	tsnetServer  *tsnet.Server
	logger       *slog.Logger
	startedAt    time.Time

	// bg tracks background work started by Run and the supervisor hooks
	bgMu     sync.Mutex
	bg       sync.WaitGroup
	bgCtx    context.Context
	bgCancel context.CancelFunc

	shutdownOnce sync.Once
	shutdownErr  error
}

func initJournal(cfg *config.Config, logger *slog.Logger) (store.Journal, error) {
	journal, err := store.NewSQLiteStore(cfg.Journal.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("opening event journal: %w", err)
	}
	return journal, nil
}

func newSupervisor(cfg *config.Config, client *upstream.Client, logger *slog.Logger) *supervisor.Supervisor {
	var launcher supervisor.Launcher
	if cfg.Process.Command != "" {
		launcher = &supervisor.ExecLauncher{
			Command: cfg.Process.Command,
			Args:    cfg.Process.Args,
			Dir:     cfg.Process.Dir,
			Env:     cfg.Process.Env,
			Logger:  logger.With("component", "gateway-process"),
		}
	}

	p := cfg.Process
	return supervisor.New(launcher, client, supervisor.Config{
		StartupTimeout:    p.StartupTimeout,
		ProbeInterval:     p.ProbeInterval,
		PollInterval:      p.PollInterval,
		UnstableExits:     p.UnstableExits,
		UnstableWindow:    p.UnstableWindow,
		ProbeFailureLimit: p.ProbeFailureLimit,
		RestartBackoff: backoff.Backoff{
			Base:   p.RestartBackoffMin,
			Max:    p.RestartBackoffMax,
			Factor: 2,
			Jitter: 0.2,
		},
	}, logger.With("component", "supervisor"))
}

func newAuthenticator(cfg *config.Config) (*auth.Authenticator, *auth.JWTVerifier, error) {
	if cfg.Facade.JWTSecret == "" {
		return auth.NewAuthenticator(cfg.Facade.APIKey, cfg.Identity.UserID, nil), nil, nil
	}
	verifier, err := auth.NewJWTVerifier([]byte(cfg.Facade.JWTSecret))
	if err != nil {
		return nil, nil, fmt.Errorf("creating JWT verifier: %w", err)
	}
	return auth.NewAuthenticator(cfg.Facade.APIKey, cfg.Identity.UserID, verifier), verifier, nil
}

// New creates a new Gateway instance. Nothing touches the network until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	creds, err := credentials.Load(cfg.Brokerage)
	if err != nil {
		return nil, fmt.Errorf("loading credentials: %w", err)
	}

	secondFactor, err := authflow.NewSecondFactor(cfg.Brokerage.SecondFactor.Mode)
	if err != nil {
		return nil, fmt.Errorf("configuring second factor: %w", err)
	}

	client, err := upstream.New(cfg.Upstream, logger.With("component", "upstream"))
	if err != nil {
		return nil, fmt.Errorf("creating upstream client: %w", err)
	}

	authn, tokens, err := newAuthenticator(cfg)
	if err != nil {
		return nil, err
	}

	journal, err := initJournal(cfg, logger)
	if err != nil {
		return nil, err
	}

	sess := session.New()
	sup := newSupervisor(cfg, client, logger)

	flow := authflow.New(authflow.Config{
		Session:      sess,
		Credentials:  creds,
		Gateway:      client,
		Process:      sup,
		SecondFactor: secondFactor,
		Backoff: backoff.Backoff{
			Base:   cfg.Session.AuthBackoffBase,
			Max:    cfg.Session.AuthBackoffMax,
			Factor: 2,
			Jitter: cfg.Session.AuthJitter,
		},
		MaxAttempts: cfg.Session.AuthMaxAttempts,
		Logger:      logger.With("component", "authflow"),
	})

	bgCtx, bgCancel := context.WithCancel(context.Background())

	gw := &Gateway{
		config:      cfg,
		journal:     journal,
		upstream:    client,
		supervisor:  sup,
		session:     sess,
		credentials: creds,
		flow:        flow,
		keepalive: &keepalive.Loop{
			Session:          sess,
			Pinger:           client,
			Reauth:           flow,
			Interval:         cfg.Session.KeepaliveInterval,
			FailureThreshold: cfg.Session.FailureThreshold,
			Timeout:          cfg.Upstream.RequestTimeout,
			Logger:           logger.With("component", "keepalive"),
		},
		monitor:        health.New(sup, sess, cfg.Session.StaleAfter),
		authn:          authn,
		tokens:         tokens,
		dedupe:         dedupe.New(cfg.Facade.IdempotencyTTL, 0),
		connectLimiter: rate.NewLimiter(rate.Every(cfg.Facade.ConnectInterval), cfg.Facade.ConnectBurst),
		healthServer:   grpchealth.NewServer(),
		logger:         logger,
		startedAt:      time.Now(),
		bgCtx:          bgCtx,
		bgCancel:       bgCancel,
	}

	sess.OnTransition(gw.recordTransition)
	sup.OnEvent(gw.recordGatewayEvent)
	sup.OnDown(func() { flow.Reset("gateway down") })
	sup.OnRestart(gw.reconnectAfterRestart)

	if cfg.Server.GRPCAddr != "" {
		gw.grpcServer = newGRPCServer(gw.healthServer)
	}
	gw.publishHealth()

	gw.httpServer = &http.Server{
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("gateway initialized",
		"account_id", creds.AccountID(),
		"environment", cfg.Identity.Environment,
		"managed_process", cfg.Process.Command != "",
		"upstream", client.BaseURL(),
		"bearer_tokens", tokens != nil,
	)
	return gw, nil
}

// reconnectAfterRestart logs in again once the gateway is back. The session
// was already reset by the down hook.
func (g *Gateway) reconnectAfterRestart() {
	g.goBackground(func(ctx context.Context) {
		if err := g.flow.Authenticate(ctx); err != nil && ctx.Err() == nil {
			g.logger.Error("re-authentication after gateway restart failed", "error", err)
		}
	})
}

func (g *Gateway) goBackground(fn func(ctx context.Context)) {
	g.bgMu.Lock()
	defer g.bgMu.Unlock()
	if g.bgCtx.Err() != nil {
		return
	}
	g.bg.Add(1)
	go func() {
		defer g.bg.Done()
		fn(g.bgCtx)
	}()
}

// setupTCPListeners creates standard TCP listeners. grpcLn is nil when no
// gRPC address is configured.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	if g.grpcServer != nil {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		if grpcLn != nil {
			_ = grpcLn.Close()
		}
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// warnIgnoredAddresses logs when configured addresses are ignored in Tailscale mode.
func (g *Gateway) warnIgnoredAddresses() {
	if g.config.Server.HTTPAddr != "" && g.config.Server.HTTPAddr != "0.0.0.0:8000" {
		g.logger.Warn("server.http_addr ignored in tailscale mode, using :80 (or :443 with funnel)", "configured", g.config.Server.HTTPAddr)
	}
	if g.config.Server.GRPCAddr != "" {
		g.logger.Warn("server.grpc_addr port ignored in tailscale mode, using :50051", "configured", g.config.Server.GRPCAddr)
	}
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddresses()
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts the HTTP and (optional) gRPC servers in goroutines.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// startBackground launches the supervisor poller, keep-alive loop, health
// publisher, journal pruning and the initial login.
func (g *Gateway) startBackground() {
	g.goBackground(func(ctx context.Context) { _ = g.supervisor.Run(ctx) })
	g.goBackground(func(ctx context.Context) { _ = g.keepalive.Run(ctx) })
	g.goBackground(g.runHealthPublisher)
	g.goBackground(g.runJournalPruner)
	g.goBackground(func(ctx context.Context) {
		if err := g.flow.Authenticate(ctx); err != nil && ctx.Err() == nil {
			g.logger.Error("initial authentication failed", "error", err)
		}
	})
}

// waitForShutdownSignal blocks until context is canceled or a server error occurs.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the listeners and background loops and blocks until ctx is
// canceled or a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	errCh := g.startServers(grpcListener, httpListener)
	g.startBackground()
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs a graceful shutdown with a 5 second timeout.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, defaulting to ~/.local/share/brokergate/tailscale.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "brokergate", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or TS_AUTHKEY env var.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListeners joins the tailnet and listens on it.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
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
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}

	g.logTailscaleStatus(tsCfg.Hostname, status)

	if g.grpcServer != nil {
		grpcLn, err = g.tsnetServer.Listen("tcp", ":50051")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
		}
	}

	httpLn, err = g.createTailscaleHTTPListener(tsCfg)
	if err != nil {
		if grpcLn != nil {
			_ = grpcLn.Close()
		}
		_ = g.tsnetServer.Close()
		return nil, nil, err
	}
	return grpcLn, httpLn, nil
}

// logTailscaleStatus logs the Tailscale node status after startup.
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

// createTailscaleHTTPListener creates the HTTP listener (Funnel or plain).
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	if tsCfg.Funnel {
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale funnel port: %w", err)
		}
		return ln, nil
	}
	ln, err := g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return ln, nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the servers and background loops, the gateway process,
// and closes the journal. In-flight authentication attempts are abandoned.
// Only the first call does any work.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() { g.shutdownErr = g.shutdown(ctx) })
	return g.shutdownErr
}

func (g *Gateway) shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	if g.grpcServer != nil {
		g.healthServer.Shutdown()
		g.shutdownGRPCServer(ctx)
	}

	g.bgMu.Lock()
	g.bgCancel()
	g.bgMu.Unlock()
	g.flow.Close()
	errs = appendCloseError(errs, "supervisor stop", g.supervisor.Stop(ctx))
	g.waitBackground(ctx)

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "journal close", g.journal.Close())
	g.dedupe.Close()

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

func (g *Gateway) waitBackground(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		g.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		g.logger.Warn("background loops did not stop before shutdown deadline")
	}
}
