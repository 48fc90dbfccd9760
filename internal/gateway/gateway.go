// ABOUTME: Gateway orchestrator wiring the store, ceremony engine, vault and access gateway
// ABOUTME: Serves the web handler over TCP or a Tailscale node and manages shutdown

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
	"strings"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/coven-locker/internal/access"
	"github.com/2389/coven-locker/internal/auth"
	"github.com/2389/coven-locker/internal/ceremony"
	"github.com/2389/coven-locker/internal/config"
	"github.com/2389/coven-locker/internal/ledger"
	"github.com/2389/coven-locker/internal/store"
	"github.com/2389/coven-locker/internal/vault"
	"github.com/2389/coven-locker/internal/web"
)

// Gateway owns the locker's components and their lifecycle.
type Gateway struct {
	config      *config.Config
	store       store.Store
	ledger      *ledger.Ledger
	engine      *ceremony.Engine
	vault       *vault.Vault
	access      *access.Gateway
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// baseURL is the public URL embedded in QR labels
	baseURL string
}

// determineBaseURL resolves the public base URL from config or environment.
func determineBaseURL(cfg *config.Config, logger *slog.Logger) string {
	if cfg.Public.BaseURL != "" {
		return cfg.Public.BaseURL
	}

	// COVEN_LOCKER_URL carries the full tailnet DNS name when set
	if envURL := os.Getenv("COVEN_LOCKER_URL"); envURL != "" {
		return envURL
	}

	if !cfg.Tailscale.Enabled {
		return "http://" + cfg.Server.HTTPAddr
	}
	if cfg.Tailscale.HTTPS || cfg.Tailscale.Funnel {
		logger.Warn("public.base_url/COVEN_LOCKER_URL not set - passkeys may fail. Set COVEN_LOCKER_URL to the full tailnet URL (e.g., https://locker.your-tailnet.ts.net)")
		return "https://" + cfg.Tailscale.Hostname
	}
	return "http://" + cfg.Tailscale.Hostname
}

// initStore opens the SQLite store named by config or COVEN_LOCKER_DB_PATH.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("COVEN_LOCKER_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStoreWithDriver(cfg.Database.Driver, dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// relyingParty returns the configured relying party, filling gaps from the
// base URL.
func relyingParty(cfg *config.Config, baseURL string) ceremony.Config {
	rpID, origins := ceremony.DeriveRelyingParty(baseURL)
	if cfg.WebAuthn.RPID != "" {
		rpID = cfg.WebAuthn.RPID
	}
	if len(cfg.WebAuthn.Origins) > 0 {
		origins = cfg.WebAuthn.Origins
	}
	return ceremony.Config{
		RPID:                     rpID,
		RPDisplayName:            cfg.WebAuthn.RPDisplayName,
		Origins:                  origins,
		ConcealUnknownIdentities: cfg.WebAuthn.ConcealUnknownIdentities,
		DecoyKey:                 []byte(cfg.WebAuthn.DecoyKey),
	}
}

// createVerifier returns the authoring token verifier, or nil when no
// jwt_secret is configured.
func createVerifier(cfg *config.Config, logger *slog.Logger) auth.TokenVerifier {
	if cfg.Auth.JWTSecret == "" {
		logger.Warn("authoring API disabled - no jwt_secret configured")
		return nil
	}
	logger.Info("authoring API enabled at /api/admin/")
	return auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	masterKey, err := vault.DecodeMasterKey(cfg.Vault.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("vault.master_key: %w", err)
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	g, err := assemble(cfg, s, masterKey, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return g, nil
}

func assemble(cfg *config.Config, s store.Store, masterKey []byte, logger *slog.Logger) (*Gateway, error) {
	var challenges store.ChallengeStore = s
	if cfg.WebAuthn.ChallengeStore == config.ChallengeStoreMemory {
		challenges = ledger.NewMemoryBackend()
	}
	l, err := ledger.New(challenges, cfg.WebAuthn.ChallengeTTL,
		ledger.WithLogger(logger.With("component", "ledger")),
	)
	if err != nil {
		return nil, fmt.Errorf("creating challenge ledger: %w", err)
	}

	v, err := vault.New(s, masterKey,
		vault.WithAuditStore(s),
		vault.WithLogger(logger.With("component", "vault")),
	)
	if err != nil {
		return nil, fmt.Errorf("creating vault: %w", err)
	}

	accessGW, err := access.New(s, v, cfg.Sessions.TTL,
		access.WithAuditStore(s),
		access.WithSweepInterval(cfg.Sessions.SweepInterval),
		access.WithLogger(logger.With("component", "access")),
	)
	if err != nil {
		return nil, fmt.Errorf("creating access gateway: %w", err)
	}

	baseURL := determineBaseURL(cfg, logger)
	rp := relyingParty(cfg, baseURL)
	engine, err := ceremony.New(rp, s, l, accessGW,
		ceremony.WithAuditStore(s),
		ceremony.WithLogger(logger.With("component", "ceremony")),
	)
	if err != nil {
		return nil, fmt.Errorf("creating ceremony engine: %w", err)
	}

	srv := web.New(engine, accessGW, v, createVerifier(cfg, logger), web.Config{
		BaseURL:       baseURL,
		SecureCookies: strings.HasPrefix(baseURL, "https://"),
	}, logger)

	logger.Info("relying party configured", "rp_id", rp.RPID, "origins", rp.Origins, "base_url", baseURL)

	return &Gateway{
		config: cfg,
		store:  s,
		ledger: l,
		engine: engine,
		vault:  v,
		access: accessGW,
		httpServer: &http.Server{
			Addr:              cfg.Server.HTTPAddr,
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger:  logger.With("component", "gateway"),
		baseURL: baseURL,
	}, nil
}

// BaseURL returns the public URL embedded in QR labels.
func (g *Gateway) BaseURL() string {
	return g.baseURL
}

// Vault returns the content vault for offline authoring.
func (g *Gateway) Vault() *vault.Vault {
	return g.vault
}

// warnIgnoredAddress logs a warning if a server address is configured but Tailscale is enabled.
func (g *Gateway) warnIgnoredAddress() {
	if g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
	}
}

// setupListener creates the HTTP listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddress()
		return g.setupTailscaleListener(ctx)
	}

	g.logger.Info("starting locker", "http_addr", g.config.Server.HTTPAddr)
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// Run starts the background sweepers and the HTTP server, and blocks until
// the context is canceled or the server fails.
// Returns nil on graceful shutdown (context canceled).
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	g.ledger.Start(ctx)
	g.access.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// The run context is already canceled at this point.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
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
	return filepath.Join(homeDir, ".local", "share", "coven-locker", "tailscale"), nil
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

// setupTailscaleListener starts a tsnet node and returns its HTTP listener.
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

// logTailscaleStatus logs info about the tailscale node and flags a base URL
// that does not match the node's DNS name.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = strings.TrimSuffix(status.Self.DNSName, ".")
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)

	if dnsName != "" && g.engine.RPID() != dnsName {
		g.logger.Warn("relying party id differs from tailnet DNS name; passkeys created here will not work at the tailnet URL",
			"rp_id", g.engine.RPID(), "dns_name", dnsName)
	}
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

// Shutdown gracefully stops the HTTP server and sweepers and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down locker")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.access.Close()
	g.ledger.Close()

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}
