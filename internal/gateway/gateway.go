// ABOUTME: Gateway orchestrator that owns the agent client, bridge, ledger and HTTP server
// ABOUTME: Manages component construction, routing, health endpoints and lifecycle

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/2389/copilot-bridge/internal/agentapi"
	"github.com/2389/copilot-bridge/internal/auth"
	"github.com/2389/copilot-bridge/internal/bridge"
	"github.com/2389/copilot-bridge/internal/config"
	"github.com/2389/copilot-bridge/internal/credential"
	"github.com/2389/copilot-bridge/internal/dedupe"
	"github.com/2389/copilot-bridge/internal/store"
)

// identitySource reports who the bridge authenticates as.
type identitySource interface {
	Identity(ctx context.Context) (*credential.Identity, error)
}

// components are the collaborators New builds from config. Tests supply
// their own.
type components struct {
	service  agentapi.API
	identity identitySource
	store    store.Store // nil disables the ledger
}

// Gateway orchestrates the copilot-bridge server components.
type Gateway struct {
	config      *config.Config
	bridge      *bridge.Bridge
	service     agentapi.API
	credentials identitySource
	store       store.Store
	idempotency *dedupe.Cache
	limiter     *rate.Limiter
	handler     http.Handler
	httpServer  *http.Server
	logger      *slog.Logger

	// serverID identifies this gateway instance
	serverID string
}

// initStore opens the ledger when a database path is configured.
func initStore(cfg *config.Config) (store.Store, error) {
	if cfg.Database.Path == "" {
		return nil, nil
	}
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// NewClient builds the credential provider and the agent service client
// described by cfg. Neither makes a network call until first used.
func NewClient(cfg *config.Config, logger *slog.Logger) (*agentapi.Client, *credential.Provider) {
	creds := credential.New(credential.Config{
		TenantID:      cfg.Agent.TenantID,
		ClientID:      cfg.Agent.ClientID,
		ClientSecret:  cfg.Agent.ClientSecret,
		AuthorityHost: cfg.Agent.AuthorityHost,
		Scope:         cfg.Agent.TokenScope,
		Timeout:       cfg.Agent.TokenTimeout,
	}, logger)

	maxRetries := config.DefaultMaxRetries
	if cfg.Agent.MaxRetries != nil {
		maxRetries = *cfg.Agent.MaxRetries
	}
	client := agentapi.New(agentapi.Options{
		Endpoint:    cfg.Agent.ProjectEndpoint,
		APIVersion:  cfg.Agent.APIVersion,
		MaxRetries:     maxRetries,
		RequestTimeout: cfg.Agent.RequestTimeout,
		Credentials:    creds,
		Logger:         logger,
	})
	return client, creds
}

// New creates a Gateway from configuration. No remote call is made; the
// token and the SDK client are created on the first request that needs them.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	client, creds := NewClient(cfg, logger)

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	gw, err := newGateway(cfg, components{service: client, identity: creds, store: s}, logger)
	if err != nil {
		if s != nil {
			_ = s.Close()
		}
		return nil, err
	}
	return gw, nil
}

// newGateway wires the HTTP layer around already-built components.
func newGateway(cfg *config.Config, c components, logger *slog.Logger) (*Gateway, error) {
	b, err := bridge.New(bridge.Options{
		Service:      c.service,
		AgentID:      cfg.Agent.AgentID,
		PollInterval: cfg.Agent.PollInterval,
		PollTimeout:  cfg.Agent.PollTimeout,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating bridge: %w", err)
	}

	gw := &Gateway{
		config:      cfg,
		bridge:      b,
		service:     c.service,
		credentials: c.identity,
		store:       c.store,
		idempotency: dedupe.New(cfg.Idempotency.TTL, cfg.Idempotency.MaxEntries),
		logger:      logger.With("component", "gateway"),
		serverID:    generateServerID(),
	}

	if cfg.RateLimit.RequestsPerSecond > 0 {
		gw.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.RequestsPerSecond), cfg.RateLimit.Burst)
	}

	if len(cfg.Auth.FunctionKeys) == 0 {
		gw.logger.Warn("no function keys configured - function routes are open to anyone")
	}
	if gw.store == nil {
		gw.logger.Info("invocation ledger disabled (no database.path)")
	}

	gw.handler = gw.routes()
	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return gw, nil
}

// routes builds the HTTP handler tree.
func (g *Gateway) routes() http.Handler {
	prefix := g.config.Server.RoutePrefix
	keys := auth.FunctionKeyMiddleware(g.config.Auth.FunctionKeys, g.logger)

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	invoke := chain(keys, rateLimitMiddleware(g.limiter))(http.HandlerFunc(g.handleInvoke))
	mux.Handle("POST "+prefix+"/invoke_copilot_agent", invoke)
	mux.Handle("GET "+prefix+"/test", keys(http.HandlerFunc(g.handleTest)))
	mux.Handle("GET "+prefix+"/api/threads/{thread_id}/invocations", keys(http.HandlerFunc(g.handleInvocations)))
	mux.Handle("GET "+prefix+"/api/invocations/{id}", keys(http.HandlerFunc(g.handleInvocation)))

	return chain(
		recoveryMiddleware(g.logger),
		requestLogMiddleware(g.logger),
	)(mux)
}

// Handler returns the gateway's root HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// startServer serves HTTP on ln in the background.
func (g *Gateway) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()
	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context cancelled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error, initiating shutdown", "error", err)
		return err
	}
}

// Run starts the HTTP server and blocks until ctx is cancelled or the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	g.logger.Info("starting gateway",
		"server_id", g.serverID,
		"http_addr", g.config.Server.HTTPAddr,
		"route_prefix", g.config.Server.RoutePrefix,
		"agent_id", g.config.Agent.AgentID,
	)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", g.config.Server.HTTPAddr, err)
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
// Uses context.Background() since the run context is already cancelled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown drains in-flight requests and releases every component.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	if g.store != nil {
		errs = appendCloseError(errs, "store close", g.store.Close())
	}
	if closer, ok := g.service.(io.Closer); ok {
		errs = appendCloseError(errs, "agent client close", closer.Close())
	}
	g.idempotency.Close()

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// ReadyResponse is the JSON body of GET /health/ready.
type ReadyResponse struct {
	Status         string `json:"status"`
	TenantID       string `json:"tenant_id,omitempty"`
	AppID          string `json:"app_id,omitempty"`
	TokenExpiresAt string `json:"token_expires_at,omitempty"`
	Error          string `json:"error,omitempty"`
}

// handleReady returns 200 when a token for the agent service can be acquired.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	id, err := g.credentials.Identity(r.Context())
	if err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{Status: "unavailable", Error: err.Error()})
		return
	}

	resp := ReadyResponse{Status: "ready", TenantID: id.TenantID, AppID: id.AppID}
	if !id.Expiry.IsZero() {
		resp.TokenExpiresAt = id.Expiry.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeJSON writes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// generateServerID creates a unique identifier for this gateway instance.
func generateServerID() string {
	return fmt.Sprintf("copilot-bridge-%d", time.Now().UnixNano()%1000000)
}
