// ABOUTME: Gateway orchestrator that wires registries, router, bot link and tunnels
// ABOUTME: Owns the HTTP server lifecycle, background loops and graceful shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/tunnels2bots/internal/auth"
	"github.com/2389/tunnels2bots/internal/bot"
	"github.com/2389/tunnels2bots/internal/botlink"
	"github.com/2389/tunnels2bots/internal/config"
	"github.com/2389/tunnels2bots/internal/connection"
	"github.com/2389/tunnels2bots/internal/dedupe"
	"github.com/2389/tunnels2bots/internal/ratelimit"
	"github.com/2389/tunnels2bots/internal/router"
	"github.com/2389/tunnels2bots/internal/session"
	"github.com/2389/tunnels2bots/internal/store"
	"github.com/2389/tunnels2bots/internal/tunnel"
)

// shutdownTimeout bounds graceful shutdown after Run's context is canceled.
const shutdownTimeout = 5 * time.Second

// Gateway ties the client frontend, bot link, and tunnel supervisor together.
type Gateway struct {
	config    *config.Config
	validator *auth.Validator
	admin     *auth.AdminGate
	bots      *bot.Registry
	conns     *connection.Registry
	sessions  *session.Manager
	router    *router.Router
	hub       *botlink.Hub
	tasks     store.TaskStore
	limiter   *ratelimit.Limiter
	dedupe    *dedupe.Cache
	tunnels   *tunnel.Supervisor

	handler    http.Handler
	httpServer *http.Server
	logger     *slog.Logger
	startedAt  time.Time

	// port is the bound listener port, used as the tunnel's local port.
	port atomic.Int32

	connWG       sync.WaitGroup
	shuttingDown atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error
}

// initStore opens the task store. An empty path keeps tasks in memory.
func initStore(cfg *config.Config) (store.TaskStore, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// newTunnelSupervisor builds a supervisor with every provider registered.
func newTunnelSupervisor(cfg *config.Config, logger *slog.Logger) *tunnel.Supervisor {
	tc := cfg.Tunnel
	policy := tunnel.Policy{
		GracePeriod:  tc.GracePeriod,
		RestartDelay: tc.RestartDelay,
		StopGrace:    tc.StopGrace,
		RetryBackoff: tc.RetryBackoff,
		MaxAttempts:  tc.MaxAttempts,
		AutoRestart:  tc.RestartOnCrash(),
	}
	return tunnel.NewSupervisor(policy, logger,
		tunnel.NewReverse(tunnel.ReverseConfig{
			Binary: tc.Reverse.Binary,
			Server: tc.Reverse.Server,
			Token:  tc.Reverse.Token,
		}),
		tunnel.NewTailscale(tunnel.TailscaleConfig{
			Binary:        tc.Tailscale.Binary,
			DNSName:       tc.Tailscale.DNSName,
			DisableFunnel: tc.Tailscale.DisableFunnel,
		}),
		tunnel.NewLocaltunnel(tunnel.LocaltunnelConfig{
			Binary:          tc.Localtunnel.Binary,
			Subdomain:       tc.Localtunnel.Subdomain,
			Host:            tc.Localtunnel.Host,
			RandomSubdomain: tc.Localtunnel.RandomSubdomain,
		}),
	)
}

func newLimiter(l config.LimitsConfig) *ratelimit.Limiter {
	return ratelimit.NewLimiter(ratelimit.Config{
		Rules: map[string]ratelimit.Rule{
			ratelimit.KindMessage: {RequestsPerMinute: l.MessagesPerMinute, BurstSize: l.MessageBurst},
			ratelimit.KindTask:    {RequestsPerMinute: l.TasksPerMinute, BurstSize: l.TaskBurst},
			ratelimit.KindAuth:    {RequestsPerMinute: l.AuthPerMinute, BurstSize: l.AuthBurst},
		},
	})
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	validator, err := auth.NewValidator(auth.ValidatorConfig{
		Secret:          []byte(cfg.Auth.Secret),
		KeyPrefix:       cfg.Auth.KeyPrefix,
		SignatureLength: cfg.Auth.SignatureLength,
	})
	if err != nil {
		return nil, fmt.Errorf("creating credential validator: %w", err)
	}

	tasks, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	bots := bot.NewRegistry(logger.With("component", "bots"))
	conns := connection.NewRegistry(logger.With("component", "connections"))
	rt := router.New(bots, conns, tasks, nil, logger.With("component", "router"))
	hub := botlink.NewHub(validator, bots, rt, cfg.Bots.Backlog, logger.With("component", "botlink"))
	rt.SetTransport(hub)

	g := &Gateway{
		config:    cfg,
		validator: validator,
		admin:     auth.NewAdminGate(cfg.Auth.AdminTokenHash),
		bots:      bots,
		conns:     conns,
		sessions:  session.NewManager(logger.With("component", "sessions")),
		router:    rt,
		hub:       hub,
		tasks:     tasks,
		limiter:   newLimiter(cfg.Limits),
		dedupe:    dedupe.New(cfg.Limits.DedupeTTL, cfg.Limits.DedupeMaxSize, 0),
		tunnels:   newTunnelSupervisor(cfg, logger.With("component", "tunnel")),
		logger:    logger.With("component", "gateway"),
		startedAt: time.Now(),
	}
	g.port.Store(int32(cfg.Server.Port()))

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	mux.HandleFunc(cfg.Server.WSPath, g.handleWebSocket)
	mux.Handle(cfg.Server.BotPath, hub)

	g.registerAPIRoutes(mux)
	g.registerAdminRoutes(mux)

	g.handler = mux
	g.httpServer = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Auth.AdminTokenHash == "" {
		g.logger.Warn("admin token not configured - admin endpoints limited to loopback aggregates")
	}
	return g, nil
}

// Handler returns the gateway's HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// Tunnels returns the tunnel supervisor.
func (g *Gateway) Tunnels() *tunnel.Supervisor {
	return g.tunnels
}

// Run listens on the configured address and serves until ctx is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", g.config.Server.Addr, err)
	}
	return g.Serve(ctx, ln)
}

// Serve runs the gateway on ln until ctx is canceled.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		g.port.Store(int32(addr.Port))
	}

	loopCtx, stopLoops := context.WithCancel(ctx)
	defer stopLoops()

	var loops errgroup.Group
	loops.Go(func() error {
		g.heartbeatLoop(loopCtx)
		return nil
	})
	loops.Go(func() error {
		g.sweepLoop(loopCtx)
		return nil
	})

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("gateway listening",
			"addr", ln.Addr().String(),
			"ws_path", g.config.Server.WSPath,
			"bot_path", g.config.Server.BotPath,
		)
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	if g.config.Tunnel.AutoStart && g.config.Tunnel.Provider != "" {
		loops.Go(func() error {
			g.autoStartTunnel(loopCtx)
			return nil
		})
	}

	serverErr := g.waitForShutdownSignal(ctx, errCh)
	stopLoops()
	_ = loops.Wait()

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
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

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return g.Shutdown(ctx)
}

func (g *Gateway) autoStartTunnel(ctx context.Context) {
	provider := g.config.Tunnel.Provider
	st, err := g.tunnels.Start(ctx, provider, g.LocalPort())
	if err != nil {
		if ctx.Err() == nil {
			g.logger.Error("tunnel auto-start failed", "provider", provider, "error", err)
		}
		return
	}
	g.logger.Info("tunnel ready", "provider", provider, "public_url", st.PublicURL)
}

// LocalPort returns the port the gateway listens on.
func (g *Gateway) LocalPort() int {
	return int(g.port.Load())
}

// PublicURL returns the running tunnel's public URL, if any.
func (g *Gateway) PublicURL() string {
	return g.tunnels.PublicURL()
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown closes every client connection with the going-away code, stops
// bot links and tunnels, and releases the store. Later calls return the
// first call's result.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.shutdownErr = g.shutdown(ctx)
	})
	return g.shutdownErr
}

func (g *Gateway) shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")
	g.shuttingDown.Store(true)

	var errs []error

	closed := 0
	g.conns.ForEach(func(c *connection.Connection) {
		if c.Close(connection.CloseGoingAway, "server shutting down") {
			closed++
		}
	})
	g.hub.Shutdown()

	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	// Hijacked WebSocket handlers are not tracked by http.Server.
	done := make(chan struct{})
	go func() {
		g.connWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for connections: %w", ctx.Err()))
	}

	errs = appendCloseError(errs, "tunnel shutdown", g.tunnels.Shutdown(ctx))
	g.dedupe.Close()
	errs = appendCloseError(errs, "store close", g.tasks.Close())

	g.logger.Info("gateway stopped", "connections_closed", closed)
	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the store answers and, when a tunnel is
// configured to start automatically, the tunnel is running.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if g.shuttingDown.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("shutting down"))
		return
	}
	if err := g.tasks.Ping(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	if g.config.Tunnel.AutoStart && g.config.Tunnel.Provider != "" {
		st, _ := g.tunnels.Status(g.config.Tunnel.Provider)
		if st.State != tunnel.StateRunning {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = fmt.Fprintf(w, "tunnel %s", st.State)
			return
		}
	}
	total, _ := g.conns.Counts()
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d connections)", total)
}
