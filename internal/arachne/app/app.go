// Package app wires the Arachne components together: the SQLite registry,
// the in-memory bus and key store, the shared Discord gateway with its
// webhook proxy and router, and the HTTP surface (MCP + OAuth + dashboard
// API + health).
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/arachne-mcp/arachne/internal/arachne/api"
	"github.com/arachne-mcp/arachne/internal/arachne/bus"
	"github.com/arachne-mcp/arachne/internal/arachne/config"
	"github.com/arachne-mcp/arachne/internal/arachne/discord"
	"github.com/arachne-mcp/arachne/internal/arachne/keystore"
	"github.com/arachne-mcp/arachne/internal/arachne/mcpserver"
	"github.com/arachne-mcp/arachne/internal/arachne/oauth"
	"github.com/arachne-mcp/arachne/internal/arachne/router"
	"github.com/arachne-mcp/arachne/internal/arachne/store"
)

const shutdownTimeout = 10 * time.Second

// App is the assembled Arachne process.
type App struct {
	cfg     *config.Config
	store   *store.Store
	keys    *keystore.Store
	queues  *bus.Bus
	gateway *discord.Gateway
	proxy   *discord.Proxy
	router  *router.Router
	onboard *Onboarder
	httpSrv *http.Server
	started time.Time
}

// New assembles the application. Nothing connects to Discord or binds a
// port until Run.
func New(cfg *config.Config) (*App, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.New(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}

	gateway, err := discord.NewGateway(cfg.BotToken)
	if err != nil {
		st.Close()
		return nil, err
	}

	a := &App{
		cfg:     cfg,
		store:   st,
		keys:    keystore.New(),
		gateway: gateway,
		proxy:   discord.NewProxy(gateway.Session),
		queues: bus.New(bus.Config{
			TTL:           cfg.QueueTTL,
			Cap:           cfg.QueueCap,
			SweepInterval: cfg.SweepInterval,
		}),
	}
	a.router = router.New(st, a.queues, a.keys, a.proxy, gateway)
	a.onboard = NewOnboarder(st, gateway)

	signer := oauth.NewSigner(cfg.JWTSecret, cfg.BaseURL)
	mux := http.NewServeMux()
	oauth.NewServer(st, signer, oauth.Config{
		BaseURL:      cfg.BaseURL,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
	}).Routes(mux)
	mcpserver.New(st, a.queues, a.keys, signer, a.proxy, gateway, gateway.Session, cfg.BaseURL).Routes(mux)
	api.NewServer(st, signer, a.onboard, a.keys, a.queues, cfg.OperatorIDs).Routes(mux)
	mux.HandleFunc("GET /health", a.handleHealth)

	a.httpSrv = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

// Run connects the gateway, starts the HTTP server and the background
// sweeps, and blocks until SIGINT/SIGTERM or a fatal server error.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.started = time.Now()

	a.gateway.OnMessage(func(m *discordgo.MessageCreate) {
		a.router.Dispatch(ctx, m)
	})
	if err := a.gateway.Open(); err != nil {
		return err
	}

	go a.queues.Run(ctx)
	go a.pruneLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("app: http server listening", "addr", a.cfg.HTTPAddr, "base_url", a.cfg.BaseURL)
		if err := a.httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("app: shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("app: http shutdown incomplete", "err", err)
	}
	return nil
}

// Stop releases resources. Safe to call after Run returns.
func (a *App) Stop() {
	if err := a.gateway.Close(); err != nil {
		slog.Warn("app: gateway close failed", "err", err)
	}
	if err := a.store.Close(); err != nil {
		slog.Warn("app: store close failed", "err", err)
	}
}

// pruneLoop drops expired OAuth artifacts alongside the bus sweep.
func (a *App) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.store.PruneExpiredOAuth(ctx); err != nil {
				slog.Warn("app: oauth prune failed", "err", err)
			}
		}
	}
}
