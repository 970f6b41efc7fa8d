// Package app wires the components of the chat relay together and owns
// their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"chatrelay/internal/api"
	"chatrelay/internal/config"
	"chatrelay/internal/conversation"
	"chatrelay/internal/database"
	"chatrelay/internal/delivery"
	"chatrelay/internal/hub"
	"chatrelay/internal/identity"
	"chatrelay/internal/router"
	"chatrelay/internal/sanitize"
	"chatrelay/internal/websocket"
)

// Application coordinates all system components.
type Application struct {
	config      *config.Config
	log         *slog.Logger
	store       *database.Manager
	registry    *websocket.Registry
	messageHub  *hub.Hub
	wsHandler   *websocket.Handler
	apiServer   *api.Server
	httpServer  *http.Server
	serverErrCh chan error
}

// NewApplication builds every component in dependency order:
// store -> verifier, guard -> registry -> delivery -> pipeline -> hub ->
// transport, API.
func NewApplication(cfg *config.Config, log *slog.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	moderator, err := sanitize.NewModerator(cfg.Messaging.CensoredWords, []rune(cfg.Messaging.CensorChar)[0])
	if err != nil {
		return nil, fmt.Errorf("failed to build moderator: %w", err)
	}

	store, err := database.NewManager(cfg.StoreConfig(), log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}

	verifier := identity.NewVerifier(store, cfg.Messaging.VerifyTimeout, log)
	guard := conversation.NewManager(store, cfg.Messaging.AuthorizeTimeout, log)
	registry := websocket.NewRegistry(log)
	deliveries := delivery.NewService(store, registry, cfg.Messaging.OfflineBatchThreshold, log)
	limiter := router.NewRateLimiter(cfg.Messaging.RateLimit, cfg.Messaging.RateWindow)

	pipeline := router.NewRouter(router.Deps{
		Sanitizer:   sanitize.New(cfg.Messaging.MaxBodyLength, moderator),
		RateLimiter: limiter,
		Guard:       guard,
		Store:       store,
		Delivery:    deliveries,
		Directory:   registry,
		Log:         log,
	})

	messageHub := hub.NewHub(hub.Deps{
		Verifier: verifier,
		Registry: registry,
		Guard:    guard,
		Pipeline: pipeline,
		Delivery: deliveries,
		Cleaner:  limiter,
		Log:      log,
	})

	wsHandler := websocket.NewHandler(messageHub, websocket.HandlerConfig{
		PingInterval:   cfg.WebSocket.PingInterval,
		ReadTimeout:    cfg.WebSocket.ReadTimeout,
		WriteTimeout:   cfg.WebSocket.WriteTimeout,
		SendBuffer:     cfg.WebSocket.BufferSize,
		InboundQueue:   cfg.WebSocket.InboundQueueSize,
		MaxFrameBytes:  cfg.WebSocket.MaxFrameBytes,
		AllowedOrigins: cfg.WebSocket.AllowedOrigins,
	}, log)

	apiServer := api.NewServer(store, guard, registry, log)

	app := &Application{
		config:      cfg,
		log:         log,
		store:       store,
		registry:    registry,
		messageHub:  messageHub,
		wsHandler:   wsHandler,
		apiServer:   apiServer,
		serverErrCh: make(chan error, 1),
	}
	app.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      app.Handler(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
	return app, nil
}

// Handler serves the API, the health check and the websocket endpoint.
func (app *Application) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/api/", app.apiServer)
	mux.Handle("/health", app.apiServer)
	mux.HandleFunc("/ws", app.wsHandler.HandleWebSocket)
	return mux
}

// StartBackground starts the hub without listening, for callers that
// serve Handler themselves.
func (app *Application) StartBackground(ctx context.Context) error {
	if err := app.messageHub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start message hub: %w", err)
	}
	return nil
}

// Start starts the hub and begins accepting connections.
func (app *Application) Start(ctx context.Context) error {
	if err := app.StartBackground(ctx); err != nil {
		return err
	}

	listener, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		_ = app.messageHub.Stop()
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}

	app.log.Info("Chat relay listening", "addr", listener.Addr().String())
	go func() {
		if err := app.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.serverErrCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()
	return nil
}

// Errors reports fatal server errors after Start.
func (app *Application) Errors() <-chan error {
	return app.serverErrCh
}

// Stop shuts down in reverse dependency order: HTTP, sessions, hub, store.
// Sessions are closed gracefully so queued events are flushed first.
func (app *Application) Stop(ctx context.Context) error {
	app.log.Info("Shutting down chat relay")

	var errs []error
	if err := app.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	if err := app.wsHandler.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("connections still draining: %w", err))
	}
	if remaining := app.registry.CloseAll(); remaining > 0 {
		app.log.Warn("Sessions left after transport shutdown", "count", remaining)
	}

	if err := app.messageHub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		errs = append(errs, fmt.Errorf("hub shutdown: %w", err))
	}
	if err := app.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("database shutdown: %w", err))
	}

	app.log.Info("Chat relay shutdown complete")
	return errors.Join(errs...)
}

// Addr returns the configured listen address.
func (app *Application) Addr() string {
	return app.httpServer.Addr
}

// Registry exposes the session registry for diagnostics.
func (app *Application) Registry() *websocket.Registry {
	return app.registry
}

// Store exposes the persistence layer for administration commands.
func (app *Application) Store() *database.Manager {
	return app.store
}

// ShutdownTimeout returns the configured grace period.
func (app *Application) ShutdownTimeout() time.Duration {
	return app.config.HTTP.ShutdownTimeout
}
