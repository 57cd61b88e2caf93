// Package app wires every component into a running server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"advisorhub/internal/api"
	"advisorhub/internal/config"
	"advisorhub/internal/database"
	"advisorhub/internal/delivery"
	"advisorhub/internal/hub"
	"advisorhub/internal/membership"
	"advisorhub/internal/messages"
	"advisorhub/internal/router"
	"advisorhub/internal/session"
	"advisorhub/internal/signaling"
	"advisorhub/internal/websocket"
)

// Application owns the component graph and the HTTP server.
type Application struct {
	config     *config.Config
	logger     *zap.Logger
	store      *database.Manager
	registry   *websocket.Registry
	pipeline   *delivery.Pipeline
	sessions   *session.Manager
	messageHub *hub.Hub
	apiServer  *api.Server
	httpServer *http.Server

	mu       sync.Mutex
	listener net.Listener
	serveErr chan error
}

// NewApplication builds every component in dependency order:
// store, membership, registry, relay, messages, pipeline, sessions, router,
// hub, websocket handler, API.
func NewApplication(cfg *config.Config, logger *zap.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	store, err := database.NewManager(DatabaseConfig(cfg), logger.Named("database"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}

	members := membership.New()
	registry := websocket.NewRegistry(members, logger.Named("registry"))
	relay := signaling.NewRelay(registry, members, logger.Named("signaling"))
	msgService := messages.NewService(store, logger.Named("messages"))
	pipeline := delivery.NewPipeline(registry, members, msgService, delivery.Config{
		MaxQueueSize:  cfg.Realtime.MaxQueueSize,
		TypingTimeout: cfg.Realtime.TypingTimeout,
	}, logger.Named("delivery"))

	sessions := session.NewManager(store, members, registry, session.Config{
		MaxParticipants: cfg.Realtime.MaxParticipants,
	}, logger.Named("session"))
	loaded, err := sessions.LoadActiveSessions(context.Background())
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to load active sessions: %w", err)
	}
	logger.Info("active sessions restored", zap.Int("count", loaded))

	messageRouter := router.NewRouter(registry, members, relay, pipeline, sessions, router.Config{
		RateLimit:  cfg.Realtime.RateLimit,
		RateWindow: cfg.Realtime.RateWindow,
	}, logger.Named("router"))

	messageHub := hub.NewHub(registry, messageRouter, pipeline, sessions, hub.Config{
		ReapInterval:     cfg.Realtime.ReapInterval,
		HeartbeatTimeout: cfg.Realtime.HeartbeatTimeout,
		TrackingMaxAge:   cfg.Realtime.TrackingMaxAge,
	}, logger.Named("hub"))

	wsHandler := websocket.NewHandler(registry, messageHub, websocket.HandlerConfig{
		PingInterval:   cfg.WebSocket.PingInterval,
		ReadTimeout:    cfg.WebSocket.ReadTimeout,
		WriteTimeout:   cfg.WebSocket.WriteTimeout,
		BufferSize:     cfg.WebSocket.BufferSize,
		MaxMessageSize: cfg.WebSocket.MaxMessageSize,
		AllowedOrigins: cfg.WebSocket.AllowedOrigins,
	}, logger.Named("websocket"))

	apiServer := api.NewServer(api.Deps{
		Sessions:  sessions,
		Messages:  msgService,
		Pipeline:  pipeline,
		Store:     store,
		Stats:     messageHub,
		WebSocket: http.HandlerFunc(wsHandler.HandleWebSocket),
	}, logger.Named("api"))

	httpServer := &http.Server{
		Addr:         cfg.Address(),
		Handler:      apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:     cfg,
		logger:     logger,
		store:      store,
		registry:   registry,
		pipeline:   pipeline,
		sessions:   sessions,
		messageHub: messageHub,
		apiServer:  apiServer,
		httpServer: httpServer,
	}, nil
}

// DatabaseConfig maps the store section of cfg onto database.Config.
func DatabaseConfig(cfg *config.Config) *database.Config {
	return &database.Config{
		Path:            cfg.Database.Path,
		MaxConnections:  cfg.Database.MaxConnections,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		WriteRetryDelay: cfg.Database.WriteRetryDelay,
		WriteTimeout:    cfg.Database.WriteTimeout,
	}
}

// Start runs the hub, binds the listener and serves in the background.
func (app *Application) Start(ctx context.Context) error {
	if err := app.messageHub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start message hub: %w", err)
	}

	ln, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		_ = app.messageHub.Stop()
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}

	app.mu.Lock()
	app.listener = ln
	app.serveErr = make(chan error, 1)
	serveErr := app.serveErr
	app.mu.Unlock()

	go func() {
		if err := app.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.Error("http server failed", zap.Error(err))
			serveErr <- err
		}
		close(serveErr)
	}()

	app.logger.Info("advisorhub started", zap.String("addr", ln.Addr().String()))
	return nil
}

// Wait blocks until ctx is done or the HTTP server fails.
func (app *Application) Wait(ctx context.Context) error {
	app.mu.Lock()
	serveErr := app.serveErr
	app.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil
	case err, ok := <-serveErr:
		if ok {
			return err
		}
		return nil
	}
}

// Stop shuts down in reverse order: HTTP, hub, store. Errors are logged and
// the first one is returned.
func (app *Application) Stop(ctx context.Context) error {
	app.logger.Info("shutting down advisorhub")
	var errs []error

	if err := app.httpServer.Shutdown(ctx); err != nil {
		app.logger.Warn("http server shutdown error", zap.Error(err))
		errs = append(errs, err)
	}
	if err := app.messageHub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		app.logger.Warn("message hub shutdown error", zap.Error(err))
		errs = append(errs, err)
	}
	if err := app.store.Close(); err != nil {
		app.logger.Warn("database shutdown error", zap.Error(err))
		errs = append(errs, err)
	}

	app.logger.Info("advisorhub shutdown complete")
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// Addr is the bound listen address once started, else the configured one.
func (app *Application) Addr() string {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}
