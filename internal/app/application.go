// Package app wires the relay components together.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/rs/zerolog"

	"schoolchat/internal/api"
	"schoolchat/internal/config"
	"schoolchat/internal/database"
	"schoolchat/internal/hub"
	"schoolchat/internal/router"
	"schoolchat/internal/websocket"
	dbconfig "schoolchat/pkg/database"
	"schoolchat/pkg/interfaces"
)

// Application owns every relay component.
// Initialization order: storage → registry → router → hub → handlers → HTTP.
type Application struct {
	config     *config.Config
	logger     zerolog.Logger
	repo       interfaces.MessageRepository
	registry   *websocket.Registry
	router     *router.Router
	hub        *hub.Hub
	apiServer  *api.Server
	httpServer *http.Server
	listener   net.Listener
}

func NewApplication(cfg *config.Config, logger zerolog.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	repo, err := openRepository(cfg, logger)
	if err != nil {
		return nil, err
	}

	registry := websocket.NewRegistry()
	messageRouter := router.NewRouter(registry, repo, router.Config{
		RateLimitPerMin:  cfg.Chat.RateLimitPerMin,
		MaxContentLength: cfg.Chat.MaxContentLength,
	}, logger)

	hubConfig := hub.DefaultConfig()
	hubConfig.HistoryLimit = cfg.Chat.HistoryLimit
	hubConfig.OpTimeout = cfg.Database.Timeout
	messageHub := hub.NewHub(registry, messageRouter, repo, hubConfig, logger)

	wsHandler := websocket.NewHandler(registry, messageHub, cfg.WebSocket, logger)
	apiServer := api.NewServer(repo, registry, http.HandlerFunc(wsHandler.HandleWebSocket), api.Config{
		HistoryLimit: cfg.Chat.HistoryLimit,
	}, logger)

	httpServer := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:     cfg,
		logger:     logger.With().Str("component", "app").Logger(),
		repo:       repo,
		registry:   registry,
		router:     messageRouter,
		hub:        messageHub,
		apiServer:  apiServer,
		httpServer: httpServer,
	}, nil
}

// openRepository picks Redis when a URL is configured and sqlite otherwise.
func openRepository(cfg *config.Config, logger zerolog.Logger) (interfaces.MessageRepository, error) {
	if cfg.Redis.URL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Database.Timeout)
		defer cancel()
		store, err := database.NewRedisStore(ctx, cfg.Redis.URL, cfg.Redis.MessageTTL, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return store, nil
	}

	dbConfig := dbconfig.DefaultConfig()
	dbConfig.DatabasePath = cfg.Database.Path
	dbConfig.ConnMaxLifetime = cfg.Database.Timeout
	dbConfig.ConnMaxIdleTime = cfg.Database.Timeout / 3
	manager, err := database.NewManager(dbConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}
	return manager, nil
}

// Start runs the hub and begins serving. It returns once the listener is
// bound; serve errors after that are logged.
func (app *Application) Start(ctx context.Context) error {
	if err := app.hub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start message hub: %w", err)
	}

	listener, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		_ = app.hub.Stop()
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	app.listener = listener

	go func() {
		if err := app.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	app.logger.Info().Str("addr", listener.Addr().String()).Msg("relay started")
	return nil
}

// Stop shuts down in reverse order: HTTP, hub, storage. Open websocket
// connections are closed with the registry.
func (app *Application) Stop(ctx context.Context) error {
	app.logger.Info().Msg("shutting down relay")

	var errs []error
	if err := app.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	app.registry.CloseAll()
	if err := app.hub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		errs = append(errs, fmt.Errorf("hub shutdown: %w", err))
	}
	if err := app.repo.Close(); err != nil {
		errs = append(errs, fmt.Errorf("storage shutdown: %w", err))
	}

	app.logger.Info().Msg("relay shutdown complete")
	return errors.Join(errs...)
}

// Addr is the bound address once started, the configured one before.
func (app *Application) Addr() string {
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}
