package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/centralbus/internal/agentbus"
	"github.com/eldtechnologies/centralbus/internal/agentruntime"
	"github.com/eldtechnologies/centralbus/internal/api"
	"github.com/eldtechnologies/centralbus/internal/attachments"
	"github.com/eldtechnologies/centralbus/internal/bus"
	"github.com/eldtechnologies/centralbus/internal/config"
	"github.com/eldtechnologies/centralbus/internal/ids"
	"github.com/eldtechnologies/centralbus/internal/models"
	"github.com/eldtechnologies/centralbus/internal/socket"
	"github.com/eldtechnologies/centralbus/internal/store"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Central store: PostgreSQL when configured, SQLite otherwise
	var db store.DataStore
	if cfg.DatabaseURL != "" {
		logger.Info().Msg("running database migrations...")
		if err := store.RunMigrations(ctx, cfg.DatabaseURL); err != nil {
			logger.Fatal().Err(err).Msg("migration failed")
		}
		logger.Info().Msg("migrations completed")

		pgStore, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connection failed")
		}
		defer pgStore.Close()
		db = pgStore
		logger.Info().Msg("connected to PostgreSQL")
	} else {
		sqliteStore, err := store.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			logger.Fatal().Err(err).Msg("sqlite open failed")
		}
		defer sqliteStore.Close()
		db = sqliteStore
		logger.Info().Str("path", cfg.SQLitePath).Msg("using SQLite")
	}

	if err := db.EnsureServer(ctx, &models.Server{
		ID:         ids.DefaultServerID,
		Name:       "default",
		SourceType: "eliza_default",
	}); err != nil {
		logger.Fatal().Err(err).Msg("default server setup failed")
	}

	// Initialize Redis store
	var redisStore *store.RedisStore
	if cfg.RedisURL != "" {
		var err error
		redisStore, err = store.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisStore.Close()
		logger.Info().Msg("connected to Redis")
	}

	b := bus.New(logger)

	hub := socket.NewHub(logger)
	go hub.Run(ctx)

	resolver := attachments.NewResolver(cfg.UploadDir, cfg.MaxUploadBytes, logger)

	// Hosted agents
	specs, err := agentruntime.ParseAgentSpecs(cfg.AgentIDs)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid AGENT_IDS")
	}
	handler, err := agentruntime.HandlerByName(cfg.AgentHandler)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid AGENT_HANDLER")
	}

	registry := agentruntime.NewRegistry()
	if len(specs) > 0 {
		agentStore, err := store.NewAgentSQLiteStore(ctx, cfg.AgentDBPath)
		if err != nil {
			logger.Fatal().Err(err).Msg("agent store open failed")
		}
		defer agentStore.Close()

		for _, spec := range specs {
			rt := agentruntime.New(spec.ID, spec.Name, agentStore, handler, logger)
			if err := registry.Register(rt); err != nil {
				logger.Fatal().Err(err).Msg("agent registration failed")
			}
		}
	}

	relay := socket.NewRelay(hub, registry, resolver, nil, logger)

	router := api.NewRouter(logger, api.Deps{
		Config: cfg,
		Store:  db,
		Redis:  redisStore,
		Bus:    b,
		Hub:    hub,
		Relay:  relay,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Int("agents", len(specs)).
			Msg("starting central message server")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Agent services reach the central API over HTTP, so they start once
	// the server is accepting connections.
	central := agentbus.NewClient(cfg.CentralURL, &http.Client{Timeout: 30 * time.Second})
	var services []*agentbus.Service
	for _, rt := range registry.List() {
		if err := db.AddAgentToServer(ctx, ids.DefaultServerID, rt.AgentID()); err != nil {
			logger.Error().Err(err).Str("agent_id", rt.AgentID().String()).Msg("failed to add agent to default server")
		}
		svc := agentbus.NewService(rt, b, central, logger)
		if err := svc.Start(ctx); err != nil {
			logger.Error().Err(err).Str("agent_id", rt.AgentID().String()).Msg("message bus service failed to start")
			continue
		}
		services = append(services, svc)
	}

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")

	for _, svc := range services {
		svc.Stop()
	}

	// Graceful shutdown with 30 second timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}
	stop()

	logger.Info().Msg("server stopped")
}
