package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/TaviloBreno/chat-laravel-angular/internal/api"
	"github.com/TaviloBreno/chat-laravel-angular/internal/api/middleware"
	"github.com/TaviloBreno/chat-laravel-angular/internal/bridge"
	"github.com/TaviloBreno/chat-laravel-angular/internal/channels"
	"github.com/TaviloBreno/chat-laravel-angular/internal/config"
	"github.com/TaviloBreno/chat-laravel-angular/internal/crypto"
	"github.com/TaviloBreno/chat-laravel-angular/internal/fanout"
	"github.com/TaviloBreno/chat-laravel-angular/internal/handlers"
	"github.com/TaviloBreno/chat-laravel-angular/internal/hub"
	"github.com/TaviloBreno/chat-laravel-angular/internal/store"
)

func main() {
	cfg := config.Load()
	logger := cfg.Logger()
	ctx := context.Background()

	dataStore, backend, err := store.Open(ctx, cfg.DatabaseURL, cfg.SQLitePath)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", backend).Msg("store connection failed")
	}
	defer dataStore.Close()
	logger.Info().Str("backend", backend).Msg("connected to store")

	var redisStore *store.RedisStore
	if cfg.RedisURL != "" {
		redisStore, err = store.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisStore.Close()
		logger.Info().Msg("connected to Redis")
	}

	// Fan-out queue: Redis when available so separate workers can share it
	var queue fanout.Queue
	if redisStore != nil {
		queue = fanout.NewRedisQueue(redisStore, cfg.FanoutQueue, logger)
	} else {
		mem := fanout.NewMemoryQueue(cfg.FanoutQueueSize, logger)
		defer mem.Stop()
		queue = mem
		logger.Warn().Msg("REDIS_URL not set, using in-memory fan-out queue")
	}

	auth := middleware.NewAuthMiddleware(dataStore, logger)
	gate := channels.NewGate(dataStore)

	var online hub.OnlineRegistry
	var onlineChecker fanout.OnlineChecker
	if redisStore != nil {
		online = redisStore
		onlineChecker = redisStore
	}

	realtime := hub.New(auth, gate, online, hub.Config{
		PongWait:       cfg.PongWait,
		AllowedOrigins: cfg.AllowedOrigins,
	}, logger)

	// With NATS every envelope goes through the bus, so hubs in every
	// instance see it, including this one.
	var publisher fanout.Publisher = realtime
	var natsClient *bridge.Client
	if cfg.NATSURL != "" {
		natsClient, err = bridge.Connect(cfg.NATSURL, cfg.NATSSubject, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("nats connection failed")
		}
		defer natsClient.Close()
		if _, err := natsClient.Forward(realtime); err != nil {
			logger.Fatal().Err(err).Msg("nats subscribe failed")
		}
		publisher = natsClient
		logger.Info().Str("subject", cfg.NATSSubject).Msg("connected to NATS")
	}

	dispatcher := fanout.NewDispatcher(dataStore, publisher, queue, fanout.Options{
		Online: onlineChecker,
		Logger: logger,
	})

	workerCtx, stopWorkers := context.WithCancel(ctx)
	workersDone := make(chan struct{})
	if cfg.FanoutWorkers > 0 {
		dispatcher.Start(workerCtx, cfg.FanoutWorkers, func(error) { close(workersDone) })
		logger.Info().Int("workers", cfg.FanoutWorkers).Msg("fan-out workers started")
	} else {
		close(workersDone)
	}

	signer, err := crypto.NewChannelSigner(cfg.AppKey, cfg.AppSecret)
	if err != nil {
		logger.Fatal().Err(err).Msg("channel signer init failed")
	}

	deps := handlers.Deps{
		Store:       dataStore,
		Redis:       redisStore,
		Queue:       cfg.FanoutQueue,
		Broadcaster: dispatcher,
		Gate:        gate,
		Signer:      signer,
		Hub:         realtime,
		Logger:      logger,
	}
	if natsClient != nil {
		deps.NATS = natsClient
	}

	router := api.NewRouter(logger, api.RouterConfig{
		AllowedOrigins:     cfg.AllowedOrigins,
		RateLimitWhitelist: cfg.RateLimitWhitelist,
		AutoBlock:          cfg.AutoBlockEnabled,
	}, handlers.NewHandler(deps), auth, realtime, redisStore)

	// Create server. No write timeout: WebSocket connections are long lived
	// and the hub sets its own write deadlines.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	sigCtx, stopSignals := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("port", cfg.Port).Str("env", cfg.Env).Msg("chat server listening")
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server failed")
		}
	case <-sigCtx.Done():
		logger.Info().Msg("shutdown requested")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	realtime.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}

	stopWorkers()
	select {
	case <-workersDone:
	case <-shutdownCtx.Done():
		logger.Warn().Msg("fan-out workers did not stop in time")
	}

	logger.Info().Msg("server stopped")
}
