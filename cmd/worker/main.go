// Command worker drains the Redis fan-out queue and publishes envelopes over
// NATS to every server instance's hub.
package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/TaviloBreno/chat-laravel-angular/internal/bridge"
	"github.com/TaviloBreno/chat-laravel-angular/internal/config"
	"github.com/TaviloBreno/chat-laravel-angular/internal/fanout"
	"github.com/TaviloBreno/chat-laravel-angular/internal/store"
)

func main() {
	cfg := config.Load()

	logger := cfg.Logger()

	if cfg.RedisURL == "" || cfg.NATSURL == "" {
		logger.Fatal().Msg("worker requires REDIS_URL and NATS_URL")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dataStore, backend, err := store.Open(ctx, cfg.DatabaseURL, cfg.SQLitePath)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", backend).Msg("store connection failed")
	}
	defer dataStore.Close()

	redisStore, err := store.NewRedisStore(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connection failed")
	}
	defer redisStore.Close()

	natsClient, err := bridge.Connect(cfg.NATSURL, cfg.NATSSubject, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("nats connection failed")
	}
	defer natsClient.Close()

	workers := cfg.FanoutWorkers
	if workers <= 0 {
		workers = 1
	}

	dispatcher := fanout.NewDispatcher(dataStore, natsClient,
		fanout.NewRedisQueue(redisStore, cfg.FanoutQueue, logger),
		fanout.Options{Online: redisStore, Logger: logger})

	done := make(chan struct{})
	dispatcher.Start(ctx, workers, func(error) { close(done) })

	logger.Info().
		Str("backend", backend).
		Str("queue", cfg.FanoutQueue).
		Int("workers", workers).
		Msg("fan-out worker running")

	<-done
	logger.Info().Msg("worker stopped")
}
