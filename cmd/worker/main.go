package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"classattend/internal/audit"
	"classattend/internal/config"
	"classattend/internal/queue"
	"classattend/internal/store"
)

// Worker drains redemption audit events from Redis into Postgres.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).With().Str("service", "classattend-worker").Logger()
	if cfg.Production() {
		logger = zerolog.New(os.Stderr).With().Timestamp().Str("service", "classattend-worker").Logger()
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("worker failed")
	}
	logger.Info().Msg("worker stopped")
}

func run(ctx context.Context, cfg config.App, logger zerolog.Logger) error {
	if cfg.QueueBackend != "redis" {
		return errors.New("worker requires QUEUE_BACKEND=redis; the in-memory queue is drained by the api process")
	}
	if cfg.StoreBackend != "postgres" {
		return errors.New("worker requires STORE_BACKEND=postgres")
	}

	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()
	if !redisClient.Healthy(ctx) {
		logger.Warn().Str("addr", cfg.RedisAddr).Msg("redis not reachable yet, consumer will retry")
	}

	q := queue.NewRedisQueue(redisClient.Client, cfg.QueueKey)
	sink := audit.NewPostgresSink(db.Client, cfg.StoreTimeout)

	logger.Info().Str("queue", cfg.QueueKey).Msg("worker started, waiting for audit events")
	return audit.Consume(ctx, q, sink, logger)
}
