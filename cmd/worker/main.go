package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"classattend/internal/attendance"
	"classattend/internal/config"
	"classattend/internal/logger"
	"classattend/internal/queue"
	"classattend/internal/store"
)

// Worker drains the Redis audit queue into the audit_events table.
func main() {
	cfg := config.Load()
	log := logger.Setup(cfg.Dev(), cfg.LogLevel).With().Str("component", "audit-worker").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.QueueBackend != "redis" {
		log.Fatal().Str("queue_backend", cfg.QueueBackend).Msg("worker needs QUEUE_BACKEND=redis")
	}

	db, err := store.NewDB(ctx, cfg.DatabaseURL, cfg.StoreTimeout)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect failed")
	}
	defer db.Close()
	if cfg.AutoMigrate {
		if err := store.Migrate(db.Client); err != nil {
			log.Fatal().Err(err).Msg("migrate failed")
		}
	}

	redisClient, err := store.NewRedis(cfg.RedisAddr)
	if err != nil {
		log.Fatal().Err(err).Msg("redis config invalid")
	}
	defer redisClient.Close()
	if !redisClient.Healthy(ctx) {
		log.Warn().Str("addr", cfg.RedisAddr).Msg("redis not reachable yet; consumer will keep retrying")
	}

	q := queue.NewRedisQueue(redisClient.Client, cfg.QueueKey)
	worker := queue.NewAuditWorker(q, attendance.NewRepository(db.Client), log)

	log.Info().Str("queue", cfg.QueueKey).Msg("worker started, waiting for audit events")
	stored, err := worker.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("worker stopped with error")
	}
	log.Info().Int("stored", stored).Msg("worker stopped")
}
