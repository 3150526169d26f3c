package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"crewledger.app/core/common/id"
	"crewledger.app/core/common/logger"
	"crewledger.app/core/common/otel"
	"crewledger.app/core/core/config"
	"crewledger.app/core/internal/bridge"
	"crewledger.app/core/internal/consumer"
	"crewledger.app/core/internal/queue"
	"crewledger.app/core/internal/recalc"
)

// topics this process subscribes to, one consumer-group worker each.
var topics = []bridge.Topic{
	bridge.TopicUserStatusUpdates,
	bridge.TopicUserSalaryUpdates,
	bridge.TopicWorkUpdates,
	bridge.TopicContractConsultantUpdates,
	bridge.TopicBudgetUpdates,
}

func main() {
	ctx := context.Background()

	cfg, err := config.Load(config.ServiceTypeConsumer)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Setup(cfg)

	slog.InfoContext(ctx, "external consumers starting",
		"env", cfg.Env,
		"topics", len(topics),
		"shadow_mode", cfg.Features.ConsumersShadowMode)

	telemetry, err := otel.Setup(ctx, cfg.OTel)
	if err != nil {
		slog.ErrorContext(ctx, "failed to set up telemetry", "error", err)
		os.Exit(1)
	}
	if telemetry != nil {
		defer telemetry.Shutdown(ctx) //nolint:errcheck
	}

	if err := id.Init(2); err != nil {
		slog.ErrorContext(ctx, "failed to initialize id generator", "error", err)
		os.Exit(1)
	}

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		slog.ErrorContext(ctx, "failed to parse redis url", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(redisOpts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		slog.ErrorContext(ctx, "failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()
	slog.InfoContext(ctx, "redis connected")

	// Recalculation from external messages recomputes derived state, so
	// redelivered messages are harmless. Stage services are stubs until the
	// aggregate formulas move over from the legacy backend.
	orchestrator := recalc.NewOrchestrator(recalc.StubServices())

	workers := make([]*consumer.Worker, 0, len(topics))
	errCh := make(chan error, len(topics))

	for _, topic := range topics {
		topicConsumer, err := queue.NewRedisConsumer(redisClient, queue.ConsumerConfig{
			Stream:      string(topic),
			Group:       cfg.Redis.ConsumerGroup,
			Consumer:    fmt.Sprintf("%s-%s", cfg.Redis.ConsumerName, topic),
			DLQStream:   cfg.Redis.DLQStream,
			BatchSize:   10,
			Block:       cfg.Redis.Block,
			MaxAttempts: cfg.Redis.MaxAttempts,
		})
		if err != nil {
			slog.ErrorContext(ctx, "failed to create consumer", "topic", string(topic), "error", err)
			os.Exit(1)
		}

		w, err := consumer.New(topic, topicConsumer, orchestrator, consumer.Config{
			MaxAttempts: cfg.Redis.MaxAttempts,
			ShadowMode:  cfg.Features.ConsumersShadowMode,
		})
		if err != nil {
			slog.ErrorContext(ctx, "failed to create worker", "topic", string(topic), "error", err)
			os.Exit(1)
		}

		workers = append(workers, w)
		go func(w *consumer.Worker) {
			errCh <- w.Run(ctx)
		}(w)
	}

	slog.InfoContext(ctx, "consumers initialized and running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.InfoContext(ctx, "shutting down consumers...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	for _, w := range workers {
		w.Stop()
	}

	for range workers {
		select {
		case <-shutdownCtx.Done():
			slog.WarnContext(ctx, "shutdown timeout exceeded")
			return
		case err := <-errCh:
			if err != nil {
				slog.ErrorContext(ctx, "worker error during shutdown", "error", err)
			}
		}
	}

	slog.InfoContext(ctx, "consumer shutdown complete")
}
