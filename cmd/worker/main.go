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
	"crewledger.app/core/core/db"
	"crewledger.app/core/internal/bridge"
	"crewledger.app/core/internal/intake"
	"crewledger.app/core/internal/outbox"
	"crewledger.app/core/internal/producer"
	"crewledger.app/core/internal/queue"
	"crewledger.app/core/internal/recalc"
	"crewledger.app/core/internal/stream"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load(config.ServiceTypeWorker)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	fmt.Printf("%s\n", banner)
	logger.Setup(cfg)

	slog.InfoContext(ctx, "recalculation worker starting",
		"env", cfg.Env,
		"changes_stream", cfg.Redis.ChangesStream,
		"consumer_group", cfg.Redis.ConsumerGroup)

	telemetry, err := otel.Setup(ctx, cfg.OTel)
	if err != nil {
		slog.ErrorContext(ctx, "failed to set up telemetry", "error", err)
		os.Exit(1)
	}
	if telemetry != nil {
		defer telemetry.Shutdown(ctx) //nolint:errcheck
	}

	// Initialize snowflake ID generator (use different node ID than consumer)
	if err := id.Init(1); err != nil {
		slog.ErrorContext(ctx, "failed to initialize id generator", "error", err)
		os.Exit(1)
	}

	// Initialize database
	database, err := db.New(ctx, cfg.DB)
	if err != nil {
		slog.ErrorContext(ctx, "failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer database.Close()
	slog.InfoContext(ctx, "database connected")

	// Initialize Redis
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

	// Outbox: durable event rows plus in-process dispatch to the bridge.
	publisher := queue.NewRedisPublisher(redisClient, slog.Default())
	defer publisher.Close() //nolint:errcheck

	registry := outbox.NewRegistry()
	registry.RegisterAll(bridge.MappedTypes(), bridge.New(publisher, cfg.Features))

	recorder := outbox.NewRecorder(outbox.NewTxAppender(database), registry)

	// Recalculation pipeline. Stage services are stubs until the aggregate
	// formulas move over from the legacy backend.
	orchestrator := recalc.NewOrchestrator(recalc.StubServices())

	deadLetter := queue.NewRedisDeadLetter(redisClient, cfg.Redis.DLQStream)
	processor := stream.New(orchestrator, deadLetter, stream.Config{
		BufferCapacity: cfg.Stream.BufferCapacity,
		BatchSize:      cfg.Stream.BatchSize,
		PoolSize:       cfg.Stream.PoolSize,
		MaxAttempts:    cfg.Stream.MaxAttempts,
		ItemTimeout:    cfg.Stream.ItemTimeout,
	})

	snapshots := producer.NewSnapshotStore(database.Pool())
	statusProducer := producer.NewStatusChangeProducer(processor, snapshots)
	workProducer := producer.NewWorkEntryProducer(processor, snapshots)

	changeConsumer, err := queue.NewRedisConsumer(redisClient, queue.ConsumerConfig{
		Stream:      cfg.Redis.ChangesStream,
		Group:       cfg.Redis.ConsumerGroup,
		Consumer:    cfg.Redis.ConsumerName,
		DLQStream:   cfg.Redis.DLQStream,
		BatchSize:   10,
		Block:       cfg.Redis.Block,
		MaxAttempts: cfg.Redis.MaxAttempts,
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to create change consumer", "error", err)
		os.Exit(1)
	}

	intakeWorker := intake.New(changeConsumer, recorder, statusProducer, workProducer, processor, intake.Config{
		MaxAttempts: cfg.Redis.MaxAttempts,
	})

	errCh := make(chan error, 2)
	go func() {
		errCh <- processor.Run(ctx)
	}()
	go func() {
		errCh <- intakeWorker.Run(ctx)
	}()

	slog.InfoContext(ctx, "worker initialized and running")

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.InfoContext(ctx, "shutting down worker...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop intake first so nothing new enters the buffer, then drain the
	// processor.
	intakeWorker.Stop()
	processor.Close()

	select {
	case <-shutdownCtx.Done():
		slog.WarnContext(ctx, "shutdown timeout exceeded")
	case err := <-errCh:
		if err != nil {
			slog.ErrorContext(ctx, "worker error during shutdown", "error", err)
		}
	}

	stats := processor.Stats()
	slog.InfoContext(ctx, "worker shutdown complete",
		"processed", stats.Processed,
		"failed", stats.Failed,
		"dropped", stats.Dropped)
}

const banner = `
 ██████╗██████╗ ███████╗██╗    ██╗██╗     ███████╗██████╗  ██████╗ ███████╗██████╗
██╔════╝██╔══██╗██╔════╝██║    ██║██║     ██╔════╝██╔══██╗██╔════╝ ██╔════╝██╔══██╗
██║     ██████╔╝█████╗  ██║ █╗ ██║██║     █████╗  ██║  ██║██║  ███╗█████╗  ██████╔╝
██║     ██╔══██╗██╔══╝  ██║███╗██║██║     ██╔══╝  ██║  ██║██║   ██║██╔══╝  ██╔══██╗
╚██████╗██║  ██║███████╗╚███╔███╔╝███████╗███████╗██████╔╝╚██████╔╝███████╗██║  ██║
 ╚═════╝╚═╝  ╚═╝╚══════╝ ╚══╝╚══╝ ╚══════╝╚══════╝╚═════╝  ╚═════╝ ╚══════╝╚═╝  ╚═╝
`
