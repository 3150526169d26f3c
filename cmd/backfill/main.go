package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"crewledger.app/core/common/logger"
	"crewledger.app/core/core/config"
	"crewledger.app/core/core/db"
	"crewledger.app/core/internal/backfill"
	"crewledger.app/core/internal/domain"
	"crewledger.app/core/internal/outbox"
	"crewledger.app/core/internal/queue"
)

func main() {
	var (
		startFlag  = flag.String("start", "", "window start date (YYYY-MM-DD), default one year ago")
		endFlag    = flag.String("end", "", "window end date (YYYY-MM-DD), default now")
		typesFlag  = flag.String("types", "", "comma-separated event types, default all mapped types")
		limitFlag  = flag.Int("limit", 0, "max rows to replay, 0 = unlimited")
		offsetFlag = flag.Int("offset", 0, "rows to skip, for resuming an interrupted run")
		dryRunFlag = flag.Bool("dry-run", true, "count what would be published without sending")
	)
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(config.ServiceTypeBackfill)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Setup(cfg)

	params, err := parseParams(*startFlag, *endFlag, *typesFlag, *limitFlag, *offsetFlag, *dryRunFlag)
	if err != nil {
		slog.ErrorContext(ctx, "invalid flags", "error", err)
		os.Exit(1)
	}

	slog.InfoContext(ctx, "backfill starting",
		"env", cfg.Env,
		"start", params.Start.Format(domain.DateLayout),
		"end", params.End.Format(domain.DateLayout),
		"dry_run", params.DryRun)

	database, err := db.New(ctx, cfg.DB)
	if err != nil {
		slog.ErrorContext(ctx, "failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer database.Close()

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

	publisher := queue.NewRedisPublisher(redisClient, slog.Default())
	defer publisher.Close() //nolint:errcheck

	replayer := backfill.New(outbox.NewStore(database.Pool()), publisher)

	summary, err := replayer.Run(ctx, params)
	if err != nil {
		slog.ErrorContext(ctx, "backfill failed", "error", err)
		os.Exit(1)
	}

	fmt.Printf("selected: %d\nproduced: %d\nskipped:  %d\nerrors:   %d\n",
		summary.Selected, summary.Produced, summary.Skipped, summary.Errors)
	for topic, count := range summary.PerTopic {
		fmt.Printf("  %s: %d\n", topic, count)
	}

	if summary.Errors > 0 {
		os.Exit(1)
	}
}

func parseParams(start, end, types string, limit, offset int, dryRun bool) (backfill.Params, error) {
	params := backfill.DefaultParams()
	params.Limit = limit
	params.Offset = offset
	params.DryRun = dryRun

	if start != "" {
		t, err := time.ParseInLocation(domain.DateLayout, start, time.UTC)
		if err != nil {
			return backfill.Params{}, fmt.Errorf("parsing -start: %w", err)
		}
		params.Start = t
	}
	if end != "" {
		t, err := time.ParseInLocation(domain.DateLayout, end, time.UTC)
		if err != nil {
			return backfill.Params{}, fmt.Errorf("parsing -end: %w", err)
		}
		params.End = t
	}
	if !params.End.After(params.Start) {
		return backfill.Params{}, fmt.Errorf("window is empty: %s to %s", params.Start, params.End)
	}

	if types != "" {
		for _, raw := range strings.Split(types, ",") {
			t := domain.EventType(strings.TrimSpace(raw))
			if !validType(t) {
				return backfill.Params{}, fmt.Errorf("unknown event type %q", t)
			}
			params.Types = append(params.Types, t)
		}
	}

	return params, nil
}

func validType(t domain.EventType) bool {
	for _, known := range domain.AllEventTypes {
		if known == t {
			return true
		}
	}
	return false
}
