package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"

	"crewledger.app/core/internal/domain"
)

// Publisher appends wire events to external topic streams.
type Publisher interface {
	Publish(ctx context.Context, topic string, env domain.Envelope, wire domain.WireEvent) error
	Close() error
}

type redisPublisher struct {
	client *redis.Client
	logger *slog.Logger
}

func NewRedisPublisher(client *redis.Client, logger *slog.Logger) Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &redisPublisher{
		client: client,
		logger: logger,
	}
}

func (p *redisPublisher) Publish(ctx context.Context, topic string, env domain.Envelope, wire domain.WireEvent) error {
	fields := publishFields(ctx, env, wire)

	if err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		Values: fields,
	}).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}

	p.logger.InfoContext(ctx, "published wire event",
		"topic", topic,
		"event_id", env.EventID,
		"event_type", env.Type,
		"aggregate_root_id", wire.AggregateRootID,
		"business_date", wire.BusinessDate)
	return nil
}

func (p *redisPublisher) Close() error {
	return p.client.Close()
}

// publishFields builds the stream entry. The trace id rides along so the
// consumer's span links back to the publishing trace on first delivery, not
// just after a requeue.
func publishFields(ctx context.Context, env domain.Envelope, wire domain.WireEvent) map[string]any {
	fields := map[string]any{
		"aggregate_root_id": wire.AggregateRootID,
		"business_date":     wire.BusinessDate,
		"event_id":          env.EventID,
		"event_type":        string(env.Type),
		"schema_version":    env.SchemaVersion,
		"correlation_id":    env.CorrelationID,
		"occurred_at":       env.OccurredAt.UTC().Format(time.RFC3339),
	}

	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		fields["trace_id"] = sc.TraceID().String()
	}

	return fields
}
