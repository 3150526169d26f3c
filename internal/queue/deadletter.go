package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"crewledger.app/core/internal/domain"
	"crewledger.app/core/internal/stream"
)

// RedisDeadLetter parks exhausted stream-processor items on the dead letter
// stream so an operator can replay the failed keys.
type RedisDeadLetter struct {
	client *redis.Client
	stream string
}

func NewRedisDeadLetter(client *redis.Client, dlqStream string) *RedisDeadLetter {
	return &RedisDeadLetter{
		client: client,
		stream: dlqStream,
	}
}

func (d *RedisDeadLetter) Send(ctx context.Context, item stream.Item, reason string) error {
	values := map[string]any{
		"aggregate_root_id": item.ConsultantID,
		"business_date":     item.Day.Format(domain.DateLayout),
		"trigger":           string(item.Trigger),
		"attempt":           item.Attempt,
		"error":             reason,
		"source":            "stream_processor",
	}

	if err := d.client.XAdd(ctx, &redis.XAddArgs{
		Stream: d.stream,
		Values: values,
	}).Err(); err != nil {
		return fmt.Errorf("xadd dead letter (stream=%s): %w", d.stream, err)
	}

	slog.ErrorContext(ctx, "recalculation item dead-lettered",
		"key", item.Key(),
		"trigger", item.Trigger,
		"dlq_stream", d.stream)
	return nil
}
