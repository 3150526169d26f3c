package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"crewledger.app/core/common/logger"
)

type ConsumerConfig struct {
	Stream      string        // topic stream to read
	Group       string        // Redis consumer group name
	Consumer    string        // Redis consumer name
	DLQStream   string        // dead letter stream for exhausted messages
	BatchSize   int64         // messages to read per batch
	Block       time.Duration // how long to block waiting for new messages
	MaxAttempts int           // retry attempts before the DLQ
}

// Message is one wire event read from a topic stream. AggregateRootID and
// BusinessDate are the public contract; the rest is transport metadata.
type Message struct {
	ID              string
	AggregateRootID string
	BusinessDate    string
	EventType       string
	EventID         int64
	CorrelationID   string
	TraceID         string
	Attempt         int
	Raw             redis.XMessage
}

type RedisConsumer struct {
	client *redis.Client
	cfg    ConsumerConfig
}

func NewRedisConsumer(client *redis.Client, cfg ConsumerConfig) (*RedisConsumer, error) {
	consumer := &RedisConsumer{
		client: client,
		cfg:    cfg,
	}

	if err := consumer.ensureGroup(context.Background()); err != nil { //nolint:contextcheck
		return nil, err
	}

	return consumer, nil
}

func (c *RedisConsumer) ensureGroup(ctx context.Context) error {
	// Consumer groups are just readers, messages live in the stream itself.
	// Starting from "0" instead of "$" means a recreated group still sees
	// everything already in the stream, so restarts don't lose messages.
	if err := c.client.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err(); err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return fmt.Errorf("creating consumer group: %w", err)
	}
	return nil
}

func (c *RedisConsumer) Read(ctx context.Context) ([]Message, error) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "core.queue.consumer",
		Topic:     logger.Ptr(c.cfg.Stream),
	})

	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		// > = new messages not yet delivered to anyone.
		Streams: []string{c.cfg.Stream, ">"},
		Count:   c.cfg.BatchSize,
		Block:   c.cfg.Block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []Message{}, nil
		}
		return nil, fmt.Errorf("reading from stream: %w", err)
	}

	var messages []Message
	// XReadGroup supports multiple streams, but we only read one so this
	// outer loop only runs once.
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			parsed, parseErr := ParseMessage(msg)
			if parseErr != nil {
				slog.ErrorContext(ctx, "failed to parse message",
					"error", parseErr,
					"raw_message_id", msg.ID)
				_ = c.Ack(ctx, Message{ID: msg.ID, Raw: msg})
				continue
			}
			messages = append(messages, parsed)
		}
	}

	if len(messages) > 0 {
		slog.DebugContext(ctx, "read messages from stream",
			"count", len(messages),
			"consumer", c.cfg.Consumer)
	}

	return messages, nil
}

func (c *RedisConsumer) Ack(ctx context.Context, msg Message) error {
	if err := c.client.XAck(ctx, c.cfg.Stream, c.cfg.Group, msg.ID).Err(); err != nil {
		return fmt.Errorf("xack (stream=%s): %w", c.cfg.Stream, err)
	}
	return nil
}

func (c *RedisConsumer) Requeue(ctx context.Context, msg Message, errMsg string) error {
	if err := c.Ack(ctx, msg); err != nil {
		return fmt.Errorf("acking failed message for requeue: %w", err)
	}

	values := messageValues(msg, msg.Attempt+1)
	if errMsg != "" {
		values["last_error"] = errMsg
	}

	if err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: c.cfg.Stream,
		Values: values,
	}).Err(); err != nil {
		return fmt.Errorf("xadd requeue: %w", err)
	}

	slog.InfoContext(ctx, "message requeued for retry",
		"next_attempt", msg.Attempt+1,
		"reason", errMsg)
	return nil
}

func (c *RedisConsumer) SendDLQ(ctx context.Context, msg Message, errMsg string) error {
	if err := c.Ack(ctx, msg); err != nil {
		return fmt.Errorf("acking failed message for dlq: %w", err)
	}

	values := messageValues(msg, msg.Attempt)
	values["error"] = errMsg
	values["source_stream"] = c.cfg.Stream

	if err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: c.cfg.DLQStream,
		Values: values,
	}).Err(); err != nil {
		return fmt.Errorf("xadd dlq (stream=%s): %w", c.cfg.DLQStream, err)
	}

	slog.ErrorContext(ctx, "message sent to DLQ",
		"final_error", errMsg,
		"dlq_stream", c.cfg.DLQStream)
	return nil
}

// ParseMessage extracts a wire event from a raw stream entry. Only the
// aggregate root and business date are required; unknown fields are ignored
// so the schema can grow.
func ParseMessage(msg redis.XMessage) (Message, error) {
	rootID := stringValue(msg.Values, "aggregate_root_id")
	if rootID == "" {
		return Message{}, fmt.Errorf("missing aggregate_root_id")
	}

	businessDate := stringValue(msg.Values, "business_date")
	if businessDate == "" {
		return Message{}, fmt.Errorf("missing business_date")
	}

	attempt := intValue(msg.Values, "attempt")
	if attempt == 0 {
		attempt = 1
	}

	return Message{
		ID:              msg.ID,
		AggregateRootID: rootID,
		BusinessDate:    businessDate,
		EventType:       stringValue(msg.Values, "event_type"),
		EventID:         int64Value(msg.Values, "event_id"),
		CorrelationID:   stringValue(msg.Values, "correlation_id"),
		TraceID:         stringValue(msg.Values, "trace_id"),
		Attempt:         attempt,
		Raw:             msg,
	}, nil
}

func messageValues(msg Message, attempt int) map[string]any {
	values := map[string]any{
		"aggregate_root_id": msg.AggregateRootID,
		"business_date":     msg.BusinessDate,
		"attempt":           attempt,
	}

	if msg.EventType != "" {
		values["event_type"] = msg.EventType
	}
	if msg.EventID != 0 {
		values["event_id"] = msg.EventID
	}
	if msg.CorrelationID != "" {
		values["correlation_id"] = msg.CorrelationID
	}
	if msg.TraceID != "" {
		values["trace_id"] = msg.TraceID
	}

	return values
}

func stringValue(values map[string]any, key string) string {
	raw, ok := values[key]
	if !ok {
		return ""
	}
	return fmt.Sprint(raw)
}

func intValue(values map[string]any, key string) int {
	raw, ok := values[key]
	if !ok {
		return 0
	}
	num, err := strconv.Atoi(fmt.Sprint(raw))
	if err != nil {
		return 0
	}
	return num
}

func int64Value(values map[string]any, key string) int64 {
	raw, ok := values[key]
	if !ok {
		return 0
	}
	num, err := strconv.ParseInt(fmt.Sprint(raw), 10, 64)
	if err != nil {
		return 0
	}
	return num
}
