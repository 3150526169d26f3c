package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"crewledger.app/core/common/logger"
	"crewledger.app/core/core/config"
	"crewledger.app/core/internal/domain"
	"crewledger.app/core/internal/queue"
)

// Bridge republishes dispatched domain events to external topics. It is
// registered as an outbox handler for every mapped type.
//
// Publication ownership is feature-flagged: when the poll-based outbox
// dispatcher is enabled it drains the same event store, and the bridge must
// stay quiet or consumers see every event twice.
type Bridge struct {
	pub      queue.Publisher
	features config.Features
}

func New(pub queue.Publisher, features config.Features) *Bridge {
	return &Bridge{
		pub:      pub,
		features: features,
	}
}

// Handle maps the event to its topic and publishes one wire event per
// fan-out date. Unmapped types and disabled flags are silent no-ops.
func (b *Bridge) Handle(ctx context.Context, ev domain.Event) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		EventID:   logger.Ptr(ev.ID),
		EventType: logger.Ptr(string(ev.Type)),
		Component: "core.bridge",
	})

	if !b.features.LiveProducerEnabled {
		slog.DebugContext(ctx, "live producer disabled, skipping publication")
		return nil
	}
	if b.features.OutboxDispatcherEnabled {
		slog.DebugContext(ctx, "outbox dispatcher owns publication, skipping")
		return nil
	}

	topic, ok := TopicFor(ev.Type)
	if !ok {
		// Internal-only event type.
		return nil
	}

	env := domain.NewEnvelope(ev)

	var errs []error
	published := 0
	for _, date := range FanOutDates(ev) {
		wire := domain.NewWireEvent(ev.AggregateRootID, date)
		if err := b.pub.Publish(ctx, string(topic), env, wire); err != nil {
			errs = append(errs, fmt.Errorf("publishing %s for %s: %w", topic, wire.BusinessDate, err))
			continue
		}
		published++
	}

	if len(errs) > 0 {
		slog.ErrorContext(ctx, "bridge publication incomplete",
			"topic", topic,
			"published", published,
			"failed", len(errs))
		return errors.Join(errs...)
	}

	return nil
}
