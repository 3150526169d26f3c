// Package consumer turns external stream messages back into recalculations.
//
// Each worker is bound to one topic stream and runs a read/process/ack loop
// against its consumer group. Messages carry only an aggregate root and a
// business date, and recalculation recomputes derived state from scratch, so
// redelivery under at-least-once semantics is harmless.
package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"crewledger.app/core/common/logger"
	"crewledger.app/core/internal/bridge"
	"crewledger.app/core/internal/domain"
	"crewledger.app/core/internal/queue"
	"crewledger.app/core/internal/recalc"
)

// triggerByTopic maps each external topic onto the recalculation trigger its
// messages raise. Salary updates reuse the status-change trigger because both
// touch the full pipeline; budget updates reuse the contract trigger because
// both only invalidate budget.
var triggerByTopic = map[bridge.Topic]domain.Trigger{
	bridge.TopicUserStatusUpdates:         domain.TriggerStatusChange,
	bridge.TopicUserSalaryUpdates:         domain.TriggerStatusChange,
	bridge.TopicWorkUpdates:               domain.TriggerWorkEntryChange,
	bridge.TopicContractConsultantUpdates: domain.TriggerContractConsultantChange,
	bridge.TopicBudgetUpdates:             domain.TriggerContractConsultantChange,
}

// TriggerForTopic resolves the trigger a topic's messages raise.
func TriggerForTopic(topic bridge.Topic) (domain.Trigger, bool) {
	t, ok := triggerByTopic[topic]
	return t, ok
}

// TopicConsumer is the slice of queue.RedisConsumer the worker needs.
type TopicConsumer interface {
	Read(ctx context.Context) ([]queue.Message, error)
	Ack(ctx context.Context, msg queue.Message) error
	Requeue(ctx context.Context, msg queue.Message, errMsg string) error
	SendDLQ(ctx context.Context, msg queue.Message, errMsg string) error
}

// Recalculator is the slice of recalc.Orchestrator the worker needs.
type Recalculator interface {
	Recalculate(ctx context.Context, consultantID string, day time.Time, trigger domain.Trigger) recalc.RunResult
}

type Config struct {
	MaxAttempts int

	// ShadowMode logs and acks every message without recalculating. Used to
	// watch a new topic's traffic before letting it mutate anything.
	ShadowMode bool
}

type Worker struct {
	topic    bridge.Topic
	trigger  domain.Trigger
	consumer TopicConsumer
	recalc   Recalculator
	cfg      Config

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func New(topic bridge.Topic, consumer TopicConsumer, recalculator Recalculator, cfg Config) (*Worker, error) {
	trigger, ok := TriggerForTopic(topic)
	if !ok {
		return nil, fmt.Errorf("no trigger mapped for topic %q", topic)
	}

	return &Worker{
		topic:     topic,
		trigger:   trigger,
		consumer:  consumer,
		recalc:    recalculator,
		cfg:       cfg,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}, nil
}

func (w *Worker) Run(ctx context.Context) error {
	defer close(w.stoppedCh)

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "core.consumer.worker",
		Topic:     logger.Ptr(string(w.topic)),
	})

	slog.InfoContext(ctx, "consumer worker started",
		"trigger", string(w.trigger),
		"shadow_mode", w.cfg.ShadowMode)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			slog.InfoContext(ctx, "consumer worker stopping")
			return nil
		default:
			if err := w.processOneBatch(ctx); err != nil {
				slog.ErrorContext(ctx, "batch processing error", "error", err)
				// Brief backoff on error
				time.Sleep(time.Second)
			}
		}
	}
}

func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.stoppedCh
}

func (w *Worker) processOneBatch(ctx context.Context) error {
	messages, err := w.consumer.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading from stream: %w", err)
	}

	for _, msg := range messages {
		if err := w.processMessageSafe(ctx, msg); err != nil {
			slog.ErrorContext(ctx, "message processing failed",
				"error", err,
				"message_id", msg.ID,
				"consultant_id", msg.AggregateRootID)
			w.handleFailedMessage(ctx, msg, err)
		}
	}

	return nil
}

func (w *Worker) processMessageSafe(ctx context.Context, msg queue.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "panic recovered in message processing",
				"panic", r,
				"message_id", msg.ID,
				"consultant_id", msg.AggregateRootID)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return w.ProcessMessage(ctx, msg)
}

// ProcessMessage handles one wire event end to end. Exported so stuck-message
// reclaim tooling can reuse it.
func (w *Worker) ProcessMessage(ctx context.Context, msg queue.Message) error {
	sc := logger.StartSpanFromTraceID(ctx, msg.TraceID, "consumer.process_message",
		trace.WithSpanKind(trace.SpanKindConsumer))
	defer sc.End()
	ctx = logger.WithLogFields(sc.Context(), logger.LogFields{
		ConsultantID: logger.Ptr(msg.AggregateRootID),
		MessageID:    logger.Ptr(msg.ID),
		Day:          logger.Ptr(msg.BusinessDate),
	})

	day, err := time.ParseInLocation(domain.DateLayout, msg.BusinessDate, time.UTC)
	if err != nil {
		return fmt.Errorf("invalid business_date %q: %w", msg.BusinessDate, err)
	}

	if w.cfg.ShadowMode {
		slog.InfoContext(ctx, "shadow mode, skipping recalculation",
			"trigger", string(w.trigger),
			"attempt", msg.Attempt)
		return w.ackProcessed(ctx, msg)
	}

	result := w.recalc.Recalculate(ctx, msg.AggregateRootID, day, w.trigger)
	if result.Failed {
		sc.RecordError(fmt.Errorf("recalculation failed"))
		return fmt.Errorf("recalculation failed: %s", result.Summary())
	}

	slog.InfoContext(ctx, "recalculation completed",
		"trigger", string(w.trigger),
		"summary", result.Summary())

	return w.ackProcessed(ctx, msg)
}

func (w *Worker) ackProcessed(ctx context.Context, msg queue.Message) error {
	if err := w.consumer.Ack(ctx, msg); err != nil {
		// The message will be redelivered, which is safe to reprocess.
		slog.WarnContext(ctx, "failed to ACK message",
			"error", err,
			"message_id", msg.ID)
	}
	return nil
}

func (w *Worker) handleFailedMessage(ctx context.Context, msg queue.Message, err error) {
	if msg.Attempt >= w.cfg.MaxAttempts {
		slog.ErrorContext(ctx, "max attempts reached, sending to DLQ",
			"message_id", msg.ID,
			"consultant_id", msg.AggregateRootID,
			"attempts", msg.Attempt)
		if dlqErr := w.consumer.SendDLQ(ctx, msg, err.Error()); dlqErr != nil {
			slog.ErrorContext(ctx, "failed to send to DLQ", "error", dlqErr)
		}
		return
	}

	slog.WarnContext(ctx, "requeuing failed message",
		"message_id", msg.ID,
		"consultant_id", msg.AggregateRootID,
		"attempt", msg.Attempt)
	if requeueErr := w.consumer.Requeue(ctx, msg, err.Error()); requeueErr != nil {
		slog.ErrorContext(ctx, "failed to requeue message", "error", requeueErr)
	}
}
