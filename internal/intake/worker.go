// Package intake drives the in-process pipeline. The upstream backend pushes
// change notifications onto an internal Redis stream; the intake worker reads
// them, records the durable domain event, and fans the change out into the
// recalculation processor.
package intake

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"crewledger.app/core/common/logger"
	"crewledger.app/core/internal/domain"
	"crewledger.app/core/internal/queue"
	"crewledger.app/core/internal/stream"
)

// StatusProducer and WorkProducer are the fan-out expanders, narrowed for
// testability.
type StatusProducer interface {
	Produce(ctx context.Context, consultantID string, effective time.Time) (int, error)
}

type WorkProducer interface {
	Produce(ctx context.Context, consultantID string, start, end time.Time) (int, error)
}

// EventRecorder persists the domain event and dispatches registered handlers.
type EventRecorder interface {
	Record(ctx context.Context, actor string, t domain.EventType, aggregateRootID string, content any) (domain.Event, error)
}

// Submitter accepts single recalculation items, for changes that need no
// per-day expansion.
type Submitter interface {
	Emit(item stream.Item) error
}

// ChangeConsumer is the slice of queue.RedisConsumer the worker needs.
type ChangeConsumer interface {
	Read(ctx context.Context) ([]queue.Message, error)
	Ack(ctx context.Context, msg queue.Message) error
	Requeue(ctx context.Context, msg queue.Message, errMsg string) error
	SendDLQ(ctx context.Context, msg queue.Message, errMsg string) error
}

type Config struct {
	MaxAttempts int
}

type Worker struct {
	consumer  ChangeConsumer
	recorder  EventRecorder
	status    StatusProducer
	work      WorkProducer
	submitter Submitter
	cfg       Config

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func New(consumer ChangeConsumer, recorder EventRecorder, status StatusProducer, work WorkProducer, submitter Submitter, cfg Config) *Worker {
	return &Worker{
		consumer:  consumer,
		recorder:  recorder,
		status:    status,
		work:      work,
		submitter: submitter,
		cfg:       cfg,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

func (w *Worker) Run(ctx context.Context) error {
	defer close(w.stoppedCh)

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "core.intake.worker",
	})

	slog.InfoContext(ctx, "intake worker started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			slog.InfoContext(ctx, "intake worker stopping")
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
			slog.ErrorContext(ctx, "change processing failed",
				"error", err,
				"message_id", msg.ID,
				"consultant_id", msg.AggregateRootID)
			w.handleFailedMessage(ctx, msg, err)
			continue
		}
		if err := w.consumer.Ack(ctx, msg); err != nil {
			slog.WarnContext(ctx, "failed to ACK message",
				"error", err,
				"message_id", msg.ID)
		}
	}

	return nil
}

func (w *Worker) processMessageSafe(ctx context.Context, msg queue.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "panic recovered in change processing",
				"panic", r,
				"message_id", msg.ID,
				"consultant_id", msg.AggregateRootID)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return w.processMessage(ctx, msg)
}

func (w *Worker) processMessage(ctx context.Context, msg queue.Message) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		ConsultantID: logger.Ptr(msg.AggregateRootID),
		MessageID:    logger.Ptr(msg.ID),
		EventType:    logger.Ptr(msg.EventType),
		Day:          logger.Ptr(msg.BusinessDate),
	})

	day, err := time.ParseInLocation(domain.DateLayout, msg.BusinessDate, time.UTC)
	if err != nil {
		return fmt.Errorf("invalid business_date %q: %w", msg.BusinessDate, err)
	}

	evType := domain.EventType(msg.EventType)
	content := map[string]string{"businessDate": msg.BusinessDate}

	// The event row is durable once Record returns; a crash after this point
	// redelivers the message and appends a second row, which replays and
	// recalculations absorb.
	if _, err := w.recorder.Record(ctx, "system", evType, msg.AggregateRootID, content); err != nil {
		return fmt.Errorf("recording domain event: %w", err)
	}

	count, err := w.fanOut(ctx, evType, msg.AggregateRootID, day)
	if err != nil {
		return fmt.Errorf("fanning out change: %w", err)
	}

	slog.InfoContext(ctx, "change processed", "items", count)
	return nil
}

func (w *Worker) fanOut(ctx context.Context, evType domain.EventType, consultantID string, day time.Time) (int, error) {
	switch evType {
	case domain.EventStatusCreated, domain.EventStatusUpdated, domain.EventStatusDeleted, domain.EventSalaryUpdated:
		return w.status.Produce(ctx, consultantID, day)

	case domain.EventWorkEntryCreated, domain.EventWorkEntryUpdated, domain.EventWorkEntryDeleted:
		return w.work.Produce(ctx, consultantID, day, day)

	case domain.EventContractConsultantUpdated, domain.EventBudgetChanged:
		// Contract and budget edits only invalidate budget, no per-day
		// expansion needed.
		item := stream.Item{
			ConsultantID: consultantID,
			Day:          day,
			Trigger:      domain.TriggerContractConsultantChange,
		}
		if err := w.submitter.Emit(item); err != nil {
			return 0, err
		}
		return 1, nil

	default:
		return 0, fmt.Errorf("unknown change type %q", evType)
	}
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

	slog.WarnContext(ctx, "requeuing failed change",
		"message_id", msg.ID,
		"consultant_id", msg.AggregateRootID,
		"attempt", msg.Attempt)
	if requeueErr := w.consumer.Requeue(ctx, msg, err.Error()); requeueErr != nil {
		slog.ErrorContext(ctx, "failed to requeue message", "error", requeueErr)
	}
}
