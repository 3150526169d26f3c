package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"crewledger.app/core/common/id"
	"crewledger.app/core/common/logger"
	"crewledger.app/core/core/db"
	"crewledger.app/core/internal/domain"
)

// EventAppender durably persists one event. The production implementation
// commits in its own transaction; tests substitute a recording fake.
type EventAppender interface {
	Append(ctx context.Context, ev *domain.Event) error
}

// txAppender commits each event in an independent transaction on the pool.
// A caller already inside its own transaction still gets a separate commit
// here, so the event survives even when the caller's broader transaction is
// still in flight or later fails for unrelated reasons.
type txAppender struct {
	db    *db.DB
	store *Store
}

func NewTxAppender(database *db.DB) EventAppender {
	return &txAppender{
		db:    database,
		store: NewStore(database.Pool()),
	}
}

func (a *txAppender) Append(ctx context.Context, ev *domain.Event) error {
	return a.db.WithTx(ctx, func(tx pgx.Tx) error {
		return a.store.WithQuerier(tx).Append(ctx, ev)
	})
}

// Recorder is the single entry point for state-changing operations that
// other subsystems must learn about: persist unconditionally, then dispatch
// best-effort. The persisted row is the source of truth; in-process
// dispatch, the bridge and backfill are all just different drains of it.
type Recorder struct {
	appender EventAppender
	registry *Registry
	now      func() time.Time
}

func NewRecorder(appender EventAppender, registry *Registry) *Recorder {
	return &Recorder{
		appender: appender,
		registry: registry,
		now:      time.Now,
	}
}

// Record persists the event and then dispatches it to registered handlers.
// Dispatch failure is logged and reflected nowhere in the return value: the
// durable row remains available for backfill-based recovery, and the
// caller's business flow must not roll back because a drain hiccuped.
func (r *Recorder) Record(ctx context.Context, actor string, t domain.EventType, aggregateRootID string, content any) (domain.Event, error) {
	payload, err := marshalContent(content)
	if err != nil {
		return domain.Event{}, fmt.Errorf("marshaling event content: %w", err)
	}

	ev := domain.Event{
		ID:              id.New(),
		Actor:           actor,
		Type:            t,
		AggregateRootID: aggregateRootID,
		Content:         payload,
		OccurredAt:      r.now().UTC(),
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		EventID:   logger.Ptr(ev.ID),
		EventType: logger.Ptr(string(t)),
		Component: "core.outbox.recorder",
	})

	if err := r.appender.Append(ctx, &ev); err != nil {
		return domain.Event{}, fmt.Errorf("persisting domain event: %w", err)
	}

	result := r.registry.Dispatch(ctx, ev)
	if result.Failed() {
		for _, dispatchErr := range result.Errors {
			slog.ErrorContext(ctx, "event dispatch failed, row remains for backfill",
				"error", dispatchErr,
				"aggregate_root_id", ev.AggregateRootID)
		}
	} else if result.Handled > 0 {
		slog.DebugContext(ctx, "event dispatched", "handlers", result.Handled)
	}

	return ev, nil
}

func marshalContent(content any) (json.RawMessage, error) {
	switch c := content.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		return c, nil
	case []byte:
		return json.RawMessage(c), nil
	default:
		return json.Marshal(content)
	}
}
