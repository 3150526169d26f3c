// Package backfill replays stored domain events onto the external streams.
//
// Replays run with producer-path publishing disabled so newly enabled
// consumers can be seeded from history without double delivery. The default
// mode is a dry run that only reports what would be sent.
package backfill

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"crewledger.app/core/common/logger"
	"crewledger.app/core/internal/bridge"
	"crewledger.app/core/internal/domain"
	"crewledger.app/core/internal/queue"
)

// PageSize is how many rows each store query fetches. Replays walk the
// window in pages so an unbounded run never loads the full table at once.
const PageSize = 200

// EventLister reads a time window of stored events, newest-last.
type EventLister interface {
	ListWindow(ctx context.Context, start, end time.Time, types []domain.EventType, limit, offset int) ([]domain.Event, error)
}

// Params selects which stored events a run replays.
type Params struct {
	// Start and End bound occurred_at. Zero values default to the last year.
	Start time.Time
	End   time.Time

	// Types restricts the run to the given event types. Empty means every
	// externally mapped type.
	Types []domain.EventType

	// Limit caps how many rows the run selects; zero means no cap. Offset
	// skips rows so an interrupted run can resume where it stopped.
	Limit  int
	Offset int

	// DryRun counts what would be published without sending anything.
	DryRun bool
}

// DefaultParams returns a dry run over the last year of mapped events.
func DefaultParams() Params {
	now := time.Now().UTC()
	return Params{
		Start:  now.AddDate(-1, 0, 0),
		End:    now,
		DryRun: true,
	}
}

// Summary reports what a run did. Selected always equals
// Produced + Skipped + Errors.
type Summary struct {
	Selected int
	Produced int
	Skipped  int
	Errors   int
	PerTopic map[bridge.Topic]int
}

// Replayer pages stored events through the topic table and republishes them.
type Replayer struct {
	store EventLister
	pub   queue.Publisher
}

func New(store EventLister, pub queue.Publisher) *Replayer {
	return &Replayer{store: store, pub: pub}
}

// Run replays the selected window. Per-event failures are counted and
// logged rather than aborting the run; an error is returned only when a
// store page cannot be read at all.
func (r *Replayer) Run(ctx context.Context, p Params) (Summary, error) {
	if p.Start.IsZero() || p.End.IsZero() {
		def := DefaultParams()
		if p.Start.IsZero() {
			p.Start = def.Start
		}
		if p.End.IsZero() {
			p.End = def.End
		}
	}
	types := p.Types
	if len(types) == 0 {
		types = bridge.MappedTypes()
	}

	summary := Summary{PerTopic: make(map[bridge.Topic]int)}
	offset := p.Offset
	remaining := p.Limit

	for {
		pageLimit := PageSize
		if p.Limit > 0 && remaining < pageLimit {
			pageLimit = remaining
		}
		if pageLimit == 0 {
			break
		}

		events, err := r.store.ListWindow(ctx, p.Start, p.End, types, pageLimit, offset)
		if err != nil {
			return summary, fmt.Errorf("list events at offset %d: %w", offset, err)
		}
		if len(events) == 0 {
			break
		}

		for _, ev := range events {
			summary.Selected++
			r.replayOne(ctx, ev, p.DryRun, &summary)
		}

		offset += len(events)
		if p.Limit > 0 {
			remaining -= len(events)
			if remaining <= 0 {
				break
			}
		}
		if len(events) < pageLimit {
			break
		}
	}

	slog.InfoContext(ctx, "backfill run finished",
		"dry_run", p.DryRun,
		"selected", summary.Selected,
		"produced", summary.Produced,
		"skipped", summary.Skipped,
		"errors", summary.Errors,
	)
	return summary, nil
}

func (r *Replayer) replayOne(ctx context.Context, ev domain.Event, dryRun bool, summary *Summary) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		EventID:   logger.Ptr(ev.ID),
		EventType: logger.Ptr(string(ev.Type)),
		Component: "core.backfill",
	})

	topic, ok := bridge.TopicFor(ev.Type)
	if !ok {
		summary.Skipped++
		return
	}
	if ev.AggregateRootID == "" {
		summary.Errors++
		slog.WarnContext(ctx, "stored event has no aggregate root id, skipping")
		return
	}

	env := domain.NewEnvelope(ev)
	wire := domain.NewWireEvent(ev.AggregateRootID, bridge.ReplayDate(ev))

	if !dryRun {
		if err := r.pub.Publish(ctx, string(topic), env, wire); err != nil {
			summary.Errors++
			slog.ErrorContext(ctx, "backfill publish failed", "topic", string(topic), "error", err.Error())
			return
		}
	}
	summary.Produced++
	summary.PerTopic[topic]++
}
