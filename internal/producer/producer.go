package producer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"crewledger.app/core/common/logger"
	"crewledger.app/core/internal/domain"
	"crewledger.app/core/internal/stream"
)

// Fan-out window bounds. These are business constants, not tuning knobs:
// a status change invalidates planning from its effective date through the
// rolling planning horizon.
const (
	// StatusFanOutHorizonMonths is how far past the effective date a status
	// change fans out, one submission per day.
	StatusFanOutHorizonMonths = 18
)

// Emitter is the stream processor's intake, narrowed for testability.
type Emitter interface {
	Emit(item stream.Item) error
}

// SnapshotLoader loads the consultant's status/salary history once per
// fan-out; the snapshot rides along on every expanded item by reference.
type SnapshotLoader interface {
	Load(ctx context.Context, consultantID string) (*domain.ConsultantSnapshot, error)
}

// StatusChangeProducer expands one status change into per-day recalculation
// submissions across the planning horizon.
type StatusChangeProducer struct {
	emitter   Emitter
	snapshots SnapshotLoader
}

func NewStatusChangeProducer(emitter Emitter, snapshots SnapshotLoader) *StatusChangeProducer {
	return &StatusChangeProducer{
		emitter:   emitter,
		snapshots: snapshots,
	}
}

// Produce emits one item per day from the effective date through the horizon.
// Returns the number of items accepted; on buffer overflow the fan-out is
// partial and the error says so.
func (p *StatusChangeProducer) Produce(ctx context.Context, consultantID string, effective time.Time) (int, error) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		ConsultantID: logger.Ptr(consultantID),
		Component:    "core.producer.status_change",
	})

	snapshot, err := p.snapshots.Load(ctx, consultantID)
	if err != nil {
		return 0, fmt.Errorf("loading consultant snapshot: %w", err)
	}

	start := domain.Midnight(effective)
	end := start.AddDate(0, StatusFanOutHorizonMonths, 0)

	emitted, err := emitRange(p.emitter, consultantID, start, end, domain.TriggerStatusChange, snapshot)
	if err != nil {
		return emitted, err
	}

	slog.InfoContext(ctx, "status change fanned out",
		"effective", start.Format(domain.DateLayout),
		"items", emitted)
	return emitted, nil
}

// WorkEntryProducer expands a work-entry change into per-day submissions over
// the entry's date span.
type WorkEntryProducer struct {
	emitter   Emitter
	snapshots SnapshotLoader
}

func NewWorkEntryProducer(emitter Emitter, snapshots SnapshotLoader) *WorkEntryProducer {
	return &WorkEntryProducer{
		emitter:   emitter,
		snapshots: snapshots,
	}
}

func (p *WorkEntryProducer) Produce(ctx context.Context, consultantID string, start, end time.Time) (int, error) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		ConsultantID: logger.Ptr(consultantID),
		Component:    "core.producer.work_entry",
	})

	start = domain.Midnight(start)
	end = domain.Midnight(end)
	if end.Before(start) {
		return 0, fmt.Errorf("work entry range inverted: %s after %s", start.Format(domain.DateLayout), end.Format(domain.DateLayout))
	}

	snapshot, err := p.snapshots.Load(ctx, consultantID)
	if err != nil {
		return 0, fmt.Errorf("loading consultant snapshot: %w", err)
	}

	emitted, err := emitRange(p.emitter, consultantID, start, end, domain.TriggerWorkEntryChange, snapshot)
	if err != nil {
		return emitted, err
	}

	slog.InfoContext(ctx, "work entry change fanned out",
		"from", start.Format(domain.DateLayout),
		"to", end.Format(domain.DateLayout),
		"items", emitted)
	return emitted, nil
}

func emitRange(emitter Emitter, consultantID string, start, end time.Time, trigger domain.Trigger, snapshot *domain.ConsultantSnapshot) (int, error) {
	emitted := 0
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		item := stream.Item{
			ConsultantID: consultantID,
			Day:          day,
			Trigger:      trigger,
			Snapshot:     snapshot,
		}
		if err := emitter.Emit(item); err != nil {
			return emitted, fmt.Errorf("fan-out stopped at %s after %d items: %w", day.Format(domain.DateLayout), emitted, err)
		}
		emitted++
	}
	return emitted, nil
}
