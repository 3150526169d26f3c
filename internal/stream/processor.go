package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"crewledger.app/core/common/logger"
	"crewledger.app/core/internal/domain"
	"crewledger.app/core/internal/recalc"
)

var (
	// ErrBufferFull is returned by Emit when the buffer is at capacity.
	// The overflow policy is drop-newest: the caller keeps its item and
	// learns the fan-out was partial, instead of an arbitrary older key
	// being lost silently.
	ErrBufferFull = errors.New("stream: buffer full")

	// ErrClosed is returned by Emit after Close has stopped intake.
	ErrClosed = errors.New("stream: processor closed")
)

// Item is one per-(consultant, day) recalculation submission.
type Item struct {
	ConsultantID string
	Day          time.Time
	Trigger      domain.Trigger

	// Snapshot is the producer's shared read-once context; every item of a
	// fan-out carries the same pointer.
	Snapshot *domain.ConsultantSnapshot

	Attempt int
}

// Key identifies the (consultant, day) pair for ordering and dead-lettering.
func (i Item) Key() string {
	return i.ConsultantID + "@" + i.Day.Format(domain.DateLayout)
}

// Recalculator is the orchestrator seam, narrowed for testability.
type Recalculator interface {
	Recalculate(ctx context.Context, consultantID string, day time.Time, trigger domain.Trigger) recalc.RunResult
}

// DeadLetterSink receives items that exhausted their attempts.
type DeadLetterSink interface {
	Send(ctx context.Context, item Item, reason string) error
}

type Config struct {
	// BufferCapacity bounds the intake buffer. 1000 absorbs a fiscal-year
	// fan-out burst without letting an unbounded backlog build.
	BufferCapacity int

	// BatchSize groups buffered items before processing.
	BatchSize int

	// PoolSize bounds concurrent item execution. Every item opens a
	// transaction, so this must stay below the database pool size.
	//
	// Items within a batch currently run one at a time to keep per-key
	// submission order, so the effective concurrency is 1; the bound takes
	// effect once distinct-key items are allowed to run in parallel.
	PoolSize int64

	// MaxAttempts before a failed item is dead-lettered.
	MaxAttempts int

	// ItemTimeout bounds each item so a hung collaborator fails the item
	// instead of stalling the batch.
	ItemTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.BufferCapacity <= 0 {
		c.BufferCapacity = 1000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 8
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.ItemTimeout <= 0 {
		c.ItemTimeout = 30 * time.Second
	}
	return c
}

// Stats is a point-in-time snapshot of processor counters.
type Stats struct {
	Processed int64
	Failed    int64
	Dropped   int64
}

// Processor absorbs bursty per-day fan-out off the producers' goroutines and
// feeds items to the orchestrator.
//
// Ordering: batches run one at a time in arrival order, and items within a
// batch run sequentially, so submissions for the same key are processed in
// submission order end to end. Across concurrent producers targeting
// overlapping keys there is no ordering guarantee; last write wins.
type Processor struct {
	cfg     Config
	recalc  Recalculator
	dead    DeadLetterSink
	items   chan Item
	sem     *semaphore.Weighted
	stopCh  chan struct{}
	stopped chan struct{}
	once    sync.Once

	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

func New(rec Recalculator, dead DeadLetterSink, cfg Config) *Processor {
	cfg = cfg.withDefaults()
	return &Processor{
		cfg:     cfg,
		recalc:  rec,
		dead:    dead,
		items:   make(chan Item, cfg.BufferCapacity),
		sem:     semaphore.NewWeighted(cfg.PoolSize),
		stopCh:  make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Emit submits an item without blocking. Returns ErrBufferFull when the
// buffer is at capacity (the item is dropped, counted, and the caller can
// surface the partial fan-out) and ErrClosed after shutdown began.
func (p *Processor) Emit(item Item) error {
	if item.Attempt <= 0 {
		item.Attempt = 1
	}

	select {
	case <-p.stopCh:
		return ErrClosed
	default:
	}

	return p.requeue(item)
}

// requeue puts an item back on the buffer without the closed-intake check.
// Internal retries must keep working during drain: Close only refuses new
// producer submissions, not the retry of work already accepted.
func (p *Processor) requeue(item Item) error {
	select {
	case p.items <- item:
		return nil
	default:
		p.dropped.Add(1)
		return ErrBufferFull
	}
}

// Run processes items until the context is cancelled or Close is called.
// Intended to run once for the process lifetime.
func (p *Processor) Run(ctx context.Context) error {
	defer close(p.stopped)

	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "core.stream.processor"})
	slog.InfoContext(ctx, "stream processor started",
		"buffer_capacity", p.cfg.BufferCapacity,
		"batch_size", p.cfg.BatchSize,
		"pool_size", p.cfg.PoolSize)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stopCh:
			return p.drain(ctx)
		case first := <-p.items:
			p.processBatch(ctx, p.collectBatch(first))
		}
	}
}

// Close stops intake and blocks until everything already buffered has been
// processed. Buffered items are accepted work, so shutdown drains rather
// than discards.
func (p *Processor) Close() {
	p.once.Do(func() {
		close(p.stopCh)
	})
	<-p.stopped
}

// Stats returns the current counters.
func (p *Processor) Stats() Stats {
	return Stats{
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
		Dropped:   p.dropped.Load(),
	}
}

// collectBatch groups whatever is already buffered, up to BatchSize. It never
// waits for a full batch; a lone item processes immediately.
func (p *Processor) collectBatch(first Item) []Item {
	batch := make([]Item, 1, p.cfg.BatchSize)
	batch[0] = first

	for len(batch) < p.cfg.BatchSize {
		select {
		case item := <-p.items:
			batch = append(batch, item)
		default:
			return batch
		}
	}
	return batch
}

// processBatch runs items strictly in order, awaiting each before the next.
// The batch completes best-effort: one failed item never aborts the rest.
func (p *Processor) processBatch(ctx context.Context, batch []Item) {
	for _, item := range batch {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return
		}

		done := make(chan struct{})
		go func(it Item) {
			defer p.sem.Release(1)
			defer close(done)
			p.processItemSafe(ctx, it)
		}(item)

		// Awaiting each item keeps per-key submission order intact even
		// though execution happens off this goroutine.
		<-done
	}
}

func (p *Processor) processItemSafe(ctx context.Context, item Item) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "panic recovered in item processing",
				"panic", r,
				"key", item.Key())
			p.handleFailure(ctx, item, fmt.Sprintf("panic: %v", r))
		}
	}()

	ictx, cancel := context.WithTimeout(ctx, p.cfg.ItemTimeout)
	defer cancel()

	result := p.recalc.Recalculate(ictx, item.ConsultantID, item.Day, item.Trigger)
	if result.Failed {
		p.handleFailure(ctx, item, result.Summary())
		return
	}
	p.processed.Add(1)
}

func (p *Processor) handleFailure(ctx context.Context, item Item, reason string) {
	p.failed.Add(1)

	if item.Attempt >= p.cfg.MaxAttempts {
		slog.ErrorContext(ctx, "max attempts reached, dead-lettering item",
			"key", item.Key(),
			"attempts", item.Attempt,
			"reason", logger.Truncate(reason, 500))
		p.sendDeadLetter(ctx, item, reason)
		return
	}

	item.Attempt++
	if err := p.requeue(item); err != nil {
		slog.ErrorContext(ctx, "requeue failed, dead-lettering item",
			"key", item.Key(),
			"error", err)
		p.sendDeadLetter(ctx, item, reason)
		return
	}

	slog.WarnContext(ctx, "requeued failed item",
		"key", item.Key(),
		"attempt", item.Attempt)
}

func (p *Processor) sendDeadLetter(ctx context.Context, item Item, reason string) {
	if p.dead == nil {
		return
	}
	if err := p.dead.Send(ctx, item, reason); err != nil {
		slog.ErrorContext(ctx, "failed to send item to dead letter sink",
			"key", item.Key(),
			"error", err)
	}
}

func (p *Processor) drain(ctx context.Context) error {
	slog.InfoContext(ctx, "stream processor draining", "buffered", len(p.items))

	for {
		select {
		case first := <-p.items:
			p.processBatch(ctx, p.collectBatch(first))
		default:
			slog.InfoContext(ctx, "stream processor stopped",
				"processed", p.processed.Load(),
				"failed", p.failed.Load(),
				"dropped", p.dropped.Load())
			return nil
		}
	}
}
