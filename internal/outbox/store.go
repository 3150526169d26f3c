package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"crewledger.app/core/core/db"
	"crewledger.app/core/internal/domain"
)

var ErrNotFound = errors.New("outbox: event not found")

// Store reads and writes the domain_events table. Rows are append-only:
// there is no update or delete here, and never will be — the table is the
// audit trail.
type Store struct {
	q db.Querier
}

func NewStore(q db.Querier) *Store {
	return &Store{q: q}
}

// WithQuerier returns a store bound to a different querier, typically a
// transaction.
func (s *Store) WithQuerier(q db.Querier) *Store {
	return &Store{q: q}
}

func (s *Store) Append(ctx context.Context, ev *domain.Event) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO domain_events (id, actor, event_type, aggregate_root_id, event_content, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.ID, ev.Actor, string(ev.Type), ev.AggregateRootID, []byte(ev.Content), ev.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("inserting domain event: %w", err)
	}
	return nil
}

func (s *Store) GetByID(ctx context.Context, id int64) (*domain.Event, error) {
	row := s.q.QueryRow(ctx, `
		SELECT id, actor, event_type, aggregate_root_id, event_content, occurred_at
		FROM domain_events
		WHERE id = $1`,
		id,
	)

	ev, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return ev, nil
}

// ListWindow returns events in [start, end) ordered by occurrence, optionally
// filtered by type, paginated by limit/offset. Backfill pages through this
// rather than holding a cursor over the whole window.
func (s *Store) ListWindow(ctx context.Context, start, end time.Time, types []domain.EventType, limit, offset int) ([]domain.Event, error) {
	var typeFilter []string
	for _, t := range types {
		typeFilter = append(typeFilter, string(t))
	}

	rows, err := s.q.Query(ctx, `
		SELECT id, actor, event_type, aggregate_root_id, event_content, occurred_at
		FROM domain_events
		WHERE occurred_at >= $1 AND occurred_at < $2
		  AND ($3::text[] IS NULL OR event_type = ANY($3))
		ORDER BY occurred_at, id
		LIMIT $4 OFFSET $5`,
		start, end, typeFilter, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("listing domain events: %w", err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading domain events: %w", err)
	}
	return events, nil
}

func scanEvent(row pgx.Row) (*domain.Event, error) {
	var (
		ev        domain.Event
		eventType string
		content   []byte
	)
	if err := row.Scan(&ev.ID, &ev.Actor, &eventType, &ev.AggregateRootID, &content, &ev.OccurredAt); err != nil {
		return nil, err
	}
	ev.Type = domain.EventType(eventType)
	ev.Content = content
	return &ev, nil
}
