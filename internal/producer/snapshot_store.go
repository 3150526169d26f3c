package producer

import (
	"context"
	"fmt"
	"time"

	"crewledger.app/core/core/db"
	"crewledger.app/core/internal/domain"
)

// SnapshotStore loads consultant history from Postgres. It satisfies
// SnapshotLoader for the production wiring; tests substitute their own.
type SnapshotStore struct {
	q db.Querier
}

func NewSnapshotStore(q db.Querier) *SnapshotStore {
	return &SnapshotStore{q: q}
}

// Load reads the full status and salary history for one consultant. Periods
// come back oldest-first so downstream interval lookups can scan forward.
func (s *SnapshotStore) Load(ctx context.Context, consultantID string) (*domain.ConsultantSnapshot, error) {
	snapshot := &domain.ConsultantSnapshot{
		ConsultantID: consultantID,
		LoadedAt:     time.Now().UTC(),
	}

	rows, err := s.q.Query(ctx, `
		SELECT from_date, to_date, status
		FROM consultant_status_periods
		WHERE consultant_id = $1
		ORDER BY from_date`,
		consultantID,
	)
	if err != nil {
		return nil, fmt.Errorf("loading status periods: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p domain.StatusPeriod
		if err := rows.Scan(&p.From, &p.To, &p.Status); err != nil {
			return nil, fmt.Errorf("scanning status period: %w", err)
		}
		snapshot.StatusHistory = append(snapshot.StatusHistory, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading status periods: %w", err)
	}

	salaryRows, err := s.q.Query(ctx, `
		SELECT from_date, monthly_cents
		FROM consultant_salary_periods
		WHERE consultant_id = $1
		ORDER BY from_date`,
		consultantID,
	)
	if err != nil {
		return nil, fmt.Errorf("loading salary periods: %w", err)
	}
	defer salaryRows.Close()

	for salaryRows.Next() {
		var p domain.SalaryPeriod
		if err := salaryRows.Scan(&p.From, &p.MonthlyCents); err != nil {
			return nil, fmt.Errorf("scanning salary period: %w", err)
		}
		snapshot.SalaryHistory = append(snapshot.SalaryHistory, p)
	}
	if err := salaryRows.Err(); err != nil {
		return nil, fmt.Errorf("reading salary periods: %w", err)
	}

	return snapshot, nil
}
