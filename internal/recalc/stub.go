package recalc

import (
	"context"
	"log/slog"
	"time"
)

// StubStageService is a no-op collaborator for testing and initial
// deployment. It logs the call and reports no change.
type StubStageService struct {
	Stage string
}

func (s *StubStageService) Recalculate(ctx context.Context, consultantID string, day time.Time) (bool, string, error) {
	slog.InfoContext(ctx, "stub stage service: recalculate",
		"stage", s.Stage,
		"consultant_id", consultantID,
		"day", day.Format("2006-01-02"))
	return false, "stub: no change", nil
}

// StubServices wires a stub for every stage, so the worker can run end to
// end before the aggregate services land.
func StubServices() Services {
	return Services{
		Salary:         &StubStageService{Stage: "salary"},
		WorkAggregates: &StubStageService{Stage: "work_aggregates"},
		Availability:   &StubStageService{Stage: "availability"},
		Budget:         &StubStageService{Stage: "budget"},
	}
}
