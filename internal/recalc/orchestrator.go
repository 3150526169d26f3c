package recalc

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"crewledger.app/core/common/logger"
	"crewledger.app/core/internal/domain"
)

// StageService is one external collaborator of the pipeline. Implementations
// own the business formulas and all persistence; the orchestrator only
// sequences them. Services must be reentrant per (consultant, day).
type StageService interface {
	Recalculate(ctx context.Context, consultantID string, day time.Time) (changed bool, summary string, err error)
}

// Services holds the collaborators for both tracks.
type Services struct {
	Salary         StageService
	WorkAggregates StageService
	Availability   StageService
	Budget         StageService
}

func (s Services) forStage(stage domain.Stage) StageService {
	switch stage {
	case domain.StageWorkAggregates:
		return s.WorkAggregates
	case domain.StageAvailability:
		return s.Availability
	case domain.StageBudget:
		return s.Budget
	}
	return nil
}

// StageOutcome records one collaborator call. Err is non-nil when the stage
// failed; Changed/Summary are only meaningful on success.
type StageOutcome struct {
	Name    string
	Changed bool
	Summary string
	Err     error
}

// RunResult aggregates the outcomes of one recalculation run. It is returned
// to the caller and logged, never persisted.
type RunResult struct {
	Trigger      domain.Trigger
	ConsultantID string
	Day          time.Time
	Outcomes     []StageOutcome
	Failed       bool
}

// Summary joins the per-stage outcomes into one line.
func (r RunResult) Summary() string {
	parts := make([]string, 0, len(r.Outcomes))
	for _, o := range r.Outcomes {
		if o.Err != nil {
			parts = append(parts, fmt.Sprintf("%s: failed: %v", o.Name, o.Err))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %s", o.Name, o.Summary))
	}
	return strings.Join(parts, "; ")
}

// Orchestrator runs the salary track and the ordered operations pipeline for
// one (consultant, day). It performs no persistence itself.
type Orchestrator struct {
	services Services
}

func NewOrchestrator(services Services) *Orchestrator {
	return &Orchestrator{services: services}
}

// Recalculate classifies the trigger and executes the selected tracks.
// It never returns an error: every failure is captured as a stage outcome
// and reflected in RunResult.Failed.
func (o *Orchestrator) Recalculate(ctx context.Context, consultantID string, day time.Time, trigger domain.Trigger) RunResult {
	day = domain.Midnight(day)

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		ConsultantID: logger.Ptr(consultantID),
		Day:          logger.Ptr(day.Format(domain.DateLayout)),
		Component:    "core.recalc.orchestrator",
	})

	result := RunResult{
		Trigger:      trigger,
		ConsultantID: consultantID,
		Day:          day,
	}

	targets, err := domain.Classify(trigger)
	if err != nil {
		result.Outcomes = append(result.Outcomes, StageOutcome{Name: "classify", Err: err})
		result.Failed = true
		return result
	}

	// The salary track is independent: its failure never blocks operations,
	// and vice versa.
	if targets.Salary {
		result.Outcomes = append(result.Outcomes, o.runStage(ctx, "salary", o.services.Salary, consultantID, day))
	}

	if targets.Operations {
		for _, stage := range domain.StagesFrom(targets.Start) {
			outcome := o.runStage(ctx, string(stage), o.services.forStage(stage), consultantID, day)
			result.Outcomes = append(result.Outcomes, outcome)
			if outcome.Err != nil {
				// Downstream stages consume upstream output; continuing past
				// a failure would recalculate from stale input.
				break
			}
		}
	}

	for _, o := range result.Outcomes {
		if o.Err != nil {
			result.Failed = true
			break
		}
	}

	if result.Failed {
		slog.WarnContext(ctx, "recalculation finished with failures",
			"trigger", trigger,
			"summary", result.Summary())
	} else {
		slog.DebugContext(ctx, "recalculation finished",
			"trigger", trigger,
			"summary", result.Summary())
	}

	return result
}

func (o *Orchestrator) runStage(ctx context.Context, name string, svc StageService, consultantID string, day time.Time) StageOutcome {
	if svc == nil {
		return StageOutcome{Name: name, Err: fmt.Errorf("no service wired for stage %s", name)}
	}

	changed, summary, err := svc.Recalculate(ctx, consultantID, day)
	if err != nil {
		slog.WarnContext(ctx, "stage failed", "stage", name, "error", err)
		return StageOutcome{Name: name, Err: fmt.Errorf("%s: %w", name, err)}
	}
	return StageOutcome{Name: name, Changed: changed, Summary: summary}
}
