package domain

import "fmt"

// Trigger is the cause of a recalculation. The set is closed; every trigger
// must have an entry in the classification table below.
type Trigger string

const (
	TriggerFullRecalc               Trigger = "full_recalc"
	TriggerScheduled                Trigger = "scheduled"
	TriggerStatusChange             Trigger = "status_change"
	TriggerWorkEntryChange          Trigger = "work_entry_change"
	TriggerAvailabilityChange       Trigger = "availability_change"
	TriggerContractConsultantChange Trigger = "contract_consultant_change"
)

// AllTriggers lists every known trigger. Tests use it to assert the
// classification table is total.
var AllTriggers = []Trigger{
	TriggerFullRecalc,
	TriggerScheduled,
	TriggerStatusChange,
	TriggerWorkEntryChange,
	TriggerAvailabilityChange,
	TriggerContractConsultantChange,
}

// Track is an orthogonal axis of recalculation work. Either may apply
// independently for a given trigger.
type Track string

const (
	TrackSalary     Track = "salary"
	TrackOperations Track = "operations"
)

// Stage is one step of the ordered operations pipeline. Budget depends on
// availability, which depends on work aggregates, so the order is fixed.
type Stage string

const (
	StageWorkAggregates Stage = "work_aggregates"
	StageAvailability   Stage = "availability"
	StageBudget         Stage = "budget"
)

var stageOrder = [...]Stage{StageWorkAggregates, StageAvailability, StageBudget}

// Targets is the resolved outcome of classifying a trigger: which tracks run
// and where the operations pipeline starts. Computed once per trigger kind,
// never persisted.
type Targets struct {
	Salary     bool
	Operations bool
	Start      Stage
}

var classification = map[Trigger]Targets{
	TriggerFullRecalc:               {Salary: true, Operations: true, Start: StageWorkAggregates},
	TriggerScheduled:                {Salary: true, Operations: true, Start: StageWorkAggregates},
	TriggerStatusChange:             {Salary: true, Operations: true, Start: StageWorkAggregates},
	TriggerWorkEntryChange:          {Operations: true, Start: StageWorkAggregates},
	TriggerAvailabilityChange:       {Operations: true, Start: StageAvailability},
	TriggerContractConsultantChange: {Operations: true, Start: StageBudget},
}

// Classify maps a trigger to its recalculation targets. The mapping is total
// over AllTriggers; an unmapped trigger is a programming error and reported
// as such.
func Classify(t Trigger) (Targets, error) {
	targets, ok := classification[t]
	if !ok {
		return Targets{}, fmt.Errorf("unmapped trigger %q (programming error: classification table must be total)", t)
	}
	return targets, nil
}

// StagesFrom returns the contiguous suffix of the operations pipeline
// beginning at start. A trigger may start mid-pipeline but never skips
// forward out of order.
func StagesFrom(start Stage) []Stage {
	for i, s := range stageOrder {
		if s == start {
			return append([]Stage(nil), stageOrder[i:]...)
		}
	}
	return nil
}
