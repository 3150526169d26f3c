package recalc_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"crewledger.app/core/internal/domain"
	"crewledger.app/core/internal/recalc"
)

// fakeStage counts invocations and records the order in which stages ran.
type fakeStage struct {
	name    string
	calls   int
	err     error
	changed bool
	order   *[]string
}

func (f *fakeStage) Recalculate(_ context.Context, _ string, _ time.Time) (bool, string, error) {
	f.calls++
	if f.order != nil {
		*f.order = append(*f.order, f.name)
	}
	if f.err != nil {
		return false, "", f.err
	}
	return f.changed, f.name + " ok", nil
}

var _ = Describe("Orchestrator", func() {
	var (
		ctx      context.Context
		order    []string
		salary   *fakeStage
		workAgg  *fakeStage
		avail    *fakeStage
		budget   *fakeStage
		orch     *recalc.Orchestrator
		day      time.Time
		services recalc.Services
	)

	BeforeEach(func() {
		ctx = context.Background()
		order = nil
		salary = &fakeStage{name: "salary", order: &order}
		workAgg = &fakeStage{name: "work_aggregates", order: &order, changed: true}
		avail = &fakeStage{name: "availability", order: &order}
		budget = &fakeStage{name: "budget", order: &order}
		services = recalc.Services{
			Salary:         salary,
			WorkAggregates: workAgg,
			Availability:   avail,
			Budget:         budget,
		}
		orch = recalc.NewOrchestrator(services)
		day = time.Date(2026, 4, 7, 0, 0, 0, 0, time.UTC)
	})

	Describe("track selection", func() {
		It("runs the full pipeline in order for a work-entry change, without salary", func() {
			result := orch.Recalculate(ctx, "c-1", day, domain.TriggerWorkEntryChange)

			Expect(result.Failed).To(BeFalse())
			Expect(salary.calls).To(BeZero())
			Expect(order).To(Equal([]string{"work_aggregates", "availability", "budget"}))
			Expect(workAgg.calls).To(Equal(1))
			Expect(avail.calls).To(Equal(1))
			Expect(budget.calls).To(Equal(1))
		})

		It("runs both tracks for a status change", func() {
			result := orch.Recalculate(ctx, "c-1", day, domain.TriggerStatusChange)

			Expect(result.Failed).To(BeFalse())
			Expect(order).To(Equal([]string{"salary", "work_aggregates", "availability", "budget"}))
		})

		It("starts at availability for an availability change", func() {
			orch.Recalculate(ctx, "c-1", day, domain.TriggerAvailabilityChange)

			Expect(workAgg.calls).To(BeZero())
			Expect(order).To(Equal([]string{"availability", "budget"}))
		})

		It("runs only budget for a contract-consultant change", func() {
			orch.Recalculate(ctx, "c-1", day, domain.TriggerContractConsultantChange)

			Expect(order).To(Equal([]string{"budget"}))
		})
	})

	Describe("failure handling", func() {
		It("stops the operations pipeline at the failing stage", func() {
			avail.err = errors.New("availability store down")

			result := orch.Recalculate(ctx, "c-1", day, domain.TriggerWorkEntryChange)

			Expect(result.Failed).To(BeTrue())
			Expect(workAgg.calls).To(Equal(1))
			Expect(avail.calls).To(Equal(1))
			Expect(budget.calls).To(BeZero(), "stages after a failure must not run")
			Expect(result.Summary()).To(ContainSubstring("availability store down"))
		})

		It("does not let a salary failure block the operations track", func() {
			salary.err = errors.New("payroll unavailable")

			result := orch.Recalculate(ctx, "c-1", day, domain.TriggerStatusChange)

			Expect(result.Failed).To(BeTrue())
			Expect(workAgg.calls).To(Equal(1))
			Expect(avail.calls).To(Equal(1))
			Expect(budget.calls).To(Equal(1))
		})

		It("still runs salary when operations fail immediately", func() {
			workAgg.err = errors.New("aggregates broken")

			result := orch.Recalculate(ctx, "c-1", day, domain.TriggerFullRecalc)

			Expect(result.Failed).To(BeTrue())
			Expect(salary.calls).To(Equal(1))
			Expect(avail.calls).To(BeZero())
			Expect(budget.calls).To(BeZero())
		})

		It("records an unknown trigger as a failed classification", func() {
			result := orch.Recalculate(ctx, "c-1", day, domain.Trigger("mystery"))

			Expect(result.Failed).To(BeTrue())
			Expect(result.Outcomes).To(HaveLen(1))
			Expect(result.Outcomes[0].Name).To(Equal("classify"))
			Expect(order).To(BeEmpty())
		})

		It("fails a stage with no wired service instead of panicking", func() {
			services.Budget = nil
			orch = recalc.NewOrchestrator(services)

			result := orch.Recalculate(ctx, "c-1", day, domain.TriggerContractConsultantChange)

			Expect(result.Failed).To(BeTrue())
			Expect(result.Summary()).To(ContainSubstring("no service wired"))
		})
	})

	Describe("run result", func() {
		It("normalizes the day to UTC midnight", func() {
			noon := time.Date(2026, 4, 7, 12, 30, 0, 0, time.FixedZone("CET", 3600))

			result := orch.Recalculate(ctx, "c-1", noon, domain.TriggerWorkEntryChange)

			Expect(result.Day.Hour()).To(BeZero())
			Expect(result.Day.Location()).To(Equal(time.UTC))
		})

		It("joins per-stage summaries", func() {
			result := orch.Recalculate(ctx, "c-1", day, domain.TriggerWorkEntryChange)

			Expect(result.Summary()).To(ContainSubstring("work_aggregates ok"))
			Expect(result.Summary()).To(ContainSubstring("budget ok"))
		})
	})
})
