package outbox_test

import (
	"context"
	"encoding/json"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"crewledger.app/core/common/id"
	"crewledger.app/core/internal/domain"
	"crewledger.app/core/internal/outbox"
)

// memAppender records appended events, simulating the durable store.
type memAppender struct {
	events []domain.Event
	err    error
}

func (a *memAppender) Append(_ context.Context, ev *domain.Event) error {
	if a.err != nil {
		return a.err
	}
	a.events = append(a.events, *ev)
	return nil
}

var _ = Describe("Recorder", func() {
	var (
		ctx      context.Context
		appender *memAppender
		registry *outbox.Registry
		recorder *outbox.Recorder
	)

	BeforeEach(func() {
		ctx = context.Background()
		appender = &memAppender{}
		registry = outbox.NewRegistry()
		recorder = outbox.NewRecorder(appender, registry)

		Expect(id.Init(1)).To(Succeed())
	})

	Describe("Record", func() {
		It("persists the event with a fresh id and marshaled content", func() {
			ev, err := recorder.Record(ctx, "user:17", domain.EventWorkEntryCreated, "c-9", map[string]string{
				"date": "2026-02-03",
			})

			Expect(err).NotTo(HaveOccurred())
			Expect(ev.ID).NotTo(BeZero())
			Expect(ev.Actor).To(Equal("user:17"))
			Expect(ev.AggregateRootID).To(Equal("c-9"))
			Expect(appender.events).To(HaveLen(1))
			Expect(appender.events[0].ID).To(Equal(ev.ID))

			var content map[string]string
			Expect(json.Unmarshal(appender.events[0].Content, &content)).To(Succeed())
			Expect(content["date"]).To(Equal("2026-02-03"))
		})

		It("generates distinct ids for successive events", func() {
			first, err := recorder.Record(ctx, "a", domain.EventStatusCreated, "c-1", nil)
			Expect(err).NotTo(HaveOccurred())
			second, err := recorder.Record(ctx, "a", domain.EventStatusCreated, "c-1", nil)
			Expect(err).NotTo(HaveOccurred())

			Expect(first.ID).NotTo(Equal(second.ID))
		})

		It("keeps exactly one durable, unmodified row when dispatch fails", func() {
			registry.Register(domain.EventStatusDeleted, outbox.HandlerFunc(func(context.Context, domain.Event) error {
				return errors.New("broker unreachable")
			}))

			ev, err := recorder.Record(ctx, "user:3", domain.EventStatusDeleted, "c-2", json.RawMessage(`{"effectiveDate":"2026-01-01"}`))

			Expect(err).NotTo(HaveOccurred(), "dispatch failure must not surface to the business flow")
			Expect(appender.events).To(HaveLen(1))
			Expect(appender.events[0].ID).To(Equal(ev.ID))
			Expect(string(appender.events[0].Content)).To(Equal(`{"effectiveDate":"2026-01-01"}`))
		})

		It("does not dispatch when persistence fails", func() {
			appender.err = errors.New("database down")
			dispatched := 0
			registry.Register(domain.EventStatusCreated, outbox.HandlerFunc(func(context.Context, domain.Event) error {
				dispatched++
				return nil
			}))

			_, err := recorder.Record(ctx, "a", domain.EventStatusCreated, "c-3", nil)

			Expect(err).To(HaveOccurred())
			Expect(dispatched).To(BeZero())
		})

		It("accepts raw JSON content unchanged", func() {
			raw := json.RawMessage(`{"startDate":"2026-01-01","endDate":"2026-03-15"}`)

			_, err := recorder.Record(ctx, "a", domain.EventContractConsultantUpdated, "c-4", raw)

			Expect(err).NotTo(HaveOccurred())
			Expect(string(appender.events[0].Content)).To(Equal(string(raw)))
		})
	})
})

var _ = Describe("Registry", func() {
	var (
		ctx      context.Context
		registry *outbox.Registry
	)

	BeforeEach(func() {
		ctx = context.Background()
		registry = outbox.NewRegistry()
	})

	It("invokes handlers in registration order", func() {
		var order []string
		for _, name := range []string{"first", "second", "third"} {
			n := name
			registry.Register(domain.EventSalaryUpdated, outbox.HandlerFunc(func(context.Context, domain.Event) error {
				order = append(order, n)
				return nil
			}))
		}

		result := registry.Dispatch(ctx, domain.Event{Type: domain.EventSalaryUpdated})

		Expect(result.Failed()).To(BeFalse())
		Expect(result.Handled).To(Equal(3))
		Expect(order).To(Equal([]string{"first", "second", "third"}))
	})

	It("continues past a failing handler and collects its error", func() {
		calls := 0
		registry.Register(domain.EventBudgetChanged, outbox.HandlerFunc(func(context.Context, domain.Event) error {
			calls++
			return errors.New("first handler broke")
		}))
		registry.Register(domain.EventBudgetChanged, outbox.HandlerFunc(func(context.Context, domain.Event) error {
			calls++
			return nil
		}))

		result := registry.Dispatch(ctx, domain.Event{Type: domain.EventBudgetChanged})

		Expect(calls).To(Equal(2))
		Expect(result.Handled).To(Equal(2))
		Expect(result.Errors).To(HaveLen(1))
		Expect(result.Failed()).To(BeTrue())
	})

	It("is a no-op for types with no handlers", func() {
		result := registry.Dispatch(ctx, domain.Event{Type: domain.EventAvailabilityRecalculated})

		Expect(result.Handled).To(BeZero())
		Expect(result.Failed()).To(BeFalse())
	})
})
