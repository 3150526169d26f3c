package bridge_test

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"crewledger.app/core/core/config"
	"crewledger.app/core/internal/bridge"
	"crewledger.app/core/internal/domain"
)

type published struct {
	topic string
	env   domain.Envelope
	wire  domain.WireEvent
}

type fakePublisher struct {
	calls []published
	err   error
}

func (f *fakePublisher) Publish(_ context.Context, topic string, env domain.Envelope, wire domain.WireEvent) error {
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, published{topic: topic, env: env, wire: wire})
	return nil
}

func (f *fakePublisher) Close() error { return nil }

var liveFlags = config.Features{LiveProducerEnabled: true}

var _ = Describe("Bridge", func() {
	var (
		ctx context.Context
		pub *fakePublisher
	)

	BeforeEach(func() {
		ctx = context.Background()
		pub = &fakePublisher{}
	})

	Describe("feature flag gating", func() {
		event := domain.Event{
			ID:              1,
			Type:            domain.EventWorkEntryCreated,
			AggregateRootID: "c-1",
			Content:         json.RawMessage(`{"date":"2026-02-03"}`),
			OccurredAt:      time.Now(),
		}

		It("publishes when the live producer owns publication", func() {
			b := bridge.New(pub, liveFlags)

			Expect(b.Handle(ctx, event)).To(Succeed())
			Expect(pub.calls).To(HaveLen(1))
		})

		It("stays quiet when the live producer is disabled", func() {
			b := bridge.New(pub, config.Features{LiveProducerEnabled: false})

			Expect(b.Handle(ctx, event)).To(Succeed())
			Expect(pub.calls).To(BeEmpty())
		})

		It("stays quiet when the poll-based dispatcher owns publication", func() {
			b := bridge.New(pub, config.Features{LiveProducerEnabled: true, OutboxDispatcherEnabled: true})

			Expect(b.Handle(ctx, event)).To(Succeed())
			Expect(pub.calls).To(BeEmpty(), "double-publish against the poll dispatcher must be impossible")
		})
	})

	Describe("topic routing", func() {
		It("skips unmapped types silently", func() {
			b := bridge.New(pub, liveFlags)
			event := domain.Event{
				ID:              2,
				Type:            domain.EventAvailabilityRecalculated,
				AggregateRootID: "c-1",
				Content:         json.RawMessage(`{"date":"2026-02-03"}`),
				OccurredAt:      time.Now(),
			}

			Expect(b.Handle(ctx, event)).To(Succeed(), "unmapped types are internal-only, not errors")
			Expect(pub.calls).To(BeEmpty())
		})

		It("routes every external type and leaves internal ones off the table", func() {
			for _, eventType := range domain.AllEventTypes {
				_, mapped := bridge.TopicFor(eventType)
				if eventType == domain.EventAvailabilityRecalculated {
					Expect(mapped).To(BeFalse(), string(eventType))
				} else {
					Expect(mapped).To(BeTrue(), string(eventType))
				}
			}
		})

		It("derives the business date from the payload", func() {
			b := bridge.New(pub, liveFlags)
			event := domain.Event{
				ID:              3,
				Type:            domain.EventSalaryUpdated,
				AggregateRootID: "c-7",
				Content:         json.RawMessage(`{"effectiveDate":"2026-06-15"}`),
				OccurredAt:      time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC),
			}

			Expect(b.Handle(ctx, event)).To(Succeed())
			Expect(pub.calls).To(HaveLen(1))
			Expect(pub.calls[0].topic).To(Equal("user-salary-updates"))
			Expect(pub.calls[0].wire.AggregateRootID).To(Equal("c-7"))
			Expect(pub.calls[0].wire.BusinessDate).To(Equal("2026-06-15"))
		})
	})

	Describe("fixed-anchor deletions", func() {
		It("fans out status deletions from the company start date regardless of their own timestamp", func() {
			b := bridge.New(pub, liveFlags)
			event := domain.Event{
				ID:              4,
				Type:            domain.EventStatusDeleted,
				AggregateRootID: "c-8",
				Content:         json.RawMessage(`{"effectiveDate":"2031-12-24"}`),
				OccurredAt:      time.Date(2031, 12, 24, 18, 0, 0, 0, time.UTC),
			}

			Expect(b.Handle(ctx, event)).To(Succeed())
			Expect(pub.calls).To(HaveLen(1))
			Expect(pub.calls[0].wire.BusinessDate).To(Equal("2007-01-01"))
		})
	})

	Describe("month-granularity fan-out", func() {
		It("publishes one message per calendar month spanned by a contract change", func() {
			b := bridge.New(pub, liveFlags)
			event := domain.Event{
				ID:              5,
				Type:            domain.EventContractConsultantUpdated,
				AggregateRootID: "c-9",
				Content:         json.RawMessage(`{"startDate":"2026-01-15","endDate":"2026-03-02"}`),
				OccurredAt:      time.Now(),
			}

			Expect(b.Handle(ctx, event)).To(Succeed())
			Expect(pub.calls).To(HaveLen(3))

			var dates []string
			for _, call := range pub.calls {
				Expect(call.topic).To(Equal("contract-consultant-updates"))
				Expect(call.wire.AggregateRootID).To(Equal("c-9"))
				dates = append(dates, call.wire.BusinessDate)
			}
			Expect(dates).To(Equal([]string{"2026-01-01", "2026-02-01", "2026-03-01"}))
		})

		It("falls back to a single date when the payload has no range", func() {
			b := bridge.New(pub, liveFlags)
			event := domain.Event{
				ID:              6,
				Type:            domain.EventBudgetChanged,
				AggregateRootID: "c-10",
				Content:         json.RawMessage(`{"date":"2026-04-20"}`),
				OccurredAt:      time.Now(),
			}

			Expect(b.Handle(ctx, event)).To(Succeed())
			Expect(pub.calls).To(HaveLen(1))
			Expect(pub.calls[0].wire.BusinessDate).To(Equal("2026-04-20"))
		})
	})

	Describe("envelope", func() {
		It("shares one correlation id across a fan-out", func() {
			b := bridge.New(pub, liveFlags)
			event := domain.Event{
				ID:              7,
				Type:            domain.EventContractConsultantUpdated,
				AggregateRootID: "c-11",
				Content:         json.RawMessage(`{"startDate":"2026-01-01","endDate":"2026-02-28"}`),
				OccurredAt:      time.Now(),
			}

			Expect(b.Handle(ctx, event)).To(Succeed())
			Expect(pub.calls).To(HaveLen(2))
			Expect(pub.calls[0].env.CorrelationID).NotTo(BeEmpty())
			Expect(pub.calls[1].env.CorrelationID).To(Equal(pub.calls[0].env.CorrelationID))
			Expect(pub.calls[0].env.SchemaVersion).To(Equal(domain.SchemaVersion))
		})
	})

	Describe("publish failures", func() {
		It("returns the error without panicking or retrying", func() {
			pub.err = errors.New("stream unavailable")
			b := bridge.New(pub, liveFlags)
			event := domain.Event{
				ID:              8,
				Type:            domain.EventWorkEntryDeleted,
				AggregateRootID: "c-12",
				Content:         json.RawMessage(`{"date":"2026-05-05"}`),
				OccurredAt:      time.Now(),
			}

			Expect(b.Handle(ctx, event)).To(HaveOccurred())
		})
	})
})
