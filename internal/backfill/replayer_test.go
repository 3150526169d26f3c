package backfill_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"crewledger.app/core/internal/backfill"
	"crewledger.app/core/internal/bridge"
	"crewledger.app/core/internal/domain"
	"crewledger.app/core/internal/queue"
)

type listCall struct {
	limit  int
	offset int
}

type fakeLister struct {
	events []domain.Event
	calls  []listCall
	err    error
}

func (f *fakeLister) ListWindow(_ context.Context, _, _ time.Time, _ []domain.EventType, limit, offset int) ([]domain.Event, error) {
	f.calls = append(f.calls, listCall{limit: limit, offset: offset})
	if f.err != nil {
		return nil, f.err
	}
	if offset >= len(f.events) {
		return nil, nil
	}
	end := offset + limit
	if end > len(f.events) {
		end = len(f.events)
	}
	return f.events[offset:end], nil
}

type published struct {
	topic string
	env   domain.Envelope
	wire  domain.WireEvent
}

type fakePublisher struct {
	published []published
	failTopic string
}

var _ queue.Publisher = (*fakePublisher)(nil)

func (f *fakePublisher) Publish(_ context.Context, topic string, env domain.Envelope, wire domain.WireEvent) error {
	if topic == f.failTopic {
		return errors.New("stream unavailable")
	}
	f.published = append(f.published, published{topic: topic, env: env, wire: wire})
	return nil
}

func (f *fakePublisher) Close() error { return nil }

func storedEvent(id int64, t domain.EventType, content string) domain.Event {
	return domain.Event{
		ID:              id,
		Actor:           "system",
		Type:            t,
		AggregateRootID: fmt.Sprintf("consultant-%d", id),
		Content:         json.RawMessage(content),
		OccurredAt:      time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
	}
}

var _ = Describe("Replayer", func() {
	var (
		lister *fakeLister
		pub    *fakePublisher
		rep    *backfill.Replayer
		ctx    context.Context
	)

	BeforeEach(func() {
		lister = &fakeLister{}
		pub = &fakePublisher{}
		rep = backfill.New(lister, pub)
		ctx = context.Background()
	})

	Describe("dry runs", func() {
		It("counts mapped events without publishing anything", func() {
			lister.events = []domain.Event{
				storedEvent(1, domain.EventSalaryUpdated, `{"businessDate":"2026-02-01"}`),
				storedEvent(2, domain.EventAvailabilityRecalculated, `{}`),
				storedEvent(3, domain.EventWorkEntryCreated, `{"date":"2026-02-03"}`),
			}

			summary, err := rep.Run(ctx, backfill.Params{DryRun: true})

			Expect(err).NotTo(HaveOccurred())
			Expect(pub.published).To(BeEmpty())
			Expect(summary.Selected).To(Equal(3))
			Expect(summary.Produced).To(Equal(2))
			Expect(summary.Skipped).To(Equal(1))
			Expect(summary.Errors).To(Equal(0))
			Expect(summary.PerTopic).To(Equal(map[bridge.Topic]int{
				bridge.TopicUserSalaryUpdates: 1,
				bridge.TopicWorkUpdates:       1,
			}))
		})
	})

	Describe("live runs", func() {
		It("publishes exactly once per mappable event", func() {
			lister.events = []domain.Event{
				storedEvent(1, domain.EventStatusUpdated, `{"businessDate":"2026-01-15"}`),
				storedEvent(2, domain.EventBudgetChanged, `{"startDate":"2026-01-01"}`),
			}

			summary, err := rep.Run(ctx, backfill.Params{})

			Expect(err).NotTo(HaveOccurred())
			Expect(pub.published).To(HaveLen(2))
			Expect(summary.Produced).To(Equal(2))
			Expect(pub.published[0].topic).To(Equal(string(bridge.TopicUserStatusUpdates)))
			Expect(pub.published[0].wire.BusinessDate).To(Equal("2026-01-15"))
			Expect(pub.published[1].topic).To(Equal(string(bridge.TopicBudgetUpdates)))
			Expect(pub.published[1].wire.BusinessDate).To(Equal("2026-01-01"))
		})

		It("replays status deletions under the fixed anchor date", func() {
			lister.events = []domain.Event{
				storedEvent(1, domain.EventStatusDeleted, `{"businessDate":"2031-12-24"}`),
			}

			_, err := rep.Run(ctx, backfill.Params{})

			Expect(err).NotTo(HaveOccurred())
			Expect(pub.published).To(HaveLen(1))
			Expect(pub.published[0].wire.BusinessDate).To(Equal("2007-01-01"))
		})

		It("falls back to the stored timestamp when the payload has no date", func() {
			lister.events = []domain.Event{
				storedEvent(1, domain.EventWorkEntryDeleted, `{}`),
			}

			_, err := rep.Run(ctx, backfill.Params{})

			Expect(err).NotTo(HaveOccurred())
			Expect(pub.published).To(HaveLen(1))
			Expect(pub.published[0].wire.BusinessDate).To(Equal("2026-03-10"))
		})

		It("counts per-event publish failures and keeps going", func() {
			pub.failTopic = string(bridge.TopicUserSalaryUpdates)
			lister.events = []domain.Event{
				storedEvent(1, domain.EventSalaryUpdated, `{"businessDate":"2026-02-01"}`),
				storedEvent(2, domain.EventWorkEntryCreated, `{"date":"2026-02-03"}`),
			}

			summary, err := rep.Run(ctx, backfill.Params{})

			Expect(err).NotTo(HaveOccurred())
			Expect(summary.Errors).To(Equal(1))
			Expect(summary.Produced).To(Equal(1))
			Expect(summary.Selected).To(Equal(summary.Produced + summary.Skipped + summary.Errors))
		})

		It("counts events without an aggregate root id as errors", func() {
			ev := storedEvent(1, domain.EventStatusCreated, `{}`)
			ev.AggregateRootID = ""
			lister.events = []domain.Event{ev}

			summary, err := rep.Run(ctx, backfill.Params{})

			Expect(err).NotTo(HaveOccurred())
			Expect(pub.published).To(BeEmpty())
			Expect(summary.Errors).To(Equal(1))
		})
	})

	Describe("paging", func() {
		It("walks the window in pages", func() {
			for i := 0; i < backfill.PageSize*2+50; i++ {
				lister.events = append(lister.events,
					storedEvent(int64(i+1), domain.EventWorkEntryUpdated, `{"date":"2026-02-03"}`))
			}

			summary, err := rep.Run(ctx, backfill.Params{DryRun: true})

			Expect(err).NotTo(HaveOccurred())
			Expect(summary.Selected).To(Equal(backfill.PageSize*2 + 50))
			Expect(lister.calls).To(Equal([]listCall{
				{limit: backfill.PageSize, offset: 0},
				{limit: backfill.PageSize, offset: backfill.PageSize},
				{limit: backfill.PageSize, offset: backfill.PageSize * 2},
			}))
		})

		It("honors limit and offset for resumable runs", func() {
			for i := 0; i < 20; i++ {
				lister.events = append(lister.events,
					storedEvent(int64(i+1), domain.EventWorkEntryUpdated, `{"date":"2026-02-03"}`))
			}

			summary, err := rep.Run(ctx, backfill.Params{DryRun: true, Limit: 5, Offset: 2})

			Expect(err).NotTo(HaveOccurred())
			Expect(summary.Selected).To(Equal(5))
			Expect(lister.calls).To(Equal([]listCall{{limit: 5, offset: 2}}))
			Expect(pub.published).To(BeEmpty())
		})
	})

	Describe("store failures", func() {
		It("aborts when a page cannot be read", func() {
			lister.err = errors.New("connection refused")

			_, err := rep.Run(ctx, backfill.Params{DryRun: true})

			Expect(err).To(MatchError(ContainSubstring("list events")))
		})
	})
})
