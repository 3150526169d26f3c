package bridge

import (
	"time"

	"crewledger.app/core/internal/domain"
)

// Topic is a logical external topic, one per coarse change category. Topics
// are Redis stream names on the wire.
type Topic string

const (
	TopicUserStatusUpdates         Topic = "user-status-updates"
	TopicUserSalaryUpdates         Topic = "user-salary-updates"
	TopicWorkUpdates               Topic = "work-updates"
	TopicContractConsultantUpdates Topic = "contract-consultant-updates"
	TopicBudgetUpdates             Topic = "budget-updates"
)

// topicByType is the complete routing table. Types missing from it are
// internal-only and are skipped silently, not errored: absence is the
// mechanism for keeping an event off the wire.
var topicByType = map[domain.EventType]Topic{
	domain.EventStatusCreated:             TopicUserStatusUpdates,
	domain.EventStatusUpdated:             TopicUserStatusUpdates,
	domain.EventStatusDeleted:             TopicUserStatusUpdates,
	domain.EventSalaryUpdated:             TopicUserSalaryUpdates,
	domain.EventWorkEntryCreated:          TopicWorkUpdates,
	domain.EventWorkEntryUpdated:          TopicWorkUpdates,
	domain.EventWorkEntryDeleted:          TopicWorkUpdates,
	domain.EventContractConsultantUpdated: TopicContractConsultantUpdates,
	domain.EventBudgetChanged:             TopicBudgetUpdates,
}

// TopicFor resolves the external topic for an event type.
func TopicFor(t domain.EventType) (Topic, bool) {
	topic, ok := topicByType[t]
	return topic, ok
}

// MappedTypes returns every externally visible event type.
func MappedTypes() []domain.EventType {
	types := make([]domain.EventType, 0, len(topicByType))
	for _, t := range domain.AllEventTypes {
		if _, ok := topicByType[t]; ok {
			types = append(types, t)
		}
	}
	return types
}

// CompanyStartDate is the fixed fan-out anchor for deletion events. A
// deleted status invalidates derived aggregates for the whole historical
// range, and downstream consumers have always been seeded from this date;
// changing it would desynchronize them. Preserve exactly.
var CompanyStartDate = time.Date(2007, 1, 1, 0, 0, 0, 0, time.UTC)

// anchoredTypes fan out from CompanyStartDate regardless of their own
// effective date.
var anchoredTypes = map[domain.EventType]bool{
	domain.EventStatusDeleted: true,
}

// monthlyTypes fan out at month granularity: one message per calendar month
// spanned by the payload's date range.
var monthlyTypes = map[domain.EventType]bool{
	domain.EventContractConsultantUpdated: true,
	domain.EventBudgetChanged:             true,
}

// ReplayDate derives the single business date a stored event replays under.
// Backfill produces one message per event; anchored types keep their fixed
// date so a replay matches what live publication would have sent.
func ReplayDate(ev domain.Event) time.Time {
	if anchoredTypes[ev.Type] {
		return CompanyStartDate
	}
	return domain.BusinessDate(ev.Content, ev.OccurredAt)
}

// FanOutDates derives the business dates an event publishes under.
func FanOutDates(ev domain.Event) []time.Time {
	if anchoredTypes[ev.Type] {
		return []time.Time{CompanyStartDate}
	}

	if monthlyTypes[ev.Type] {
		if start, end, ok := domain.DateRange(ev.Content); ok {
			return domain.MonthStarts(start, end)
		}
		// No usable range in the payload; fall through to a single date.
	}

	return []time.Time{domain.BusinessDate(ev.Content, ev.OccurredAt)}
}
