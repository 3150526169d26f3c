package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType is the semantic type of a state-changing action recorded in the
// domain_events table. The set is closed; the bridge topic table and the
// dispatch registry key off it.
type EventType string

const (
	EventStatusCreated             EventType = "status_created"
	EventStatusUpdated             EventType = "status_updated"
	EventStatusDeleted             EventType = "status_deleted"
	EventSalaryUpdated             EventType = "salary_updated"
	EventWorkEntryCreated          EventType = "work_entry_created"
	EventWorkEntryUpdated          EventType = "work_entry_updated"
	EventWorkEntryDeleted          EventType = "work_entry_deleted"
	EventContractConsultantUpdated EventType = "contract_consultant_updated"
	EventBudgetChanged             EventType = "budget_changed"

	// EventAvailabilityRecalculated is internal-only: it has no topic
	// mapping and never leaves the process.
	EventAvailabilityRecalculated EventType = "availability_recalculated"
)

// AllEventTypes lists every known event type. Tests use it to pin the
// internal/external split of the topic table.
var AllEventTypes = []EventType{
	EventStatusCreated,
	EventStatusUpdated,
	EventStatusDeleted,
	EventSalaryUpdated,
	EventWorkEntryCreated,
	EventWorkEntryUpdated,
	EventWorkEntryDeleted,
	EventContractConsultantUpdated,
	EventBudgetChanged,
	EventAvailabilityRecalculated,
}

// Event is one row of the domain_events outbox table. Rows are append-only
// and retained indefinitely as the audit trail; nothing in this subsystem
// deletes or updates them after creation.
type Event struct {
	ID              int64           // domain_events.id (snowflake)
	Actor           string          // who caused the mutation
	Type            EventType       // domain_events.event_type
	AggregateRootID string          // the consultant/contract the event concerns
	Content         json.RawMessage // domain_events.event_content
	OccurredAt      time.Time       // domain_events.occurred_at
}

// SchemaVersion is the current envelope schema version.
const SchemaVersion = 1

// Envelope is the denormalized transport projection of an event. Built on
// demand per publication, never persisted separately.
type Envelope struct {
	EventID       int64
	Type          EventType
	SchemaVersion int
	CorrelationID string
	OccurredAt    time.Time
}

// NewEnvelope builds a fresh envelope for ev with a new correlation ID.
func NewEnvelope(ev Event) Envelope {
	return Envelope{
		EventID:       ev.ID,
		Type:          ev.Type,
		SchemaVersion: SchemaVersion,
		CorrelationID: uuid.NewString(),
		OccurredAt:    ev.OccurredAt,
	}
}
