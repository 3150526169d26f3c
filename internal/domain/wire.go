package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// DateLayout is the ISO-8601 date format used on the wire and in payloads.
const DateLayout = "2006-01-02"

// WireEvent is the entire public contract of the recalculation topics.
// It is deliberately thin: consumers re-derive full context by querying
// current state from the aggregate root, never trusting embedded data
// beyond the key and date. Unknown extra fields must be tolerated.
type WireEvent struct {
	AggregateRootID string `json:"aggregateRootId"`
	BusinessDate    string `json:"businessDate"`
}

func NewWireEvent(aggregateRootID string, day time.Time) WireEvent {
	return WireEvent{
		AggregateRootID: aggregateRootID,
		BusinessDate:    day.Format(DateLayout),
	}
}

// Day parses the wire event's business date.
func (w WireEvent) Day() (time.Time, error) {
	day, err := time.Parse(DateLayout, w.BusinessDate)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing business date %q: %w", w.BusinessDate, err)
	}
	return day, nil
}

// businessDateFields is the prioritized list of payload field names checked
// when deriving a business date from a stored event.
var businessDateFields = []string{"businessDate", "effectiveDate", "startDate", "date"}

// BusinessDate derives the business date for a stored payload, preferring
// date fields embedded in the payload and falling back to the given
// timestamp (normally the event's occurred_at) otherwise.
func BusinessDate(content json.RawMessage, fallback time.Time) time.Time {
	var fields map[string]any
	if err := json.Unmarshal(content, &fields); err == nil {
		for _, name := range businessDateFields {
			raw, ok := fields[name]
			if !ok {
				continue
			}
			s, ok := raw.(string)
			if !ok {
				continue
			}
			if day, err := parseDate(s); err == nil {
				return day
			}
		}
	}
	return Midnight(fallback)
}

// DateRange reads a startDate/endDate pair from the payload, used for
// month-granularity fan-out. Returns false when either bound is missing or
// malformed.
func DateRange(content json.RawMessage) (start, end time.Time, ok bool) {
	var fields struct {
		StartDate string `json:"startDate"`
		EndDate   string `json:"endDate"`
	}
	if err := json.Unmarshal(content, &fields); err != nil {
		return time.Time{}, time.Time{}, false
	}

	start, err := parseDate(fields.StartDate)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	end, err = parseDate(fields.EndDate)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, false
	}
	return start, end, true
}

// MonthStarts returns the first day of every calendar month spanned by
// [start, end], inclusive of the months containing both bounds.
func MonthStarts(start, end time.Time) []time.Time {
	if end.Before(start) {
		return nil
	}

	first := time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, time.UTC)
	last := time.Date(end.Year(), end.Month(), 1, 0, 0, 0, 0, time.UTC)

	var months []time.Time
	for m := first; !m.After(last); m = m.AddDate(0, 1, 0) {
		months = append(months, m)
	}
	return months
}

// Midnight truncates t to its UTC date.
func Midnight(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func parseDate(s string) (time.Time, error) {
	if day, err := time.Parse(DateLayout, s); err == nil {
		return day, nil
	}
	// Some writers store full timestamps; accept those and truncate.
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return Midnight(ts), nil
	}
	return time.Time{}, fmt.Errorf("unparseable date %q", s)
}
