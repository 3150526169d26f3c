package domain

import "time"

// ConsultantSnapshot is the shared, read-once context a producer loads before
// fanning out. Every expanded submission carries the same pointer, so a
// thousand per-day items cost one history query instead of a thousand.
type ConsultantSnapshot struct {
	ConsultantID  string
	StatusHistory []StatusPeriod
	SalaryHistory []SalaryPeriod
	LoadedAt      time.Time
}

// StatusPeriod is one contiguous employment-status interval. To is nil for
// the open-ended current period.
type StatusPeriod struct {
	From   time.Time
	To     *time.Time
	Status string
}

// SalaryPeriod is one salary interval, valid from From until superseded.
type SalaryPeriod struct {
	From         time.Time
	MonthlyCents int64
}
