package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnknownPeriod indicates an unsupported reporting period.
var ErrUnknownPeriod = errors.New("domain: unknown period")

// Period selects the reporting window of derived analytics.
type Period string

const (
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
	PeriodYear  Period = "year"
)

// Periods lists every supported period.
func Periods() []Period {
	return []Period{PeriodDay, PeriodWeek, PeriodMonth, PeriodYear}
}

// ParsePeriod validates a textual period, defaulting to week when empty.
func ParsePeriod(value string) (Period, error) {
	p := Period(strings.ToLower(strings.TrimSpace(value)))
	if p == "" {
		return PeriodWeek, nil
	}
	switch p {
	case PeriodDay, PeriodWeek, PeriodMonth, PeriodYear:
		return p, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPeriod, value)
}

// Range returns [now - period, now].
func (p Period) Range(now time.Time) (time.Time, time.Time) {
	switch p {
	case PeriodDay:
		return now.AddDate(0, 0, -1), now
	case PeriodMonth:
		return now.AddDate(0, -1, 0), now
	case PeriodYear:
		return now.AddDate(-1, 0, 0), now
	default:
		return now.AddDate(0, 0, -7), now
	}
}

// Interval is the time-series bucket width used for the period.
func (p Period) Interval() string {
	switch p {
	case PeriodDay:
		return "hour"
	case PeriodYear:
		return "month"
	default:
		return "day"
	}
}
