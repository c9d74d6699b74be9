package domain

import (
	"time"
)

// DateLayout is the wire format of calendar dates.
const DateLayout = "2006-01-02"

// DateRange is a half-open span of calendar days [Start, End). A booking for
// 2024-01-01..2024-01-05 occupies the nights of the 1st through the 4th, so a
// second booking may start on the 5th.
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// NewDateRange truncates both bounds to UTC midnight and validates them.
func NewDateRange(start, end time.Time) (DateRange, error) {
	r := DateRange{Start: truncateDay(start), End: truncateDay(end)}
	if err := r.Validate(); err != nil {
		return DateRange{}, err
	}
	return r, nil
}

// ParseDateRange parses two YYYY-MM-DD dates.
func ParseDateRange(start, end string) (DateRange, error) {
	s, err := time.Parse(DateLayout, start)
	if err != nil {
		return DateRange{}, &ValidationError{Field: "start", Reason: "expected YYYY-MM-DD"}
	}
	e, err := time.Parse(DateLayout, end)
	if err != nil {
		return DateRange{}, &ValidationError{Field: "end", Reason: "expected YYYY-MM-DD"}
	}
	return NewDateRange(s, e)
}

// Validate rejects zero-length and inverted ranges.
func (r DateRange) Validate() error {
	if r.Start.IsZero() {
		return &ValidationError{Field: "start", Reason: "required"}
	}
	if r.End.IsZero() {
		return &ValidationError{Field: "end", Reason: "required"}
	}
	if !r.Start.Before(r.End) {
		return &ValidationError{Field: "end", Reason: "must be after start"}
	}
	return nil
}

// Nights is the number of days covered by the range.
func (r DateRange) Nights() int {
	return int(r.End.Sub(r.Start).Hours() / 24)
}

// Overlaps reports whether the two ranges share at least one day.
func (r DateRange) Overlaps(other DateRange) bool {
	return Overlaps(r, other)
}

func (r DateRange) String() string {
	return r.Start.Format(DateLayout) + "/" + r.End.Format(DateLayout)
}

// Overlaps is the half-open interval test: a.Start < b.End && b.Start < a.End.
func Overlaps(a, b DateRange) bool {
	return a.Start.Before(b.End) && b.Start.Before(a.End)
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
