// Package system provides the wall clock used outside tests.
package system

import (
	"fmt"
	"time"

	"github.com/JakeFAU/announcement-ledger/internal/ingest"
)

// Clock implements ingest.Clock using time.Now.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Today returns the batch date for now: midnight UTC of the current day.
func (c Clock) Today() time.Time {
	return BatchDate(c.Now())
}

// BatchDate truncates t to its UTC calendar day.
func BatchDate(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ParseBatchDate parses a YYYY-MM-DD batch date.
func ParseBatchDate(raw string) (time.Time, error) {
	d, err := time.Parse(ingest.DateLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse batch date %q: %w", raw, err)
	}
	return d, nil
}

// Fixed is a clock frozen at one instant, for dry runs and tests.
type Fixed struct {
	At time.Time
}

// Now returns the frozen instant.
func (f Fixed) Now() time.Time {
	return f.At
}
