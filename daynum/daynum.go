// Package daynum converts between instants and UTC day numbers.
//
// A day number is floor(epoch_ms / 86_400_000).  It is the key that joins
// notification triggers, intake records, and schedule resolution, so every
// day-boundary computation in the module goes through this package.
package daynum

import (
	"fmt"
	"strconv"
	"time"
)

// MillisPerDay is the length of a UTC day in milliseconds.
const MillisPerDay = 86_400_000

// DateLayout is the layout used by Parse and Day.String.
const DateLayout = "2006-01-02"

// Day is a UTC calendar day, counted from the Unix epoch.
type Day int64

// FromMillis returns the day containing the millisecond epoch timestamp ms.
func FromMillis(ms int64) Day {
	d := ms / MillisPerDay
	if ms%MillisPerDay < 0 {
		d--
	}
	return Day(d)
}

// FromTime returns the UTC day containing t.
func FromTime(t time.Time) Day {
	return FromMillis(t.UnixMilli())
}

// Parse parses a YYYY-MM-DD date as a UTC day.
func Parse(s string) (Day, error) {
	t, err := time.ParseInLocation(DateLayout, s, time.UTC)
	if err != nil {
		return 0, fmt.Errorf("while parsing date %q: %w", s, err)
	}
	return FromTime(t), nil
}

// ParseDayOrDate accepts either a raw day number or a YYYY-MM-DD date.
func ParseDayOrDate(s string) (Day, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Day(n), nil
	}
	return Parse(s)
}

// StartMillis is the first millisecond of the day.
func (d Day) StartMillis() int64 {
	return int64(d) * MillisPerDay
}

// EndMillis is the last millisecond of the day.
func (d Day) EndMillis() int64 {
	return d.StartMillis() + MillisPerDay - 1
}

// Start is midnight UTC at the beginning of the day.
func (d Day) Start() time.Time {
	return time.UnixMilli(d.StartMillis()).UTC()
}

// Weekday of the day; Sunday is 0.
func (d Day) Weekday() time.Weekday {
	return d.Start().Weekday()
}

// Add returns the day n days after d.
func (d Day) Add(n int) Day {
	return d + Day(n)
}

func (d Day) String() string {
	return d.Start().Format(DateLayout)
}
