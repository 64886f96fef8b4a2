package daynum

import (
	"testing"
	"time"
)

func TestFromMillis(t *testing.T) {
	testCases := []struct {
		desc string
		ms   int64
		want Day
	}{
		{desc: "epoch", ms: 0, want: 0},
		{desc: "last ms of day 0", ms: MillisPerDay - 1, want: 0},
		{desc: "first ms of day 1", ms: MillisPerDay, want: 1},
		{desc: "one ms before epoch", ms: -1, want: -1},
		{desc: "exactly one day before epoch", ms: -MillisPerDay, want: -1},
		{desc: "2024-01-03 noon", ms: time.Date(2024, 1, 3, 12, 0, 0, 0, time.UTC).UnixMilli(), want: 19725},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			if got := FromMillis(tc.ms); got != tc.want {
				t.Errorf("FromMillis(%d) = %d, want %d", tc.ms, got, tc.want)
			}
		})
	}
}

func TestFromTimeIgnoresZone(t *testing.T) {
	// 2024-01-03 23:30 in UTC-5 is already 2024-01-04 in UTC.
	est := time.FixedZone("EST", -5*60*60)
	got := FromTime(time.Date(2024, 1, 3, 23, 30, 0, 0, est))
	want, err := Parse("2024-01-04")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got != want {
		t.Errorf("FromTime = %v, want %v", got, want)
	}
}

func TestDayBounds(t *testing.T) {
	d, err := Parse("2024-01-03")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if FromMillis(d.StartMillis()) != d {
		t.Errorf("StartMillis is not inside the day")
	}
	if FromMillis(d.EndMillis()) != d {
		t.Errorf("EndMillis is not inside the day")
	}
	if FromMillis(d.EndMillis()+1) != d.Add(1) {
		t.Errorf("EndMillis+1 is not the next day")
	}
	if FromMillis(d.StartMillis()-1) != d.Add(-1) {
		t.Errorf("StartMillis-1 is not the previous day")
	}
	if d.Weekday() != time.Wednesday {
		t.Errorf("Weekday = %v, want Wednesday", d.Weekday())
	}
	if d.String() != "2024-01-03" {
		t.Errorf("String = %q, want %q", d.String(), "2024-01-03")
	}
}

func TestParseDayOrDate(t *testing.T) {
	got, err := ParseDayOrDate("19725")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got != 19725 {
		t.Errorf("got %d, want 19725", got)
	}

	got, err = ParseDayOrDate("2024-01-03")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got != 19725 {
		t.Errorf("got %d, want 19725", got)
	}

	if _, err := ParseDayOrDate("next tuesday"); err == nil {
		t.Errorf("Expected error for unparseable input")
	}
}
