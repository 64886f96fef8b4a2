package adherence

import (
	"context"
	"errors"
	"testing"
	"time"

	"medtracker/daynum"
	"medtracker/dbtypes"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestWeeklyStats(t *testing.T) {
	ctx := context.Background()
	e := New(openStore(t), &fakeCanceller{})

	// Window is Thu 2023-12-28 (19719) through Wed 2024-01-03 (19725).
	monday := time.Date(2023, time.December, 25, 0, 0, 0, 0, time.UTC)
	mustAddMedication(t, e, "u1", newMedication("111", monday, 1, 3, 5))
	saturday := time.Date(2023, time.December, 30, 0, 0, 0, 0, time.UTC)
	mustAddMedication(t, e, "u1", newMedication("222", saturday, 0, 1, 2, 3, 4, 5, 6))

	record := func(day daynum.Day, rxcui string, status dbtypes.IntakeStatus) {
		req := IntakeRequest{UserID: "u1", Rxcui: rxcui, Timestamp: day.StartMillis() + 8*3600*1000, Status: status}
		if err := e.RecordIntake(ctx, req); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
	}
	record(19720, "111", dbtypes.StatusTaken)
	record(19721, "222", dbtypes.StatusMissed)
	record(19723, "111", dbtypes.StatusTaken)
	record(19723, "222", dbtypes.StatusTaken)
	record(19724, "222", dbtypes.StatusTaken)
	record(19724, "999", dbtypes.StatusTaken)
	record(19725, "111", dbtypes.StatusMissed)
	// Outside the window.
	record(19718, "111", dbtypes.StatusTaken)

	got, err := e.WeeklyStats(ctx, "u1", wednesday)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	wantDays := []DayStats{
		{Day: 19719, Date: "2023-12-28", Weekday: time.Thursday, Total: 0},
		{Day: 19720, Date: "2023-12-29", Weekday: time.Friday, Taken: 1, Total: 1},
		{Day: 19721, Date: "2023-12-30", Weekday: time.Saturday, Missed: 1, Total: 1},
		{Day: 19722, Date: "2023-12-31", Weekday: time.Sunday, Total: 1},
		{Day: 19723, Date: "2024-01-01", Weekday: time.Monday, Taken: 2, Total: 2},
		{Day: 19724, Date: "2024-01-02", Weekday: time.Tuesday, Taken: 2, Total: 2},
		{Day: 19725, Date: "2024-01-03", Weekday: time.Wednesday, Missed: 1, Total: 2},
	}
	if diff := cmp.Diff(got.Days, wantDays); diff != "" {
		t.Errorf("Bad days; diff (-got +want)\n%s", diff)
	}

	if diff := cmp.Diff(got.Yesterday, DaySummary{Day: 19724, Taken: 2, Total: 2}); diff != "" {
		t.Errorf("Bad yesterday; diff (-got +want)\n%s", diff)
	}
	if diff := cmp.Diff(got.Today, DaySummary{Day: 19725, Missed: 1, Total: 2, Remaining: 1}); diff != "" {
		t.Errorf("Bad today; diff (-got +want)\n%s", diff)
	}
	if diff := cmp.Diff(got.Tomorrow, DaySummary{Day: 19726, Total: 1, Remaining: 1}); diff != "" {
		t.Errorf("Bad tomorrow; diff (-got +want)\n%s", diff)
	}

	if got, want := got.Yesterday.Status(), "Completed"; got != want {
		t.Errorf("Bad yesterday status; got %q, want %q", got, want)
	}
	if got, want := got.Today.Status(), "1 left"; got != want {
		t.Errorf("Bad today status; got %q, want %q", got, want)
	}

	if diff := cmp.Diff(got.TakenPercent, 100*5.0/9.0, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Errorf("Bad taken percent; diff (-got +want)\n%s", diff)
	}
	if got, want := got.Rating(), "Needs Improvement"; got != want {
		t.Errorf("Bad rating; got %q, want %q", got, want)
	}
}

func TestWeeklyStatsNoMedications(t *testing.T) {
	e := New(openStore(t), &fakeCanceller{})

	got, err := e.WeeklyStats(context.Background(), "u1", wednesday)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(got.Days) != 7 {
		t.Fatalf("Bad number of days; got %d, want 7", len(got.Days))
	}
	for _, d := range got.Days {
		if d.Total != 0 {
			t.Errorf("Day %s has total %d, want 0", d.Date, d.Total)
		}
	}
	if got, want := got.Today.Status(), "No medications"; got != want {
		t.Errorf("Bad today status; got %q, want %q", got, want)
	}
	if got, want := got.Rating(), "No data"; got != want {
		t.Errorf("Bad rating; got %q, want %q", got, want)
	}
}

func TestWeeklyStatsStoreError(t *testing.T) {
	e := New(&failingStore{Store: openStore(t), err: errors.New("unavailable")}, &fakeCanceller{})

	_, err := e.WeeklyStats(context.Background(), "u1", wednesday)
	var serr *StoreError
	if !errors.As(err, &serr) {
		t.Fatalf("Got err %v, want StoreError", err)
	}
}

func TestDaySummaryStatus(t *testing.T) {
	tests := []struct {
		summary DaySummary
		want    string
	}{
		{DaySummary{}, "No medications"},
		{DaySummary{Total: 3, Taken: 3}, "Completed"},
		{DaySummary{Total: 3, Taken: 1, Missed: 2}, "2 missed"},
		{DaySummary{Total: 3, Remaining: 3}, "3 left"},
	}
	for _, tc := range tests {
		if got := tc.summary.Status(); got != tc.want {
			t.Errorf("Status of %+v; got %q, want %q", tc.summary, got, tc.want)
		}
	}
}

func TestRating(t *testing.T) {
	tests := []struct {
		percent float64
		want    string
	}{
		{100, "Excellent"},
		{90, "Excellent"},
		{89.9, "Good"},
		{75, "Good"},
		{74.9, "Needs Improvement"},
		{0, "Needs Improvement"},
	}
	for _, tc := range tests {
		w := &WeeklyStats{Days: []DayStats{{Total: 1}}, TakenPercent: tc.percent}
		if got := w.Rating(); got != tc.want {
			t.Errorf("Rating for %v%%; got %q, want %q", tc.percent, got, tc.want)
		}
	}
}
