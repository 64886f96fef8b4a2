package adherence

import (
	"context"
	"fmt"
	"time"

	"medtracker/daynum"
	"medtracker/dbtypes"
	"medtracker/schedule"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// statsWindow is the number of days WeeklyStats covers.
const statsWindow = 7

// DayStats counts one day's intakes.
//
// Total is the number of distinct medications that were due that day or
// have an intake recorded for it.
type DayStats struct {
	Day     daynum.Day   `json:"day"`
	Date    string       `json:"date"`
	Weekday time.Weekday `json:"weekday"`
	Taken   int          `json:"taken"`
	Missed  int          `json:"missed"`
	Total   int          `json:"total"`
}

// DaySummary is the headline view of a single day.
type DaySummary struct {
	Day       daynum.Day `json:"day"`
	Taken     int        `json:"taken"`
	Missed    int        `json:"missed"`
	Total     int        `json:"total"`
	Remaining int        `json:"remaining"`
}

// Status renders the summary the way the summary screen shows it.
func (s DaySummary) Status() string {
	switch {
	case s.Total == 0:
		return "No medications"
	case s.Remaining > 0:
		return fmt.Sprintf("%d left", s.Remaining)
	case s.Missed > 0:
		return fmt.Sprintf("%d missed", s.Missed)
	default:
		return "Completed"
	}
}

func summarize(d DayStats) DaySummary {
	remaining := d.Total - d.Taken - d.Missed
	if remaining < 0 {
		remaining = 0
	}
	return DaySummary{
		Day:       d.Day,
		Taken:     d.Taken,
		Missed:    d.Missed,
		Total:     d.Total,
		Remaining: remaining,
	}
}

// WeeklyStats is the rolling adherence history ending at a reference day.
type WeeklyStats struct {
	// Seven days, oldest first, the last being the reference day.
	Days []DayStats `json:"days"`

	Yesterday DaySummary `json:"yesterday"`
	Today     DaySummary `json:"today"`

	// Tomorrow only predicts Total.
	Tomorrow DaySummary `json:"tomorrow"`

	// Percentage of Total over the seven days that was taken.
	TakenPercent float64 `json:"takenPercent"`
}

// Rating grades TakenPercent.
func (w *WeeklyStats) Rating() string {
	total := 0
	for _, d := range w.Days {
		total += d.Total
	}
	switch {
	case total == 0:
		return "No data"
	case w.TakenPercent >= 90:
		return "Excellent"
	case w.TakenPercent >= 75:
		return "Good"
	default:
		return "Needs Improvement"
	}
}

// WeeklyStats aggregates the seven days ending at referenceDay.
func (e *Engine) WeeklyStats(ctx context.Context, userID string, referenceDay daynum.Day) (*WeeklyStats, error) {
	tracer := otel.Tracer("medtracker/adherence")
	var span trace.Span
	ctx, span = tracer.Start(ctx, "Engine.WeeklyStats")
	defer span.End()

	if err := requireUser(userID); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int64("day", int64(referenceDay)))

	first := referenceDay.Add(-(statsWindow - 1))

	meds, err := e.store.ListMedications(ctx, userID)
	if err != nil {
		err := classify("ListMedications", "", "", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	intakes, err := e.store.ListIntakes(ctx, userID, int64(first), int64(referenceDay))
	if err != nil {
		err := classify("ListIntakes", "", "", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	byDay := map[daynum.Day][]*dbtypes.MedicationIntake{}
	for _, in := range intakes {
		d := daynum.Day(in.DayStatus)
		byDay[d] = append(byDay[d], in)
	}

	stats := &WeeklyStats{}
	taken, total := 0, 0
	for i := range statsWindow {
		d := first.Add(i)
		ds := dayStats(d, meds, byDay[d])
		stats.Days = append(stats.Days, ds)
		taken += ds.Taken
		total += ds.Total
	}

	stats.Yesterday = summarize(stats.Days[statsWindow-2])
	stats.Today = summarize(stats.Days[statsWindow-1])

	tomorrow := referenceDay.Add(1)
	stats.Tomorrow = DaySummary{
		Day:   tomorrow,
		Total: len(schedule.DueSet(meds, tomorrow)),
	}
	stats.Tomorrow.Remaining = stats.Tomorrow.Total

	if total > 0 {
		stats.TakenPercent = 100 * float64(taken) / float64(total)
	}

	span.SetStatus(codes.Ok, "")
	return stats, nil
}

func dayStats(d daynum.Day, meds []*dbtypes.Medication, intakes []*dbtypes.MedicationIntake) DayStats {
	ds := DayStats{
		Day:     d,
		Date:    d.String(),
		Weekday: d.Weekday(),
	}

	rxcuis := map[string]bool{}
	for _, med := range schedule.DueSet(meds, d) {
		rxcuis[med.Rxcui] = true
	}
	for _, in := range intakes {
		rxcuis[in.Rxcui] = true
		switch in.Status {
		case dbtypes.StatusTaken:
			ds.Taken++
		case dbtypes.StatusMissed:
			ds.Missed++
		}
	}
	ds.Total = len(rxcuis)
	return ds
}
