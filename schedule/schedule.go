// Package schedule decides whether a medication is due on a given day.
//
// All comparisons are on UTC day numbers (see package daynum); the
// time-of-day of the medication's start and end dates is ignored.
package schedule

import (
	"time"

	"medtracker/daynum"
	"medtracker/dbtypes"
)

// IsDue reports whether med is due on day: the day lies within
// [StartDate, EndDate] (both inclusive, EndDate nil meaning unbounded) and
// its weekday is one of med.DaysOfWeek.
func IsDue(med *dbtypes.Medication, day daynum.Day) bool {
	if day < daynum.FromTime(med.StartDate) {
		return false
	}
	if med.EndDate != nil && day > daynum.FromTime(*med.EndDate) {
		return false
	}

	wd := int(day.Weekday())
	for _, d := range med.DaysOfWeek {
		if d == wd {
			return true
		}
	}
	return false
}

// DueSet returns the medications from meds that are due on day, in their
// original order.
func DueSet(meds []*dbtypes.Medication, day daynum.Day) []*dbtypes.Medication {
	var due []*dbtypes.Medication
	for _, med := range meds {
		if IsDue(med, day) {
			due = append(due, med)
		}
	}
	return due
}

// DueDays returns the days in [from, from+count) on which med is due.
func DueDays(med *dbtypes.Medication, from daynum.Day, count int) []daynum.Day {
	var days []daynum.Day
	for i := range count {
		d := from.Add(i)
		if med.EndDate != nil && d > daynum.FromTime(*med.EndDate) {
			break
		}
		if IsDue(med, d) {
			days = append(days, d)
		}
	}
	return days
}

// Trigger is the instant on day at which med's reminder fires.
func Trigger(med *dbtypes.Medication, day daynum.Day) time.Time {
	return day.Start().Add(med.IntakeTime.Offset())
}
