// Package dbtypes holds the records persisted by the medication adherence
// engine.  The same structs are used by every dblayer backend.
package dbtypes

import (
	"time"
)

// User represents a patient whose medications and intake history are
// tracked.
type User struct {
	ID          string `firestore:"id" json:"id"`
	Email       string `firestore:"email" json:"email" validate:"omitempty,email"`
	DisplayName string `firestore:"displayName" json:"displayName"`
}

// TimeOfDay is a UTC wall-clock time at which a medication should be taken.
type TimeOfDay struct {
	Hour   int `firestore:"hour" json:"hour" validate:"gte=0,lte=23"`
	Minute int `firestore:"minute" json:"minute" validate:"gte=0,lte=59"`
}

// Offset is the duration from midnight.
func (t TimeOfDay) Offset() time.Duration {
	return time.Duration(t.Hour)*time.Hour + time.Duration(t.Minute)*time.Minute
}

// Medication is a prescribed drug in a user's medication set.
type Medication struct {
	ID string `firestore:"id" json:"id"`

	// Drug identity code.  Unique within one user's medications.
	Rxcui string `firestore:"rxcui" json:"rxcui" validate:"required,excludesall=/"`

	NameDisplay string `firestore:"nameDisplay" json:"nameDisplay"`
	Strength    string `firestore:"strength" json:"strength"`
	Route       string `firestore:"route" json:"route"`

	// First day (inclusive) the medication is due.
	StartDate time.Time `firestore:"startDate" json:"startDate" validate:"required"`

	// Last day (inclusive) the medication is due.  Nil means no end.
	EndDate *time.Time `firestore:"endDate" json:"endDate,omitempty"`

	// Weekday indices, Sunday=0.
	DaysOfWeek []int `firestore:"daysOfWeek" json:"daysOfWeek" validate:"required,min=1,max=7,unique,dive,gte=0,lte=6"`

	IntakeTime TimeOfDay `firestore:"intakeTime" json:"intakeTime"`
}

// Notification is one pending reminder held by a MedicationAlarm.
type Notification struct {
	// Handle assigned by the delivery layer.
	ID string `firestore:"id" json:"id" validate:"required"`

	MedicationID string `firestore:"medicationID" json:"medicationID" validate:"required"`
	Rxcui        string `firestore:"rxcui" json:"rxcui"`

	// Millisecond epoch timestamp at which the reminder fires.
	Trigger int64 `firestore:"trigger" json:"trigger"`
}

// MedicationAlarm holds the pending notifications for one medication.  The
// set of a user's alarms is their alarm collection.
type MedicationAlarm struct {
	ID            string         `firestore:"id" json:"id"`
	MedicationID  string         `firestore:"medicationID" json:"medicationID"`
	Notifications []Notification `firestore:"notifications" json:"notifications"`
}

// IntakeStatus is the patient's response to a due medication.
type IntakeStatus string

const (
	StatusTaken  IntakeStatus = "taken"
	StatusMissed IntakeStatus = "missed"
)

// ParseIntakeStatus returns the IntakeStatus named by s.
func ParseIntakeStatus(s string) (IntakeStatus, error) {
	switch IntakeStatus(s) {
	case StatusTaken, StatusMissed:
		return IntakeStatus(s), nil
	}
	return "", &ValidationError{Field: "status", Reason: "must be taken or missed"}
}

// MedicationIntake is an append-only history record.  There is at most one
// per (user, rxcui, dayStatus).
type MedicationIntake struct {
	ID    string `firestore:"id" json:"id"`
	Rxcui string `firestore:"rxcui" json:"rxcui" validate:"required,excludesall=/"`

	// UTC day number the intake applies to.
	DayStatus int64 `firestore:"dayStatus" json:"dayStatus" validate:"gte=0"`

	Status IntakeStatus `firestore:"status" json:"status" validate:"oneof=taken missed"`

	// Millisecond epoch timestamp of the user action.
	TimestampStatus int64 `firestore:"timestampStatus" json:"timestampStatus"`
}
