// Package dblayer defines the persistence contract of the adherence engine.
//
// Implementations live in subpackages: firestoredb (Cloud Firestore),
// badgerdb (embedded badger), and pgdb (PostgreSQL).  Every implementation
// must pass the conformance suite in dbtest.
package dblayer

import (
	"context"
	"errors"

	"medtracker/dbtypes"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrMedicationAlreadyExists is returned when a user already has a
	// medication with the same rxcui.
	ErrMedicationAlreadyExists = errors.New("medication already exists")

	// ErrIntakeExists is returned by CreateIntake when an intake is already
	// recorded for the same (user, rxcui, day).
	ErrIntakeExists = errors.New("intake already recorded for that day")
)

// Store is a per-user document store for medications, alarms, and intake
// history.
//
// Operations that the engine relies on for correctness under concurrent
// callers (AddMedication, UpdateMedication, CreateIntake, RemoveNotification,
// AddNotifications) must be atomic.
type Store interface {
	// Ping checks that the backing store is reachable.
	Ping(ctx context.Context) error

	GetUser(ctx context.Context, userID string) (*dbtypes.User, error)
	PutUser(ctx context.Context, user *dbtypes.User) error

	// AddMedication stores med under a generated ID, which is written back to
	// med.ID and returned.  Fails with ErrMedicationAlreadyExists if the user
	// already has a medication with med.Rxcui.
	AddMedication(ctx context.Context, userID string, med *dbtypes.Medication) (string, error)
	GetMedication(ctx context.Context, userID, medicationID string) (*dbtypes.Medication, error)
	ListMedications(ctx context.Context, userID string) ([]*dbtypes.Medication, error)
	// UpdateMedication replaces the medication with ID med.ID.
	UpdateMedication(ctx context.Context, userID string, med *dbtypes.Medication) error
	DeleteMedication(ctx context.Context, userID, medicationID string) error

	// AddNotifications appends notifications to the alarm for medicationID,
	// creating the alarm if needed.  Entries already present are not
	// duplicated.
	AddNotifications(ctx context.Context, userID, medicationID string, notifications []dbtypes.Notification) error
	ListAlarms(ctx context.Context, userID string) ([]*dbtypes.MedicationAlarm, error)
	// NotificationsBetween returns every notification of the user whose
	// trigger is in [fromMillis, toMillis].
	NotificationsBetween(ctx context.Context, userID string, fromMillis, toMillis int64) ([]dbtypes.Notification, error)
	// RemoveNotification deletes the single notification with the given ID
	// from whichever alarm holds it.  Reports whether an entry was removed.
	RemoveNotification(ctx context.Context, userID, notificationID string) (bool, error)

	// CreateIntake records intake unless one already exists for
	// (userID, intake.Rxcui, intake.DayStatus), in which case it returns
	// ErrIntakeExists and leaves the existing record untouched.
	CreateIntake(ctx context.Context, userID string, intake *dbtypes.MedicationIntake) error
	// ListIntakes returns the intakes whose DayStatus is in [fromDay, toDay].
	ListIntakes(ctx context.Context, userID string, fromDay, toDay int64) ([]*dbtypes.MedicationIntake, error)

	Close() error
}
