// Package firestoredb packages up the Cloud Firestore accesses of the
// adherence engine.
//
// Layout:
//
//	Users/{userID}
//	Users/{userID}/medications/{medicationID}
//	Users/{userID}/medicationIntakes/{rxcui}_{dayStatus}
//	Alarms/{userID}/medicationAlarms/{medicationID}
package firestoredb

import (
	"context"
	"errors"
	"fmt"

	"medtracker/dblayer"
	"medtracker/dbtypes"

	"cloud.google.com/go/firestore"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type DB struct {
	firestoreClient *firestore.Client
}

var _ dblayer.Store = (*DB)(nil)

func New(firestoreClient *firestore.Client) *DB {
	return &DB{
		firestoreClient: firestoreClient,
	}
}

func (db *DB) Close() error {
	return db.firestoreClient.Close()
}

func (db *DB) users() *firestore.CollectionRef {
	return db.firestoreClient.Collection("Users")
}

func (db *DB) medications(userID string) *firestore.CollectionRef {
	return db.users().Doc(userID).Collection("medications")
}

func (db *DB) intakes(userID string) *firestore.CollectionRef {
	return db.users().Doc(userID).Collection("medicationIntakes")
}

func (db *DB) alarms(userID string) *firestore.CollectionRef {
	return db.firestoreClient.Collection("Alarms").Doc(userID).Collection("medicationAlarms")
}

// intakeDocID is the deterministic document ID that makes a second intake for
// the same (rxcui, day) collide on Create.
func intakeDocID(rxcui string, day int64) string {
	return fmt.Sprintf("%s_%d", rxcui, day)
}

// translate maps Firestore status codes onto dblayer sentinels.
func translate(err error) error {
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("%w: %w", dblayer.ErrNotFound, err)
	}
	return err
}

func (db *DB) Ping(ctx context.Context) error {
	iter := db.users().Limit(1).Documents(ctx)
	defer iter.Stop()
	if _, err := iter.Next(); err != nil && err != iterator.Done {
		return fmt.Errorf("while querying users: %w", err)
	}
	return nil
}

func (db *DB) GetUser(ctx context.Context, userID string) (*dbtypes.User, error) {
	snap, err := db.users().Doc(userID).Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("while retrieving user %s: %w", userID, translate(err))
	}

	user := &dbtypes.User{}
	if err := snap.DataTo(user); err != nil {
		return nil, fmt.Errorf("while unmarshaling user %s: %w", userID, err)
	}
	return user, nil
}

func (db *DB) PutUser(ctx context.Context, user *dbtypes.User) error {
	if err := user.Validate(); err != nil {
		return err
	}
	if _, err := db.users().Doc(user.ID).Set(ctx, user); err != nil {
		return fmt.Errorf("while storing user %s: %w", user.ID, err)
	}
	return nil
}

// rxcuiTaken reports whether a medication other than exceptID already uses
// rxcui.  Must be called before any writes in txn.
func (db *DB) rxcuiTaken(txn *firestore.Transaction, userID, rxcui, exceptID string) (bool, error) {
	snaps, err := txn.Documents(db.medications(userID).Where("rxcui", "==", rxcui)).GetAll()
	if err != nil {
		return false, fmt.Errorf("while querying medications by rxcui: %w", err)
	}
	for _, snap := range snaps {
		if snap.Ref.ID != exceptID {
			return true, nil
		}
	}
	return false, nil
}

func (db *DB) AddMedication(ctx context.Context, userID string, med *dbtypes.Medication) (string, error) {
	if err := med.Validate(); err != nil {
		return "", err
	}

	newMedRef := db.medications(userID).NewDoc()
	err := db.firestoreClient.RunTransaction(ctx, func(ctx context.Context, txn *firestore.Transaction) error {
		taken, err := db.rxcuiTaken(txn, userID, med.Rxcui, "")
		if err != nil {
			return err
		}
		if taken {
			return dblayer.ErrMedicationAlreadyExists
		}

		stored := *med
		stored.ID = newMedRef.ID
		return txn.Create(newMedRef, &stored)
	})
	if err != nil {
		return "", fmt.Errorf("while creating medication %s: %w", med.Rxcui, err)
	}

	med.ID = newMedRef.ID
	return med.ID, nil
}

func (db *DB) GetMedication(ctx context.Context, userID, medicationID string) (*dbtypes.Medication, error) {
	snap, err := db.medications(userID).Doc(medicationID).Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("while retrieving medication %s: %w", medicationID, translate(err))
	}

	med := &dbtypes.Medication{}
	if err := snap.DataTo(med); err != nil {
		return nil, fmt.Errorf("while unmarshaling medication %s: %w", medicationID, err)
	}
	return med, nil
}

func (db *DB) ListMedications(ctx context.Context, userID string) ([]*dbtypes.Medication, error) {
	var meds []*dbtypes.Medication
	medIter := db.medications(userID).Documents(ctx)
	defer medIter.Stop()
	for {
		snap, err := medIter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("while listing medications: %w", err)
		}

		med := &dbtypes.Medication{}
		if err := snap.DataTo(med); err != nil {
			return nil, fmt.Errorf("while unmarshaling medication %s: %w", snap.Ref.ID, err)
		}
		meds = append(meds, med)
	}
	return meds, nil
}

func (db *DB) UpdateMedication(ctx context.Context, userID string, med *dbtypes.Medication) error {
	if err := med.Validate(); err != nil {
		return err
	}

	medRef := db.medications(userID).Doc(med.ID)
	err := db.firestoreClient.RunTransaction(ctx, func(ctx context.Context, txn *firestore.Transaction) error {
		if _, err := txn.Get(medRef); err != nil {
			return translate(err)
		}

		taken, err := db.rxcuiTaken(txn, userID, med.Rxcui, med.ID)
		if err != nil {
			return err
		}
		if taken {
			return dblayer.ErrMedicationAlreadyExists
		}

		return txn.Set(medRef, med)
	})
	if err != nil {
		return fmt.Errorf("while updating medication %s: %w", med.ID, err)
	}
	return nil
}

func (db *DB) DeleteMedication(ctx context.Context, userID, medicationID string) error {
	if _, err := db.medications(userID).Doc(medicationID).Delete(ctx, firestore.Exists); err != nil {
		return fmt.Errorf("while deleting medication %s: %w", medicationID, translate(err))
	}
	return nil
}

func (db *DB) AddNotifications(ctx context.Context, userID, medicationID string, notifications []dbtypes.Notification) error {
	elems := make([]interface{}, 0, len(notifications))
	for i := range notifications {
		if err := notifications[i].Validate(); err != nil {
			return err
		}
		elems = append(elems, notifications[i])
	}

	alarmRef := db.alarms(userID).Doc(medicationID)
	_, err := alarmRef.Set(ctx, map[string]interface{}{
		"id":            medicationID,
		"medicationID":  medicationID,
		"notifications": firestore.ArrayUnion(elems...),
	}, firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("while adding notifications to alarm %s: %w", medicationID, err)
	}
	return nil
}

func (db *DB) ListAlarms(ctx context.Context, userID string) ([]*dbtypes.MedicationAlarm, error) {
	var alarms []*dbtypes.MedicationAlarm
	alarmIter := db.alarms(userID).Documents(ctx)
	defer alarmIter.Stop()
	for {
		snap, err := alarmIter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("while listing alarms: %w", err)
		}

		alarm := &dbtypes.MedicationAlarm{}
		if err := snap.DataTo(alarm); err != nil {
			return nil, fmt.Errorf("while unmarshaling alarm %s: %w", snap.Ref.ID, err)
		}
		alarms = append(alarms, alarm)
	}
	return alarms, nil
}

// NotificationsBetween filters in memory: Firestore cannot range-query the
// elements of an array field.
func (db *DB) NotificationsBetween(ctx context.Context, userID string, fromMillis, toMillis int64) ([]dbtypes.Notification, error) {
	tracer := otel.Tracer("medtracker/dblayer/firestoredb")
	var span trace.Span
	ctx, span = tracer.Start(ctx, "DB.NotificationsBetween")
	defer span.End()

	alarms, err := db.ListAlarms(ctx, userID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		return nil, err
	}

	var matches []dbtypes.Notification
	for _, alarm := range alarms {
		for _, n := range alarm.Notifications {
			if n.Trigger >= fromMillis && n.Trigger <= toMillis {
				matches = append(matches, n)
			}
		}
	}

	span.SetAttributes(attribute.Int("matches", len(matches)))
	span.SetStatus(otelcodes.Ok, "")
	return matches, nil
}

func (db *DB) RemoveNotification(ctx context.Context, userID, notificationID string) (bool, error) {
	tracer := otel.Tracer("medtracker/dblayer/firestoredb")
	var span trace.Span
	ctx, span = tracer.Start(ctx, "DB.RemoveNotification")
	defer span.End()

	span.SetAttributes(attribute.String("notification", notificationID))

	removed := false
	err := db.firestoreClient.RunTransaction(ctx, func(ctx context.Context, txn *firestore.Transaction) error {
		removed = false

		snaps, err := txn.Documents(db.alarms(userID)).GetAll()
		if err != nil {
			return fmt.Errorf("while listing alarms: %w", err)
		}

		for _, snap := range snaps {
			alarm := &dbtypes.MedicationAlarm{}
			if err := snap.DataTo(alarm); err != nil {
				return fmt.Errorf("while unmarshaling alarm %s: %w", snap.Ref.ID, err)
			}

			for _, n := range alarm.Notifications {
				if n.ID != notificationID {
					continue
				}

				// ArrayRemove drops only elements equal to the entry just read.
				removed = true
				return txn.Update(snap.Ref, []firestore.Update{
					{Path: "notifications", Value: firestore.ArrayRemove(n)},
				})
			}
		}
		return nil
	})
	if err != nil {
		err := fmt.Errorf("while removing notification %s: %w", notificationID, err)
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		return false, err
	}

	span.SetAttributes(attribute.Bool("removed", removed))
	span.SetStatus(otelcodes.Ok, "")
	return removed, nil
}

func (db *DB) CreateIntake(ctx context.Context, userID string, intake *dbtypes.MedicationIntake) error {
	tracer := otel.Tracer("medtracker/dblayer/firestoredb")
	var span trace.Span
	ctx, span = tracer.Start(ctx, "DB.CreateIntake")
	defer span.End()

	span.SetAttributes(
		attribute.String("rxcui", intake.Rxcui),
		attribute.Int64("day", intake.DayStatus),
	)

	if err := intake.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		return err
	}

	coll := db.intakes(userID)
	intakeRef := coll.Doc(intakeDocID(intake.Rxcui, intake.DayStatus))
	stored := *intake
	stored.ID = intakeRef.ID

	err := db.firestoreClient.RunTransaction(ctx, func(ctx context.Context, txn *firestore.Transaction) error {
		// Records written before deterministic IDs were used are only
		// findable by query.
		existing, err := txn.Documents(coll.Where("rxcui", "==", intake.Rxcui).Where("dayStatus", "==", intake.DayStatus).Limit(1)).GetAll()
		if err != nil {
			return fmt.Errorf("while querying existing intakes: %w", err)
		}
		if len(existing) != 0 {
			return dblayer.ErrIntakeExists
		}

		return txn.Create(intakeRef, &stored)
	})
	if status.Code(err) == codes.AlreadyExists {
		err = dblayer.ErrIntakeExists
	}
	if errors.Is(err, dblayer.ErrIntakeExists) {
		span.SetStatus(otelcodes.Ok, "duplicate")
		return err
	}
	if err != nil {
		err := fmt.Errorf("while creating intake %s: %w", intakeRef.ID, err)
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		return err
	}

	intake.ID = stored.ID
	span.SetStatus(otelcodes.Ok, "")
	return nil
}

func (db *DB) ListIntakes(ctx context.Context, userID string, fromDay, toDay int64) ([]*dbtypes.MedicationIntake, error) {
	var intakes []*dbtypes.MedicationIntake
	intakeIter := db.intakes(userID).
		Where("dayStatus", ">=", fromDay).
		Where("dayStatus", "<=", toDay).
		Documents(ctx)
	defer intakeIter.Stop()
	for {
		snap, err := intakeIter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("while listing intakes in days [%d, %d]: %w", fromDay, toDay, err)
		}

		intake := &dbtypes.MedicationIntake{}
		if err := snap.DataTo(intake); err != nil {
			return nil, fmt.Errorf("while unmarshaling intake %s: %w", snap.Ref.ID, err)
		}
		intakes = append(intakes, intake)
	}
	return intakes, nil
}
