package adherence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"medtracker/daynum"
	"medtracker/dbtypes"
	"medtracker/delivery"
	"medtracker/schedule"
)

// MaxReminderDays bounds the window ScheduleReminders accepts.
const MaxReminderDays = 60

func (e *Engine) AddMedication(ctx context.Context, userID string, med *dbtypes.Medication) (string, error) {
	if err := requireUser(userID); err != nil {
		return "", err
	}
	id, err := e.store.AddMedication(ctx, userID, med)
	if err != nil {
		return "", classify("AddMedication", "", "", err)
	}
	slog.InfoContext(ctx, "Added medication",
		slog.String("user", userID),
		slog.String("medication", id),
		slog.String("rxcui", med.Rxcui))
	return id, nil
}

func (e *Engine) GetMedication(ctx context.Context, userID, medicationID string) (*dbtypes.Medication, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	med, err := e.store.GetMedication(ctx, userID, medicationID)
	if err != nil {
		return nil, classify("GetMedication", "medication", medicationID, err)
	}
	return med, nil
}

func (e *Engine) ListMedications(ctx context.Context, userID string) ([]*dbtypes.Medication, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	meds, err := e.store.ListMedications(ctx, userID)
	if err != nil {
		return nil, classify("ListMedications", "", "", err)
	}
	return meds, nil
}

func (e *Engine) UpdateMedication(ctx context.Context, userID string, med *dbtypes.Medication) error {
	if err := requireUser(userID); err != nil {
		return err
	}
	if err := e.store.UpdateMedication(ctx, userID, med); err != nil {
		return classify("UpdateMedication", "medication", med.ID, err)
	}
	return nil
}

// RemoveMedication deletes a medication.  Its pending notifications stay in
// place and are skipped by DueToday.
func (e *Engine) RemoveMedication(ctx context.Context, userID, medicationID string) error {
	if err := requireUser(userID); err != nil {
		return err
	}
	if err := e.store.DeleteMedication(ctx, userID, medicationID); err != nil {
		return classify("DeleteMedication", "medication", medicationID, err)
	}
	slog.InfoContext(ctx, "Removed medication",
		slog.String("user", userID),
		slog.String("medication", medicationID))
	return nil
}

// CurrentMedications returns the medications due on the UTC day containing
// now.
func (e *Engine) CurrentMedications(ctx context.Context, userID string, now time.Time) ([]*dbtypes.Medication, error) {
	meds, err := e.ListMedications(ctx, userID)
	if err != nil {
		return nil, err
	}
	return schedule.DueSet(meds, daynum.FromTime(now)), nil
}

// ScheduleReminders schedules a reminder for each day in
// [from's day, from's day + days) on which the medication is due and whose
// trigger is still in the future, and records them as notifications on the
// medication's alarm.  Scheduling stops without error at the first trigger
// beyond the delivery layer's horizon.  Returns the new notifications.
func (e *Engine) ScheduleReminders(ctx context.Context, userID, medicationID string, from time.Time, days int) ([]dbtypes.Notification, error) {
	if e.scheduler == nil {
		return nil, fmt.Errorf("no reminder scheduler configured")
	}
	if days < 1 || days > MaxReminderDays {
		return nil, &dbtypes.ValidationError{Field: "days", Reason: fmt.Sprintf("must be between 1 and %d", MaxReminderDays)}
	}

	med, err := e.GetMedication(ctx, userID, medicationID)
	if err != nil {
		return nil, err
	}

	reminder := delivery.Reminder{
		UserID:         userID,
		MedicationID:   medicationID,
		MedicationName: med.NameDisplay,
		Rxcui:          med.Rxcui,
	}
	user, err := e.store.GetUser(ctx, userID)
	if err == nil {
		reminder.Email = user.Email
		reminder.DisplayName = user.DisplayName
	} else if cerr := classify("GetUser", "user", userID, err); !isNotFound(cerr) {
		return nil, cerr
	}

	now := e.clock()
	var notifications []dbtypes.Notification
	var scheduleErr error
	for _, day := range schedule.DueDays(med, daynum.FromTime(from), days) {
		trigger := schedule.Trigger(med, day)
		if !trigger.After(now) {
			continue
		}

		handle, err := e.scheduler.Schedule(ctx, trigger, reminder)
		if errors.Is(err, delivery.ErrBeyondHorizon) {
			slog.InfoContext(ctx, "Reached delivery scheduling horizon",
				slog.String("user", userID),
				slog.String("medication", medicationID),
				slog.Time("trigger", trigger),
				slog.Int("scheduled", len(notifications)))
			break
		}
		if err != nil {
			scheduleErr = fmt.Errorf("while scheduling reminder for %s: %w", day, err)
			break
		}
		remindersScheduled.Inc()
		notifications = append(notifications, dbtypes.Notification{
			ID:           handle,
			MedicationID: medicationID,
			Rxcui:        med.Rxcui,
			Trigger:      trigger.UnixMilli(),
		})
	}

	// Reminders scheduled before a failure are still recorded so that they
	// can be retired.
	if len(notifications) != 0 {
		if err := e.store.AddNotifications(ctx, userID, medicationID, notifications); err != nil {
			return nil, classify("AddNotifications", "", "", err)
		}
	}
	if scheduleErr != nil {
		slog.ErrorContext(ctx, "Error while scheduling reminders",
			slog.String("user", userID),
			slog.String("medication", medicationID),
			slog.Int("scheduled", len(notifications)),
			slog.Any("err", scheduleErr))
		return notifications, scheduleErr
	}
	return notifications, nil
}

func isNotFound(err error) bool {
	var nferr *NotFoundError
	return errors.As(err, &nferr)
}
