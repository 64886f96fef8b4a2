package adherence

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"medtracker/dbtypes"

	"github.com/google/go-cmp/cmp"
)

func TestScheduleReminders(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	scheduler := &fakeScheduler{}
	now := wednesday.Start().Add(9 * time.Hour)
	e := New(store, &fakeCanceller{}, WithScheduler(scheduler), WithClock(fixedClock(now)))

	if err := store.PutUser(ctx, &dbtypes.User{ID: "u1", Email: "pat@example.com", DisplayName: "Pat"}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	medID := mustAddMedication(t, e, "u1", newMedication("111", wednesday.Add(-7).Start(), 1, 3, 5))

	got, err := e.ScheduleReminders(ctx, "u1", medID, now, 7)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	// Wednesday's 08:30 trigger has already passed.
	want := []dbtypes.Notification{
		{ID: "handle-1", MedicationID: medID, Rxcui: "111", Trigger: wednesday.Add(2).Start().Add(8*time.Hour + 30*time.Minute).UnixMilli()},
		{ID: "handle-2", MedicationID: medID, Rxcui: "111", Trigger: wednesday.Add(5).Start().Add(8*time.Hour + 30*time.Minute).UnixMilli()},
	}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("Bad notifications; diff (-got +want)\n%s", diff)
	}

	if scheduler.reminders[0].Email != "pat@example.com" {
		t.Errorf("Reminder not addressed to the user: %+v", scheduler.reminders[0])
	}

	stored, err := store.NotificationsBetween(ctx, "u1", 0, wednesday.Add(30).EndMillis())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if diff := cmp.Diff(stored, want); diff != "" {
		t.Errorf("Bad stored notifications; diff (-got +want)\n%s", diff)
	}

	due, err := e.DueToday(ctx, "u1", wednesday.Add(2).Start())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(due) != 1 || due[0].Notification.ID != "handle-1" {
		t.Errorf("Bad due items on Friday: %+v", due)
	}
}

func TestScheduleRemindersPartialFailure(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	scheduler := &fakeScheduler{failAfter: 1}
	now := wednesday.Start()
	e := New(store, &fakeCanceller{}, WithScheduler(scheduler), WithClock(fixedClock(now)))

	medID := mustAddMedication(t, e, "u1", newMedication("111", wednesday.Start(), 0, 1, 2, 3, 4, 5, 6))

	got, err := e.ScheduleReminders(ctx, "u1", medID, now, 5)
	if err == nil {
		t.Fatalf("ScheduleReminders succeeded despite scheduler failure")
	}
	if len(got) != 1 {
		t.Fatalf("Bad number of scheduled reminders; got %d, want 1", len(got))
	}

	stored, err := store.NotificationsBetween(ctx, "u1", 0, wednesday.Add(30).EndMillis())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if diff := cmp.Diff(stored, got); diff != "" {
		t.Errorf("Scheduled reminder was not recorded; diff (-got +want)\n%s", diff)
	}
}

func TestScheduleRemindersStopsAtHorizon(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	now := wednesday.Start()
	scheduler := &fakeScheduler{horizon: now.Add(72 * time.Hour)}
	e := New(store, &fakeCanceller{}, WithScheduler(scheduler), WithClock(fixedClock(now)))

	medID := mustAddMedication(t, e, "u1", newMedication("111", wednesday.Start(), 0, 1, 2, 3, 4, 5, 6))

	got, err := e.ScheduleReminders(ctx, "u1", medID, now, 10)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	// Wednesday through Friday at 08:30 fall within 72 hours; Saturday does not.
	var want []dbtypes.Notification
	for i := 0; i < 3; i++ {
		want = append(want, dbtypes.Notification{
			ID:           fmt.Sprintf("handle-%d", i+1),
			MedicationID: medID,
			Rxcui:        "111",
			Trigger:      wednesday.Add(i).Start().Add(8*time.Hour + 30*time.Minute).UnixMilli(),
		})
	}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("Bad notifications; diff (-got +want)\n%s", diff)
	}

	stored, err := store.NotificationsBetween(ctx, "u1", 0, wednesday.Add(30).EndMillis())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if diff := cmp.Diff(stored, want); diff != "" {
		t.Errorf("Bad stored notifications; diff (-got +want)\n%s", diff)
	}
}

func TestScheduleRemindersValidation(t *testing.T) {
	e := New(openStore(t), &fakeCanceller{}, WithScheduler(&fakeScheduler{}))

	var verr *dbtypes.ValidationError
	if _, err := e.ScheduleReminders(context.Background(), "u1", "m1", time.Now(), 0); !errors.As(err, &verr) {
		t.Errorf("Zero days: got err %v, want ValidationError", err)
	}

	var nferr *NotFoundError
	if _, err := e.ScheduleReminders(context.Background(), "u1", "m1", time.Now(), 3); !errors.As(err, &nferr) {
		t.Errorf("Missing medication: got err %v, want NotFoundError", err)
	}
}

func TestUpdateMedication(t *testing.T) {
	ctx := context.Background()
	e := New(openStore(t), &fakeCanceller{})

	med := newMedication("111", wednesday.Start(), 3)
	mustAddMedication(t, e, "u1", med)
	mustAddMedication(t, e, "u1", newMedication("222", wednesday.Start(), 3))

	med.DaysOfWeek = []int{4}
	if err := e.UpdateMedication(ctx, "u1", med); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	got, err := e.GetMedication(ctx, "u1", med.ID)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if diff := cmp.Diff(got.DaysOfWeek, []int{4}); diff != "" {
		t.Errorf("Bad days of week; diff (-got +want)\n%s", diff)
	}

	med.Rxcui = "222"
	if err := e.UpdateMedication(ctx, "u1", med); err == nil {
		t.Errorf("UpdateMedication onto another medication's rxcui succeeded")
	}
}
