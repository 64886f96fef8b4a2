// Package dbtest is a conformance suite for dblayer.Store implementations.
package dbtest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"medtracker/daynum"
	"medtracker/dblayer"
	"medtracker/dbtypes"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// NewStoreFunc returns an empty store.  The store is closed by the suite.
type NewStoreFunc func(t *testing.T) dblayer.Store

// RunStoreTests runs every conformance test against stores made by newStore.
func RunStoreTests(t *testing.T, newStore NewStoreFunc) {
	tests := []struct {
		name string
		fn   func(t *testing.T, store dblayer.Store)
	}{
		{"Ping", testPing},
		{"Users", testUsers},
		{"MedicationLifecycle", testMedicationLifecycle},
		{"MedicationRxcuiUnique", testMedicationRxcuiUnique},
		{"MedicationNotFound", testMedicationNotFound},
		{"MedicationValidation", testMedicationValidation},
		{"CreateIntakeOncePerDay", testCreateIntakeOncePerDay},
		{"CreateIntakeConcurrent", testCreateIntakeConcurrent},
		{"ListIntakesRange", testListIntakesRange},
		{"IntakesPerUser", testIntakesPerUser},
		{"NotificationsBetween", testNotificationsBetween},
		{"RemoveNotificationIsolation", testRemoveNotificationIsolation},
		{"RemoveNotificationAbsent", testRemoveNotificationAbsent},
		{"AddNotificationsUnion", testAddNotificationsUnion},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := newStore(t)
			t.Cleanup(func() {
				if err := store.Close(); err != nil {
					t.Errorf("Error while closing store: %v", err)
				}
			})
			tc.fn(t, store)
		})
	}
}

// UniqueUserID returns a user ID not shared with other tests, for backends
// whose state outlives a single test.
func UniqueUserID(t *testing.T) string {
	return "user-" + time.Now().UTC().Format("20060102T150405.000000000") + "-" + sanitize(t.Name())
}

func sanitize(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			out = append(out, r)
		default:
			out = append(out, '-')
		}
	}
	return string(out)
}

func testMedication(rxcui string) *dbtypes.Medication {
	return &dbtypes.Medication{
		Rxcui:       rxcui,
		NameDisplay: "Medication " + rxcui,
		StartDate:   time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC),
		DaysOfWeek:  []int{1, 3, 5},
		IntakeTime:  dbtypes.TimeOfDay{Hour: 8, Minute: 30},
	}
}

func testPing(t *testing.T, store dblayer.Store) {
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
}

func testUsers(t *testing.T, store dblayer.Store) {
	ctx := context.Background()
	userID := UniqueUserID(t)

	if _, err := store.GetUser(ctx, userID); !errors.Is(err, dblayer.ErrNotFound) {
		t.Fatalf("GetUser on missing user: got err %v, want %v", err, dblayer.ErrNotFound)
	}

	want := &dbtypes.User{ID: userID, Email: "patient@example.com", DisplayName: "Pat"}
	if err := store.PutUser(ctx, want); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	got, err := store.GetUser(ctx, userID)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("Bad user; diff (-got +want)\n%s", diff)
	}
}

func testMedicationLifecycle(t *testing.T, store dblayer.Store) {
	ctx := context.Background()
	userID := UniqueUserID(t)

	med := testMedication("111")
	id, err := store.AddMedication(ctx, userID, med)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if id == "" || med.ID != id {
		t.Fatalf("AddMedication returned id %q, med.ID %q", id, med.ID)
	}

	got, err := store.GetMedication(ctx, userID, id)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if diff := cmp.Diff(got, med, cmpopts.EquateApproxTime(time.Millisecond)); diff != "" {
		t.Errorf("Bad medication; diff (-got +want)\n%s", diff)
	}

	end := time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)
	med.EndDate = &end
	med.Rxcui = "112"
	med.DaysOfWeek = []int{0, 6}
	if err := store.UpdateMedication(ctx, userID, med); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	// The old rxcui is free again after the update.
	if _, err := store.AddMedication(ctx, userID, testMedication("111")); err != nil {
		t.Fatalf("Unexpected error re-adding rxcui 111: %v", err)
	}

	meds, err := store.ListMedications(ctx, userID)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	var rxcuis []string
	for _, m := range meds {
		rxcuis = append(rxcuis, m.Rxcui)
	}
	if diff := cmp.Diff(rxcuis, []string{"111", "112"}, cmpopts.SortSlices(func(a, b string) bool { return a < b })); diff != "" {
		t.Errorf("Bad medication list; diff (-got +want)\n%s", diff)
	}

	if err := store.DeleteMedication(ctx, userID, id); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if _, err := store.GetMedication(ctx, userID, id); !errors.Is(err, dblayer.ErrNotFound) {
		t.Fatalf("GetMedication after delete: got err %v, want %v", err, dblayer.ErrNotFound)
	}
	if _, err := store.AddMedication(ctx, userID, testMedication("112")); err != nil {
		t.Fatalf("Unexpected error re-adding deleted rxcui 112: %v", err)
	}
}

func testMedicationRxcuiUnique(t *testing.T, store dblayer.Store) {
	ctx := context.Background()
	userID := UniqueUserID(t)

	if _, err := store.AddMedication(ctx, userID, testMedication("111")); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	_, err := store.AddMedication(ctx, userID, testMedication("111"))
	if !errors.Is(err, dblayer.ErrMedicationAlreadyExists) {
		t.Fatalf("Second AddMedication: got err %v, want %v", err, dblayer.ErrMedicationAlreadyExists)
	}

	other, err := store.AddMedication(ctx, userID, testMedication("222"))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	clash := testMedication("111")
	clash.ID = other
	if err := store.UpdateMedication(ctx, userID, clash); !errors.Is(err, dblayer.ErrMedicationAlreadyExists) {
		t.Fatalf("UpdateMedication onto taken rxcui: got err %v, want %v", err, dblayer.ErrMedicationAlreadyExists)
	}

	// Another user may hold the same rxcui.
	if _, err := store.AddMedication(ctx, userID+"-other", testMedication("111")); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
}

func testMedicationNotFound(t *testing.T, store dblayer.Store) {
	ctx := context.Background()
	userID := UniqueUserID(t)

	if _, err := store.GetMedication(ctx, userID, "missing"); !errors.Is(err, dblayer.ErrNotFound) {
		t.Errorf("GetMedication: got err %v, want %v", err, dblayer.ErrNotFound)
	}
	if err := store.DeleteMedication(ctx, userID, "missing"); !errors.Is(err, dblayer.ErrNotFound) {
		t.Errorf("DeleteMedication: got err %v, want %v", err, dblayer.ErrNotFound)
	}
	med := testMedication("111")
	med.ID = "missing"
	if err := store.UpdateMedication(ctx, userID, med); !errors.Is(err, dblayer.ErrNotFound) {
		t.Errorf("UpdateMedication: got err %v, want %v", err, dblayer.ErrNotFound)
	}
}

func testMedicationValidation(t *testing.T, store dblayer.Store) {
	ctx := context.Background()
	userID := UniqueUserID(t)

	med := testMedication("")
	_, err := store.AddMedication(ctx, userID, med)
	var verr *dbtypes.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("AddMedication with empty rxcui: got err %v, want ValidationError", err)
	}
	if verr.Field != "rxcui" {
		t.Errorf("Bad validation field; got %q, want %q", verr.Field, "rxcui")
	}

	// A slash would nest document paths in some backends; every backend
	// refuses it.
	if _, err := store.AddMedication(ctx, userID, testMedication("111/2")); !errors.As(err, &verr) || verr.Field != "rxcui" {
		t.Errorf("AddMedication with a slash in the rxcui: got err %v, want rxcui ValidationError", err)
	}
	intake := &dbtypes.MedicationIntake{Rxcui: "111/2", DayStatus: 19725, Status: dbtypes.StatusTaken, TimestampStatus: 1}
	if err := store.CreateIntake(ctx, userID, intake); !errors.As(err, &verr) || verr.Field != "rxcui" {
		t.Errorf("CreateIntake with a slash in the rxcui: got err %v, want rxcui ValidationError", err)
	}
}

func testCreateIntakeOncePerDay(t *testing.T, store dblayer.Store) {
	ctx := context.Background()
	userID := UniqueUserID(t)

	first := &dbtypes.MedicationIntake{
		Rxcui:           "111",
		DayStatus:       19725,
		Status:          dbtypes.StatusTaken,
		TimestampStatus: 19725*daynum.MillisPerDay + 1000,
	}
	if err := store.CreateIntake(ctx, userID, first); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	second := &dbtypes.MedicationIntake{
		Rxcui:           "111",
		DayStatus:       19725,
		Status:          dbtypes.StatusMissed,
		TimestampStatus: 19725*daynum.MillisPerDay + 2000,
	}
	if err := store.CreateIntake(ctx, userID, second); !errors.Is(err, dblayer.ErrIntakeExists) {
		t.Fatalf("Second CreateIntake: got err %v, want %v", err, dblayer.ErrIntakeExists)
	}

	got, err := store.ListIntakes(ctx, userID, 19725, 19725)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if diff := cmp.Diff(got, []*dbtypes.MedicationIntake{first}, cmpopts.IgnoreFields(dbtypes.MedicationIntake{}, "ID")); diff != "" {
		t.Errorf("Bad intakes; diff (-got +want)\n%s", diff)
	}

	// A different day for the same rxcui is a separate record.
	next := &dbtypes.MedicationIntake{Rxcui: "111", DayStatus: 19726, Status: dbtypes.StatusMissed, TimestampStatus: 1}
	if err := store.CreateIntake(ctx, userID, next); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
}

func testCreateIntakeConcurrent(t *testing.T, store dblayer.Store) {
	ctx := context.Background()
	userID := UniqueUserID(t)

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status := dbtypes.StatusTaken
			if i%2 == 1 {
				status = dbtypes.StatusMissed
			}
			errs[i] = store.CreateIntake(ctx, userID, &dbtypes.MedicationIntake{
				Rxcui:           "111",
				DayStatus:       19725,
				Status:          status,
				TimestampStatus: 19725*daynum.MillisPerDay + int64(i),
			})
		}()
	}
	wg.Wait()

	created := 0
	for _, err := range errs {
		switch {
		case err == nil:
			created++
		case errors.Is(err, dblayer.ErrIntakeExists):
		default:
			t.Fatalf("Unexpected error: %v", err)
		}
	}
	if created != 1 {
		t.Errorf("Bad number of successful creates; got %d, want 1", created)
	}

	got, err := store.ListIntakes(ctx, userID, 19725, 19725)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("Bad number of stored intakes; got %d, want 1", len(got))
	}
}

func testListIntakesRange(t *testing.T, store dblayer.Store) {
	ctx := context.Background()
	userID := UniqueUserID(t)

	for day := int64(19720); day <= 19730; day++ {
		intake := &dbtypes.MedicationIntake{Rxcui: "111", DayStatus: day, Status: dbtypes.StatusTaken, TimestampStatus: day * daynum.MillisPerDay}
		if err := store.CreateIntake(ctx, userID, intake); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
	}

	got, err := store.ListIntakes(ctx, userID, 19722, 19725)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	var days []int64
	for _, in := range got {
		days = append(days, in.DayStatus)
	}
	if diff := cmp.Diff(days, []int64{19722, 19723, 19724, 19725}, cmpopts.SortSlices(func(a, b int64) bool { return a < b })); diff != "" {
		t.Errorf("Bad intake days; diff (-got +want)\n%s", diff)
	}
}

func testIntakesPerUser(t *testing.T, store dblayer.Store) {
	ctx := context.Background()
	userID := UniqueUserID(t)

	intake := &dbtypes.MedicationIntake{Rxcui: "111", DayStatus: 19725, Status: dbtypes.StatusTaken, TimestampStatus: 1}
	if err := store.CreateIntake(ctx, userID, intake); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	other := &dbtypes.MedicationIntake{Rxcui: "111", DayStatus: 19725, Status: dbtypes.StatusMissed, TimestampStatus: 1}
	if err := store.CreateIntake(ctx, userID+"-other", other); err != nil {
		t.Fatalf("Intake for a second user collided with the first: %v", err)
	}
}

func testNotificationsBetween(t *testing.T, store dblayer.Store) {
	ctx := context.Background()
	userID := UniqueUserID(t)

	day := daynum.Day(19725)
	notifications := []dbtypes.Notification{
		{ID: "before", MedicationID: "m1", Rxcui: "111", Trigger: day.StartMillis() - 1},
		{ID: "first", MedicationID: "m1", Rxcui: "111", Trigger: day.StartMillis()},
		{ID: "last", MedicationID: "m1", Rxcui: "111", Trigger: day.EndMillis()},
		{ID: "after", MedicationID: "m1", Rxcui: "111", Trigger: day.EndMillis() + 1},
	}
	if err := store.AddNotifications(ctx, userID, "m1", notifications); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	got, err := store.NotificationsBetween(ctx, userID, day.StartMillis(), day.EndMillis())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	want := []dbtypes.Notification{notifications[1], notifications[2]}
	if diff := cmp.Diff(got, want, sortNotifications); diff != "" {
		t.Errorf("Bad notifications; diff (-got +want)\n%s", diff)
	}
}

var sortNotifications = cmpopts.SortSlices(func(a, b dbtypes.Notification) bool { return a.ID < b.ID })

func testRemoveNotificationIsolation(t *testing.T, store dblayer.Store) {
	ctx := context.Background()
	userID := UniqueUserID(t)

	notifications := []dbtypes.Notification{
		{ID: "A", MedicationID: "m1", Rxcui: "111", Trigger: 100},
		{ID: "B", MedicationID: "m1", Rxcui: "111", Trigger: 200},
		{ID: "C", MedicationID: "m1", Rxcui: "111", Trigger: 300},
	}
	if err := store.AddNotifications(ctx, userID, "m1", notifications); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := store.AddNotifications(ctx, userID, "m2", []dbtypes.Notification{{ID: "D", MedicationID: "m2", Rxcui: "222", Trigger: 100}}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	removed, err := store.RemoveNotification(ctx, userID, "A")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !removed {
		t.Errorf("RemoveNotification reported nothing removed")
	}

	alarms, err := store.ListAlarms(ctx, userID)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	got := map[string][]dbtypes.Notification{}
	for _, a := range alarms {
		got[a.MedicationID] = a.Notifications
	}
	want := map[string][]dbtypes.Notification{
		"m1": notifications[1:],
		"m2": {{ID: "D", MedicationID: "m2", Rxcui: "222", Trigger: 100}},
	}
	if diff := cmp.Diff(got, want, sortNotifications); diff != "" {
		t.Errorf("Bad alarms after removal; diff (-got +want)\n%s", diff)
	}
}

func testRemoveNotificationAbsent(t *testing.T, store dblayer.Store) {
	ctx := context.Background()
	userID := UniqueUserID(t)

	if err := store.AddNotifications(ctx, userID, "m1", []dbtypes.Notification{{ID: "A", MedicationID: "m1", Trigger: 100}}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	removed, err := store.RemoveNotification(ctx, userID, "Z")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if removed {
		t.Errorf("RemoveNotification of an absent id reported a removal")
	}

	got, err := store.NotificationsBetween(ctx, userID, 0, 1000)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("Bad notification count; got %d, want 1", len(got))
	}
}

func testAddNotificationsUnion(t *testing.T, store dblayer.Store) {
	ctx := context.Background()
	userID := UniqueUserID(t)

	a := dbtypes.Notification{ID: "A", MedicationID: "m1", Trigger: 100}
	b := dbtypes.Notification{ID: "B", MedicationID: "m1", Trigger: 200}
	if err := store.AddNotifications(ctx, userID, "m1", []dbtypes.Notification{a}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := store.AddNotifications(ctx, userID, "m1", []dbtypes.Notification{a, b}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	got, err := store.NotificationsBetween(ctx, userID, 0, 1000)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if diff := cmp.Diff(got, []dbtypes.Notification{a, b}, sortNotifications); diff != "" {
		t.Errorf("Bad notifications; diff (-got +want)\n%s", diff)
	}
}
