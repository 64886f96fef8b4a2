package webapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"medtracker/adherence"
	"medtracker/daynum"
	"medtracker/dblayer/badgerdb"
	"medtracker/dbtypes"
	"medtracker/delivery"

	"github.com/google/go-cmp/cmp"
)

// 2024-01-03, a Wednesday.
const wednesday = daynum.Day(19725)

func newTestServer(t *testing.T, opts ...ServerOpt) (*httptest.Server, *badgerdb.DB) {
	t.Helper()
	store, err := badgerdb.Open(badgerdb.Options{
		Dir:    t.TempDir(),
		Logger: slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	now := wednesday.Start().Add(9 * time.Hour)
	engine := adherence.New(store, delivery.LogOnly{},
		adherence.WithScheduler(delivery.LogOnly{}),
		adherence.WithClock(func() time.Time { return now }))

	opts = append([]ServerOpt{WithClock(func() time.Time { return now })}, opts...)
	srv := httptest.NewServer(New(engine, opts...).Handler())
	t.Cleanup(srv.Close)
	return srv, store
}

func do(t *testing.T, method, url, body string, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("Unexpected error decoding response: %v", err)
	}
	return v
}

const medicationJSON = `{
	"rxcui": "111",
	"nameDisplay": "Lisinopril",
	"startDate": "2023-12-25T00:00:00Z",
	"daysOfWeek": [1, 3, 5],
	"intakeTime": {"hour": 8, "minute": 30}
}`

func TestMedicationRoutes(t *testing.T) {
	srv, _ := newTestServer(t)
	base := srv.URL + "/v1/users/u1/medications"

	resp := do(t, "POST", base, medicationJSON, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Bad status for create; got %d, want %d", resp.StatusCode, http.StatusCreated)
	}
	created := decode[addMedicationResponse](t, resp)

	resp = do(t, "POST", base, medicationJSON, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("Bad status for duplicate create; got %d, want %d", resp.StatusCode, http.StatusConflict)
	}

	resp = do(t, "GET", base+"/"+created.ID, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Bad status for get; got %d, want %d", resp.StatusCode, http.StatusOK)
	}
	med := decode[dbtypes.Medication](t, resp)
	if med.NameDisplay != "Lisinopril" || med.ID != created.ID {
		t.Errorf("Bad medication: %+v", med)
	}

	resp = do(t, "GET", base+"/current", "", nil)
	current := decode[[]dbtypes.Medication](t, resp)
	if len(current) != 1 {
		t.Errorf("Bad current medications on a Wednesday: %+v", current)
	}

	resp = do(t, "PUT", base+"/"+created.ID, strings.Replace(medicationJSON, "[1, 3, 5]", "[2]", 1), nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("Bad status for update; got %d, want %d", resp.StatusCode, http.StatusNoContent)
	}

	resp = do(t, "GET", base, "", nil)
	list := decode[[]dbtypes.Medication](t, resp)
	if len(list) != 1 || !cmp.Equal(list[0].DaysOfWeek, []int{2}) {
		t.Errorf("Bad medication list after update: %+v", list)
	}

	resp = do(t, "DELETE", base+"/"+created.ID, "", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("Bad status for delete; got %d, want %d", resp.StatusCode, http.StatusNoContent)
	}
	resp = do(t, "GET", base+"/"+created.ID, "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Bad status for get after delete; got %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

func TestIntakeAndStatsRoutes(t *testing.T) {
	srv, store := newTestServer(t)
	base := srv.URL + "/v1/users/u1"

	if resp := do(t, "POST", base+"/medications", medicationJSON, nil); resp.StatusCode != http.StatusCreated {
		t.Fatalf("Bad status for create; got %d", resp.StatusCode)
	}

	ctx := context.Background()
	notification := dbtypes.Notification{ID: "n1", MedicationID: "m1", Rxcui: "111", Trigger: wednesday.StartMillis() + 1000}
	if err := store.AddNotifications(ctx, "u1", "m1", []dbtypes.Notification{notification}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	body := `{"rxcui": "111", "timestamp": 1704272400000, "status": "taken", "notificationId": "n1"}`
	for range 2 {
		if resp := do(t, "POST", base+"/intakes", body, nil); resp.StatusCode != http.StatusNoContent {
			t.Fatalf("Bad status for intake; got %d, want %d", resp.StatusCode, http.StatusNoContent)
		}
	}

	remaining, err := store.NotificationsBetween(ctx, "u1", 0, wednesday.EndMillis())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(remaining) != 0 {
		t.Errorf("Notification was not retired: %+v", remaining)
	}

	resp := do(t, "GET", base+"/stats?day=2024-01-03", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Bad status for stats; got %d", resp.StatusCode)
	}
	stats := decode[map[string]any](t, resp)
	if got, want := stats["todayStatus"], "Completed"; got != want {
		t.Errorf("Bad todayStatus; got %v, want %v", got, want)
	}
	if days, ok := stats["days"].([]any); !ok || len(days) != 7 {
		t.Errorf("Bad days in stats: %v", stats["days"])
	}

	resp = do(t, "POST", base+"/backfill", `{"days": 7, "seed": 42}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Bad status for backfill; got %d", resp.StatusCode)
	}
	// 111 was due on Wed 12-27, Fri 12-29, and Mon 01-01.
	if diff := cmp.Diff(decode[backfillResponse](t, resp), backfillResponse{Calls: 3}); diff != "" {
		t.Errorf("Bad backfill response; diff (-got +want)\n%s", diff)
	}
}

func TestDueRoute(t *testing.T) {
	srv, store := newTestServer(t)
	base := srv.URL + "/v1/users/u1"

	resp := do(t, "POST", base+"/medications", medicationJSON, nil)
	created := decode[addMedicationResponse](t, resp)

	resp = do(t, "POST", base+"/medications/"+created.ID+"/reminders", `{"days": 3}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Bad status for reminders; got %d", resp.StatusCode)
	}
	scheduled := decode[scheduleRemindersResponse](t, resp)
	// Wednesday's reminder is already past; Friday's is in the window.
	if len(scheduled.Notifications) != 1 {
		t.Fatalf("Bad scheduled reminders: %+v", scheduled)
	}

	friday := wednesday.Add(2)
	resp = do(t, "GET", base+"/due?at=friday", "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Bad status for malformed at; got %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}

	at := friday.StartMillis() + 3600*1000
	resp = do(t, "GET", base+"/due?at="+strconv.FormatInt(at, 10), "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Bad status for due; got %d", resp.StatusCode)
	}
	due := decode[dueResponse](t, resp)
	if due.Date != "2024-01-05" || len(due.Items) != 1 {
		t.Errorf("Bad due response: %+v", due)
	}

	id := due.Items[0].Notification.ID
	if resp := do(t, "DELETE", base+"/notifications/"+id, "", nil); resp.StatusCode != http.StatusNoContent {
		t.Errorf("Bad status for retire; got %d", resp.StatusCode)
	}
	left, err := store.NotificationsBetween(context.Background(), "u1", 0, friday.EndMillis())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(left) != 0 {
		t.Errorf("Notification was not retired: %+v", left)
	}
}

func TestValidationErrors(t *testing.T) {
	srv, _ := newTestServer(t)
	base := srv.URL + "/v1/users/u1"

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"bad json", "POST", "/intakes", `{`, http.StatusBadRequest},
		{"unknown field", "POST", "/intakes", `{"rxcui": "111", "bogus": 1}`, http.StatusBadRequest},
		{"bad status", "POST", "/intakes", `{"rxcui": "111", "timestamp": 1000, "status": "maybe"}`, http.StatusBadRequest},
		{"zero timestamp", "POST", "/intakes", `{"rxcui": "111", "status": "taken"}`, http.StatusBadRequest},
		{"bad day", "GET", "/stats?day=yesterday", ``, http.StatusBadRequest},
		{"bad medication", "POST", "/medications", `{"rxcui": "111"}`, http.StatusBadRequest},
		{"missing medication", "GET", "/medications/nope", ``, http.StatusNotFound},
		{"reminders for missing medication", "POST", "/medications/nope/reminders", `{"days": 3}`, http.StatusNotFound},
		{"absent notification", "DELETE", "/notifications/nope", ``, http.StatusNoContent},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := do(t, tc.method, base+tc.path, tc.body, nil)
			if resp.StatusCode != tc.want {
				t.Errorf("Bad status; got %d, want %d", resp.StatusCode, tc.want)
			}
		})
	}
}

func TestAuthorization(t *testing.T) {
	auth := NewAuthorizer([]byte("test-key"))
	srv, _ := newTestServer(t, WithAuthorizer(auth))

	patientToken, err := auth.Sign("u1", nil, time.Hour)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	doctorToken, err := auth.Sign("doc", []string{"u1", "u2"}, time.Hour)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	otherKeyToken, err := NewAuthorizer([]byte("other-key")).Sign("u1", nil, time.Hour)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	expiredToken, err := auth.Sign("u1", nil, -time.Hour)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	bearer := func(token string) http.Header {
		return http.Header{"Authorization": []string{"Bearer " + token}}
	}

	tests := []struct {
		name   string
		user   string
		header http.Header
		want   int
	}{
		{"no token", "u1", nil, http.StatusUnauthorized},
		{"own data", "u1", bearer(patientToken), http.StatusOK},
		{"other patient", "u2", bearer(patientToken), http.StatusForbidden},
		{"linked professional", "u2", bearer(doctorToken), http.StatusOK},
		{"unlinked user", "u3", bearer(doctorToken), http.StatusForbidden},
		{"wrong key", "u1", bearer(otherKeyToken), http.StatusUnauthorized},
		{"expired", "u1", bearer(expiredToken), http.StatusUnauthorized},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := do(t, "GET", srv.URL+"/v1/users/"+tc.user+"/medications", "", tc.header)
			if resp.StatusCode != tc.want {
				t.Errorf("Bad status; got %d, want %d", resp.StatusCode, tc.want)
			}
		})
	}
}

func TestCORS(t *testing.T) {
	srv, _ := newTestServer(t, WithCORS([]string{"https://app.medtracker.dev"}))

	resp := do(t, "GET", srv.URL+"/v1/users/u1/medications", "", http.Header{"Origin": []string{"https://app.medtracker.dev"}})
	if got, want := resp.Header.Get("Access-Control-Allow-Origin"), "https://app.medtracker.dev"; got != want {
		t.Errorf("Bad Access-Control-Allow-Origin; got %q, want %q", got, want)
	}
}

func TestBackfillBody(t *testing.T) {
	srv, _ := newTestServer(t)

	tests := []struct {
		name    string
		body    string
		chunked bool
		want    int
	}{
		{"empty", "", false, http.StatusOK},
		{"empty chunked", "", true, http.StatusOK},
		{"empty object", "{}", true, http.StatusOK},
		{"truncated", `{"days":`, true, http.StatusBadRequest},
		{"unknown field", `{"bogus": 1}`, false, http.StatusBadRequest},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/v1/users/u1/backfill", strings.NewReader(tc.body))
			if tc.chunked {
				req.ContentLength = -1
				req.TransferEncoding = []string{"chunked"}
			}
			rec := httptest.NewRecorder()
			srv.Config.Handler.ServeHTTP(rec, req)

			if rec.Code != tc.want {
				t.Fatalf("Bad status; got %d, want %d: %s", rec.Code, tc.want, rec.Body)
			}
			if tc.want != http.StatusOK {
				return
			}
			var got backfillResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got.Calls != 0 {
				t.Errorf("Bad calls; got %d, want 0", got.Calls)
			}
		})
	}
}

func TestWritesOnBehalfOfPatientAreLogged(t *testing.T) {
	auth := NewAuthorizer([]byte("test-key"))
	srv, _ := newTestServer(t, WithAuthorizer(auth))

	logs := &bytes.Buffer{}
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(logs, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	patientToken, err := auth.Sign("u1", nil, time.Hour)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	doctorToken, err := auth.Sign("doc", []string{"u1"}, time.Hour)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	ts := wednesday.Start().Add(9 * time.Hour).UnixMilli()
	for _, tc := range []struct {
		token string
		rxcui string
	}{
		{patientToken, "111"},
		{doctorToken, "222"},
	} {
		body := fmt.Sprintf(`{"rxcui": %q, "timestamp": %d, "status": "taken"}`, tc.rxcui, ts)
		req := httptest.NewRequest("POST", "/v1/users/u1/intakes", strings.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+tc.token)
		rec := httptest.NewRecorder()
		srv.Config.Handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("Bad status; got %d, want %d: %s", rec.Code, http.StatusNoContent, rec.Body)
		}
	}

	type record struct {
		Msg     string `json:"msg"`
		Action  string `json:"action"`
		Subject string `json:"subject"`
		User    string `json:"user"`
	}
	var got []record
	dec := json.NewDecoder(logs)
	for dec.More() {
		var rec record
		if err := dec.Decode(&rec); err != nil {
			t.Fatalf("Unexpected error decoding log: %v", err)
		}
		if rec.Msg == "Write on behalf of patient" {
			got = append(got, rec)
		}
	}

	want := []record{{Msg: "Write on behalf of patient", Action: "recordIntake", Subject: "doc", User: "u1"}}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("Bad on-behalf log records; diff (-got +want)\n%s", diff)
	}
}
