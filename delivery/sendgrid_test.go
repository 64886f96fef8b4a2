package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type fakeSendGrid struct {
	mu       sync.Mutex
	requests []string
	bodies   map[string]map[string]interface{}
	status   map[string]int

	cancelled map[string]bool
}

func newFakeSendGrid(t *testing.T) (*fakeSendGrid, *httptest.Server) {
	f := &fakeSendGrid{
		bodies: map[string]map[string]interface{}{},
		status: map[string]int{},

		cancelled: map[string]bool{},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Bad Authorization header %q", got)
		}

		f.requests = append(f.requests, r.Method+" "+r.URL.Path)
		data, _ := io.ReadAll(r.Body)
		if len(data) != 0 {
			body := map[string]interface{}{}
			if err := json.Unmarshal(data, &body); err != nil {
				t.Errorf("Request body is not JSON: %v", err)
			}
			f.bodies[r.URL.Path] = body
		}

		if code, ok := f.status[r.URL.Path]; ok {
			w.WriteHeader(code)
			return
		}
		switch r.URL.Path {
		case "/v3/mail/batch":
			w.WriteHeader(http.StatusCreated)
			io.WriteString(w, `{"batch_id":"batch-1"}`)
		case "/v3/mail/send":
			w.WriteHeader(http.StatusAccepted)
		case "/v3/user/scheduled_sends":
			batchID, _ := f.bodies[r.URL.Path]["batch_id"].(string)
			if f.cancelled[batchID] {
				w.WriteHeader(http.StatusBadRequest)
				io.WriteString(w, `{"errors":[{"field":"batch_id","message":"batch id is already paused or cancelled"}]}`)
				return
			}
			f.cancelled[batchID] = true
			w.WriteHeader(http.StatusCreated)
		default:
			if batchID, ok := strings.CutPrefix(r.URL.Path, "/v3/user/scheduled_sends/"); ok && r.Method == http.MethodGet {
				w.WriteHeader(http.StatusOK)
				if f.cancelled[batchID] {
					fmt.Fprintf(w, `[{"batch_id":%q,"status":"cancel"}]`, batchID)
				} else {
					io.WriteString(w, `[]`)
				}
				return
			}
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func TestSendGridSchedule(t *testing.T) {
	fake, srv := newFakeSendGrid(t)
	sg := NewSendGrid("test-key", WithSendGridHost(srv.URL))

	trigger := time.Date(2024, time.January, 3, 8, 30, 0, 0, time.UTC)
	handle, err := sg.Schedule(context.Background(), trigger, Reminder{
		UserID:         "u1",
		Email:          "pat@example.com",
		DisplayName:    "Pat",
		MedicationName: "Lisinopril",
		Rxcui:          "111",
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if handle != "batch-1" {
		t.Errorf("Bad handle; got %q, want %q", handle, "batch-1")
	}

	wantRequests := []string{"POST /v3/mail/batch", "POST /v3/mail/send"}
	if diff := cmp.Diff(fake.requests, wantRequests); diff != "" {
		t.Errorf("Bad requests; diff (-got +want)\n%s", diff)
	}

	send := fake.bodies["/v3/mail/send"]
	if got, want := send["batch_id"], "batch-1"; got != want {
		t.Errorf("Bad batch_id; got %v, want %v", got, want)
	}
	if got, want := send["send_at"], float64(trigger.Unix()); got != want {
		t.Errorf("Bad send_at; got %v, want %v", got, want)
	}
	content, _ := json.Marshal(send["content"])
	if !strings.Contains(string(content), "Lisinopril") {
		t.Errorf("Mail content does not name the medication: %s", content)
	}
}

func TestSendGridScheduleHorizon(t *testing.T) {
	fake, srv := newFakeSendGrid(t)
	now := time.Date(2024, time.January, 3, 9, 0, 0, 0, time.UTC)
	sg := NewSendGrid("test-key", WithSendGridHost(srv.URL), WithSendGridClock(func() time.Time { return now }))
	reminder := Reminder{UserID: "u1", Email: "pat@example.com", Rxcui: "111"}

	if _, err := sg.Schedule(context.Background(), now.Add(SendGridHorizon), reminder); err != nil {
		t.Fatalf("Unexpected error at the horizon: %v", err)
	}

	_, err := sg.Schedule(context.Background(), now.Add(SendGridHorizon+time.Minute), reminder)
	if !errors.Is(err, ErrBeyondHorizon) {
		t.Fatalf("Schedule past the horizon: got err %v, want ErrBeyondHorizon", err)
	}

	wantRequests := []string{"POST /v3/mail/batch", "POST /v3/mail/send"}
	if diff := cmp.Diff(fake.requests, wantRequests); diff != "" {
		t.Errorf("Bad requests; diff (-got +want)\n%s", diff)
	}
}

func TestSendGridScheduleNoEmail(t *testing.T) {
	fake, srv := newFakeSendGrid(t)
	sg := NewSendGrid("test-key", WithSendGridHost(srv.URL))

	if _, err := sg.Schedule(context.Background(), time.Now(), Reminder{UserID: "u1"}); err == nil {
		t.Fatalf("Schedule without an e-mail address succeeded")
	}
	if len(fake.requests) != 0 {
		t.Errorf("Unexpected requests: %v", fake.requests)
	}
}

func TestSendGridCancel(t *testing.T) {
	fake, srv := newFakeSendGrid(t)
	sg := NewSendGrid("test-key", WithSendGridHost(srv.URL))

	if err := sg.Cancel(context.Background(), "batch-1"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	want := map[string]interface{}{"batch_id": "batch-1", "status": "cancel"}
	if diff := cmp.Diff(fake.bodies["/v3/user/scheduled_sends"], want); diff != "" {
		t.Errorf("Bad cancel body; diff (-got +want)\n%s", diff)
	}
}

func TestSendGridCancelTwice(t *testing.T) {
	fake, srv := newFakeSendGrid(t)
	sg := NewSendGrid("test-key", WithSendGridHost(srv.URL))

	for i := 0; i < 2; i++ {
		if err := sg.Cancel(context.Background(), "batch-1"); err != nil {
			t.Fatalf("Cancel #%d: unexpected error: %v", i+1, err)
		}
	}

	wantRequests := []string{
		"POST /v3/user/scheduled_sends",
		"POST /v3/user/scheduled_sends",
		"GET /v3/user/scheduled_sends/batch-1",
	}
	if diff := cmp.Diff(fake.requests, wantRequests); diff != "" {
		t.Errorf("Bad requests; diff (-got +want)\n%s", diff)
	}
}

func TestSendGridCancelFailure(t *testing.T) {
	fake, srv := newFakeSendGrid(t)
	fake.status["/v3/user/scheduled_sends"] = http.StatusInternalServerError
	sg := NewSendGrid("test-key", WithSendGridHost(srv.URL))

	err := sg.Cancel(context.Background(), "batch-1")
	var derr *DeliveryError
	if !errors.As(err, &derr) {
		t.Fatalf("Cancel: got err %v, want DeliveryError", err)
	}
	if derr.Handle != "batch-1" {
		t.Errorf("Bad handle in error; got %q, want %q", derr.Handle, "batch-1")
	}
}

func TestLogOnly(t *testing.T) {
	ctx := context.Background()
	handle, err := LogOnly{}.Schedule(ctx, time.Now(), Reminder{UserID: "u1"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if handle == "" {
		t.Errorf("LogOnly returned an empty handle")
	}
	if err := (LogOnly{}).Cancel(ctx, handle); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
}
