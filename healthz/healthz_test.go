package healthz

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHandler(t *testing.T) {
	tests := []struct {
		name     string
		checks   map[string]Check
		wantCode int
		wantBody string
	}{
		{
			name:     "no checks",
			wantCode: http.StatusOK,
			wantBody: "200 OK",
		},
		{
			name: "passing",
			checks: map[string]Check{
				"store": func(ctx context.Context) error { return nil },
			},
			wantCode: http.StatusOK,
			wantBody: "200 OK",
		},
		{
			name: "failing",
			checks: map[string]Check{
				"store": func(ctx context.Context) error { return errors.New("closed") },
			},
			wantCode: http.StatusServiceUnavailable,
			wantBody: "503 store unavailable\n",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			New(tc.checks).ServeHTTP(rec, httptest.NewRequest("GET", "/readyz", nil))

			if rec.Code != tc.wantCode {
				t.Errorf("Bad status; got %d, want %d", rec.Code, tc.wantCode)
			}
			if got := rec.Body.String(); got != tc.wantBody {
				t.Errorf("Bad body; got %q, want %q", got, tc.wantBody)
			}
		})
	}
}
