// Package healthz serves liveness and readiness checks.
package healthz

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

type Handler struct {
	checks  map[string]Check
	timeout time.Duration
}

// New returns a handler that runs every check on each request.  With no
// checks it always reports healthy, which suits a liveness probe.
func New(checks map[string]Check) *Handler {
	return &Handler{
		checks:  checks,
		timeout: 5 * time.Second,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			slog.WarnContext(ctx, "Health check failed", slog.String("check", name), slog.Any("err", err))
			http.Error(w, "503 "+name+" unavailable", http.StatusServiceUnavailable)
			return
		}
	}

	w.Write([]byte("200 OK"))
}
