package webapi

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var requestCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "medtracker",
	Subsystem: "api",
	Name:      "requests_total",
	Help:      "Counter of requests that have been handled.",
}, []string{"route", "method", "code"})

// countRequests records every request against its route pattern, so that
// per-user paths do not explode the label space.
func countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		slog.DebugContext(r.Context(), "Served request",
			slog.String("route", route),
			slog.String("method", r.Method),
			slog.Int("code", status),
			slog.String("request-id", chimw.GetReqID(r.Context())))
		requestCount.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
	})
}
