// Package webapi serves the adherence engine over JSON/HTTP.
package webapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"medtracker/adherence"
	"medtracker/dblayer"
	"medtracker/dbtypes"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

type Server struct {
	engine         *adherence.Engine
	authorizer     *Authorizer
	allowedOrigins []string
	clock          func() time.Time
}

type ServerOpt func(*Server)

// WithAuthorizer requires bearer tokens on every /v1 route.
func WithAuthorizer(a *Authorizer) ServerOpt {
	return func(s *Server) {
		s.authorizer = a
	}
}

// WithCORS allows cross-origin requests from the given origins.
func WithCORS(allowedOrigins []string) ServerOpt {
	return func(s *Server) {
		s.allowedOrigins = allowedOrigins
	}
}

func WithClock(clock func() time.Time) ServerOpt {
	return func(s *Server) {
		s.clock = clock
	}
}

func New(engine *adherence.Engine, opts ...ServerOpt) *Server {
	s := &Server{
		engine: engine,
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the API's router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(countRequests)

	if len(s.allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.allowedOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
			ExposedHeaders: []string{"X-Request-Id"},
			MaxAge:         300,
		}))
	}

	r.Route("/v1/users/{userID}", func(r chi.Router) {
		if s.authorizer != nil {
			r.Use(s.authorizer.RequireUser)
		}

		r.Get("/due", s.dueHandler)
		r.Post("/intakes", s.recordIntakeHandler)
		r.Delete("/notifications/{notificationID}", s.retireNotificationHandler)
		r.Get("/stats", s.statsHandler)
		r.Post("/backfill", s.backfillHandler)

		r.Route("/medications", func(r chi.Router) {
			r.Get("/", s.listMedicationsHandler)
			r.Post("/", s.addMedicationHandler)
			r.Get("/current", s.currentMedicationsHandler)
			r.Get("/{medicationID}", s.getMedicationHandler)
			r.Put("/{medicationID}", s.updateMedicationHandler)
			r.Delete("/{medicationID}", s.removeMedicationHandler)
			r.Post("/{medicationID}/reminders", s.scheduleRemindersHandler)
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// It's too late to write an error to the HTTP response.
		slog.ErrorContext(r.Context(), "Error while writing output", slog.Any("err", err))
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// writeError maps engine errors onto HTTP statuses.  Anything unrecognized
// is an internal error the client may retry.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *dbtypes.ValidationError
	var nferr *adherence.NotFoundError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, r, http.StatusBadRequest, errorResponse{Error: verr.Error(), Field: verr.Field})
	case errors.As(err, &nferr), errors.Is(err, dblayer.ErrNotFound):
		writeJSON(w, r, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, dblayer.ErrMedicationAlreadyExists):
		writeJSON(w, r, http.StatusConflict, errorResponse{Error: err.Error()})
	default:
		slog.ErrorContext(r.Context(), "Error while handling request",
			slog.String("path", r.URL.Path),
			slog.String("request-id", chimw.GetReqID(r.Context())),
			slog.Any("err", err))
		http.Error(w, "Internal Error", http.StatusInternalServerError)
	}
}

func newDecoder(r *http.Request) *json.Decoder {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec
}

func decodeBody(r *http.Request, v any) error {
	if err := newDecoder(r).Decode(v); err != nil {
		return &dbtypes.ValidationError{Field: "body", Reason: err.Error()}
	}
	return nil
}

// decodeOptionalBody is decodeBody for requests where an empty body means
// all defaults.  The body may be chunked, so ContentLength is not consulted.
func decodeOptionalBody(r *http.Request, v any) error {
	err := newDecoder(r).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return &dbtypes.ValidationError{Field: "body", Reason: err.Error()}
}
