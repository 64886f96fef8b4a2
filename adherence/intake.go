package adherence

import (
	"context"
	"errors"
	"log/slog"

	"medtracker/daynum"
	"medtracker/dblayer"
	"medtracker/dbtypes"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// IntakeRequest is a patient's taken/missed response to a due medication.
type IntakeRequest struct {
	UserID string
	Rxcui  string

	// Millisecond epoch timestamp of the response.
	Timestamp int64

	Status dbtypes.IntakeStatus

	// The notification being answered, if any.  It is retired once the
	// intake is recorded.
	NotificationID string

	// Records the intake against this day instead of the day of Timestamp.
	DayOverride *int64
}

func (r *IntakeRequest) validate() error {
	if err := requireUser(r.UserID); err != nil {
		return err
	}
	if r.Rxcui == "" {
		return &dbtypes.ValidationError{Field: "rxcui", Reason: "required"}
	}
	if _, err := dbtypes.ParseIntakeStatus(string(r.Status)); err != nil {
		return err
	}
	if r.Timestamp <= 0 {
		return &dbtypes.ValidationError{Field: "timestamp", Reason: "must be positive"}
	}
	if r.DayOverride != nil && *r.DayOverride < 0 {
		return &dbtypes.ValidationError{Field: "dayOverride", Reason: "must not be negative"}
	}
	return nil
}

// RecordIntake stores the response unless one is already recorded for the
// same (user, rxcui, day), in which case it does nothing and returns nil.
// When a new record is written and req.NotificationID is set, the
// notification is retired; failures there are logged, not returned.
func (e *Engine) RecordIntake(ctx context.Context, req IntakeRequest) error {
	tracer := otel.Tracer("medtracker/adherence")
	var span trace.Span
	ctx, span = tracer.Start(ctx, "Engine.RecordIntake")
	defer span.End()

	if err := req.validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	day := int64(daynum.FromMillis(req.Timestamp))
	if req.DayOverride != nil {
		day = *req.DayOverride
	}

	span.SetAttributes(
		attribute.String("rxcui", req.Rxcui),
		attribute.Int64("day", day),
		attribute.String("status", string(req.Status)),
	)

	intake := &dbtypes.MedicationIntake{
		Rxcui:           req.Rxcui,
		DayStatus:       day,
		Status:          req.Status,
		TimestampStatus: req.Timestamp,
	}
	err := e.store.CreateIntake(ctx, req.UserID, intake)
	if errors.Is(err, dblayer.ErrIntakeExists) {
		intakeDuplicates.Inc()
		slog.DebugContext(ctx, "Intake already recorded for day",
			slog.String("user", req.UserID),
			slog.String("rxcui", req.Rxcui),
			slog.Int64("day", day))
		span.SetAttributes(attribute.Bool("duplicate", true))
		span.SetStatus(codes.Ok, "")
		return nil
	}
	if err != nil {
		err := classify("CreateIntake", "", "", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	intakesRecorded.WithLabelValues(string(req.Status)).Inc()

	if req.NotificationID != "" {
		if err := e.RetireNotification(ctx, req.UserID, req.NotificationID); err != nil {
			slog.WarnContext(ctx, "Intake recorded but notification was not retired",
				slog.String("user", req.UserID),
				slog.String("notification", req.NotificationID),
				slog.Any("err", err))
		}
	}

	span.SetStatus(codes.Ok, "")
	return nil
}
