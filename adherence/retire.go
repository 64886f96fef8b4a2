package adherence

import (
	"context"
	"errors"
	"log/slog"

	"medtracker/dbtypes"
	"medtracker/delivery"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// RetireNotification cancels the scheduled delivery of a notification and
// removes it from the user's alarms.  Delivery failures are logged and
// ignored; removing an absent notification is a no-op.
func (e *Engine) RetireNotification(ctx context.Context, userID, notificationID string) error {
	tracer := otel.Tracer("medtracker/adherence")
	var span trace.Span
	ctx, span = tracer.Start(ctx, "Engine.RetireNotification")
	defer span.End()

	if err := requireUser(userID); err != nil {
		return err
	}
	if notificationID == "" {
		return &dbtypes.ValidationError{Field: "notificationID", Reason: "required"}
	}
	span.SetAttributes(attribute.String("notification", notificationID))

	e.cancelDelivery(ctx, notificationID)

	removed, err := e.store.RemoveNotification(ctx, userID, notificationID)
	if err != nil {
		retirements.WithLabelValues("error").Inc()
		err := classify("RemoveNotification", "", "", err)
		slog.ErrorContext(ctx, "Error while removing notification",
			slog.String("user", userID),
			slog.String("notification", notificationID),
			slog.Any("err", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if removed {
		retirements.WithLabelValues("removed").Inc()
	} else {
		retirements.WithLabelValues("absent").Inc()
	}
	span.SetAttributes(attribute.Bool("removed", removed))
	span.SetStatus(codes.Ok, "")
	return nil
}

func (e *Engine) cancelDelivery(ctx context.Context, handle string) {
	ctx, cancel := context.WithTimeout(ctx, e.cancelTimeout)
	defer cancel()

	err := e.canceller.Cancel(ctx, handle)
	if err == nil {
		return
	}

	var derr *delivery.DeliveryError
	if !errors.As(err, &derr) {
		derr = &delivery.DeliveryError{Handle: handle, Err: err}
	}
	cancelFailures.Inc()
	slog.WarnContext(ctx, "Error while cancelling scheduled delivery",
		slog.String("handle", handle),
		slog.Any("err", derr))
}
