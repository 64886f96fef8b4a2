// Package delivery is the contract between the adherence engine and the
// system that actually delivers reminders.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrBeyondHorizon is returned by Schedule when the trigger is further ahead
// than the delivery layer accepts.  The reminder can be scheduled later.
var ErrBeyondHorizon = errors.New("trigger is beyond the scheduling horizon")

// Reminder describes the message a scheduled notification delivers.
type Reminder struct {
	UserID      string
	Email       string
	DisplayName string

	MedicationID   string
	MedicationName string
	Rxcui          string
}

// Scheduler arranges for a reminder to be delivered at trigger.  The returned
// handle identifies the scheduled delivery to Cancel.  Triggers are expected
// in ascending order; once one fails with ErrBeyondHorizon, later ones will
// too.
type Scheduler interface {
	Schedule(ctx context.Context, trigger time.Time, reminder Reminder) (string, error)
}

// Canceller stops a scheduled delivery.  Cancelling a handle that has already
// fired or been cancelled is not an error.
type Canceller interface {
	Cancel(ctx context.Context, handle string) error
}

// DeliveryError reports a failure of the delivery layer for one handle.
type DeliveryError struct {
	Handle string
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery of %q failed: %v", e.Handle, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}
