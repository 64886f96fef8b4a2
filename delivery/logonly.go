package delivery

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// LogOnly logs scheduling and cancellation requests and always succeeds.  It
// backs local development and tests.
type LogOnly struct{}

var (
	_ Scheduler = LogOnly{}
	_ Canceller = LogOnly{}
)

func (LogOnly) Schedule(ctx context.Context, trigger time.Time, reminder Reminder) (string, error) {
	handle := uuid.NewString()
	slog.InfoContext(ctx, "Scheduling reminder",
		slog.String("handle", handle),
		slog.String("user", reminder.UserID),
		slog.String("rxcui", reminder.Rxcui),
		slog.Time("trigger", trigger))
	return handle, nil
}

func (LogOnly) Cancel(ctx context.Context, handle string) error {
	slog.InfoContext(ctx, "Cancelling reminder", slog.String("handle", handle))
	return nil
}
