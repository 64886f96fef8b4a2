package adherence

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"medtracker/daynum"
	"medtracker/dblayer"
	"medtracker/dbtypes"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// maxConcurrentFetches bounds the medication lookups DueToday runs at once.
const maxConcurrentFetches = 8

// DueItem is a pending notification for today together with the medication
// it reminds about.
type DueItem struct {
	Notification dbtypes.Notification `json:"notification"`
	Medication   *dbtypes.Medication  `json:"medication"`
}

// DueToday returns the user's notifications whose trigger falls on the UTC
// day containing now, ordered by trigger.  Notifications whose medication no
// longer exists are dropped.
func (e *Engine) DueToday(ctx context.Context, userID string, now time.Time) ([]*DueItem, error) {
	tracer := otel.Tracer("medtracker/adherence")
	var span trace.Span
	ctx, span = tracer.Start(ctx, "Engine.DueToday")
	defer span.End()

	if err := requireUser(userID); err != nil {
		return nil, err
	}

	day := daynum.FromTime(now)
	span.SetAttributes(attribute.Int64("day", int64(day)))

	notifications, err := e.store.NotificationsBetween(ctx, userID, day.StartMillis(), day.EndMillis())
	if err != nil {
		err := classify("NotificationsBetween", "", "", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var todays []dbtypes.Notification
	medIDs := map[string]bool{}
	for _, n := range notifications {
		if daynum.FromMillis(n.Trigger) != day {
			continue
		}
		todays = append(todays, n)
		medIDs[n.MedicationID] = true
	}

	var mu sync.Mutex
	meds := map[string]*dbtypes.Medication{}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentFetches)
	for medID := range medIDs {
		g.Go(func() error {
			med, err := e.store.GetMedication(gctx, userID, medID)
			if errors.Is(err, dblayer.ErrNotFound) {
				slog.DebugContext(gctx, "Dropping notification for deleted medication",
					slog.String("user", userID),
					slog.String("medication", medID))
				return nil
			}
			if err != nil {
				return classify("GetMedication", "", "", err)
			}

			mu.Lock()
			defer mu.Unlock()
			meds[medID] = med
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var items []*DueItem
	for _, n := range todays {
		med, ok := meds[n.MedicationID]
		if !ok {
			continue
		}
		items = append(items, &DueItem{Notification: n, Medication: med})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Notification.Trigger != items[j].Notification.Trigger {
			return items[i].Notification.Trigger < items[j].Notification.Trigger
		}
		return items[i].Notification.ID < items[j].Notification.ID
	})

	span.SetAttributes(attribute.Int("due", len(items)))
	span.SetStatus(codes.Ok, "")
	return items, nil
}
