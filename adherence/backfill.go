package adherence

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"medtracker/daynum"
	"medtracker/dbtypes"
	"medtracker/schedule"
)

// DefaultBackfillDays is the history length GenerateBackfillData produces
// when BackfillOptions.Days is zero.
const DefaultBackfillDays = 7

type BackfillOptions struct {
	// Number of days before today to fill.  Today itself is never filled.
	Days int

	// Defaults to the engine clock.
	Now time.Time

	// Source of the per-medication outcomes.  Defaults to a randomly seeded
	// generator.
	Rand *rand.Rand
}

// GenerateBackfillData records synthetic intakes for each medication on each
// day it was due in the window, one RecordIntake call at a time.  Every
// medication gets one outcome, taken or missed, for the whole run.  Days
// that already have an intake are left as they are.
//
// Returns the number of RecordIntake calls issued.
func (e *Engine) GenerateBackfillData(ctx context.Context, userID string, opts BackfillOptions) (int, error) {
	if err := requireUser(userID); err != nil {
		return 0, err
	}
	if opts.Days < 0 {
		return 0, &dbtypes.ValidationError{Field: "days", Reason: "must not be negative"}
	}
	if opts.Days == 0 {
		opts.Days = DefaultBackfillDays
	}
	if opts.Now.IsZero() {
		opts.Now = e.clock()
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	meds, err := e.store.ListMedications(ctx, userID)
	if err != nil {
		return 0, classify("ListMedications", "", "", err)
	}

	outcomes := map[string]dbtypes.IntakeStatus{}
	for _, med := range meds {
		if _, ok := outcomes[med.Rxcui]; ok {
			continue
		}
		outcomes[med.Rxcui] = dbtypes.StatusMissed
		if opts.Rand.IntN(2) == 0 {
			outcomes[med.Rxcui] = dbtypes.StatusTaken
		}
	}

	today := daynum.FromTime(opts.Now)
	calls := 0
	for offset := opts.Days; offset >= 1; offset-- {
		day := today.Add(-offset)
		dayNumber := int64(day)
		for _, med := range schedule.DueSet(meds, day) {
			req := IntakeRequest{
				UserID:      userID,
				Rxcui:       med.Rxcui,
				Timestamp:   schedule.Trigger(med, day).UnixMilli(),
				Status:      outcomes[med.Rxcui],
				DayOverride: &dayNumber,
			}
			calls++
			if err := e.RecordIntake(ctx, req); err != nil {
				return calls, err
			}
		}
	}

	slog.InfoContext(ctx, "Generated backfill data",
		slog.String("user", userID),
		slog.Int("days", opts.Days),
		slog.Int("calls", calls))
	return calls, nil
}
