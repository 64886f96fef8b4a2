// Package adherence is the medication adherence engine: it builds the daily
// due set, records intakes exactly once per medication per day, retires the
// notifications they answer, and aggregates adherence history.
package adherence

import (
	"time"

	"medtracker/dblayer"
	"medtracker/dbtypes"
	"medtracker/delivery"
)

// DefaultCancelTimeout bounds a delivery-layer cancellation.
const DefaultCancelTimeout = 10 * time.Second

type Engine struct {
	store         dblayer.Store
	canceller     delivery.Canceller
	scheduler     delivery.Scheduler
	clock         func() time.Time
	cancelTimeout time.Duration
}

type EngineOpt func(*Engine)

// WithClock replaces time.Now.
func WithClock(clock func() time.Time) EngineOpt {
	return func(e *Engine) {
		e.clock = clock
	}
}

func WithCancelTimeout(d time.Duration) EngineOpt {
	return func(e *Engine) {
		e.cancelTimeout = d
	}
}

// WithScheduler sets the delivery layer used by ScheduleReminders.
func WithScheduler(s delivery.Scheduler) EngineOpt {
	return func(e *Engine) {
		e.scheduler = s
	}
}

func New(store dblayer.Store, canceller delivery.Canceller, opts ...EngineOpt) *Engine {
	e := &Engine{
		store:         store,
		canceller:     canceller,
		clock:         time.Now,
		cancelTimeout: DefaultCancelTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Store returns the store the engine writes to.
func (e *Engine) Store() dblayer.Store {
	return e.store
}

func requireUser(userID string) error {
	if userID == "" {
		return &dbtypes.ValidationError{Field: "userID", Reason: "required"}
	}
	return nil
}
