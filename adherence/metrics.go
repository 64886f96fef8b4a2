package adherence

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	intakesRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "medtracker",
		Name:      "intakes_recorded_total",
		Help:      "Intake records written, by status.",
	}, []string{"status"})

	intakeDuplicates = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "medtracker",
		Name:      "intake_duplicates_total",
		Help:      "RecordIntake calls that found an intake already recorded for the day.",
	})

	retirements = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "medtracker",
		Name:      "notification_retirements_total",
		Help:      "Notification retirements, by result (removed, absent, error).",
	}, []string{"result"})

	cancelFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "medtracker",
		Name:      "delivery_cancel_failures_total",
		Help:      "Delivery-layer cancellations that failed or timed out.",
	})

	remindersScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "medtracker",
		Name:      "reminders_scheduled_total",
		Help:      "Reminders handed to the delivery layer.",
	})
)
