// Package metrics holds the prometheus collectors for the alert pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratealert_events_enqueued_total",
			Help: "Alert events newly inserted by scans",
		},
		[]string{"kind", "trigger"},
	)

	dispatchOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratealert_dispatch_outcomes_total",
			Help: "Dispatch attempts by channel and outcome",
		},
		[]string{"channel", "outcome"}, // outcome: sent|retry|failed
	)

	slotRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratealert_slot_runs_total",
			Help: "Scheduled or manual slot runs by slot and status",
		},
		[]string{"slot", "status"}, // status: ok|error|skipped
	)

	slotDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ratealert_slot_duration_seconds",
			Help:    "Wall time spent in a slot",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		},
		[]string{"slot"},
	)
)

// Outcome labels used by RecordDispatch.
const (
	OutcomeSent   = "sent"
	OutcomeRetry  = "retry"
	OutcomeFailed = "failed"
)

// Slot status labels used by RecordSlot.
const (
	SlotOK      = "ok"
	SlotError   = "error"
	SlotSkipped = "skipped"
)

// RecordEnqueued counts a newly queued event.
func RecordEnqueued(kind, trigger string) {
	eventsEnqueuedTotal.WithLabelValues(kind, trigger).Inc()
}

// RecordDispatch counts one dispatch attempt.
func RecordDispatch(channel, outcome string) {
	dispatchOutcomesTotal.WithLabelValues(channel, outcome).Inc()
}

// RecordSlot counts a slot run and observes its duration.
func RecordSlot(slot, status string, d time.Duration) {
	slotRunsTotal.WithLabelValues(slot, status).Inc()
	slotDuration.WithLabelValues(slot).Observe(d.Seconds())
}
