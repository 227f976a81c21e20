// Package metrics exposes Prometheus instrumentation for the visit lifecycle
// and payment flows.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PaymentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clinic_payments_total",
		Help: "Payment attempts by method and outcome.",
	}, []string{"method", "outcome"})

	SettlementLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "clinic_qr_settlement_seconds",
		Help:    "Time from QR link creation to settlement.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})

	VisitsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clinic_visits_completed_total",
		Help: "Visits moved to COMPLETED.",
	})

	InvoicesRendered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clinic_invoices_rendered_total",
		Help: "Invoice documents rendered.",
	})

	SettlementEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clinic_settlement_events_total",
		Help: "Settlement push events by disposition.",
	}, []string{"disposition"})
)

// Payment outcome labels.
const (
	OutcomeSettled       = "settled"
	OutcomeCancelled     = "cancelled"
	OutcomeTimedOut      = "timed_out"
	OutcomeUndeliverable = "undeliverable"
	OutcomeCommitFailed  = "commit_failed"
	OutcomeRejected      = "rejected"
)
