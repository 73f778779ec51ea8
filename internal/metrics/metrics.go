// Package metrics holds the Prometheus collectors for bulk jobs and handoffs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ItemsProcessed counts attempted items by job kind and record status.
	ItemsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rollcall",
		Name:      "items_processed_total",
		Help:      "Work items attempted by bulk jobs.",
	}, []string{"kind", "status"})

	// JobsFinished counts jobs by kind and terminal event type.
	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rollcall",
		Name:      "jobs_finished_total",
		Help:      "Bulk jobs finished, by terminal event.",
	}, []string{"kind", "terminal"})

	// BatchDuration observes how long each group of items takes.
	BatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "rollcall",
		Name:      "batch_duration_seconds",
		Help:      "Time spent applying one group of a bulk job.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"kind"})

	// HandoffSessions counts handoff session transitions.
	HandoffSessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rollcall",
		Name:      "handoff_sessions_total",
		Help:      "Handoff session transitions (registered, delivered, consumed, expired, rejected).",
	}, []string{"event"})

	// MailRelayed counts messages handled by the mail relay.
	MailRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rollcall",
		Name:      "mail_relayed_total",
		Help:      "Outbound messages handled by the relay, by result.",
	}, []string{"result"})
)
