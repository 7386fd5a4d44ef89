package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Domain counters for the reconciliation engine, registered on the default
// registry and exposed by the same exporter as the HTTP metrics.
var (
	TransitionsObserved = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "reconcile",
		Name:      "transitions_total",
		Help:      "Entitlement status transitions applied, partitioned by edge and trigger surface.",
	}, []string{"from", "to", "trigger"})

	NotificationsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "reconcile",
		Name:      "notifications_created_total",
		Help:      "Notification records created, partitioned by kind.",
	}, []string{"kind"})

	NotificationsDeduplicated = promauto.NewCounter(prometheus.CounterOpts{
		Subsystem: "reconcile",
		Name:      "notifications_deduplicated_total",
		Help:      "Emit attempts suppressed because the transition was already recorded.",
	})

	SweepItemErrors = promauto.NewCounter(prometheus.CounterOpts{
		Subsystem: "reconcile",
		Name:      "sweep_item_errors_total",
		Help:      "Entitlements skipped during a sweep due to per-item errors.",
	})

	SweepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Subsystem: "reconcile",
		Name:      "sweep_dur_ms",
		Help:      "Sweep batch latency in milliseconds, partitioned by trigger surface.",
		Buckets:   HistogramBuckets,
	}, []string{"trigger"})
)
