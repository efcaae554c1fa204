// Package metrics registers the process-wide Prometheus collectors. The
// serve command exposes them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workgate_transitions_total",
		Help: "Transition requests by entity type and outcome.",
	}, []string{"entity_type", "outcome"})

	AuditEventsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "workgate_audit_events_written_total",
		Help: "Audit events persisted by the bus worker.",
	})

	AuditWriteErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "workgate_audit_write_errors_total",
		Help: "Audit events the bus worker failed to persist.",
	})

	AuditDegraded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "workgate_audit_degraded_total",
		Help: "Events that could not be enqueued before the publish timeout.",
	})
)
