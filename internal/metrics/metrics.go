package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AuthzDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "contentintel",
		Subsystem: "authz",
		Name:      "decisions_total",
		Help:      "Authorization decisions by capability and result.",
	}, []string{"capability", "result"})

	FeedbackTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "contentintel",
		Subsystem: "feedback",
		Name:      "transitions_total",
		Help:      "Feedback workflow operations by operation and outcome error kind (success when no error).",
	}, []string{"operation", "outcome"})

	AuditAppends = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "contentintel",
		Subsystem: "audit",
		Name:      "appends_total",
		Help:      "Audit entries appended by action.",
	}, []string{"action"})

	NotificationDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "contentintel",
		Subsystem: "notifications",
		Name:      "webhook_deliveries_total",
		Help:      "Webhook deliveries by result.",
	}, []string{"result"})
)
