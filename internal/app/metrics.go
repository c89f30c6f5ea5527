package app

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "margin_http_request_duration_seconds",
			Help:    "Histogram of API request latency in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route", "status_code"},
	)

	threadTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "margin_thread_transitions_total",
		Help: "Thread lifecycle transitions applied",
	}, []string{"transition"})

	reconciledThreads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "margin_reconciled_threads_total",
		Help: "Threads touched by anchor reconciliation",
	}, []string{"outcome"})

	notificationsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "margin_notifications_created_total",
		Help: "Notifications written to user inboxes",
	}, []string{"type"})

	sideEffectFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "margin_side_effect_failures_total",
		Help: "Best-effort side effects that failed after the primary write committed",
	}, []string{"kind"})

	rateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "margin_rate_limited_total",
		Help: "Mutating requests rejected by the per-caller limiter",
	})
)

const (
	transitionCreated   = "created"
	transitionAppended  = "appended"
	transitionEscalated = "escalated"
	transitionResolved  = "resolved"
	transitionReopened  = "reopened"
)

// metricRoute collapses ids out of a request path so label cardinality
// stays bounded: /api/threads/thr_1/resolve -> /api/threads/:id/resolve.
func metricRoute(path string) string {
	parts := splitPath(path)
	if len(parts) < 3 || parts[0] != "api" {
		return path
	}
	switch parts[1] {
	case "problems", "threads", "comments", "classes", "notifications":
		if parts[2] != "read-all" {
			parts[2] = ":id"
		}
	}
	return "/" + strings.Join(parts, "/")
}
