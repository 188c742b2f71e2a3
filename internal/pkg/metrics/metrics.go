// Package metrics provides Prometheus instrumentation for the reconciliation
// pipeline and the order API.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Callback outcomes recorded on CallbacksTotal.
const (
	OutcomeApplied      = "applied"
	OutcomeDuplicate    = "duplicate"
	OutcomeIgnored      = "ignored"
	OutcomeAcknowledged = "acknowledged"
	OutcomeUnauthorized = "unauthorized"
	OutcomeMalformed    = "malformed"
	OutcomeError        = "error"
)

var (
	// CallbacksTotal counts gateway callbacks by processing outcome.
	CallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kkbridge_callbacks_total",
		Help: "Total gateway callbacks received, partitioned by outcome",
	}, []string{"outcome"})

	// CallbackDuration tracks end to end callback handling latency.
	CallbackDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kkbridge_callback_duration_seconds",
		Help:    "Callback handling latency in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
	})

	// TransitionsTotal counts applied order state transitions.
	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kkbridge_transitions_total",
		Help: "Order state transitions applied to the ledger",
	}, []string{"kind", "to"})

	// OrdersCreatedTotal counts orders accepted by the order API.
	OrdersCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kkbridge_orders_created_total",
		Help: "Orders created, partitioned by kind",
	}, []string{"kind"})

	// OrdersExpiredTotal counts pending orders closed by the expiry sweeper.
	OrdersExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kkbridge_orders_expired_total",
		Help: "Pending orders expired by the sweeper",
	})

	// NotificationsTotal counts user notification deliveries by result.
	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kkbridge_notifications_total",
		Help: "User notifications dispatched, partitioned by result",
	}, []string{"status"})

	// NotifyQueueDepth tracks jobs waiting in the notification queue.
	NotifyQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kkbridge_notify_queue_depth",
		Help: "Jobs currently waiting in the notification queue",
	})
)

// Handler returns the Prometheus scrape handler. Mounted on /metrics via the
// fiber adaptor.
func Handler() http.Handler {
	return promhttp.Handler()
}
