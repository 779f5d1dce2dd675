// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// SubscriptionsActive tracks open live subscriptions by transport and feed.
	SubscriptionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "subscriptions_active",
			Help: "Number of open live subscriptions",
		},
		[]string{"transport", "feed"},
	)

	// SnapshotsPushed counts full snapshots delivered to subscribers.
	SnapshotsPushed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subscription_snapshots_total",
			Help: "Full snapshots delivered to subscribers",
		},
		[]string{"feed"},
	)

	// ConversationsTotal tracks conversations created on first contact.
	ConversationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conversations_total",
			Help: "Total conversations created",
		},
	)

	// MessagesTotal tracks messages sent.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total messages sent",
		},
		[]string{"type"},
	)

	// FanoutFailures tracks sends that stopped after a partial fan-out.
	FanoutFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanout_partial_failures_total",
			Help: "Sends whose fan-out stopped after at least one step succeeded",
		},
		[]string{"step"},
	)

	// OutboxPending tracks outbox entries seen by the last reconcile pass.
	OutboxPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "outbox_pending",
			Help: "Pending fan-out entries seen by the last reconcile pass",
		},
	)

	// OutboxReconciled counts outbox entries completed by the reconciler.
	OutboxReconciled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_reconciled_total",
			Help: "Pending fan-out entries completed by the reconciler",
		},
	)

	// StoreConflicts counts optimistic-concurrency retries in the store.
	StoreConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "store_write_conflicts_total",
			Help: "Optimistic write retries in the store",
		},
		[]string{"collection"},
	)

	// MediaUploads counts forwarded media uploads.
	MediaUploads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_uploads_total",
			Help: "Media uploads forwarded to the object store",
		},
		[]string{"kind", "status"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordSend records a completed send.
func RecordSend(messageType string, newConversation bool) {
	MessagesTotal.WithLabelValues(messageType).Inc()
	if newConversation {
		ConversationsTotal.Inc()
	}
}

// IncrementSubscriptions increments the open subscription count.
func IncrementSubscriptions(transport, feed string) {
	SubscriptionsActive.WithLabelValues(transport, feed).Inc()
}

// DecrementSubscriptions decrements the open subscription count.
func DecrementSubscriptions(transport, feed string) {
	SubscriptionsActive.WithLabelValues(transport, feed).Dec()
}
