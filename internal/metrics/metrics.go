package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_events_processed_total",
		Help: "Automation events processed, by final status.",
	}, []string{"status"})

	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_jobs_processed_total",
		Help: "Scheduled jobs processed, by type and resulting status.",
	}, []string{"type", "status"})

	BulkItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_bulk_items_total",
		Help: "Bulk campaign items handled, by outcome (sent, failed, skipped).",
	}, []string{"status"})

	WorkerPassDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dispatch_worker_pass_duration_seconds",
		Help:    "Wall-clock duration of one worker pass.",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
	}, []string{"worker"})

	LockContention = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_lock_contention_total",
		Help: "Worker invocations that exited because another instance held the lock.",
	}, []string{"worker"})

	TransportRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_transport_requests_total",
		Help: "WhatsApp API requests, by HTTP status class (2xx, 4xx, 5xx, error).",
	}, []string{"status_class"})
)

// StatusClass buckets an HTTP status code for TransportRequests.
func StatusClass(code int) string {
	switch {
	case code == 0:
		return "error"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
