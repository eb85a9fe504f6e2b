package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Scheduler metrics
	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alertd_cycles_total",
			Help: "Total number of scheduled task runs",
		},
		[]string{"task", "status"}, // status: ok, failed
	)

	CyclesSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alertd_cycles_skipped_total",
			Help: "Ticks skipped because the previous run was still in flight",
		},
		[]string{"task"},
	)

	CycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "alertd_cycle_duration_seconds",
			Help:    "Duration of scheduled task runs",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"task"},
	)

	// Evaluation metrics
	MetricFetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alertd_metric_fetch_total",
			Help: "Metric fetches by class and outcome",
		},
		[]string{"class", "status"}, // status: ok, unavailable
	)

	TargetFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alertd_target_failures_total",
			Help: "Targets skipped in a cycle because of a store error",
		},
		[]string{"class"},
	)

	ClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alertd_claims_total",
			Help: "Trigger claims by class and result",
		},
		[]string{"class", "result"}, // result: won, lost, error
	)

	// Delivery metrics
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alertd_notifications_total",
			Help: "Notification delivery outcomes",
		},
		[]string{"status"}, // status: delivered, retried, dropped, gone, queue_full
	)

	DispatchQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "alertd_dispatch_queue_depth",
			Help: "Current number of jobs waiting for a delivery worker",
		},
	)

	DeliveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "alertd_delivery_duration_seconds",
			Help:    "Time taken by a single delivery attempt",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 15},
		},
	)

	// Cleanup metrics
	CleanupDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alertd_cleanup_deleted_total",
			Help: "Subscriptions removed because their destination is gone",
		},
	)

	CleanupProbeErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alertd_cleanup_probe_errors_total",
			Help: "Destination probes that failed with a transient error",
		},
	)

	EventsPublishFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alertd_events_publish_failed_total",
			Help: "Fired-alert events that could not be written to the stream",
		},
	)

	// Panic recovery
	PanicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alertd_panics_recovered_total",
			Help: "Total number of panics recovered",
		},
		[]string{"component"},
	)
)
