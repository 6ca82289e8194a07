// Package metrics provides Prometheus metrics for the FileGrove server.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Ingress message metrics
	messagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filegrove_messages_processed_total",
			Help: "Total ingress messages processed, by queue and result",
		},
		[]string{"queue", "result"},
	)

	// Reconciliation metrics
	reconcileDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "filegrove_reconcile_duration_seconds",
			Help:    "Time to reconcile one change event",
			Buckets: prometheus.DefBuckets,
		},
	)

	itemsReconciled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filegrove_items_reconciled_total",
			Help: "Total file items reconciled, by operation",
		},
		[]string{"operation"},
	)

	jobsForwarded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "filegrove_processing_jobs_forwarded_total",
			Help: "Total file processing jobs forwarded downstream",
		},
	)

	// Walker liveness metrics
	walkerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filegrove_walker_transitions_total",
			Help: "Walker liveness transitions, by kind (report, disconnect, purge)",
		},
		[]string{"transition"},
	)

	// Queue metrics
	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "filegrove_queue_depth",
			Help: "Current depth of each message queue",
		},
		[]string{"queue"},
	)

	// Database metrics
	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "filegrove_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	dbConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "filegrove_db_connections_open",
			Help: "Number of open database connections",
		},
	)

	// Image processing metrics
	imagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filegrove_images_processed_total",
			Help: "Total downstream image jobs processed, by result",
		},
		[]string{"result"},
	)

	thumbnailsGenerated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "filegrove_thumbnails_generated_total",
			Help: "Total thumbnails generated and stored",
		},
	)
)

// RecordMessage records one processed ingress message.
func RecordMessage(queue, result string) {
	messagesProcessed.WithLabelValues(queue, result).Inc()
}

// RecordReconcile records the duration of one reconciliation.
func RecordReconcile(d time.Duration) {
	reconcileDuration.Observe(d.Seconds())
}

// RecordItemReconciled records one reconciled item by operation.
func RecordItemReconciled(operation string) {
	itemsReconciled.WithLabelValues(operation).Inc()
}

// RecordJobForwarded records one forwarded processing job.
func RecordJobForwarded() {
	jobsForwarded.Inc()
}

// RecordWalkerTransition records one walker liveness transition.
func RecordWalkerTransition(transition string) {
	walkerTransitions.WithLabelValues(transition).Inc()
}

// SetQueueDepth updates the depth gauge for a queue.
func SetQueueDepth(queue string, depth int) {
	queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// RecordDBQuery records a database query duration.
func RecordDBQuery(query string, d time.Duration) {
	dbQueryDuration.WithLabelValues(query).Observe(d.Seconds())
}

// SetDBConnectionsOpen updates the open connections gauge.
func SetDBConnectionsOpen(n int) {
	dbConnectionsOpen.Set(float64(n))
}

// RecordImageProcessed records one downstream image job by result.
func RecordImageProcessed(result string) {
	imagesProcessed.WithLabelValues(result).Inc()
}

// RecordThumbnailGenerated records one stored thumbnail.
func RecordThumbnailGenerated() {
	thumbnailsGenerated.Inc()
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
