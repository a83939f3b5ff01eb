// Package metrics defines the Prometheus instruments of changefeed.
//
// Instruments are registered on the default registry at init, the way
// promauto is normally used; Handler exposes them.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Flush outcomes.
const (
	OutcomePersisted = "persisted"
	OutcomeFailed    = "failed"
)

var (
	namespace = "changefeed"

	flushEntries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tracker",
			Name:      "flush_entries_total",
			Help:      "Pending changes processed by flushes, by outcome and stage",
		},
		[]string{"outcome", "stage"},
	)

	flushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tracker",
			Name:      "flush_duration_seconds",
			Help:      "Time taken to flush one unit of work",
			Buckets:   prometheus.DefBuckets,
		},
	)

	notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tracker",
			Name:      "notifications_total",
			Help:      "Flush notifications emitted, by result",
		},
		[]string{"result"},
	)

	syncRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resolver",
			Name:      "sync_requests_total",
			Help:      "Sync requests served, by stage and result",
		},
		[]string{"stage", "result"},
	)

	syncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "resolver",
			Name:      "sync_duration_seconds",
			Help:      "Time taken to resolve one sync page",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	skippedRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resolver",
			Name:      "skipped_rows_total",
			Help:      "Queue rows skipped while resolving updates, by reason",
		},
		[]string{"reason"},
	)

	migratedRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "migrator",
			Name:      "migrated_rows_total",
			Help:      "Rows backfilled into the publish queue, by base type",
		},
		[]string{"type"},
	)

	purgedRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "migrator",
			Name:      "purged_rows_total",
			Help:      "Queue rows removed by purge, by type",
		},
		[]string{"type"},
	)
)

// RecordFlushEntry counts one flushed entry.
func RecordFlushEntry(outcome, stage string) {
	flushEntries.WithLabelValues(outcome, stage).Inc()
}

// ObserveFlush records the duration of one flush.
func ObserveFlush(d time.Duration) {
	flushDuration.Observe(d.Seconds())
}

// RecordNotification counts one notification attempt.
func RecordNotification(err error) {
	notifications.WithLabelValues(result(err)).Inc()
}

// RecordSync counts one sync request and its duration.
func RecordSync(stage string, d time.Duration, err error) {
	syncRequests.WithLabelValues(stage, result(err)).Inc()
	syncDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordSkipped counts queue rows skipped during resolution.
func RecordSkipped(reason string, n int) {
	skippedRows.WithLabelValues(reason).Add(float64(n))
}

// RecordMigrated counts backfilled rows.
func RecordMigrated(typ string, n int64) {
	migratedRows.WithLabelValues(typ).Add(float64(n))
}

// RecordPurged counts purged rows.
func RecordPurged(typ string, n int) {
	purgedRows.WithLabelValues(typ).Add(float64(n))
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
