// Package metrics holds the Prometheus collectors of the pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pacer"

var (
	ServerInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "server_info",
		Help:      "Build and backend information.",
	}, []string{"version", "store", "transport", "role"})

	JobsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_created_total",
		Help:      "Jobs accepted by the scheduler.",
	})

	JobsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_completed_total",
		Help:      "Jobs whose last record completed.",
	})

	RateUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_updates_total",
		Help:      "Successful rate changes.",
	})

	RecordsRescheduled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_rescheduled_total",
		Help:      "Pending records moved by a rate change.",
	})

	RecordsDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_dispatched_total",
		Help:      "Records handed to the transport and marked sent.",
	})

	DispatchSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatch_skipped_total",
		Help:      "Due schedule entries not dispatched, by reason.",
	}, []string{"reason"})

	DispatchErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatch_publish_errors_total",
		Help:      "Transport publish failures; the record is retried on a later tick.",
	})

	DispatchTickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "dispatch_tick_duration_seconds",
		Help:      "Time spent in one dispatcher tick.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
	})

	RecordsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_processed_total",
		Help:      "Consumer outcomes: completed, duplicate, retried, dead_lettered, state_error.",
	}, []string{"outcome"})

	ProcessingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "record_processing_duration_seconds",
		Help:      "Duration of the unit of work for one record.",
		Buckets:   prometheus.DefBuckets,
	})

	RecordsRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_recovered_total",
		Help:      "Stale sent records reset to pending by the recovery sweep.",
	})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "progress_events_dropped_total",
		Help:      "Progress events discarded because the notifier queue was full.",
	})

	ScheduleDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "schedule_depth",
		Help:      "Entries in the dispatch schedule.",
	})

	InFlightDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "inflight_depth",
		Help:      "Records sent and not yet picked up by a consumer.",
	})
)

// Init records the server info metric.
func Init(version, store, transport, role string) {
	ServerInfo.WithLabelValues(version, store, transport, role).Set(1)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
