package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsIngested   *prometheus.CounterVec
	EventsDuplicate  *prometheus.CounterVec
	EventsSkipped    prometheus.Counter
	AnomaliesFound   *prometheus.CounterVec
	AlertMailsSent   prometheus.Counter
	AlertMailsFailed prometheus.Counter
)

// init registers the batch counters with the default registry. The
// viewer exposes them on /metrics.
func init() {
	EventsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "boxaudit",
			Name:      "events_ingested_total",
			Help:      "Events inserted into the downloads table.",
		},
		[]string{"period", "event_type"},
	)
	EventsDuplicate = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "boxaudit",
			Name:      "events_duplicate_total",
			Help:      "Events skipped because the dedup key already existed.",
		},
		[]string{"period"},
	)
	EventsSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "boxaudit",
			Name:      "events_skipped_total",
			Help:      "Raw events dropped during normalization.",
		},
	)
	AnomaliesFound = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "boxaudit",
			Name:      "anomalies_total",
			Help:      "Anomaly records produced, labeled by severity.",
		},
		[]string{"period", "severity"},
	)
	AlertMailsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "boxaudit",
			Name:      "alert_mails_sent_total",
			Help:      "Alert emails delivered.",
		},
	)
	AlertMailsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "boxaudit",
			Name:      "alert_mails_failed_total",
			Help:      "Alert emails that could not be delivered.",
		},
	)
	prometheus.MustRegister(
		EventsIngested, EventsDuplicate, EventsSkipped,
		AnomaliesFound, AlertMailsSent, AlertMailsFailed,
	)
}
