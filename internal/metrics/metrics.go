// Package metrics exposes Prometheus collectors for the edge gateway's
// operational state: package-level collectors registered once in init,
// plus a Timer helper.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TCPConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "edge_tcp_connections_active",
			Help: "Number of currently open scale TCP connections",
		},
	)

	TCPBytesIn = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "edge_tcp_bytes_in_total",
			Help: "Total bytes received from scale connections",
		},
	)

	TCPBytesOut = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "edge_tcp_bytes_out_total",
			Help: "Total bytes written to scale connections",
		},
	)

	DevicesByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "edge_devices_total",
			Help: "Number of known devices by status",
		},
		[]string{"status"},
	)

	ParseErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "edge_parse_errors_total",
			Help: "Total number of non-fatal scale stream parse errors",
		},
	)

	EventsCapturedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "edge_events_captured_total",
			Help: "Total number of weighing events persisted",
		},
	)

	EventsDuplicateTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "edge_events_duplicate_total",
			Help: "Total number of weighing events dropped as duplicates",
		},
	)

	EventsSyncedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "edge_events_synced_total",
			Help: "Total number of events successfully synced to the cloud",
		},
	)

	EventsFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "edge_events_failed_total",
			Help: "Total number of events that exhausted sync retries",
		},
	)

	BatchesOpenTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "edge_batches_open_total",
			Help: "Number of currently open offline batches",
		},
	)

	CloudRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "edge_cloud_request_duration_seconds",
			Help:    "Cloud API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	CloudConsecutiveFailures = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "edge_cloud_consecutive_failures",
			Help: "Current count of consecutive cloud request failures",
		},
	)

	CloudRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "edge_cloud_retries_total",
			Help: "Total number of cloud request retry attempts",
		},
	)
)

func init() {
	prometheus.MustRegister(
		TCPConnectionsActive,
		TCPBytesIn,
		TCPBytesOut,
		DevicesByStatus,
		ParseErrorsTotal,
		EventsCapturedTotal,
		EventsDuplicateTotal,
		EventsSyncedTotal,
		EventsFailedTotal,
		BatchesOpenTotal,
		CloudRequestDuration,
		CloudConsecutiveFailures,
		CloudRetriesTotal,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times a single operation and records its duration to a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDurationVec records the elapsed time to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram *prometheus.HistogramVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}
