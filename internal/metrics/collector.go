package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds all Prometheus metrics
type Collector struct {
	// Connection metrics
	ConnectionState   prometheus.Gauge
	TransitionsTotal  *prometheus.CounterVec
	ReconnectAttempts prometheus.Gauge

	// Probe metrics
	ProbesTotal   *prometheus.CounterVec
	ProbeDuration prometheus.Histogram

	// Channel metrics
	ChannelMessagesTotal      prometheus.Counter
	ChannelDroppedFramesTotal prometheus.Counter

	// Freshness metrics (refreshed by the exporter)
	SecondsSinceLastSuccess prometheus.Gauge
	SecondsSinceLastCheck   prometheus.Gauge
}

// NewCollector creates and registers all metrics
func NewCollector() *Collector {
	return &Collector{
		ConnectionState: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "connsentry_connection_state",
				Help: "Connection state (0=disconnected, 1=reconnecting, 2=degraded, 3=connected)",
			},
		),

		TransitionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "connsentry_state_transitions_total",
				Help: "Total number of state transitions",
			},
			[]string{"state"},
		),

		ReconnectAttempts: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "connsentry_reconnect_attempts",
				Help: "Current consecutive failure streak",
			},
		),

		ProbesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "connsentry_probes_total",
				Help: "Total number of liveness probes",
			},
			[]string{"result"},
		),

		ProbeDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "connsentry_probe_duration_seconds",
				Help:    "Liveness probe round-trip time in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
		),

		ChannelMessagesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "connsentry_channel_messages_total",
				Help: "Total number of push-channel messages delivered to subscribers",
			},
		),

		ChannelDroppedFramesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "connsentry_channel_dropped_frames_total",
				Help: "Total number of malformed push-channel frames dropped",
			},
		),

		SecondsSinceLastSuccess: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "connsentry_seconds_since_last_success",
				Help: "Seconds since the last successful probe",
			},
		),

		SecondsSinceLastCheck: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "connsentry_seconds_since_last_check",
				Help: "Seconds since the last completed probe",
			},
		),
	}
}
