// Package metrics exposes the relay's prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector the relay registers. Components receive
// the whole struct and touch the fields they own; a nil *Metrics disables
// instrumentation (used in tests).
type Metrics struct {
	FramesSent        prometheus.Counter
	FramesReceived    prometheus.Counter
	FramesDropped     *prometheus.CounterVec
	ChannelConnects   prometheus.Counter
	ReconnectAttempts prometheus.Counter
	PlaybackFailures  prometheus.Counter
	PlaybackDuration  prometheus.Histogram
	PendingRecords    prometheus.Gauge
	PushDeliveries    *prometheus.CounterVec
	Notifications     *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FramesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_frames_sent_total",
			Help: "Total outbound frames written to the transport channel",
		}),
		FramesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_frames_received_total",
			Help: "Total inbound frames read from the transport channel",
		}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_frames_dropped_total",
			Help: "Total frames dropped, by reason",
		}, []string{"reason"}),
		ChannelConnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_channel_connects_total",
			Help: "Total successful channel connections",
		}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_reconnect_attempts_total",
			Help: "Total scheduled reconnect attempts",
		}),
		PlaybackFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_playback_failures_total",
			Help: "Total clips that failed to decode or play",
		}),
		PlaybackDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_playback_duration_seconds",
			Help:    "Time spent playing a single clip",
			Buckets: prometheus.DefBuckets,
		}),
		PendingRecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_pending_records",
			Help: "Current number of non-dismissed pending audio records",
		}),
		PushDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_push_deliveries_total",
			Help: "Background push deliveries, by outcome",
		}, []string{"outcome"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_notifications_total",
			Help: "Surface notifications raised, by kind",
		}, []string{"kind"}),
	}
	reg.MustRegister(
		m.FramesSent, m.FramesReceived, m.FramesDropped,
		m.ChannelConnects, m.ReconnectAttempts,
		m.PlaybackFailures, m.PlaybackDuration,
		m.PendingRecords, m.PushDeliveries, m.Notifications,
	)
	return m
}
