// Package metrics declares the Prometheus collectors for the warden server.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	SessionsCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_sessions_created_total",
			Help: "Total number of canonical sessions created.",
		},
	)

	SessionsInvalidatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_sessions_invalidated_total",
			Help: "Total number of session invalidations by reason.",
		},
		[]string{"reason"},
	)

	ChannelsRegisteredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_channels_registered_total",
			Help: "Total number of live channels registered.",
		},
	)

	LiveChannels = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warden_live_channels",
			Help: "Number of currently open live channels.",
		},
	)

	AddressEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_address_evictions_total",
			Help: "Total number of address sessions evicted by the concurrency limit.",
		},
	)

	HeartbeatsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_heartbeats_total",
			Help: "Total number of channel heartbeats processed.",
		},
	)

	FanoutDeliveredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_fanout_delivered_total",
			Help: "Total number of terminate notices delivered to live channels.",
		},
	)

	SweptSessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_swept_sessions_total",
			Help: "Total rows removed by background sweeps.",
		},
		[]string{"kind"},
	)
)

// MustRegister registers all collectors with the default registry.
// Call exactly once at startup.
func MustRegister() {
	prometheus.MustRegister(
		SessionsCreatedTotal,
		SessionsInvalidatedTotal,
		ChannelsRegisteredTotal,
		LiveChannels,
		AddressEvictionsTotal,
		HeartbeatsTotal,
		FanoutDeliveredTotal,
		SweptSessionsTotal,
	)
}
