// Package metrics defines the prometheus collectors shared by the monitor
// and mock peer packages.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "peermon_build_info",
		Help: "Build information of the peermon binary.",
	}, []string{"version", "commit", "date"})

	Heartbeats = promauto.NewCounter(prometheus.CounterOpts{
		Name: "peermon_monitor_heartbeats_total", Help: "Total heartbeat loop iterations.",
	})
	ProbeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "peermon_monitor_probe_failures_total", Help: "Total probe invocations that returned an error.",
	})
	WaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "peermon_monitor_wait_duration_seconds",
		Help:    "Requested wait durations between heartbeats.",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 12),
	})
	BackoffActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "peermon_monitor_backoff_active", Help: "1 while a failing streak is in progress.",
	})
	CheckRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "peermon_monitor_check_requests_total", Help: "Total urgent recheck requests.",
	})
	BackoffCancels = promauto.NewCounter(prometheus.CounterOpts{
		Name: "peermon_monitor_backoff_cancels_total", Help: "Total backoff cancellations.",
	})

	PeerConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "peermon_mockpeer_connections_total", Help: "Total accepted peer connections.",
	})
	PeerFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peermon_mockpeer_frames_total", Help: "Total frames handled, by opcode.",
	}, []string{"opcode"})
	PeerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peermon_mockpeer_errors_total", Help: "Total connection errors, by kind.",
	}, []string{"kind"})
)
