// Package metrics implements Prometheus metrics for the IAX2 engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the engine updates.
type Metrics struct {
	FramesIn      *prometheus.CounterVec
	FramesOut     *prometheus.CounterVec
	Retransmits   prometheus.Counter
	RetryFailures prometheus.Counter
	Dropped       *prometheus.CounterVec
	Sessions      prometheus.Gauge
	Workers       *prometheus.GaugeVec
	TrunkFlushes  prometheus.Counter
	Registrations *prometheus.GaugeVec
	PeerRTT       *prometheus.GaugeVec
	AuthFailures  prometheus.Counter

	gatherer prometheus.Gatherer
}

// New registers collectors with reg. Pass prometheus.NewRegistry() in tests
// to keep them isolated.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		FramesIn: f.NewCounterVec(prometheus.CounterOpts{
			Name: "iaxd_frames_received_total",
			Help: "Frames received, by shape",
		}, []string{"kind"}),
		FramesOut: f.NewCounterVec(prometheus.CounterOpts{
			Name: "iaxd_frames_sent_total",
			Help: "Frames sent, by shape",
		}, []string{"kind"}),
		Retransmits: f.NewCounter(prometheus.CounterOpts{
			Name: "iaxd_retransmits_total",
			Help: "Full frames retransmitted",
		}),
		RetryFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "iaxd_retry_failures_total",
			Help: "Full frames abandoned after the retry ceiling",
		}),
		Dropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "iaxd_frames_dropped_total",
			Help: "Inbound datagrams dropped, by pipeline stage",
		}, []string{"stage"}),
		Sessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "iaxd_sessions",
			Help: "Live sessions",
		}),
		Workers: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "iaxd_workers",
			Help: "Dispatch workers by state",
		}, []string{"state"}),
		TrunkFlushes: f.NewCounter(prometheus.CounterOpts{
			Name: "iaxd_trunk_flushes_total",
			Help: "Trunk datagrams sent",
		}),
		Registrations: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "iaxd_registrations",
			Help: "Outbound registrations by state",
		}, []string{"state"}),
		PeerRTT: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "iaxd_peer_rtt_seconds",
			Help: "Last qualify round trip per peer",
		}, []string{"peer"}),
		AuthFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "iaxd_auth_failures_total",
			Help: "Failed authentication attempts",
		}),
		gatherer: reg,
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
