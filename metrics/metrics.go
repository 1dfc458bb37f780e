// Package metrics exposes the bundler's Prometheus collectors. A single
// Metrics value is constructed at startup and threaded through the mempool,
// bundler loop, and RPC server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the bundler reports.
type Metrics struct {
	registry *prometheus.Registry

	OpsAdmitted prometheus.Counter
	OpsReplaced prometheus.Counter
	OpsRejected *prometheus.CounterVec
	MempoolSize prometheus.Gauge

	BundlesSubmitted prometheus.Counter
	BundlesConfirmed prometheus.Counter
	BundlesFailed    prometheus.Counter
	BundlerRunning   prometheus.Gauge

	AdmissionSeconds prometheus.Histogram
	BundleSeconds    prometheus.Histogram

	RPCRequests *prometheus.CounterVec
}

// New creates the bundler metrics on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		OpsAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bundler_userops_admitted_total",
			Help: "UserOperations admitted to the mempool.",
		}),
		OpsReplaced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bundler_userops_replaced_total",
			Help: "UserOperations replaced by a fee bump.",
		}),
		OpsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bundler_userops_rejected_total",
			Help: "UserOperations rejected at admission, by reason.",
		}, []string{"reason"}),
		MempoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bundler_mempool_size",
			Help: "Cached pending UserOperations.",
		}),
		BundlesSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bundler_bundles_submitted_total",
			Help: "Bundle transactions submitted to the EntryPoint.",
		}),
		BundlesConfirmed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bundler_bundles_confirmed_total",
			Help: "Bundle transactions confirmed on chain.",
		}),
		BundlesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bundler_bundles_failed_total",
			Help: "Bundles that failed at submission or confirmation.",
		}),
		BundlerRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bundler_loop_running",
			Help: "Whether the bundling loop is running (1) or stopped (0).",
		}),
		AdmissionSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bundler_admission_seconds",
			Help:    "Latency of mempool admission including simulation.",
			Buckets: prometheus.DefBuckets,
		}),
		BundleSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bundler_bundle_seconds",
			Help:    "Latency of a bundle from submission to receipt.",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		RPCRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bundler_rpc_requests_total",
			Help: "JSON-RPC requests by method and outcome.",
		}, []string{"method", "outcome"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.OpsAdmitted, m.OpsReplaced, m.OpsRejected, m.MempoolSize,
		m.BundlesSubmitted, m.BundlesConfirmed, m.BundlesFailed, m.BundlerRunning,
		m.AdmissionSeconds, m.BundleSeconds, m.RPCRequests,
	)
	return m
}

// Handler returns the Prometheus text exposition handler for GET /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
