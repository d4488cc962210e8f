package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics are registered on a private registry so several servers (and tests)
// can live in one process.
type metrics struct {
	registry          *prometheus.Registry
	transformRequests *prometheus.CounterVec
	transformDuration prometheus.Histogram
	hookErrors        *prometheus.CounterVec
	hmrDirectives     *prometheus.CounterVec
	prebundlePackages prometheus.Gauge
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		transformRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nobuild_transform_requests_total",
			Help: "Module transform requests by result (hit, miss, error).",
		}, []string{"result"}),
		transformDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "nobuild_transform_duration_seconds",
			Help:    "Time spent running the resolve, load and transform hooks of a module.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		hookErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nobuild_hook_errors_total",
			Help: "Failed plugin hook calls by hook name.",
		}, []string{"hook"}),
		hmrDirectives: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nobuild_hmr_directives_total",
			Help: "HMR directives sent to clients by type.",
		}, []string{"type"}),
		prebundlePackages: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nobuild_prebundle_packages",
			Help: "Number of prebundled third-party packages.",
		}),
	}
	m.registry.MustRegister(
		m.transformRequests,
		m.transformDuration,
		m.hookErrors,
		m.hmrDirectives,
		m.prebundlePackages,
	)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
