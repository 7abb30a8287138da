package engine

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics are registered on a per-engine registry so several sessions
// can coexist in one process.
type metrics struct {
	reg *prometheus.Registry

	// transitions counts state changes. Labels: state
	transitions *prometheus.CounterVec
	// snapshots counts evaluations by result. Labels: outcome
	// (RECOGNITION, NO_RECOGNITION, NON_INDEXABLE, matcher_failure,
	// buffer_unavailable, discarded)
	snapshots *prometheus.CounterVec
	// framesDropped counts frames and snapshot requests that were not
	// used. Labels: reason (not_live, buffer_unavailable, superseded)
	framesDropped *prometheus.CounterVec
	// cacheRequests counts POI cache traffic. Labels: result (issued,
	// installed, expired, failed)
	cacheRequests *prometheus.CounterVec
	// tags counts user feedback. Labels: action (confirm, reject, tag)
	tags *prometheus.CounterVec
	// matcherLatency measures matcher calls in seconds.
	matcherLatency prometheus.Histogram
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &metrics{
		reg: reg,
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "urbo",
			Name:      "state_transitions_total",
			Help:      "Recognition state transitions by target state",
		}, []string{"state"}),
		snapshots: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "urbo",
			Name:      "snapshots_total",
			Help:      "Snapshot evaluations by outcome",
		}, []string{"outcome"}),
		framesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "urbo",
			Name:      "frames_dropped_total",
			Help:      "Frames not used for evaluation, by reason",
		}, []string{"reason"}),
		cacheRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "urbo",
			Name:      "cache_requests_total",
			Help:      "POI cache refresh requests by result",
		}, []string{"result"}),
		tags: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "urbo",
			Name:      "tags_total",
			Help:      "User feedback on snapshots by action",
		}, []string{"action"}),
		matcherLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "urbo",
			Name:      "matcher_duration_seconds",
			Help:      "Matcher call latency in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5},
		}),
	}
}

// MetricsHandler serves this engine's metrics in the Prometheus text
// format.
func (e *Engine) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(e.metrics.reg, promhttp.HandlerOpts{})
}

// Registry exposes the engine's metric registry.
func (e *Engine) Registry() *prometheus.Registry { return e.metrics.reg }
