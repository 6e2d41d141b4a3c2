// Package metrics provides Prometheus instrumentation for the fraud decision engine.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fraudengine",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fraudengine",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// DecisionsTotal counts decisions by tier.
	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fraudengine",
			Name:      "decisions_total",
			Help:      "Total decisions emitted by tier.",
		},
		[]string{"tier"},
	)

	// DegradedDecisionsTotal counts decisions made under degraded conditions, by reason.
	DegradedDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fraudengine",
			Name:      "degraded_decisions_total",
			Help:      "Total decisions flagged degraded, by reason.",
		},
		[]string{"reason"},
	)

	// DecisionDuration observes end-to-end decision latency.
	DecisionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fraudengine",
		Name:      "decision_duration_seconds",
		Help:      "End-to-end decision latency in seconds.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .15, .2, .3, .5, 1},
	})

	// DetectorResultsTotal counts detector evaluations by detector and outcome.
	DetectorResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fraudengine",
			Name:      "detector_results_total",
			Help:      "Detector evaluations by detector name and outcome (ok, error, timeout, late).",
		},
		[]string{"detector", "outcome"},
	)

	// PolicyReloadsTotal counts policy reload attempts by result.
	PolicyReloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fraudengine",
			Name:      "policy_reloads_total",
			Help:      "Policy reload attempts by result (activated, rejected, rollback).",
		},
		[]string{"result"},
	)

	// ActivePolicyVersion exposes the numeric suffix hash of the active policy for dashboards.
	ActivePolicyVersion = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fraudengine",
			Name:      "active_policy_info",
			Help:      "Set to 1 for the currently active policy version.",
		},
		[]string{"version_id"},
	)

	// DependencyHealthy exposes per-dependency health (1 healthy, 0 unhealthy).
	DependencyHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fraudengine",
			Name:      "dependency_healthy",
			Help:      "Per-dependency health flag from the health monitor.",
		},
		[]string{"dependency"},
	)

	// FeatureStoreDuration observes feature snapshot fetch latency.
	FeatureStoreDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fraudengine",
		Name:      "feature_store_duration_seconds",
		Help:      "Feature snapshot fetch latency in seconds.",
		Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25},
	})

	// FeatureStoreFallbacksTotal counts degraded feature reads by source (cached, zero).
	FeatureStoreFallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fraudengine",
			Name:      "feature_store_fallbacks_total",
			Help:      "Degraded feature snapshot reads by fallback source.",
		},
		[]string{"source"},
	)

	// EvidenceQueueDepth tracks records waiting in the evidence retry queue.
	EvidenceQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fraudengine",
		Name:      "evidence_queue_depth",
		Help:      "Records buffered in the evidence recorder awaiting durable write.",
	})

	// EvidenceWritesTotal counts evidence store writes by result.
	EvidenceWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fraudengine",
			Name:      "evidence_writes_total",
			Help:      "Evidence store write attempts by result (ok, retried, failed, dropped, sink_error).",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		DecisionsTotal,
		DegradedDecisionsTotal,
		DecisionDuration,
		DetectorResultsTotal,
		PolicyReloadsTotal,
		ActivePolicyVersion,
		DependencyHealthy,
		FeatureStoreDuration,
		FeatureStoreFallbacksTotal,
		EvidenceQueueDepth,
		EvidenceWritesTotal,
	)
}

// SetActivePolicyVersion marks id as the single active policy version on the
// info gauge.
func SetActivePolicyVersion(id string) {
	ActivePolicyVersion.Reset()
	ActivePolicyVersion.WithLabelValues(id).Set(1)
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
