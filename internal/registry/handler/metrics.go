package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/agent-registry/internal/registry/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registryAgentsTotal = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "registry_agents_total",
		Help: "Total number of registered agents by status.",
	}, []string{"status"})

	registryRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "registry_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	registryRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "registry_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	registryProvisioningTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "registry_provisioning_total",
		Help: "Provisioning saga runs by outcome and the step that ended them.",
	}, []string{"outcome", "step"})

	registryProvisioningDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "registry_provisioning_duration_seconds",
		Help:    "Provisioning saga duration in seconds.",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"outcome"})

	registryCompensationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "registry_compensations_total",
		Help: "Saga compensation actions by action and result.",
	}, []string{"action", "result"})

	registryEnrichmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "registry_enrichments_total",
		Help: "Issuer enrichment branches by branch and result.",
	}, []string{"branch", "result"})

	registrySearchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "registry_searches_total",
		Help: "Search requests by mode and result.",
	}, []string{"mode", "result"})

	registrySearchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "registry_search_duration_seconds",
		Help:    "Search duration in seconds by mode.",
		Buckets: prometheus.DefBuckets,
	}, []string{"mode"})

	registrySearchResults = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "registry_search_results",
		Help:    "Number of results returned per search page.",
		Buckets: []float64{0, 1, 5, 10, 20, 50, 100},
	}, []string{"mode"})

	registryEmbeddingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "registry_embedding_duration_seconds",
		Help:    "Embedding model call duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"result"})

	registryEmbeddingCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "registry_embedding_cache_total",
		Help: "Embedding cache lookups by result (hit or miss).",
	}, []string{"result"})

	registryHealthChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "registry_health_checks_total",
		Help: "Total dependency health probes by result.",
	}, []string{"result"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		registryRequestsTotal.WithLabelValues(method, path, status).Inc()
		registryRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// Recorder publishes service-level events to Prometheus. It satisfies
// service.MetricsRecorder.
type Recorder struct{}

// NewRecorder returns a Recorder backed by the default registry.
func NewRecorder() *Recorder { return &Recorder{} }

// RecordProvisioning records one saga run.
func (Recorder) RecordProvisioning(outcome, step string, d time.Duration) {
	registryProvisioningTotal.WithLabelValues(outcome, step).Inc()
	registryProvisioningDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// RecordCompensation records one undo action.
func (Recorder) RecordCompensation(action string, success bool) {
	registryCompensationsTotal.WithLabelValues(action, result(success)).Inc()
}

// RecordEnrichment records one issuer enrichment branch.
func (Recorder) RecordEnrichment(branch string, success bool) {
	registryEnrichmentsTotal.WithLabelValues(branch, result(success)).Inc()
}

// RecordSearch records one search request.
func (Recorder) RecordSearch(mode model.SearchMode, results int, success bool, d time.Duration) {
	m := string(mode)
	registrySearchesTotal.WithLabelValues(m, result(success)).Inc()
	registrySearchDuration.WithLabelValues(m).Observe(d.Seconds())
	if success {
		registrySearchResults.WithLabelValues(m).Observe(float64(results))
	}
}

// RecordEmbedding records one embedding model call. It matches the
// callback shape of embeddings.Provider.SetMetricsRecorder.
func RecordEmbedding(d time.Duration, success bool) {
	registryEmbeddingDuration.WithLabelValues(result(success)).Observe(d.Seconds())
}

// RecordEmbeddingCache records an embedding cache lookup.
func RecordEmbeddingCache(hit bool) {
	if hit {
		registryEmbeddingCacheTotal.WithLabelValues("hit").Inc()
	} else {
		registryEmbeddingCacheTotal.WithLabelValues("miss").Inc()
	}
}

// RecordHealthCheck records a health check probe result.
func RecordHealthCheck(success bool) {
	registryHealthChecksTotal.WithLabelValues(result(success)).Inc()
}

// SetAgentsGauge publishes the current agent count per status.
func SetAgentsGauge(counts map[model.AgentStatus]int) {
	for _, s := range []model.AgentStatus{model.AgentStatusActive, model.AgentStatusInactive, model.AgentStatusSuspended} {
		registryAgentsTotal.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
