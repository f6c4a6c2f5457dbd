package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// UpstreamOutcome classifies how a call against an external API concluded.
type UpstreamOutcome string

const (
	// UpstreamOK indicates the upstream answered successfully on some attempt.
	UpstreamOK UpstreamOutcome = "ok"
	// UpstreamTimeout indicates every attempt (including shrunken-limit
	// fallbacks, where applicable) timed out.
	UpstreamTimeout UpstreamOutcome = "timeout"
	// UpstreamError indicates the upstream returned a terminal error status.
	UpstreamError UpstreamOutcome = "upstream_error"
	// UpstreamConfigError indicates the call was refused locally, for example
	// because the API credential is missing.
	UpstreamConfigError UpstreamOutcome = "config_error"
)

// CacheLookupOutcome captures the result of a cache lookup.
type CacheLookupOutcome string

const (
	// CacheLookupHit indicates the lookup reused a cached payload.
	CacheLookupHit CacheLookupOutcome = "hit"
	// CacheLookupMiss indicates no cached payload was present.
	CacheLookupMiss CacheLookupOutcome = "miss"
	// CacheLookupError indicates the lookup failed due to an error.
	CacheLookupError CacheLookupOutcome = "error"
)

// CacheStoreOutcome captures the result of a cache store attempt.
type CacheStoreOutcome string

const (
	// CacheStoreStored indicates the entry was persisted.
	CacheStoreStored CacheStoreOutcome = "stored"
	// CacheStoreError indicates the store operation failed.
	CacheStoreError CacheStoreOutcome = "error"
)

// AdvisoryOutcome classifies how a chat reply was produced.
type AdvisoryOutcome string

const (
	// AdvisoryMatched indicates a knowledge topic answered the message.
	AdvisoryMatched AdvisoryOutcome = "matched"
	// AdvisoryFallback indicates the default reply was used.
	AdvisoryFallback AdvisoryOutcome = "fallback"
	// AdvisoryError indicates evaluation failed and the default reply was used.
	AdvisoryError AdvisoryOutcome = "error"
)

// RefreshOutcome classifies a scheduled insights refresh.
type RefreshOutcome string

const (
	// RefreshOK indicates the snapshot was rebuilt.
	RefreshOK RefreshOutcome = "ok"
	// RefreshError indicates the refresh failed and the old snapshot was kept.
	RefreshError RefreshOutcome = "error"
	// RefreshSkipped indicates the refresh had nothing to do (no tracked pairs
	// or no credential).
	RefreshSkipped RefreshOutcome = "skipped"
)

// Recorder publishes Prometheus metrics for gateway activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec

	upstreamRequests *prometheus.CounterVec
	upstreamLatency  *prometheus.HistogramVec

	cacheLookups *prometheus.CounterVec
	cacheStores  *prometheus.CounterVec

	analyses        *prometheus.CounterVec
	analysisLatency *prometheus.HistogramVec

	advisoryReplies *prometheus.CounterVec

	insightsRefreshes *prometheus.CounterVec
	insightsLatency   prometheus.Histogram
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a
// dedicated registry is created so multiple recorders can coexist without
// conflicting with the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fasalmitra",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total API requests served, by route, method, and status.",
	}, []string{"route", "method", "status"})

	httpLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fasalmitra",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for completed API requests.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"route"})

	upstreamRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fasalmitra",
		Subsystem: "upstream",
		Name:      "requests_total",
		Help:      "Calls against external APIs, by service and outcome.",
	}, []string{"service", "outcome"})

	upstreamLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fasalmitra",
		Subsystem: "upstream",
		Name:      "request_duration_seconds",
		Help:      "End-to-end latency of upstream calls including retries.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"service"})

	cacheLookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fasalmitra",
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Cache lookups, by backend and outcome.",
	}, []string{"backend", "outcome"})

	cacheStores := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fasalmitra",
		Subsystem: "cache",
		Name:      "stores_total",
		Help:      "Cache store attempts, by backend and outcome.",
	}, []string{"backend", "outcome"})

	analyses := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fasalmitra",
		Subsystem: "crop",
		Name:      "analyses_total",
		Help:      "Crop image analyses, by provenance method and health status.",
	}, []string{"method", "status"})

	analysisLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fasalmitra",
		Subsystem: "crop",
		Name:      "analysis_duration_seconds",
		Help:      "Latency distribution for crop image analyses.",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"method"})

	advisoryReplies := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fasalmitra",
		Subsystem: "advisory",
		Name:      "replies_total",
		Help:      "Chat replies, by outcome.",
	}, []string{"outcome"})

	insightsRefreshes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fasalmitra",
		Subsystem: "insights",
		Name:      "refresh_total",
		Help:      "Scheduled insight snapshot refreshes, by outcome.",
	}, []string{"outcome"})

	insightsLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fasalmitra",
		Subsystem: "insights",
		Name:      "refresh_duration_seconds",
		Help:      "Duration of insight snapshot refreshes.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 180},
	})

	reg.MustRegister(httpRequests, httpLatency, upstreamRequests, upstreamLatency,
		cacheLookups, cacheStores, analyses, analysisLatency, advisoryReplies,
		insightsRefreshes, insightsLatency)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:          reg,
		handler:           handler,
		httpRequests:      httpRequests,
		httpLatency:       httpLatency,
		upstreamRequests:  upstreamRequests,
		upstreamLatency:   upstreamLatency,
		cacheLookups:      cacheLookups,
		cacheStores:       cacheStores,
		analyses:          analyses,
		analysisLatency:   analysisLatency,
		advisoryReplies:   advisoryReplies,
		insightsRefreshes: insightsRefreshes,
		insightsLatency:   insightsLatency,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveRequest records a completed API request.
func (r *Recorder) ObserveRequest(route, method string, status int, duration time.Duration) {
	if r == nil {
		return
	}
	statusLabel := strconv.Itoa(status)
	if status <= 0 {
		statusLabel = "unknown"
	}
	routeLabel := normalizeLabel(route)
	r.httpRequests.WithLabelValues(routeLabel, normalizeLabel(method), statusLabel).Inc()
	r.httpLatency.WithLabelValues(routeLabel).Observe(duration.Seconds())
}

// ObserveUpstream records the outcome and total latency of an upstream call,
// retries included.
func (r *Recorder) ObserveUpstream(service string, outcome UpstreamOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	serviceLabel := normalizeLabel(service)
	outcomeLabel := normalizeLabel(string(outcome))
	r.upstreamRequests.WithLabelValues(serviceLabel, outcomeLabel).Inc()
	r.upstreamLatency.WithLabelValues(serviceLabel).Observe(duration.Seconds())
}

// ObserveCacheLookup records the result of a cache lookup.
func (r *Recorder) ObserveCacheLookup(backend string, outcome CacheLookupOutcome) {
	if r == nil {
		return
	}
	label := string(outcome)
	if label == "" {
		label = string(CacheLookupMiss)
	}
	r.cacheLookups.WithLabelValues(normalizeLabel(backend), normalizeLabel(label)).Inc()
}

// ObserveCacheStore records the result of a cache store attempt.
func (r *Recorder) ObserveCacheStore(backend string, outcome CacheStoreOutcome) {
	if r == nil {
		return
	}
	label := string(outcome)
	if label == "" {
		label = string(CacheStoreError)
	}
	r.cacheStores.WithLabelValues(normalizeLabel(backend), normalizeLabel(label)).Inc()
}

// ObserveAnalysis records a completed crop image analysis.
func (r *Recorder) ObserveAnalysis(method, status string, duration time.Duration) {
	if r == nil {
		return
	}
	methodLabel := normalizeLabel(method)
	r.analyses.WithLabelValues(methodLabel, normalizeLabel(status)).Inc()
	r.analysisLatency.WithLabelValues(methodLabel).Observe(duration.Seconds())
}

// ObserveAdvisoryReply records how a chat reply was produced.
func (r *Recorder) ObserveAdvisoryReply(outcome AdvisoryOutcome) {
	if r == nil {
		return
	}
	r.advisoryReplies.WithLabelValues(normalizeLabel(string(outcome))).Inc()
}

// ObserveInsightsRefresh records a snapshot refresh run.
func (r *Recorder) ObserveInsightsRefresh(outcome RefreshOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	r.insightsRefreshes.WithLabelValues(normalizeLabel(string(outcome))).Inc()
	r.insightsLatency.Observe(duration.Seconds())
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return strings.ToLower(trimmed)
}
