package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	LLMRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_requests_total",
			Help: "Total number of upstream LLM requests by provider and outcome",
		},
		[]string{"provider", "status"},
	)
	LLMRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_request_duration_seconds",
			Help:    "Upstream LLM request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"provider"},
	)
	LLMTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "Total LLM tokens by provider and type (prompt/completion)",
		},
		[]string{"provider", "type"},
	)
	KeyErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "key_errors_total",
			Help: "Total provider key errors by provider and kind",
		},
		[]string{"provider", "kind"},
	)

	RunsEnqueuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "runs_enqueued_total",
			Help: "Total number of runs enqueued",
		},
	)
	RunsProcessing = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "runs_processing",
			Help: "Number of runs currently processing",
		},
	)
	RunsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runs_completed_total",
			Help: "Total number of runs reaching a terminal state, by status",
		},
		[]string{"status"},
	)
	RunsRetriedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "runs_retried_total",
			Help: "Total number of run attempts re-enqueued after a retriable failure",
		},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(LLMRequestsTotal)
	prometheus.MustRegister(LLMRequestDuration)
	prometheus.MustRegister(LLMTokensTotal)
	prometheus.MustRegister(KeyErrorsTotal)
	prometheus.MustRegister(RunsEnqueuedTotal)
	prometheus.MustRegister(RunsProcessing)
	prometheus.MustRegister(RunsCompletedTotal)
	prometheus.MustRegister(RunsRetriedTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			// fallback when route pattern is unavailable
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// ObserveLLMRequest records one upstream chat call.
func ObserveLLMRequest(provider, status string, dur time.Duration) {
	LLMRequestsTotal.WithLabelValues(provider, status).Inc()
	LLMRequestDuration.WithLabelValues(provider).Observe(dur.Seconds())
}

// ObserveLLMTokens records upstream-reported token usage.
func ObserveLLMTokens(provider string, promptTokens, completionTokens int) {
	if promptTokens > 0 {
		LLMTokensTotal.WithLabelValues(provider, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		LLMTokensTotal.WithLabelValues(provider, "completion").Add(float64(completionTokens))
	}
}

// RecordKeyError counts one key error by classification kind.
func RecordKeyError(provider, kind string) {
	KeyErrorsTotal.WithLabelValues(provider, kind).Inc()
}

func EnqueueRun() {
	RunsEnqueuedTotal.Inc()
}

func StartProcessingRun() {
	RunsProcessing.Inc()
}

func FinishRun(status string) {
	RunsProcessing.Dec()
	RunsCompletedTotal.WithLabelValues(status).Inc()
}

func RetryRun() {
	RunsProcessing.Dec()
	RunsRetriedTotal.Inc()
}
