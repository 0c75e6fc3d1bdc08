package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edunexus_http_requests_total",
			Help: "Total number of HTTP requests by registered route.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "edunexus_http_request_duration_seconds",
			Help:    "HTTP request latency by registered route.",
			Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"method", "route"},
	)
	assistantTurnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edunexus_assistant_turns_total",
			Help: "Total number of assistant turns by outcome.",
		},
		[]string{"outcome"},
	)
	assistantTurnDurationMs = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "edunexus_assistant_turn_duration_ms",
			Help:    "End-to-end assistant turn latency in milliseconds.",
			Buckets: []float64{50, 100, 250, 500, 1000, 2000, 5000, 10000, 20000, 60000},
		},
	)
	llmRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edunexus_llm_requests_total",
			Help: "Total number of language model requests by model and result.",
		},
		[]string{"model", "result"},
	)
	llmFailoversTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "edunexus_llm_failovers_total",
			Help: "Total number of model endpoint failovers caused by quota errors.",
		},
	)
	llmActiveEndpoint = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "edunexus_llm_active_endpoint",
			Help: "Index of the active model endpoint; equals the endpoint count when exhausted.",
		},
	)
	sandboxExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edunexus_sandbox_executions_total",
			Help: "Total number of sandboxed query executions by outcome.",
		},
		[]string{"outcome"},
	)
	sandboxExecutionMs = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "edunexus_sandbox_execution_ms",
			Help:    "Sandboxed query execution latency in milliseconds.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
		},
	)
	schemaCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edunexus_schema_cache_total",
			Help: "Schema snapshot cache lookups by result.",
		},
		[]string{"result"},
	)
	promptTokens = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "edunexus_prompt_tokens",
			Help:    "Approximate token count of assembled prompts.",
			Buckets: []float64{500, 1000, 2000, 4000, 6000, 8000, 12000, 16000, 32000},
		},
	)
	auditFlushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edunexus_audit_flushes_total",
			Help: "Audit archive flushes by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDurationSeconds,
		assistantTurnsTotal,
		assistantTurnDurationMs,
		llmRequestsTotal,
		llmFailoversTotal,
		llmActiveEndpoint,
		sandboxExecutionsTotal,
		sandboxExecutionMs,
		schemaCacheTotal,
		promptTokens,
		auditFlushesTotal,
	)
}

func ObserveHTTPRequest(method, route string, status int, elapsed time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func ObserveAssistantTurn(outcome string, elapsed time.Duration) {
	assistantTurnsTotal.WithLabelValues(outcome).Inc()
	assistantTurnDurationMs.Observe(float64(elapsed.Milliseconds()))
}

func ObserveLLMRequest(model, result string) {
	llmRequestsTotal.WithLabelValues(model, result).Inc()
}

func ObserveLLMFailover(activeIndex int) {
	llmFailoversTotal.Inc()
	SetLLMActiveEndpoint(activeIndex)
}

func SetLLMActiveEndpoint(index int) {
	if index < 0 {
		index = 0
	}
	llmActiveEndpoint.Set(float64(index))
}

func ObserveSandboxExecution(outcome string, elapsed time.Duration) {
	sandboxExecutionsTotal.WithLabelValues(outcome).Inc()
	sandboxExecutionMs.Observe(float64(elapsed.Milliseconds()))
}

func ObserveSchemaCache(hit bool) {
	if hit {
		schemaCacheTotal.WithLabelValues("hit").Inc()
		return
	}
	schemaCacheTotal.WithLabelValues("miss").Inc()
}

func ObservePromptTokens(tokens int) {
	if tokens <= 0 {
		return
	}
	promptTokens.Observe(float64(tokens))
}

func ObserveAuditFlush(err error) {
	if err != nil {
		auditFlushesTotal.WithLabelValues("error").Inc()
		return
	}
	auditFlushesTotal.WithLabelValues("ok").Inc()
}
