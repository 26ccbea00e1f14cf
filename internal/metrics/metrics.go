package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total number of requests processed",
		},
		[]string{"dialect", "provider", "model", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"dialect", "provider", "model"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_tokens_total",
			Help: "Total number of tokens processed",
		},
		[]string{"provider", "model", "type"},
	)

	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_retries_total",
			Help: "Total number of retry attempts beyond the first",
		},
		[]string{"provider", "operation"},
	)

	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_provider_errors_total",
			Help: "Total number of provider errors by taxonomy kind",
		},
		[]string{"provider", "kind"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"provider", "operation"},
	)

	DegradedResponses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_degraded_responses_total",
			Help: "Total number of fallback-substituted responses",
		},
		[]string{"provider", "model"},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_rate_limit_hits_total",
			Help: "Total number of gateway rate limit rejections",
		},
		[]string{"dialect"},
	)

	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_active_streams",
			Help: "Number of active streaming connections",
		},
	)
)

func RecordRequest(dialect, provider, model, status string, durationSec float64) {
	RequestsTotal.WithLabelValues(dialect, provider, model, status).Inc()
	RequestDuration.WithLabelValues(dialect, provider, model).Observe(durationSec)
}

func RecordTokens(provider, model string, inputTokens, outputTokens int) {
	TokensTotal.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	TokensTotal.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
}

func RecordProviderError(provider, kind string) {
	ProviderErrors.WithLabelValues(provider, kind).Inc()
}

func RecordRetries(provider, operation string, attempts int) {
	if attempts > 1 {
		RetriesTotal.WithLabelValues(provider, operation).Add(float64(attempts - 1))
	}
}

func RecordDegraded(provider, model string) {
	DegradedResponses.WithLabelValues(provider, model).Inc()
}

func RecordRateLimitHit(dialect string) {
	RateLimitHits.WithLabelValues(dialect).Inc()
}

func SetCircuitBreakerState(provider, operation string, state int) {
	CircuitBreakerState.WithLabelValues(provider, operation).Set(float64(state))
}
