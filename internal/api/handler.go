package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"

	"github.com/modelbridge/gateway/internal/auth"
	"github.com/modelbridge/gateway/internal/cache"
	"github.com/modelbridge/gateway/internal/circuitbreaker"
	"github.com/modelbridge/gateway/internal/dialect"
	"github.com/modelbridge/gateway/internal/domain"
	"github.com/modelbridge/gateway/internal/errormap"
	"github.com/modelbridge/gateway/internal/metrics"
	"github.com/modelbridge/gateway/internal/notifications"
	"github.com/modelbridge/gateway/internal/provider"
	"github.com/modelbridge/gateway/internal/queue"
	"github.com/modelbridge/gateway/internal/ratelimit"
	"github.com/modelbridge/gateway/internal/repository"
	"github.com/modelbridge/gateway/internal/resilience"
	"github.com/modelbridge/gateway/internal/router"
	"github.com/modelbridge/gateway/internal/stream"
	"github.com/modelbridge/gateway/internal/telemetry"
)

const maxBodyBytes = 8 << 20

type HandlerConfig struct {
	Verifier     *auth.Verifier
	RateLimiter  ratelimit.RateLimiter
	RateLimitRPM int
	Router       *router.Router
	Executor     *resilience.Executor
	Clients      map[domain.Provider]provider.Client
	Cache        cache.Cache
	CacheTTL     time.Duration

	FallbackEnabled bool
	// Providers forced onto the simulated streaming path even when their
	// client supports genuine streaming.
	SimulateStreaming map[domain.Provider]bool

	Usage     queue.UsagePublisher
	UsageRepo repository.UsageRepository
	Notifier  notifications.Notifier
}

type Handler struct {
	cfg HandlerConfig
	mux *http.ServeMux
}

func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notifications.LogNotifier{}
	}

	h := &Handler{cfg: cfg, mux: http.NewServeMux()}

	h.mux.HandleFunc("POST /v1/completions", h.handleCompletions)
	h.mux.HandleFunc("GET /v1/models", h.handleListModels)
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.HandleFunc("GET /health/ready", h.handleHealthReady)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleCompletions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	correlationID := r.Header.Get("X-Correlation-ID")
	if correlationID == "" {
		correlationID = r.Header.Get("X-Request-ID")
	}
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	w.Header().Set("X-Correlation-ID", correlationID)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeMappedError(w, domain.DialectOpenAI, domain.Validationf("body", "failed to read request body"), correlationID)
		return
	}

	// The dialect is pinned before anything can fail so every error
	// envelope matches the caller's protocol. An undetectable body gets
	// the OpenAI envelope.
	d, derr := dialect.Detect(body)
	if d == "" {
		d = domain.DialectOpenAI
	}

	if err := h.cfg.Verifier.Verify(auth.ExtractKey(r)); err != nil {
		slog.Warn("authentication failed", "correlation_id", correlationID)
		writeMappedError(w, d, err, correlationID)
		return
	}

	if h.cfg.RateLimiter != nil {
		allowed, remaining, resetAt, rlErr := h.cfg.RateLimiter.Allow(ctx, auth.ExtractKey(r), h.cfg.RateLimitRPM)
		if rlErr != nil {
			slog.Error("rate limiter error", "error", rlErr, "correlation_id", correlationID)
		} else {
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.cfg.RateLimitRPM))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			w.Header().Set("X-RateLimit-Reset", resetAt.Format(time.RFC3339))
			if !allowed {
				metrics.RecordRateLimitHit(string(d))
				writeMappedError(w, d, domain.NewError(domain.KindRateLimit, "rate limit exceeded", nil), correlationID)
				return
			}
		}
	}

	if derr != nil {
		writeMappedError(w, d, derr, correlationID)
		return
	}

	req, err := dialect.Normalize(body)
	if err != nil {
		writeMappedError(w, d, err, correlationID)
		return
	}

	ctx, span := telemetry.StartSpan(ctx, "gateway.completion")
	defer span.End()
	span.SetAttributes(
		attribute.String("gateway.dialect", string(d)),
		attribute.String("gateway.model", req.Model),
		attribute.String("gateway.correlation_id", correlationID),
	)

	decision, _, err := h.cfg.Router.Route(req.Model, req, correlationID)
	if err != nil {
		metrics.RecordRequest(string(d), "none", req.Model, "rejected", time.Since(start).Seconds())
		writeMappedError(w, d, err, correlationID)
		return
	}
	span.SetAttributes(
		attribute.String("gateway.provider", string(decision.Provider)),
		attribute.String("gateway.backend_model", decision.BackendModel),
	)

	client, ok := h.cfg.Clients[decision.Provider]
	if !ok {
		writeMappedError(w, d, domain.NewError(domain.KindInternal, "provider client not registered", nil), correlationID)
		return
	}

	params := provider.Params{BackendModel: decision.BackendModel, Request: req}

	if req.Stream {
		h.handleStreaming(ctx, w, d, client, params, decision, correlationID, start)
		return
	}

	result := h.execute(ctx, client, params, decision, req)
	h.observe(decision, "create_response", result.Attempts)

	if result.Err != nil {
		h.recordFailure(ctx, d, decision, req, result, correlationID, start)
		writeMappedError(w, d, result.Err, correlationID)
		return
	}

	resp := result.Value
	resp.Model = decision.RequestedModel

	if h.cfg.Cache != nil && !result.Degraded {
		if err := h.cfg.Cache.Set(ctx, cache.Key(req), resp, h.cfg.CacheTTL); err != nil {
			slog.Warn("failed to cache response", "error", err, "correlation_id", correlationID)
		}
	}

	h.recordSuccess(d, decision, req, result, correlationID, start)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(dialect.RenderResponse(d, resp))
}

// execute runs the non-streaming call under the full resilience stack.
func (h *Handler) execute(ctx context.Context, client provider.Client, params provider.Params, decision domain.RoutingDecision, req domain.UniversalRequest) domain.ExecutionResult[*domain.CompletionResponse] {
	key := circuitbreaker.Key{Provider: decision.Provider, Operation: "create_response"}

	fn := func(ctx context.Context) (*domain.CompletionResponse, error) {
		return client.CreateResponse(ctx, params)
	}

	var fallback func(context.Context, error) (*domain.CompletionResponse, error)
	if h.cfg.FallbackEnabled {
		fallback = resilience.ChainFallbacks(
			h.cacheFallback(req),
			resilience.StaticFallback(decision.RequestedModel,
				"The service is temporarily unable to process this request. Please try again shortly."),
		)
	}

	return resilience.Execute(ctx, h.cfg.Executor, key, fn, fallback)
}

// cacheFallback serves a cached prior response for an identical request
// when the provider is down.
func (h *Handler) cacheFallback(req domain.UniversalRequest) resilience.CompletionFallback {
	if h.cfg.Cache == nil {
		return nil
	}
	return func(ctx context.Context, cause error) (*domain.CompletionResponse, error) {
		if cached, ok := h.cfg.Cache.Get(ctx, cache.Key(req)); ok {
			cp := *cached
			cp.Degraded = true
			return &cp, nil
		}
		return nil, resilience.ErrNoFallback
	}
}

func (h *Handler) handleStreaming(ctx context.Context, w http.ResponseWriter, d domain.Dialect, client provider.Client, params provider.Params, decision domain.RoutingDecision, correlationID string, start time.Time) {
	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	sc, canStream := client.(provider.StreamingClient)
	simulate := !canStream || h.cfg.SimulateStreaming[decision.Provider]

	if simulate {
		result := h.execute(ctx, client, params, decision, params.Request)
		h.observe(decision, "create_response", result.Attempts)
		if result.Err != nil {
			h.recordFailure(ctx, d, decision, params.Request, result, correlationID, start)
			writeMappedError(w, d, result.Err, correlationID)
			return
		}
		resp := result.Value
		resp.Model = decision.RequestedModel
		h.recordSuccess(d, decision, params.Request, result, correlationID, start)

		writeSSEHeaders(w, correlationID)
		var noErrs chan error
		if err := stream.Pipe(ctx, w, d, stream.Simulate(ctx, resp, 0), noErrs); err != nil && ctx.Err() == nil {
			slog.Error("simulated stream failed", "error", err, "correlation_id", correlationID)
		}
		return
	}

	key := circuitbreaker.Key{Provider: decision.Provider, Operation: "create_response_stream"}
	breaker := h.cfg.Executor.Breakers.Get(key)
	if err := breaker.Allow(ctx); err != nil {
		h.notifyBreaker(decision.Provider, breaker.State(ctx))
		writeMappedError(w, d, err, correlationID)
		return
	}

	events, errs := sc.CreateResponseStream(ctx, params)

	writeSSEHeaders(w, correlationID)
	err := stream.Pipe(ctx, w, d, events, errs)

	switch {
	case ctx.Err() != nil:
		// Client went away; nothing to record against the provider.
		slog.Info("stream cancelled by caller", "correlation_id", correlationID)
	case err != nil:
		breaker.RecordFailure(ctx)
		if h.cfg.Executor.Health != nil {
			h.cfg.Executor.Health.RecordFailure(decision.Provider)
		}
		h.notifyBreaker(decision.Provider, breaker.State(ctx))
		metrics.RecordProviderError(string(decision.Provider), string(domain.KindOf(err)))
		metrics.RecordRequest(string(d), string(decision.Provider), decision.RequestedModel, "stream_error", time.Since(start).Seconds())
		slog.Error("stream failed", "error", err, "provider", decision.Provider, "correlation_id", correlationID)
	default:
		breaker.RecordSuccess(ctx)
		if h.cfg.Executor.Health != nil {
			h.cfg.Executor.Health.RecordSuccess(decision.Provider)
		}
		h.notifyBreaker(decision.Provider, breaker.State(ctx))
		metrics.RecordRequest(string(d), string(decision.Provider), decision.RequestedModel, "success", time.Since(start).Seconds())
		slog.Info("streaming request completed",
			"correlation_id", correlationID,
			"provider", decision.Provider,
			"model", decision.RequestedModel,
			"latency_ms", time.Since(start).Milliseconds(),
		)
	}
}

func writeSSEHeaders(w http.ResponseWriter, correlationID string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Correlation-ID", correlationID)
}

func (h *Handler) observe(decision domain.RoutingDecision, operation string, attempts int) {
	metrics.RecordRetries(string(decision.Provider), operation, attempts)

	key := circuitbreaker.Key{Provider: decision.Provider, Operation: operation}
	state := h.cfg.Executor.Breakers.Get(key).State(context.Background())
	metrics.SetCircuitBreakerState(string(decision.Provider), operation, int(state))
	h.notifyBreaker(decision.Provider, state)
}

func (h *Handler) notifyBreaker(p domain.Provider, state circuitbreaker.State) {
	var n notifications.Notification
	switch state {
	case circuitbreaker.StateOpen:
		n = notifications.Notification{
			Type:     notifications.NotificationProviderDown,
			Provider: p,
			Message:  "circuit breaker opened; requests are failing fast",
		}
	case circuitbreaker.StateHalfOpen:
		n = notifications.Notification{
			Type:     notifications.NotificationProviderDegraded,
			Provider: p,
			Message:  "circuit breaker half-open; trial calls in progress",
		}
	default:
		n = notifications.Notification{
			Type:     notifications.NotificationProviderUp,
			Provider: p,
			Message:  "circuit breaker closed",
		}
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.cfg.Notifier.Send(ctx, n); err != nil {
			slog.Warn("failed to send notification", "error", err, "provider", p)
		}
	}()
}

func (h *Handler) recordSuccess(d domain.Dialect, decision domain.RoutingDecision, req domain.UniversalRequest, result domain.ExecutionResult[*domain.CompletionResponse], correlationID string, start time.Time) {
	resp := result.Value
	status := "success"
	if result.Degraded {
		status = "degraded"
		metrics.RecordDegraded(string(decision.Provider), decision.RequestedModel)
	}

	metrics.RecordRequest(string(d), string(decision.Provider), decision.RequestedModel, status, time.Since(start).Seconds())
	metrics.RecordTokens(string(decision.Provider), decision.RequestedModel, resp.Usage.InputTokens, resp.Usage.OutputTokens)

	event := queue.UsageEvent{
		CorrelationID: correlationID,
		Dialect:       d,
		Provider:      decision.Provider,
		Model:         decision.RequestedModel,
		BackendModel:  decision.BackendModel,
		InputTokens:   resp.Usage.InputTokens,
		OutputTokens:  resp.Usage.OutputTokens,
		LatencyMs:     time.Since(start).Milliseconds(),
		Attempts:      result.Attempts,
		Degraded:      result.Degraded,
		Status:        status,
		CreatedAt:     time.Now().UTC(),
	}
	queue.PublishAsync(h.cfg.Usage, event)
	h.persistUsage(event)

	slog.Info("request completed",
		"correlation_id", correlationID,
		"dialect", d,
		"provider", decision.Provider,
		"model", decision.RequestedModel,
		"status", status,
		"attempts", result.Attempts,
		"latency_ms", event.LatencyMs,
	)
}

func (h *Handler) recordFailure(ctx context.Context, d domain.Dialect, decision domain.RoutingDecision, req domain.UniversalRequest, result domain.ExecutionResult[*domain.CompletionResponse], correlationID string, start time.Time) {
	kind := domain.KindOf(result.Err)
	metrics.RecordProviderError(string(decision.Provider), string(kind))
	metrics.RecordRequest(string(d), string(decision.Provider), decision.RequestedModel, "error", time.Since(start).Seconds())

	h.persistUsage(queue.UsageEvent{
		CorrelationID: correlationID,
		Dialect:       d,
		Provider:      decision.Provider,
		Model:         decision.RequestedModel,
		BackendModel:  decision.BackendModel,
		LatencyMs:     time.Since(start).Milliseconds(),
		Attempts:      result.Attempts,
		Status:        "error",
		CreatedAt:     time.Now().UTC(),
	})

	slog.Error("request failed",
		"correlation_id", correlationID,
		"dialect", d,
		"provider", decision.Provider,
		"model", decision.RequestedModel,
		"kind", kind,
		"attempts", result.Attempts,
		"error", result.Err,
	)
}

func (h *Handler) persistUsage(event queue.UsageEvent) {
	if h.cfg.UsageRepo == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.cfg.UsageRepo.Record(ctx, event); err != nil {
			slog.Warn("failed to persist usage record", "error", err, "correlation_id", event.CorrelationID)
		}
	}()
}

func (h *Handler) handleListModels(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"object": "list",
		"data":   h.cfg.Router.Models(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func writeMappedError(w http.ResponseWriter, d domain.Dialect, err error, correlationID string) {
	// Classify up front so provider retry hints surface as a header too.
	de := errormap.Classify(err)
	status, body := errormap.Render(d, de, correlationID)
	if de != nil && de.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(de.RetryAfter.Seconds())))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
