package errormap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/modelbridge/gateway/internal/domain"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want domain.ErrorKind
	}{
		{"classified passes through", domain.Validationf("model", "bad"), domain.KindValidation},
		{"provider auth", &domain.ProviderError{Provider: domain.ProviderAzure, Status: 401, Type: "authentication_error", Message: "bad key"}, domain.KindAuthentication},
		{"provider permission", &domain.ProviderError{Provider: domain.ProviderBedrock, Status: 403, Type: "permission_error", Message: "denied"}, domain.KindAuthentication},
		{"provider rate limit", &domain.ProviderError{Provider: domain.ProviderAzure, Status: 429, Type: "rate_limit_error", Message: "slow down"}, domain.KindRateLimit},
		{"provider overloaded", &domain.ProviderError{Provider: domain.ProviderBedrock, Status: 503, Type: "overloaded_error", Message: "busy"}, domain.KindServiceUnavailable},
		{"provider not found", &domain.ProviderError{Provider: domain.ProviderAzure, Status: 404, Type: "not_found_error", Message: "no model"}, domain.KindValidation},
		{"provider 500 untyped", &domain.ProviderError{Provider: domain.ProviderAzure, Status: 500, Message: "boom"}, domain.KindServiceUnavailable},
		{"deadline exceeded", context.DeadlineExceeded, domain.KindTimeout},
		{"wrapped deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), domain.KindTimeout},
		{"connection refused text", errors.New("dial tcp 10.0.0.1:443: connection refused"), domain.KindNetwork},
		{"unknown becomes internal", errors.New("some bug"), domain.KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			if got.Kind != tt.want {
				t.Errorf("Classify(%v).Kind = %v, want %v", tt.err, got.Kind, tt.want)
			}
		})
	}
}

func TestClassify_RateLimitDefaults(t *testing.T) {
	de := Classify(&domain.ProviderError{Status: 429, Type: "rate_limit_error"})
	if de.RetryAfter != 60*time.Second {
		t.Errorf("rate limit default retry-after = %v, want 60s", de.RetryAfter)
	}

	de = Classify(&domain.ProviderError{Status: 503, Type: "overloaded_error"})
	if de.RetryAfter != 300*time.Second {
		t.Errorf("overload default retry-after = %v, want 300s", de.RetryAfter)
	}

	de = Classify(&domain.ProviderError{Status: 429, Type: "rate_limit_error", RetryAfter: 7 * time.Second})
	if de.RetryAfter != 7*time.Second {
		t.Errorf("provider hint must win, got %v", de.RetryAfter)
	}
}

// Every kind must render in both dialects with the right status and type
// string; no error may fall through to an unmapped shape.
func TestRender_Total(t *testing.T) {
	kinds := []struct {
		kind       domain.ErrorKind
		status     int
		claudeType string
		openaiType string
	}{
		{domain.KindValidation, 400, "invalid_request_error", "invalid_request_error"},
		{domain.KindAuthentication, 401, "authentication_error", "authentication_error"},
		{domain.KindRateLimit, 429, "rate_limit_error", "rate_limit_exceeded"},
		{domain.KindServiceUnavailable, 503, "overloaded_error", "service_unavailable"},
		{domain.KindNetwork, 503, "api_error", "api_connection_error"},
		{domain.KindTimeout, 504, "api_error", "timeout"},
		{domain.KindInternal, 500, "api_error", "api_error"},
	}

	for _, tt := range kinds {
		err := domain.NewError(tt.kind, "it broke", nil)

		status, body := Render(domain.DialectClaude, err, "corr-1")
		if status != tt.status {
			t.Errorf("%s claude status = %d, want %d", tt.kind, status, tt.status)
		}
		if got := claudeType(t, body); got != tt.claudeType {
			t.Errorf("%s claude type = %q, want %q", tt.kind, got, tt.claudeType)
		}

		status, body = Render(domain.DialectOpenAI, err, "corr-1")
		if status != tt.status {
			t.Errorf("%s openai status = %d, want %d", tt.kind, status, tt.status)
		}
		if got := openaiType(t, body); got != tt.openaiType {
			t.Errorf("%s openai type = %q, want %q", tt.kind, got, tt.openaiType)
		}
	}
}

func claudeType(t *testing.T, body any) string {
	t.Helper()
	data, _ := json.Marshal(body)
	var env struct {
		Type  string `json:"type"`
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal claude envelope: %v", err)
	}
	if env.Type != "error" {
		t.Errorf("claude envelope top-level type = %q, want error", env.Type)
	}
	return env.Error.Type
}

func openaiType(t *testing.T, body any) string {
	t.Helper()
	data, _ := json.Marshal(body)
	var env struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal openai envelope: %v", err)
	}
	return env.Error.Type
}

func TestRender_SameErrorDifferentDialects(t *testing.T) {
	err := domain.NewError(domain.KindRateLimit, "rate limit exceeded", nil)

	cStatus, cBody := Render(domain.DialectClaude, err, "")
	oStatus, oBody := Render(domain.DialectOpenAI, err, "")

	if cStatus != 429 || oStatus != 429 {
		t.Errorf("statuses = %d/%d, want 429 in both dialects", cStatus, oStatus)
	}
	if got := claudeType(t, cBody); got != "rate_limit_error" {
		t.Errorf("claude type = %q", got)
	}
	if got := openaiType(t, oBody); got != "rate_limit_exceeded" {
		t.Errorf("openai type = %q", got)
	}
}

func TestRender_InternalHidesDetail(t *testing.T) {
	err := errors.New("pq: connection to database failed at 10.2.3.4")

	_, body := Render(domain.DialectOpenAI, err, "corr-9")
	data, _ := json.Marshal(body)
	var env struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	json.Unmarshal(data, &env)

	if env.Error.Message != "an unexpected error occurred (request id: corr-9)" {
		t.Errorf("internal detail leaked: %q", env.Error.Message)
	}
}

func TestRender_CorrelationIDAppended(t *testing.T) {
	_, body := Render(domain.DialectClaude, domain.Validationf("model", "model is required"), "abc-123")
	data, _ := json.Marshal(body)
	var env struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	json.Unmarshal(data, &env)

	if env.Error.Message != "model is required (request id: abc-123)" {
		t.Errorf("message = %q", env.Error.Message)
	}
}

func TestRender_NilErrorStillRenders(t *testing.T) {
	status, body := Render(domain.DialectOpenAI, nil, "")
	if status != 500 {
		t.Errorf("status = %d, want 500", status)
	}
	if got := openaiType(t, body); got != "api_error" {
		t.Errorf("type = %q", got)
	}
}

func TestRetryAfter(t *testing.T) {
	if got := RetryAfter(errors.New("plain")); got != 0 {
		t.Errorf("plain error retry-after = %v, want 0", got)
	}

	de := domain.NewError(domain.KindRateLimit, "x", nil)
	de.RetryAfter = 42 * time.Second
	if got := RetryAfter(de); got != 42*time.Second {
		t.Errorf("retry-after = %v, want 42s", got)
	}
}
