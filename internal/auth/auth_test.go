package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/modelbridge/gateway/internal/domain"
)

func TestVerifier_DisabledAcceptsAnything(t *testing.T) {
	v := NewVerifier(nil)

	if v.Enabled() {
		t.Error("no hashes configured must mean disabled")
	}
	if err := v.Verify(""); err != nil {
		t.Errorf("Verify with auth disabled: %v", err)
	}
}

func TestVerifier_AcceptsAndRejects(t *testing.T) {
	hash, err := HashKey("sk-secret")
	if err != nil {
		t.Fatalf("HashKey: %v", err)
	}
	v := NewVerifier([]string{hash})

	if err := v.Verify("sk-secret"); err != nil {
		t.Errorf("valid key rejected: %v", err)
	}
	// Second verification takes the digest cache path.
	if err := v.Verify("sk-secret"); err != nil {
		t.Errorf("cached key rejected: %v", err)
	}

	err = v.Verify("sk-wrong")
	if err == nil {
		t.Fatal("invalid key accepted")
	}
	if domain.KindOf(err) != domain.KindAuthentication {
		t.Errorf("kind = %v, want authentication", domain.KindOf(err))
	}

	err = v.Verify("")
	if domain.KindOf(err) != domain.KindAuthentication {
		t.Errorf("missing key kind = %v, want authentication", domain.KindOf(err))
	}
}

func TestExtractKey(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	r.Header.Set("Authorization", "Bearer sk-abc")
	if got := ExtractKey(r); got != "sk-abc" {
		t.Errorf("bearer key = %q", got)
	}

	r = httptest.NewRequest(http.MethodPost, "/", nil)
	r.Header.Set("x-api-key", "sk-def")
	if got := ExtractKey(r); got != "sk-def" {
		t.Errorf("x-api-key = %q", got)
	}

	r = httptest.NewRequest(http.MethodPost, "/", nil)
	if got := ExtractKey(r); got != "" {
		t.Errorf("no headers should yield empty, got %q", got)
	}
}
