package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Addr != ":8080" {
		t.Errorf("addr = %q", cfg.Addr)
	}
	if cfg.RateLimitRPM != 300 {
		t.Errorf("rate limit = %d", cfg.RateLimitRPM)
	}
	if cfg.RetryMaxAttempts != 3 {
		t.Errorf("retry attempts = %d", cfg.RetryMaxAttempts)
	}
	if cfg.BreakerCooldown != 30*time.Second {
		t.Errorf("cooldown = %v", cfg.BreakerCooldown)
	}
	if !cfg.FallbackEnabled {
		t.Error("fallback must default on")
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("ADDR", ":9999")
	t.Setenv("RATE_LIMIT_RPM", "42")
	t.Setenv("BREAKER_COOLDOWN", "5s")
	t.Setenv("RETRY_BASE_DELAY", "250ms")
	t.Setenv("FALLBACK_ENABLED", "false")
	t.Setenv("API_KEY_HASHES", "hash1, hash2 ,")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Addr != ":9999" {
		t.Errorf("addr = %q", cfg.Addr)
	}
	if cfg.RateLimitRPM != 42 {
		t.Errorf("rate limit = %d", cfg.RateLimitRPM)
	}
	if cfg.BreakerCooldown != 5*time.Second {
		t.Errorf("cooldown = %v", cfg.BreakerCooldown)
	}
	if cfg.RetryBaseDelay != 250*time.Millisecond {
		t.Errorf("base delay = %v", cfg.RetryBaseDelay)
	}
	if cfg.FallbackEnabled {
		t.Error("fallback must be off")
	}
	if len(cfg.APIKeyHashes) != 2 || cfg.APIKeyHashes[0] != "hash1" || cfg.APIKeyHashes[1] != "hash2" {
		t.Errorf("hashes = %v", cfg.APIKeyHashes)
	}
}

func TestLoad_DurationAsBareSeconds(t *testing.T) {
	t.Setenv("BREAKER_COOLDOWN", "45")

	cfg, _ := Load()
	if cfg.BreakerCooldown != 45*time.Second {
		t.Errorf("cooldown = %v, want 45s", cfg.BreakerCooldown)
	}
}

func TestProviderConfiguredPredicates(t *testing.T) {
	cfg := &Config{}
	if cfg.AzureConfigured() || cfg.BedrockConfigured() {
		t.Error("empty config must configure nothing")
	}

	cfg = &Config{AzureEndpoint: "https://x.openai.azure.com", AzureAPIKey: "k"}
	if !cfg.AzureConfigured() {
		t.Error("endpoint plus key must configure azure")
	}

	cfg = &Config{AzureEndpoint: "https://x.openai.azure.com", AzureSecretName: "azure-key"}
	if !cfg.AzureConfigured() {
		t.Error("endpoint plus secret name must configure azure")
	}

	cfg = &Config{AzureEndpoint: "https://x.openai.azure.com"}
	if cfg.AzureConfigured() {
		t.Error("endpoint without any key source must not configure azure")
	}

	cfg = &Config{AWSRegion: "us-east-1"}
	if !cfg.BedrockConfigured() {
		t.Error("region must configure bedrock")
	}
}
