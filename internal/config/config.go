package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr     string
	LogLevel string

	// Comma-separated bcrypt hashes of accepted gateway API keys.
	// Empty disables authentication (local development).
	APIKeyHashes []string

	RateLimitRPM int

	RedisURL    string
	DatabaseURL string

	AzureEndpoint   string
	AzureAPIKey     string
	AzureAPIVersion string
	// Secrets Manager secret name holding the Azure API key; overrides
	// AzureAPIKey when set.
	AzureSecretName string
	// Force simulated streaming for Azure even though the Responses
	// endpoint can stream; useful behind buffering proxies.
	AzureSimulatedStreaming bool

	AWSRegion string

	SNSTopicARN      string
	SQSUsageQueueURL string
	OTLPEndpoint     string

	// Resilience tunables.
	BreakerFailureThreshold int
	BreakerSuccessThreshold int
	BreakerCooldown         time.Duration
	BreakerHalfOpenMax      int
	RetryMaxAttempts        int
	RetryBaseDelay          time.Duration
	RetryMaxDelay           time.Duration
	AttemptTimeout          time.Duration
	FallbackEnabled         bool

	UseDistributedCircuitBreaker bool

	ShutdownTimeout time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		Addr:                         getEnv("ADDR", ":8080"),
		LogLevel:                     getEnv("LOG_LEVEL", "info"),
		APIKeyHashes:                 splitEnv("API_KEY_HASHES"),
		RateLimitRPM:                 getIntEnv("RATE_LIMIT_RPM", 300),
		RedisURL:                     getEnv("REDIS_URL", ""),
		DatabaseURL:                  getEnv("DATABASE_URL", ""),
		AzureEndpoint:                getEnv("AZURE_OPENAI_ENDPOINT", ""),
		AzureAPIKey:                  getEnv("AZURE_OPENAI_API_KEY", ""),
		AzureAPIVersion:              getEnv("AZURE_OPENAI_API_VERSION", ""),
		AzureSecretName:              getEnv("AZURE_OPENAI_SECRET_NAME", ""),
		AzureSimulatedStreaming:      getEnv("AZURE_SIMULATED_STREAMING", "false") == "true",
		AWSRegion:                    getEnv("AWS_REGION", ""),
		SNSTopicARN:                  getEnv("SNS_TOPIC_ARN", ""),
		SQSUsageQueueURL:             getEnv("SQS_USAGE_QUEUE_URL", ""),
		OTLPEndpoint:                 getEnv("OTLP_ENDPOINT", ""),
		BreakerFailureThreshold:      getIntEnv("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerSuccessThreshold:      getIntEnv("BREAKER_SUCCESS_THRESHOLD", 2),
		BreakerCooldown:              getDurationEnv("BREAKER_COOLDOWN", 30*time.Second),
		BreakerHalfOpenMax:           getIntEnv("BREAKER_HALF_OPEN_MAX", 3),
		RetryMaxAttempts:             getIntEnv("RETRY_MAX_ATTEMPTS", 3),
		RetryBaseDelay:               getDurationEnv("RETRY_BASE_DELAY", time.Second),
		RetryMaxDelay:                getDurationEnv("RETRY_MAX_DELAY", 30*time.Second),
		AttemptTimeout:               getDurationEnv("ATTEMPT_TIMEOUT", 60*time.Second),
		FallbackEnabled:              getEnv("FALLBACK_ENABLED", "true") == "true",
		UseDistributedCircuitBreaker: getEnv("USE_DISTRIBUTED_CB", "false") == "true",
		ShutdownTimeout:              getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	return cfg, nil
}

// AzureConfigured reports whether the Azure provider has usable connection
// parameters. A secret name counts: the key is resolved at startup.
func (c *Config) AzureConfigured() bool {
	return c.AzureEndpoint != "" && (c.AzureAPIKey != "" || c.AzureSecretName != "")
}

// BedrockConfigured reports whether the Bedrock provider has usable
// connection parameters; credentials come from the ambient AWS chain.
func (c *Config) BedrockConfigured() bool {
	return c.AWSRegion != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitEnv(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}
