package circuitbreaker

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/modelbridge/gateway/internal/domain"
)

// Lua scripts for atomic circuit breaker operations. Transitions touch
// several Redis keys at once, so each transition runs as one script.

// allowScript checks whether a request may pass and handles the open to
// half-open transition plus the half-open trial budget.
// Keys: [state_key, last_failure_key, successes_key, trials_key]
// Args: [cooldown_seconds, half_open_max_calls]
// Returns: "allowed" or "rejected"
var allowScript = redis.NewScript(`
local state = redis.call('GET', KEYS[1]) or 'closed'
local cooldown = tonumber(ARGV[1])
local maxTrials = tonumber(ARGV[2])

if state == 'closed' then
    return 'allowed'
end

if state == 'open' then
    local lastFailure = tonumber(redis.call('GET', KEYS[2]) or '0')
    local now = tonumber(redis.call('TIME')[1])

    if (now - lastFailure) >= cooldown then
        redis.call('SET', KEYS[1], 'half-open')
        redis.call('SET', KEYS[3], '0')
        redis.call('SET', KEYS[4], '1')
        return 'allowed'
    end
    return 'rejected'
end

local trials = redis.call('INCR', KEYS[4])
if trials > maxTrials then
    redis.call('DECR', KEYS[4])
    return 'rejected'
end
return 'allowed'
`)

// recordSuccessScript records a success and handles half-open to closed.
// Keys: [state_key, failures_key, successes_key, trials_key]
// Args: [success_threshold]
var recordSuccessScript = redis.NewScript(`
local state = redis.call('GET', KEYS[1]) or 'closed'

if state == 'closed' then
    redis.call('SET', KEYS[2], '0')
    return 'closed'
end

if state == 'half-open' then
    local successes = redis.call('INCR', KEYS[3])
    local threshold = tonumber(ARGV[1])

    if successes >= threshold then
        redis.call('SET', KEYS[1], 'closed')
        redis.call('SET', KEYS[2], '0')
        redis.call('SET', KEYS[3], '0')
        redis.call('SET', KEYS[4], '0')
        return 'closed'
    end
    return 'half-open'
end

return state
`)

// recordFailureScript records a failure and handles closed to open and
// half-open back to open.
// Keys: [state_key, failures_key, last_failure_key, successes_key, trials_key]
// Args: [failure_threshold]
var recordFailureScript = redis.NewScript(`
local state = redis.call('GET', KEYS[1]) or 'closed'
local now = redis.call('TIME')[1]

redis.call('SET', KEYS[3], now)

if state == 'closed' then
    local failures = redis.call('INCR', KEYS[2])
    local threshold = tonumber(ARGV[1])

    if failures >= threshold then
        redis.call('SET', KEYS[1], 'open')
        return 'open'
    end
    return 'closed'
end

if state == 'half-open' then
    redis.call('SET', KEYS[1], 'open')
    redis.call('SET', KEYS[4], '0')
    redis.call('SET', KEYS[5], '0')
    return 'open'
end

return state
`)

// RedisCircuitBreaker implements a distributed circuit breaker for one
// (provider, operation) key. Lua scripts keep state transitions atomic
// across gateway instances.
type RedisCircuitBreaker struct {
	client    *redis.Client
	key       Key
	config    Config
	keyPrefix string
}

// NewRedis creates a new Redis-backed circuit breaker.
func NewRedis(redisURL string, key Key, cfg Config) (*RedisCircuitBreaker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return NewRedisWithClient(client, key, cfg), nil
}

// NewRedisWithClient creates a Redis-backed breaker on an existing client,
// sharing one connection pool across breakers.
func NewRedisWithClient(client *redis.Client, key Key, cfg Config) *RedisCircuitBreaker {
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 1
	}
	return &RedisCircuitBreaker{
		client:    client,
		key:       key,
		config:    cfg,
		keyPrefix: fmt.Sprintf("cb:%s:%s:", key.Provider, key.Operation),
	}
}

func (cb *RedisCircuitBreaker) stateKey() string       { return cb.keyPrefix + "state" }
func (cb *RedisCircuitBreaker) failuresKey() string    { return cb.keyPrefix + "failures" }
func (cb *RedisCircuitBreaker) successesKey() string   { return cb.keyPrefix + "successes" }
func (cb *RedisCircuitBreaker) lastFailureKey() string { return cb.keyPrefix + "last_failure" }
func (cb *RedisCircuitBreaker) trialsKey() string      { return cb.keyPrefix + "trials" }

func (cb *RedisCircuitBreaker) Allow(ctx context.Context) error {
	keys := []string{cb.stateKey(), cb.lastFailureKey(), cb.successesKey(), cb.trialsKey()}
	args := []interface{}{
		int(cb.config.Cooldown.Seconds()),
		cb.config.HalfOpenMaxCalls,
	}

	result, err := allowScript.Run(ctx, cb.client, keys, args...).Text()
	if err != nil {
		// On Redis error, fail open (allow the request).
		return nil
	}

	if result == "rejected" {
		return domain.ErrCircuitBreakerOpen
	}
	return nil
}

func (cb *RedisCircuitBreaker) RecordSuccess(ctx context.Context) {
	keys := []string{cb.stateKey(), cb.failuresKey(), cb.successesKey(), cb.trialsKey()}
	recordSuccessScript.Run(ctx, cb.client, keys, cb.config.SuccessThreshold)
}

func (cb *RedisCircuitBreaker) RecordFailure(ctx context.Context) {
	keys := []string{cb.stateKey(), cb.failuresKey(), cb.lastFailureKey(), cb.successesKey(), cb.trialsKey()}
	recordFailureScript.Run(ctx, cb.client, keys, cb.config.FailureThreshold)
}

func (cb *RedisCircuitBreaker) State(ctx context.Context) State {
	result, err := cb.client.Get(ctx, cb.stateKey()).Result()
	if err != nil {
		return StateClosed
	}

	switch result {
	case "open":
		return StateOpen
	case "half-open":
		return StateHalfOpen
	default:
		return StateClosed
	}
}
