// Package cache stores completed responses for identical non-streaming
// requests. Besides cutting latency and cost on repeats, cached entries
// double as the resilience pipeline's "cached prior response" fallback
// source when a provider is down.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/modelbridge/gateway/internal/domain"
)

// Cache defines the interface for response caching backends.
type Cache interface {
	Get(ctx context.Context, key string) (*domain.CompletionResponse, bool)
	Set(ctx context.Context, key string, resp *domain.CompletionResponse, ttl time.Duration) error
}

// Key derives a cache key from the request fields that determine the
// response: model, system prompt, messages, and sampling parameters.
func Key(req domain.UniversalRequest) string {
	data, _ := json.Marshal(struct {
		Model       string        `json:"model"`
		System      string        `json:"system,omitempty"`
		Messages    []domain.Turn `json:"messages"`
		Temperature *float64      `json:"temperature,omitempty"`
		TopP        *float64      `json:"top_p,omitempty"`
		MaxTokens   *int          `json:"max_tokens,omitempty"`
	}{
		Model:       req.Model,
		System:      req.System,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
	})

	hash := sha256.Sum256(data)
	return "cache:" + hex.EncodeToString(hash[:])
}

type InMemoryCache struct {
	mu    sync.RWMutex
	items map[string]*cacheItem
}

type cacheItem struct {
	response  *domain.CompletionResponse
	expiresAt time.Time
}

func NewInMemoryCache() *InMemoryCache {
	c := &InMemoryCache{
		items: make(map[string]*cacheItem),
	}
	go c.cleanup()
	return c
}

func (c *InMemoryCache) Get(ctx context.Context, key string) (*domain.CompletionResponse, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, ok := c.items[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(item.expiresAt) {
		return nil, false
	}
	return item.response, true
}

func (c *InMemoryCache) Set(ctx context.Context, key string, resp *domain.CompletionResponse, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[key] = &cacheItem{
		response:  resp,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

func (c *InMemoryCache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		now := time.Now()
		for key, item := range c.items {
			if now.After(item.expiresAt) {
				delete(c.items, key)
			}
		}
		c.mu.Unlock()
	}
}

type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisCache{client: client}, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) (*domain.CompletionResponse, bool) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}

	var resp domain.CompletionResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, false
	}
	return &resp, true
}

func (c *RedisCache) Set(ctx context.Context, key string, resp *domain.CompletionResponse, ttl time.Duration) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, data, ttl).Err()
}
