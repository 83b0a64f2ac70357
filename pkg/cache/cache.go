// Package cache provides an optional Redis-backed cache for upstream Socrata
// responses. Identical count/row queries inside the TTL are served from cache
// without spending retry budget or upstream quota. The service runs fine
// without it; a nil Redis client disables caching entirely.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

// ErrCacheMiss indicates the requested key was not found in cache.
var ErrCacheMiss = errors.New("cache miss")

// Prometheus metrics for response cache operations.
var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "socrata_cache_hits_total",
		Help: "Upstream responses served from cache",
	})

	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "socrata_cache_misses_total",
		Help: "Cache lookups that fell through to the upstream",
	})

	cacheErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "socrata_cache_errors_total",
		Help: "Cache operation errors by operation",
	}, []string{"operation"})
)

// ResponseCache stores raw upstream response bodies keyed by the request that
// produced them.
type ResponseCache struct {
	redis *redis.Client
	ttl   time.Duration
}

// New creates a response cache. ttl bounds how long a cached body is served.
func New(redisClient *redis.Client, ttl time.Duration) *ResponseCache {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &ResponseCache{
		redis: redisClient,
		ttl:   ttl,
	}
}

// Key derives a stable cache key from the request endpoint and its canonical
// query encoding. url.Values.Encode sorts keys, so parameter order does not
// fragment the cache.
func Key(endpoint string, params url.Values) string {
	sum := sha256.Sum256([]byte(endpoint + "?" + params.Encode()))
	return "socrata:response:" + hex.EncodeToString(sum[:16])
}

// Get returns the cached body for the key, or ErrCacheMiss.
func (c *ResponseCache) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			cacheMissesTotal.Inc()
			return nil, ErrCacheMiss
		}
		cacheErrorsTotal.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}
	cacheHitsTotal.Inc()
	return data, nil
}

// Set stores a response body under the key with the configured TTL.
func (c *ResponseCache) Set(ctx context.Context, key string, body []byte) error {
	if c.ttl <= 0 {
		return nil
	}
	if err := c.redis.Set(ctx, key, body, c.ttl).Err(); err != nil {
		cacheErrorsTotal.WithLabelValues("set").Inc()
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}
