// Package cache implements the cache-aside layer used by list and detail
// reads. The store of record stays authoritative: every failure on the read
// path degrades to a miss, and write paths evict by organization prefix.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rcm/rcm/internal/platform/metrics"
)

// DefaultTTL applies when Set is called with a non-positive ttl.
const DefaultTTL = 5 * time.Minute

type Cache struct {
	store  Store
	ttl    time.Duration
	logger zerolog.Logger
}

func New(store Store, ttl time.Duration, logger zerolog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		store:  store,
		ttl:    ttl,
		logger: logger.With().Str("component", "cache").Logger(),
	}
}

// Get decodes the cached JSON under key into dest and reports whether it
// was a hit. Store and decode failures are logged and count as misses.
func (c *Cache) Get(ctx context.Context, key string, dest any) bool {
	raw, err := c.store.Get(ctx, key)
	if errors.Is(err, ErrMiss) {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return false
	}
	if err != nil {
		metrics.CacheLookups.WithLabelValues("error").Inc()
		c.logger.Warn().Err(err).Str("key", key).Msg("cache read failed")
		return false
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		metrics.CacheLookups.WithLabelValues("error").Inc()
		c.logger.Warn().Err(err).Str("key", key).Msg("discarding undecodable cache entry")
		_ = c.store.Delete(ctx, key)
		return false
	}
	metrics.CacheLookups.WithLabelValues("hit").Inc()
	return true
}

// Set stores value as JSON. A non-positive ttl uses the cache default.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	raw, err := json.Marshal(value)
	if err != nil {
		c.logger.Error().Err(err).Str("key", key).Msg("cache encode failed")
		return
	}
	if err := c.store.Set(ctx, key, raw, ttl); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache write failed")
	}
}

func (c *Cache) Delete(ctx context.Context, keys ...string) {
	if err := c.store.Delete(ctx, keys...); err != nil {
		c.logger.Warn().Err(err).Strs("keys", keys).Msg("cache delete failed")
	}
}

// InvalidatePattern evicts every key beginning with prefix.
func (c *Cache) InvalidatePattern(ctx context.Context, prefix string) {
	n, err := c.store.DeletePrefix(ctx, prefix)
	metrics.CacheInvalidations.Add(float64(n))
	if err != nil {
		c.logger.Warn().Err(err).Str("prefix", prefix).Msg("cache invalidation failed")
		return
	}
	c.logger.Debug().Str("prefix", prefix).Int64("keys", n).Msg("cache invalidated")
}

// Remember returns the cached value for key or loads, caches and returns it.
// Load errors are returned as is and nothing is cached.
func Remember[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, load func(context.Context) (T, error)) (T, error) {
	var v T
	if c.Get(ctx, key, &v) {
		return v, nil
	}
	v, err := load(ctx)
	if err != nil {
		return v, err
	}
	c.Set(ctx, key, v, ttl)
	return v, nil
}

// Prefix returns the organization-scoped prefix for a resource,
// e.g. "claims:<org>:".
func Prefix(resource, org string) string {
	return resource + ":" + org + ":"
}

// Key builds "<resource>:<org>:<parts...>" with parts joined by ':'.
func Key(resource, org string, parts ...string) string {
	return Prefix(resource, org) + strings.Join(parts, ":")
}

// FilterKey serializes a filter set deterministically. Empty values are
// dropped so that "?status=" and no filter share a key.
func FilterKey(filters url.Values) string {
	clean := url.Values{}
	for k, vs := range filters {
		for _, v := range vs {
			if v != "" {
				clean.Add(k, v)
			}
		}
	}
	if len(clean) == 0 {
		return "all"
	}
	return clean.Encode()
}
