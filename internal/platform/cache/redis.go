package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

const scanBatch = 200

// RedisStore is a Store on Redis guarded by a circuit breaker. Once Redis
// keeps failing the breaker opens and calls fail fast with
// gobreaker.ErrOpenState until the probe interval elapses.
type RedisStore struct {
	rdb redis.UniversalClient
	cb  *gobreaker.CircuitBreaker
}

// BreakerSettings returns the breaker configuration used by NewRedisStore.
func BreakerSettings(name string) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    10 * time.Second,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
}

func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return NewRedisStoreWithBreaker(rdb, BreakerSettings("cache"))
}

func NewRedisStoreWithBreaker(rdb redis.UniversalClient, st gobreaker.Settings) *RedisStore {
	return &RedisStore{rdb: rdb, cb: gobreaker.NewCircuitBreaker(st)}
}

// State exposes the breaker state for health reporting.
func (s *RedisStore) State() gobreaker.State {
	return s.cb.State()
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	var miss bool
	v, err := s.cb.Execute(func() (interface{}, error) {
		b, err := s.rdb.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			// A miss is a healthy answer and must not count against the breaker.
			miss = true
			return nil, nil
		}
		return b, err
	})
	if err != nil {
		return nil, fmt.Errorf("cache get %s: %w", key, err)
	}
	if miss {
		return nil, ErrMiss
	}
	return v.([]byte), nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.rdb.Set(ctx, key, value, ttl).Err()
	})
	if err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.rdb.Del(ctx, keys...).Err()
	})
	if err != nil {
		return fmt.Errorf("cache delete: %w", err)
	}
	return nil
}

// DeletePrefix walks the keyspace with SCAN so that Redis is never blocked
// by a KEYS call, deleting each batch as it goes.
func (s *RedisStore) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	v, err := s.cb.Execute(func() (interface{}, error) {
		var (
			cursor  uint64
			removed int64
		)
		for {
			keys, next, err := s.rdb.Scan(ctx, cursor, escapeGlob(prefix)+"*", scanBatch).Result()
			if err != nil {
				return removed, err
			}
			if len(keys) > 0 {
				n, err := s.rdb.Del(ctx, keys...).Result()
				if err != nil {
					return removed, err
				}
				removed += n
			}
			cursor = next
			if cursor == 0 {
				return removed, nil
			}
		}
	})
	if err != nil {
		n, _ := v.(int64)
		return n, fmt.Errorf("cache invalidate %s*: %w", prefix, err)
	}
	return v.(int64), nil
}

var globEscaper = strings.NewReplacer(`\`, `\\`, "*", `\*`, "?", `\?`, "[", `\[`, "]", `\]`)

// escapeGlob quotes the characters SCAN MATCH treats as patterns.
func escapeGlob(s string) string {
	return globEscaper.Replace(s)
}
