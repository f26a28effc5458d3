package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const blacklistPrefix = "blacklist:"

// Revoker is the revocation list. Entries live exactly as long as the token
// they revoke would have.
type Revoker interface {
	Blacklist(ctx context.Context, token string, ttl time.Duration) error
	IsBlacklisted(ctx context.Context, token string) (bool, error)
}

// RedisRevoker stores revoked tokens under blacklist:<token>.
type RedisRevoker struct {
	rdb redis.UniversalClient
}

func NewRedisRevoker(rdb redis.UniversalClient) *RedisRevoker {
	return &RedisRevoker{rdb: rdb}
}

// Blacklist is a no-op for ttl <= 0: an expired token is already rejected.
func (r *RedisRevoker) Blacklist(ctx context.Context, token string, ttl time.Duration) error {
	if token == "" || ttl <= 0 {
		return nil
	}
	if err := r.rdb.Set(ctx, blacklistPrefix+token, "1", ttl).Err(); err != nil {
		return fmt.Errorf("blacklist token: %w", err)
	}
	return nil
}

func (r *RedisRevoker) IsBlacklisted(ctx context.Context, token string) (bool, error) {
	n, err := r.rdb.Exists(ctx, blacklistPrefix+token).Result()
	if err != nil {
		return false, fmt.Errorf("check blacklist: %w", err)
	}
	return n > 0, nil
}

// MemoryRevoker keeps the revocation list in process memory with a
// background sweep of expired entries.
type MemoryRevoker struct {
	mu      sync.RWMutex
	entries map[string]time.Time // token -> expiry
	now     func() time.Time
	done    chan struct{}
	once    sync.Once
}

// NewMemoryRevoker starts a goroutine that sweeps expired entries every
// interval. Call Close to stop it.
func NewMemoryRevoker(interval time.Duration) *MemoryRevoker {
	r := &MemoryRevoker{
		entries: make(map[string]time.Time),
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go r.cleanupLoop(interval)
	return r
}

func (r *MemoryRevoker) Blacklist(_ context.Context, token string, ttl time.Duration) error {
	if token == "" || ttl <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[token] = r.now().Add(ttl)
	return nil
}

func (r *MemoryRevoker) IsBlacklisted(_ context.Context, token string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exp, ok := r.entries[token]
	return ok && r.now().Before(exp), nil
}

// Count returns the number of entries, expired or not.
func (r *MemoryRevoker) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *MemoryRevoker) Close() {
	r.once.Do(func() { close(r.done) })
}

func (r *MemoryRevoker) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.cleanup()
		}
	}
}

func (r *MemoryRevoker) cleanup() {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	for token, exp := range r.entries {
		if !now.Before(exp) {
			delete(r.entries, token)
		}
	}
}
