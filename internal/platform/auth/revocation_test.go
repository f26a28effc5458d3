package auth

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestRedisRevoker_BlacklistWithTTL(t *testing.T) {
	mr, rdb := newTestRedis(t)
	rev := NewRedisRevoker(rdb)
	ctx := context.Background()

	if err := rev.Blacklist(ctx, "tok-1", 30*time.Minute); err != nil {
		t.Fatalf("blacklist: %v", err)
	}

	ok, err := rev.IsBlacklisted(ctx, "tok-1")
	if err != nil || !ok {
		t.Fatalf("expected token blacklisted, got %v %v", ok, err)
	}
	if ttl := mr.TTL("blacklist:tok-1"); ttl != 30*time.Minute {
		t.Errorf("expected entry ttl 30m, got %s", ttl)
	}

	mr.FastForward(31 * time.Minute)
	ok, _ = rev.IsBlacklisted(ctx, "tok-1")
	if ok {
		t.Error("expected entry to expire with the token")
	}
}

func TestRedisRevoker_NonPositiveTTLIsNoop(t *testing.T) {
	mr, rdb := newTestRedis(t)
	rev := NewRedisRevoker(rdb)

	if err := rev.Blacklist(context.Background(), "tok", 0); err != nil {
		t.Fatalf("blacklist: %v", err)
	}
	if err := rev.Blacklist(context.Background(), "tok", -time.Second); err != nil {
		t.Fatalf("blacklist: %v", err)
	}
	if mr.Exists("blacklist:tok") {
		t.Error("expected no entry for an already expired token")
	}
}

func TestRedisRevoker_StoreDown(t *testing.T) {
	mr, rdb := newTestRedis(t)
	rev := NewRedisRevoker(rdb)
	mr.Close()

	if _, err := rev.IsBlacklisted(context.Background(), "tok"); err == nil {
		t.Fatal("expected error when redis is unreachable")
	}
}

func TestMemoryRevoker(t *testing.T) {
	rev := NewMemoryRevoker(time.Hour)
	defer rev.Close()
	ctx := context.Background()

	now := time.Now()
	rev.now = func() time.Time { return now }

	_ = rev.Blacklist(ctx, "a", time.Minute)
	_ = rev.Blacklist(ctx, "b", time.Hour)
	_ = rev.Blacklist(ctx, "c", 0)

	if ok, _ := rev.IsBlacklisted(ctx, "a"); !ok {
		t.Error("expected a blacklisted")
	}
	if ok, _ := rev.IsBlacklisted(ctx, "c"); ok {
		t.Error("expected zero ttl to be ignored")
	}
	if rev.Count() != 2 {
		t.Fatalf("expected 2 entries, got %d", rev.Count())
	}

	rev.now = func() time.Time { return now.Add(2 * time.Minute) }
	if ok, _ := rev.IsBlacklisted(ctx, "a"); ok {
		t.Error("expected a to have lapsed")
	}
	rev.cleanup()
	if rev.Count() != 1 {
		t.Errorf("expected sweep to leave 1 entry, got %d", rev.Count())
	}
}

func TestMemoryRevoker_CloseIsIdempotent(t *testing.T) {
	rev := NewMemoryRevoker(10 * time.Millisecond)
	rev.Close()
	rev.Close()
}
