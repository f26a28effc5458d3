package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/rcm/rcm/internal/platform/apperr"
)

type brokenStore struct{}

func (brokenStore) Incr(context.Context, string, time.Duration) (int64, time.Duration, error) {
	return 0, 0, errors.New("dial tcp: connection refused")
}

func hit(t *testing.T, mw echo.MiddlewareFunc, ip string) (*httptest.ResponseRecorder, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", nil)
	req.Header.Set(echo.HeaderXForwardedFor, ip+", 10.0.0.1")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	err := mw(func(c echo.Context) error { return c.NoContent(http.StatusOK) })(c)
	return rec, err
}

func TestLimiter_RejectsAfterMax(t *testing.T) {
	rule := Rule{Name: "auth", Max: 5, Window: 15 * time.Minute, Message: "Too many login attempts"}
	l := New(rule, NewMemoryStore(), true, zerolog.Nop())
	mw := l.Middleware()

	for i := 1; i <= 5; i++ {
		rec, err := hit(t, mw, "203.0.113.7")
		if err != nil {
			t.Fatalf("request %d: unexpected error %v", i, err)
		}
		if got := rec.Header().Get("X-RateLimit-Remaining"); got != strconv.Itoa(5-i) {
			t.Errorf("request %d: expected remaining %d, got %s", i, 5-i, got)
		}
	}

	rec, err := hit(t, mw, "203.0.113.7")
	if !apperr.Is(err, apperr.KindRateLimited) {
		t.Fatalf("expected 429, got %v", err)
	}
	var ae *apperr.Error
	if errors.As(err, &ae) && ae.Message != "Too many login attempts" {
		t.Errorf("unexpected message %q", ae.Message)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	if rec.Header().Get("X-RateLimit-Limit") != "5" {
		t.Errorf("expected limit header 5, got %q", rec.Header().Get("X-RateLimit-Limit"))
	}

	if _, err := hit(t, mw, "198.51.100.1"); err != nil {
		t.Errorf("expected a different client to be admitted, got %v", err)
	}
}

func TestLimiter_SkipperBypassesCounting(t *testing.T) {
	store := NewMemoryStore()
	l := New(Rule{Name: "api", Max: 1, Window: time.Minute, Message: "slow down"}, store, true, zerolog.Nop())
	skipAll := func(echo.Context) bool { return true }

	for i := 0; i < 3; i++ {
		if _, err := hit(t, l.Middleware(skipAll), "203.0.113.9"); err != nil {
			t.Fatalf("skipped request %d: %v", i+1, err)
		}
	}
	if _, err := hit(t, l.Middleware(), "203.0.113.9"); err != nil {
		t.Fatalf("expected skipped requests not to be counted, got %v", err)
	}
}

func TestLimiter_WindowResets(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	store.now = func() time.Time { return now }
	l := New(Rule{Name: "ai", Max: 1, Window: time.Hour, Message: "slow down"}, store, true, zerolog.Nop())
	mw := l.Middleware()

	if _, err := hit(t, mw, "1.1.1.1"); err != nil {
		t.Fatal(err)
	}
	rec, err := hit(t, mw, "1.1.1.1")
	if err == nil {
		t.Fatal("expected second request in window rejected")
	}
	if got := rec.Header().Get("Retry-After"); got != "3600" {
		t.Errorf("expected Retry-After 3600, got %s", got)
	}

	store.now = func() time.Time { return now.Add(time.Hour) }
	if _, err := hit(t, mw, "1.1.1.1"); err != nil {
		t.Errorf("expected new window to admit, got %v", err)
	}
	store.Sweep()
}

func TestLimiter_StoreFailure(t *testing.T) {
	rule := Rule{Name: "api", Max: 1, Window: time.Minute, Message: "x"}

	open := New(rule, brokenStore{}, true, zerolog.Nop()).Middleware()
	if _, err := hit(t, open, "1.2.3.4"); err != nil {
		t.Errorf("expected fail-open to admit, got %v", err)
	}

	closed := New(rule, brokenStore{}, false, zerolog.Nop()).Middleware()
	if _, err := hit(t, closed, "1.2.3.4"); !apperr.Is(err, apperr.KindUnavailable) {
		t.Errorf("expected fail-closed 503, got %v", err)
	}
}

func TestRedisStore_FixedWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	store := NewRedisStore(rdb)
	ctx := context.Background()
	key := "ratelimit:auth:203.0.113.7"

	for i := int64(1); i <= 3; i++ {
		n, reset, err := store.Incr(ctx, key, 15*time.Minute)
		if err != nil {
			t.Fatalf("incr: %v", err)
		}
		if n != i {
			t.Errorf("expected count %d, got %d", i, n)
		}
		if reset <= 0 || reset > 15*time.Minute {
			t.Errorf("unexpected reset %s", reset)
		}
	}
	if ttl := mr.TTL(key); ttl != 15*time.Minute {
		t.Errorf("expected window ttl fixed at first hit, got %s", ttl)
	}

	mr.FastForward(15 * time.Minute)
	n, _, err := store.Incr(ctx, key, 15*time.Minute)
	if err != nil || n != 1 {
		t.Errorf("expected counter to restart, got %d %v", n, err)
	}
}

func TestRedisStore_RepairsMissingExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	_ = mr.Set("ratelimit:api:x", "7")

	n, _, err := NewRedisStore(rdb).Incr(context.Background(), "ratelimit:api:x", time.Minute)
	if err != nil || n != 8 {
		t.Fatalf("unexpected %d %v", n, err)
	}
	if mr.TTL("ratelimit:api:x") != time.Minute {
		t.Error("expected orphaned counter to get an expiry")
	}
}

func TestNewSet(t *testing.T) {
	s := NewSet(NewMemoryStore(), Limits{Auth: 10}, true, zerolog.Nop())
	if s.Auth.Rule().Max != 10 {
		t.Errorf("expected auth override, got %d", s.Auth.Rule().Max)
	}
	if s.API.Rule().Max != 100 || s.Upload.Rule().Max != 50 || s.AI.Rule().Max != 20 {
		t.Error("expected defaults for unset limits")
	}
	if s.Upload.Rule().Window != time.Hour {
		t.Error("expected hourly upload window")
	}
}

func TestClientIP(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.9:4321"
	c := e.NewContext(req, httptest.NewRecorder())
	if got := ClientIP(c); got != "192.0.2.9" {
		t.Errorf("expected remote addr, got %s", got)
	}
	req.Header.Set(echo.HeaderXForwardedFor, " 203.0.113.5 , 10.0.0.1")
	if got := ClientIP(c); got != "203.0.113.5" {
		t.Errorf("expected first forwarded entry, got %s", got)
	}
}
