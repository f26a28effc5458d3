// Package ratelimit provides named fixed-window admission control keyed by
// client IP. Counters live in Redis next to the revocation list under their
// own ratelimit: namespace.
package ratelimit

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/rcm/rcm/internal/platform/apperr"
	"github.com/rcm/rcm/internal/platform/metrics"
)

// Rule describes one named limiter.
type Rule struct {
	Name    string
	Max     int
	Window  time.Duration
	Message string
}

// Limiter enforces a Rule against a Store.
type Limiter struct {
	rule     Rule
	store    Store
	failOpen bool
	logger   zerolog.Logger
}

func New(rule Rule, store Store, failOpen bool, logger zerolog.Logger) *Limiter {
	return &Limiter{
		rule:     rule,
		store:    store,
		failOpen: failOpen,
		logger:   logger.With().Str("component", "ratelimit").Str("limiter", rule.Name).Logger(),
	}
}

func (l *Limiter) Rule() Rule { return l.rule }

// ClientIP returns the first X-Forwarded-For entry, else echo's RealIP.
func ClientIP(c echo.Context) string {
	if xff := c.Request().Header.Get(echo.HeaderXForwardedFor); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	return c.RealIP()
}

func (l *Limiter) key(client string) string {
	return "ratelimit:" + l.rule.Name + ":" + client
}

// Skipper exempts a request from a limiter.
type Skipper func(c echo.Context) bool

// Middleware rejects with 429 once the client exceeds Max requests inside
// the current window. When the store fails the request is let through or
// refused with 503 depending on failOpen. Requests matched by any skipper
// are not counted.
func (l *Limiter) Middleware(skip ...Skipper) echo.MiddlewareFunc {
	limit := strconv.Itoa(l.rule.Max)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, s := range skip {
				if s(c) {
					return next(c)
				}
			}
			client := ClientIP(c)
			count, resetIn, err := l.store.Incr(c.Request().Context(), l.key(client), l.rule.Window)
			if err != nil {
				metrics.RateLimitStoreErrors.WithLabelValues(l.rule.Name).Inc()
				if l.failOpen {
					l.logger.Warn().Err(err).Str("client", client).Msg("rate limit store unavailable, allowing request")
					return next(c)
				}
				l.logger.Error().Err(err).Str("client", client).Msg("rate limit store unavailable, rejecting request")
				return apperr.Unavailable("Service temporarily unavailable", err)
			}

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", limit)
			remaining := int64(l.rule.Max) - count
			if remaining < 0 {
				remaining = 0
			}
			h.Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))

			if count > int64(l.rule.Max) {
				h.Set("Retry-After", strconv.Itoa(int(math.Ceil(resetIn.Seconds()))))
				metrics.RateLimitRejected.WithLabelValues(l.rule.Name).Inc()
				return apperr.RateLimited(l.rule.Message)
			}
			return next(c)
		}
	}
}
