package middleware

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
)

// SecurityConfig tunes the hardening headers. The zero value sends no HSTS,
// which is what a plain-HTTP development server wants.
type SecurityConfig struct {
	// HSTSMaxAge enables Strict-Transport-Security when positive.
	HSTSMaxAge time.Duration
	// ContentSecurityPolicy overrides the JSON-only default.
	ContentSecurityPolicy string
}

const defaultCSP = "default-src 'none'; frame-ancestors 'none'"

// SecurityConfigFor derives the headers from the deployment: HSTS is only
// sent once the server is reached over TLS, directly or through a
// terminating proxy in production.
func SecurityConfigFor(production, tls bool) SecurityConfig {
	cfg := SecurityConfig{}
	if production || tls {
		cfg.HSTSMaxAge = 365 * 24 * time.Hour
	}
	return cfg
}

// SecurityHeaders sets the hardening headers every API response carries.
// Responses may contain patient and payer data, so nothing is cacheable.
func SecurityHeaders(cfg SecurityConfig) echo.MiddlewareFunc {
	csp := cfg.ContentSecurityPolicy
	if csp == "" {
		csp = defaultCSP
	}
	static := map[string]string{
		"X-Content-Type-Options":       "nosniff",
		"X-Frame-Options":              "DENY",
		"X-XSS-Protection":             "0",
		"Content-Security-Policy":      csp,
		"Referrer-Policy":              "no-referrer",
		"Cross-Origin-Opener-Policy":   "same-origin",
		"Cross-Origin-Resource-Policy": "same-origin",
		"Permissions-Policy":           "camera=(), microphone=(), geolocation=()",
		"Cache-Control":                "no-store",
	}
	if cfg.HSTSMaxAge > 0 {
		static["Strict-Transport-Security"] = "max-age=" + strconv.FormatInt(int64(cfg.HSTSMaxAge/time.Second), 10) + "; includeSubDomains"
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			for k, v := range static {
				h.Set(k, v)
			}
			h.Del("X-Powered-By")
			return next(c)
		}
	}
}
