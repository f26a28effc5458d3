package middleware

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/rcm/rcm/internal/platform/apperr"
)

const maxHeaderValueSize = 8192

var (
	// Logged, never blocked: all queries are parameterised.
	sqlPatterns = regexp.MustCompile(`(?i)('+\s*;\s*DROP\b|UNION\s+SELECT\b|'\s+OR\s+1\s*=\s*1)`)

	scriptPatterns = regexp.MustCompile(`(?i)(<script|javascript\s*:|on\w+\s*=)`)
)

// Sanitize rejects requests carrying path traversal, null bytes, header
// injection or script payloads in the query string with 400.
func Sanitize(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path
			rawPath := req.URL.RawPath
			if rawPath == "" {
				rawPath = path
			}

			if containsPathTraversal(path) || containsPathTraversal(rawPath) {
				return apperr.Validation("Invalid request path", nil)
			}
			if containsNullByte(path) || containsNullByte(rawPath) {
				return apperr.Validation("Invalid request path", nil)
			}

			for name, values := range req.Header {
				for _, v := range values {
					if len(v) > maxHeaderValueSize {
						return apperr.Validation("Header value too large: "+name, nil)
					}
					if strings.ContainsAny(v, "\r\n") {
						return apperr.Validation("Invalid header: "+name, nil)
					}
				}
			}

			for key, values := range req.URL.Query() {
				if containsNullByte(key) || scriptPatterns.MatchString(key) {
					return apperr.Validation("Invalid query parameter", nil)
				}
				for _, v := range values {
					if containsNullByte(v) || scriptPatterns.MatchString(v) {
						return apperr.Validation("Invalid query parameter: "+key, nil)
					}
					if sqlPatterns.MatchString(v) {
						logger.Warn().
							Str("param", key).
							Str("path", path).
							Str("remote_ip", c.RealIP()).
							Msg("suspicious query parameter")
					}
				}
			}

			return next(c)
		}
	}
}

func containsPathTraversal(s string) bool {
	if strings.Contains(s, "..") {
		return true
	}
	lower := strings.ToLower(s)
	return strings.Contains(lower, "%2e%2e") || strings.Contains(lower, "%252e")
}

func containsNullByte(s string) bool {
	return strings.ContainsRune(s, '\x00') || strings.Contains(strings.ToLower(s), "%00")
}

// CleanString strips control characters other than tab and newlines and
// trims surrounding whitespace. Used on free-text fields such as claim notes.
func CleanString(input string) string {
	var b strings.Builder
	b.Grow(len(input))
	for _, r := range input {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}
