package auth

import (
	"github.com/labstack/echo/v4"

	"github.com/rcm/rcm/internal/platform/apperr"
)

// Authorize allows the request through only when the authenticated role is
// in roles. It answers 401 when no identity is attached.
func Authorize(roles ...Role) echo.MiddlewareFunc {
	allowed := make(map[Role]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id, ok := IdentityFromContext(c.Request().Context())
			if !ok {
				return apperr.Unauthorized("Authentication required")
			}
			if _, ok := allowed[id.Role]; !ok {
				return apperr.Forbidden("Insufficient permissions")
			}
			return next(c)
		}
	}
}
