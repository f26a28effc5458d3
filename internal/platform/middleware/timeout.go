package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/rcm/rcm/pkg/response"
)

// RequestTimeout puts a deadline on each request's context. The handler runs
// on the request goroutine and is expected to give up once the context is
// done; if the deadline passed and nothing was written, the response is 504.
//
// The websocket endpoint is long-lived and skipped. Handlers that need more
// time can derive their own context.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if timeout <= 0 || isWebsocketPath(c.Request().URL.Path) {
				return next(c)
			}

			parent := c.Request()
			ctx, cancel := context.WithTimeout(parent.Context(), timeout)
			defer cancel()
			c.SetRequest(parent.WithContext(ctx))

			err := next(c)
			if errors.Is(ctx.Err(), context.DeadlineExceeded) && !c.Response().Committed {
				return gatewayTimeout(c)
			}
			return err
		}
	}
}

func isWebsocketPath(path string) bool {
	return path == "/ws" || strings.HasPrefix(path, "/ws/")
}

func gatewayTimeout(c echo.Context) error {
	return c.JSON(http.StatusGatewayTimeout, response.Envelope{
		Success: false,
		Message: "Request processing exceeded the allowed time limit",
	})
}
