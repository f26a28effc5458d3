package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const pgUniqueViolation = "23505"

// Body is the failure envelope returned for every error.
type Body struct {
	Success bool              `json:"success"`
	Message string            `json:"message"`
	Errors  map[string]string `json:"errors,omitempty"`
}

// Translate maps an error to its HTTP status and client-visible body. When
// production is true, messages of 5xx responses are replaced by a generic one.
func Translate(err error, production bool) (int, Body) {
	status, body := classify(err)
	if production && status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		body.Message = "Internal server error"
		body.Errors = nil
	}
	return status, body
}

func classify(err error) (int, Body) {
	var (
		ae  *Error
		he  *echo.HTTPError
		pge *pgconn.PgError
		ve  validator.ValidationErrors
	)

	switch {
	case errors.As(err, &ae):
		return ae.Kind.Status(), Body{Message: ae.Message, Errors: ae.Fields}
	case errors.As(err, &he):
		return he.Code, Body{Message: httpErrorMessage(he)}
	case errors.As(err, &ve):
		return http.StatusBadRequest, Body{Message: "Validation failed", Errors: FieldErrors(ve)}
	case errors.Is(err, pgx.ErrNoRows):
		return http.StatusNotFound, Body{Message: "Resource not found"}
	case errors.As(err, &pge):
		if pge.Code == pgUniqueViolation {
			return http.StatusConflict, Body{Message: "Resource already exists"}
		}
		return http.StatusBadRequest, Body{Message: "Database operation failed"}
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, Body{Message: "Request timed out"}
	default:
		return http.StatusInternalServerError, Body{Message: err.Error()}
	}
}

func httpErrorMessage(he *echo.HTTPError) string {
	switch m := he.Message.(type) {
	case string:
		return m
	case error:
		return m.Error()
	case nil:
		return http.StatusText(he.Code)
	default:
		return fmt.Sprint(m)
	}
}

// HTTPErrorHandler is installed as echo's HTTPErrorHandler. Every error is
// logged with request id, method and path; server errors also log a stack.
func HTTPErrorHandler(logger zerolog.Logger, production bool) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status, body := Translate(err, production)

		req := c.Request()
		evt := logger.Warn()
		if status >= http.StatusInternalServerError {
			evt = logger.Error().Str("stack", string(debug.Stack()))
		}
		rid, _ := c.Get("request_id").(string)
		evt.Err(err).
			Str("request_id", rid).
			Str("method", req.Method).
			Str("path", req.URL.Path).
			Int("status", status).
			Msg("request failed")

		var writeErr error
		if req.Method == http.MethodHead {
			writeErr = c.NoContent(status)
		} else {
			writeErr = c.JSON(status, body)
		}
		if writeErr != nil {
			logger.Error().Err(writeErr).Msg("failed to write error response")
		}
	}
}
