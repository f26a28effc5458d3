package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/rcm/rcm/internal/platform/apperr"
	"github.com/rcm/rcm/internal/platform/auth"
)

// AuditEntry records who touched which API resource.
type AuditEntry struct {
	RequestID      string
	UserID         string
	OrganizationID string
	Role           string
	Resource       string
	ResourceID     string
	Action         string
	Method         string
	Path           string
	IPAddress      string
	UserAgent      string
	StatusCode     int
	Timestamp      time.Time
}

// AuditRecorder persists entries beyond the log line.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit emits an "api_access" log line for every /api/v1 request after the
// handler has run, so the status and the authenticated identity are known.
// Reads are included: claim data is protected health information.
func Audit(logger zerolog.Logger, recorder AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			path := c.Request().URL.Path
			if !strings.HasPrefix(path, "/api/v1/") {
				return next(c)
			}

			err := next(c)

			req := c.Request()
			status := c.Response().Status
			if err != nil {
				status = errorStatus(err)
			}
			entry := AuditEntry{
				Method:     req.Method,
				Path:       path,
				IPAddress:  c.RealIP(),
				UserAgent:  req.UserAgent(),
				StatusCode: status,
				Timestamp:  time.Now().UTC(),
				Action:     methodAction(req.Method),
			}
			entry.RequestID, _ = c.Get("request_id").(string)
			entry.Resource, entry.ResourceID = resourceFromPath(path)

			if id, ok := auth.IdentityFromContext(req.Context()); ok {
				entry.UserID = id.ID.String()
				entry.OrganizationID = id.OrganizationID.String()
				entry.Role = string(id.Role)
			}

			if recorder != nil {
				if recErr := recorder.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).Str("request_id", entry.RequestID).Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "audit").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Str("organization_id", entry.OrganizationID).
				Str("role", entry.Role).
				Str("resource", entry.Resource).
				Str("resource_id", entry.ResourceID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("api_access")

			return err
		}
	}
}

// errorStatus is the status the error handler will write for err.
func errorStatus(err error) int {
	if he, ok := err.(*echo.HTTPError); ok {
		return he.Code
	}
	if k, ok := apperr.KindOf(err); ok {
		return k.Status()
	}
	return http.StatusInternalServerError
}

func methodAction(method string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

// resourceFromPath maps /api/v1/claims/<uuid>/notes to ("claims", "<uuid>").
func resourceFromPath(path string) (string, string) {
	segs := strings.Split(strings.Trim(strings.TrimPrefix(path, "/api/v1/"), "/"), "/")
	if len(segs) == 0 || segs[0] == "" {
		return "unknown", ""
	}
	for _, s := range segs[1:] {
		if _, err := uuid.Parse(s); err == nil {
			return segs[0], s
		}
	}
	return segs[0], ""
}
