package notification

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/rcm/rcm/internal/platform/apperr"
	"github.com/rcm/rcm/internal/platform/auth"
	"github.com/rcm/rcm/pkg/pagination"
	"github.com/rcm/rcm/pkg/response"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group, authn echo.MiddlewareFunc) {
	g := api.Group("/notifications", authn)
	g.GET("", h.List)
	g.GET("/unread-count", h.UnreadCount)
	g.PUT("/mark-all-read", h.MarkAllRead)
	g.PUT("/:id/read", h.MarkRead)
	g.DELETE("/:id", h.Delete)
}

func toHTTP(err error) error {
	if errors.Is(err, ErrNotFound) {
		return apperr.NotFound("Notification not found")
	}
	return err
}

func notificationID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, apperr.Validation("Invalid notification id", nil)
	}
	return id, nil
}

func (h *Handler) List(c echo.Context) error {
	id, err := auth.CurrentIdentity(c)
	if err != nil {
		return err
	}
	var f Filter
	if v := c.QueryParam("isRead"); v != "" {
		read, err := strconv.ParseBool(v)
		if err != nil {
			return apperr.Validation("Invalid isRead filter", map[string]string{"isRead": "must be true or false"})
		}
		f.IsRead = &read
	}
	if v := c.QueryParam("type"); v != "" {
		f.Type = Type(v)
		if !f.Type.Valid() {
			return apperr.Validation("Invalid type filter", map[string]string{"type": "must be one of in_app email sms"})
		}
	}

	list, err := h.svc.List(c.Request().Context(), id.ID, f, pagination.FromContext(c))
	if err != nil {
		return err
	}
	return response.OK(c, list)
}

func (h *Handler) UnreadCount(c echo.Context) error {
	id, err := auth.CurrentIdentity(c)
	if err != nil {
		return err
	}
	n, err := h.svc.UnreadCount(c.Request().Context(), id.ID)
	if err != nil {
		return err
	}
	return response.OK(c, map[string]int{"count": n})
}

func (h *Handler) MarkAllRead(c echo.Context) error {
	id, err := auth.CurrentIdentity(c)
	if err != nil {
		return err
	}
	n, err := h.svc.MarkAllRead(c.Request().Context(), id.ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, response.Envelope{
		Success: true,
		Message: "All notifications marked as read",
		Data:    map[string]int64{"updated": n},
	})
}

func (h *Handler) MarkRead(c echo.Context) error {
	id, err := auth.CurrentIdentity(c)
	if err != nil {
		return err
	}
	nid, err := notificationID(c)
	if err != nil {
		return err
	}
	n, err := h.svc.MarkRead(c.Request().Context(), id.ID, nid)
	if err != nil {
		return toHTTP(err)
	}
	return response.OK(c, n)
}

func (h *Handler) Delete(c echo.Context) error {
	id, err := auth.CurrentIdentity(c)
	if err != nil {
		return err
	}
	nid, err := notificationID(c)
	if err != nil {
		return err
	}
	if err := h.svc.Delete(c.Request().Context(), id.ID, nid); err != nil {
		return toHTTP(err)
	}
	return response.Message(c, http.StatusOK, "Notification deleted")
}
