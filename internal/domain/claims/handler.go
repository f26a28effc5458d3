package claims

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/rcm/rcm/internal/platform/apperr"
	"github.com/rcm/rcm/internal/platform/auth"
	"github.com/rcm/rcm/internal/platform/validate"
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
	g := api.Group("/claims", authn)
	g.GET("", h.List)
	g.POST("", h.Create, auth.Authorize(auth.RoleAdmin, auth.RoleManager, auth.RoleBiller, auth.RoleRCMSpecialist))
	g.GET("/:id", h.Get)
	g.PUT("/:id", h.Update)
	g.POST("/:id/assign", h.Assign, auth.Authorize(auth.RoleAdmin, auth.RoleManager))
	g.POST("/:id/notes", h.AddNote)
	g.POST("/:id/actions", h.RecordAction)
}

func toHTTP(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return apperr.NotFound("Claim not found")
	case errors.Is(err, ErrDuplicateNumber):
		return apperr.Conflict("Claim number already exists")
	case errors.Is(err, ErrInvalidAssignee):
		return apperr.Validation("Assignee must be an active user of your organization",
			map[string]string{"userId": "is not an active member"})
	case errors.Is(err, ErrEmptyNote):
		return apperr.Validation("Note body is required", map[string]string{"body": "is required"})
	case errors.Is(err, ErrNoChanges):
		return apperr.Validation("At least one field must be provided", nil)
	case errors.Is(err, ErrInvalidDate):
		return apperr.Validation("Invalid date of service", map[string]string{"dateOfService": "must be YYYY-MM-DD"})
	}
	return err
}

func claimID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, apperr.Validation("Invalid claim id", nil)
	}
	return id, nil
}

func parseFilter(c echo.Context) (Filter, error) {
	f := Filter{Search: c.QueryParam("search")}
	if v := c.QueryParam("status"); v != "" {
		f.Status = Status(v)
		if !f.Status.Valid() {
			return f, apperr.Validation("Invalid status filter", map[string]string{"status": "is not a claim status"})
		}
	}
	if v := c.QueryParam("priority"); v != "" {
		f.Priority = Priority(v)
		if !f.Priority.Valid() {
			return f, apperr.Validation("Invalid priority filter", map[string]string{"priority": "is not a priority"})
		}
	}
	if v := c.QueryParam("assignedTo"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return f, apperr.Validation("Invalid assignedTo filter", map[string]string{"assignedTo": "must be a uuid"})
		}
		f.AssignedTo = &id
	}
	for _, d := range []struct {
		name string
		dst  **time.Time
	}{{"dateFrom", &f.DateFrom}, {"dateTo", &f.DateTo}} {
		v := c.QueryParam(d.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(dateLayout, v)
		if err != nil {
			return f, apperr.Validation("Invalid "+d.name+" filter", map[string]string{d.name: "must be YYYY-MM-DD"})
		}
		*d.dst = &t
	}
	return f, nil
}

func (h *Handler) List(c echo.Context) error {
	id, err := auth.CurrentIdentity(c)
	if err != nil {
		return err
	}
	f, err := parseFilter(c)
	if err != nil {
		return err
	}
	list, err := h.svc.List(c.Request().Context(), id.OrganizationID, f, pagination.FromContext(c))
	if err != nil {
		return toHTTP(err)
	}
	return response.OK(c, list)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := auth.CurrentIdentity(c)
	if err != nil {
		return err
	}
	cid, err := claimID(c)
	if err != nil {
		return err
	}
	detail, err := h.svc.Get(c.Request().Context(), id.OrganizationID, cid)
	if err != nil {
		return toHTTP(err)
	}
	return response.OK(c, detail)
}

func (h *Handler) Create(c echo.Context) error {
	id, err := auth.CurrentIdentity(c)
	if err != nil {
		return err
	}
	var req CreateRequest
	if err := validate.Bind(c, &req); err != nil {
		return err
	}
	claim, err := h.svc.Create(c.Request().Context(), id, req)
	if err != nil {
		return toHTTP(err)
	}
	return response.Created(c, claim)
}

func (h *Handler) Update(c echo.Context) error {
	id, err := auth.CurrentIdentity(c)
	if err != nil {
		return err
	}
	cid, err := claimID(c)
	if err != nil {
		return err
	}
	var req UpdateRequest
	if err := validate.Bind(c, &req); err != nil {
		return err
	}
	claim, err := h.svc.Update(c.Request().Context(), id, cid, req)
	if err != nil {
		return toHTTP(err)
	}
	return response.OK(c, claim)
}

func (h *Handler) Assign(c echo.Context) error {
	id, err := auth.CurrentIdentity(c)
	if err != nil {
		return err
	}
	cid, err := claimID(c)
	if err != nil {
		return err
	}
	var req AssignRequest
	if err := validate.Bind(c, &req); err != nil {
		return err
	}
	claim, err := h.svc.Assign(c.Request().Context(), id, cid, req.UserID)
	if err != nil {
		return toHTTP(err)
	}
	return response.OK(c, claim)
}

func (h *Handler) AddNote(c echo.Context) error {
	id, err := auth.CurrentIdentity(c)
	if err != nil {
		return err
	}
	cid, err := claimID(c)
	if err != nil {
		return err
	}
	var req NoteRequest
	if err := validate.Bind(c, &req); err != nil {
		return err
	}
	note, err := h.svc.AddNote(c.Request().Context(), id, cid, req.Body)
	if err != nil {
		return toHTTP(err)
	}
	return response.Created(c, note)
}

func (h *Handler) RecordAction(c echo.Context) error {
	id, err := auth.CurrentIdentity(c)
	if err != nil {
		return err
	}
	cid, err := claimID(c)
	if err != nil {
		return err
	}
	var req ActionRequest
	if err := validate.Bind(c, &req); err != nil {
		return err
	}
	action, err := h.svc.RecordAction(c.Request().Context(), id, cid, req)
	if err != nil {
		return toHTTP(err)
	}
	return response.Created(c, action)
}
