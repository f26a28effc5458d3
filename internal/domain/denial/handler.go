package denial

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/rcm/rcm/internal/domain/claims"
	"github.com/rcm/rcm/internal/platform/apperr"
	"github.com/rcm/rcm/internal/platform/auth"
	"github.com/rcm/rcm/internal/platform/validate"
	"github.com/rcm/rcm/pkg/response"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts /ai behind authn and the ai limiter.
func (h *Handler) RegisterRoutes(api *echo.Group, authn, limit echo.MiddlewareFunc) {
	g := api.Group("/ai", authn, limit)
	g.POST("/analyze/:id", h.Analyze)
	g.POST("/appeal-letter/:id", h.AppealLetter)
	g.POST("/batch-analyze", h.BatchAnalyze, auth.Authorize(auth.RoleAdmin, auth.RoleManager))
	g.GET("/jobs/:id", h.Job)
}

type batchRequest struct {
	ClaimIDs []uuid.UUID `json:"claimIds" validate:"required,min=1,max=500"`
}

type appealLetterRequest struct {
	AppealType AppealLevel `json:"appealType" validate:"omitempty,oneof=first second"`
}

func toHTTP(err error) error {
	switch {
	case errors.Is(err, claims.ErrNotFound):
		return apperr.NotFound("Claim not found")
	case errors.Is(err, ErrJobNotFound):
		return apperr.NotFound("Job not found")
	case errors.Is(err, ErrBatchTooLarge):
		return apperr.Validation(fmt.Sprintf("At most %d claims per batch", MaxBatchSize), nil)
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

func (h *Handler) Analyze(c echo.Context) error {
	id, err := auth.CurrentIdentity(c)
	if err != nil {
		return err
	}
	cid, err := claimID(c)
	if err != nil {
		return err
	}
	res, err := h.svc.AnalyzeClaim(c.Request().Context(), id, cid)
	if err != nil {
		return toHTTP(err)
	}
	return response.OK(c, res)
}

func (h *Handler) AppealLetter(c echo.Context) error {
	id, err := auth.CurrentIdentity(c)
	if err != nil {
		return err
	}
	cid, err := claimID(c)
	if err != nil {
		return err
	}
	var req appealLetterRequest
	if c.Request().ContentLength != 0 {
		if err := validate.Bind(c, &req); err != nil {
			return err
		}
	}
	letter, err := h.svc.AppealLetter(c.Request().Context(), id, cid, req.AppealType)
	if err != nil {
		return toHTTP(err)
	}
	return response.OK(c, map[string]string{"letter": letter})
}

func (h *Handler) BatchAnalyze(c echo.Context) error {
	id, err := auth.CurrentIdentity(c)
	if err != nil {
		return err
	}
	var req batchRequest
	if err := validate.Bind(c, &req); err != nil {
		return err
	}
	job, err := h.svc.StartBatch(c.Request().Context(), id, req.ClaimIDs)
	if err != nil {
		return toHTTP(err)
	}
	return response.Accepted(c, map[string]string{"jobId": job.ID},
		fmt.Sprintf("Batch analysis started for %d claims", len(req.ClaimIDs)))
}

func (h *Handler) Job(c echo.Context) error {
	id, err := auth.CurrentIdentity(c)
	if err != nil {
		return err
	}
	job, err := h.svc.Job(c.Request().Context(), id, c.Param("id"))
	if err != nil {
		return toHTTP(err)
	}
	return response.OK(c, job)
}
