package files

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/rcm/rcm/internal/domain/claims"
	"github.com/rcm/rcm/internal/platform/apperr"
	"github.com/rcm/rcm/internal/platform/auth"
	"github.com/rcm/rcm/internal/platform/blobstore"
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

func (h *Handler) RegisterRoutes(api *echo.Group, authn, uploadLimit echo.MiddlewareFunc) {
	g := api.Group("/files", authn)
	g.GET("", h.List)
	g.POST("/upload", h.Upload, uploadLimit)
	g.GET("/:id", h.Get)
	g.GET("/:id/download", h.Download)
	g.DELETE("/:id", h.Delete)
}

func toHTTP(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return apperr.NotFound("File not found")
	case errors.Is(err, claims.ErrNotFound):
		return apperr.NotFound("Claim not found")
	case errors.Is(err, blobstore.ErrFileTooLarge):
		return apperr.Validation("File exceeds maximum allowed size", map[string]string{"sizeBytes": "must be at most 100MB"})
	case errors.Is(err, blobstore.ErrInvalidContentType):
		return apperr.Validation("File type not allowed", map[string]string{"mimeType": "is not an accepted document type"})
	case errors.Is(err, blobstore.ErrMissingFileName):
		return apperr.Validation("File name is required", map[string]string{"originalFilename": "is required"})
	case errors.Is(err, ErrInvalidFileType):
		return apperr.Validation("Invalid file type", map[string]string{"fileType": "is invalid"})
	}
	return err
}

func fileID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, apperr.Validation("Invalid file id", nil)
	}
	return id, nil
}

func (h *Handler) Upload(c echo.Context) error {
	id, err := auth.CurrentIdentity(c)
	if err != nil {
		return err
	}
	var req UploadRequest
	if err := validate.Bind(c, &req); err != nil {
		return err
	}
	out, err := h.svc.Upload(c.Request().Context(), id, req)
	if err != nil {
		return toHTTP(err)
	}
	return response.Created(c, out)
}

func (h *Handler) List(c echo.Context) error {
	id, err := auth.CurrentIdentity(c)
	if err != nil {
		return err
	}
	var f Filter
	if v := c.QueryParam("relatedClaimId"); v != "" {
		cid, err := uuid.Parse(v)
		if err != nil {
			return apperr.Validation("Invalid filter", map[string]string{"relatedClaimId": "must be a valid UUID"})
		}
		f.RelatedClaimID = &cid
	}
	f.FileType = c.QueryParam("fileType")

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
	fid, err := fileID(c)
	if err != nil {
		return err
	}
	f, err := h.svc.Get(c.Request().Context(), id.OrganizationID, fid)
	if err != nil {
		return toHTTP(err)
	}
	return response.OK(c, f)
}

func (h *Handler) Download(c echo.Context) error {
	id, err := auth.CurrentIdentity(c)
	if err != nil {
		return err
	}
	fid, err := fileID(c)
	if err != nil {
		return err
	}
	d, err := h.svc.DownloadURL(c.Request().Context(), id.OrganizationID, fid)
	if err != nil {
		return toHTTP(err)
	}
	return response.OK(c, d)
}

func (h *Handler) Delete(c echo.Context) error {
	id, err := auth.CurrentIdentity(c)
	if err != nil {
		return err
	}
	fid, err := fileID(c)
	if err != nil {
		return err
	}
	if err := h.svc.Delete(c.Request().Context(), id, fid); err != nil {
		return toHTTP(err)
	}
	return response.Message(c, http.StatusOK, "File deleted successfully")
}
