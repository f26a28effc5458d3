package identity

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/rcm/rcm/internal/platform/apperr"
	"github.com/rcm/rcm/internal/platform/auth"
	"github.com/rcm/rcm/internal/platform/validate"
	"github.com/rcm/rcm/pkg/pagination"
	"github.com/rcm/rcm/pkg/response"
)

type Handler struct {
	svc     *Service
	cookies auth.CookieConfig
}

func NewHandler(svc *Service, cookies auth.CookieConfig) *Handler {
	return &Handler{svc: svc, cookies: cookies}
}

// RegisterRoutes mounts /auth and /users. authLimit guards the
// credential-accepting endpoints; authn guards everything else.
func (h *Handler) RegisterRoutes(api *echo.Group, authn, authLimit echo.MiddlewareFunc) {
	a := api.Group("/auth")
	a.POST("/register", h.Register, authLimit)
	a.POST("/login", h.Login, authLimit)
	a.POST("/refresh", h.Refresh, authLimit)
	a.POST("/logout", h.Logout, authn)
	a.GET("/me", h.Me, authn)
	a.PUT("/password", h.ChangePassword, authn)

	u := api.Group("/users", authn)
	u.GET("", h.ListUsers, auth.Authorize(auth.RoleAdmin, auth.RoleManager))
	u.POST("", h.CreateUser, auth.Authorize(auth.RoleAdmin))
	u.PUT("/:id/role", h.UpdateRole, auth.Authorize(auth.RoleAdmin))
	u.POST("/:id/deactivate", h.Deactivate, auth.Authorize(auth.RoleAdmin))
}

func sessionMeta(c echo.Context) auth.SessionMeta {
	return auth.SessionMeta{UserAgent: c.Request().UserAgent(), IPAddress: c.RealIP()}
}

func toHTTP(err error) error {
	switch {
	case errors.Is(err, ErrEmailTaken):
		return apperr.Conflict("Email already in use")
	case errors.Is(err, ErrInvalidCredentials):
		return apperr.Unauthorized("Invalid email or password")
	case errors.Is(err, ErrInvalidRefresh):
		return apperr.Unauthorized("Invalid or expired refresh token")
	case errors.Is(err, ErrWrongPassword):
		return apperr.Validation("Current password is incorrect",
			map[string]string{"currentPassword": "is incorrect"})
	case errors.Is(err, ErrSelfDeactivation):
		return apperr.Validation("You cannot deactivate your own account", nil)
	case errors.Is(err, ErrNotFound):
		return apperr.NotFound("User not found")
	}
	return err
}

// -- Auth --

func (h *Handler) Register(c echo.Context) error {
	var req RegisterRequest
	if err := validate.Bind(c, &req); err != nil {
		return err
	}
	res, err := h.svc.Register(c.Request().Context(), req, sessionMeta(c))
	if err != nil {
		return toHTTP(err)
	}
	h.cookies.SetAuthCookies(c, res.Tokens)
	return response.Created(c, map[string]interface{}{
		"user":         res.User,
		"organization": res.Organization,
		"token":        res.Tokens.AccessToken,
	})
}

func (h *Handler) Login(c echo.Context) error {
	var req LoginRequest
	if err := validate.Bind(c, &req); err != nil {
		return err
	}
	res, err := h.svc.Login(c.Request().Context(), req, sessionMeta(c))
	if err != nil {
		return toHTTP(err)
	}
	h.cookies.SetAuthCookies(c, res.Tokens)
	return response.OK(c, map[string]interface{}{
		"user":         res.User,
		"organization": res.Organization,
		"token":        res.Tokens.AccessToken,
	})
}

// Refresh takes the refresh cookie, falling back to the body. The new
// refresh token is only echoed in the body when it arrived in the body.
func (h *Handler) Refresh(c echo.Context) error {
	token := auth.CookieValue(c, auth.RefreshCookieName)
	fromBody := false
	if token == "" {
		var req RefreshRequest
		if err := c.Bind(&req); err != nil {
			return apperr.Validation("Invalid request body", nil)
		}
		token, fromBody = req.RefreshToken, true
	}
	if token == "" {
		return apperr.Unauthorized("Refresh token not found")
	}

	pair, err := h.svc.Refresh(c.Request().Context(), token, sessionMeta(c))
	if err != nil {
		if errors.Is(err, ErrInvalidRefresh) {
			h.cookies.ClearAuthCookies(c)
		}
		return toHTTP(err)
	}

	h.cookies.SetAuthCookies(c, pair)
	data := map[string]string{"accessToken": pair.AccessToken}
	if fromBody {
		data["refreshToken"] = pair.RefreshToken
	}
	return response.OK(c, data)
}

func (h *Handler) Logout(c echo.Context) error {
	id, err := auth.CurrentIdentity(c)
	if err != nil {
		return err
	}
	refresh := auth.CookieValue(c, auth.RefreshCookieName)
	if err := h.svc.Logout(c.Request().Context(), id, refresh); err != nil {
		return err
	}
	h.cookies.ClearAuthCookies(c)
	return response.Message(c, http.StatusOK, "Logged out successfully")
}

func (h *Handler) Me(c echo.Context) error {
	id, err := auth.CurrentIdentity(c)
	if err != nil {
		return err
	}
	user, org, err := h.svc.Me(c.Request().Context(), id)
	if err != nil {
		return toHTTP(err)
	}
	return response.OK(c, map[string]interface{}{"user": user, "organization": org})
}

func (h *Handler) ChangePassword(c echo.Context) error {
	id, err := auth.CurrentIdentity(c)
	if err != nil {
		return err
	}
	var req ChangePasswordRequest
	if err := validate.Bind(c, &req); err != nil {
		return err
	}
	if err := h.svc.ChangePassword(c.Request().Context(), id, req); err != nil {
		return toHTTP(err)
	}
	h.cookies.ClearAuthCookies(c)
	return response.Message(c, http.StatusOK, "Password updated, please log in again")
}

// -- Users --

func (h *Handler) ListUsers(c echo.Context) error {
	id, err := auth.CurrentIdentity(c)
	if err != nil {
		return err
	}
	f := UserFilter{Search: c.QueryParam("search")}
	if r := c.QueryParam("role"); r != "" {
		role, err := auth.ParseRole(r)
		if err != nil {
			return apperr.Validation("Invalid role filter", map[string]string{"role": err.Error()})
		}
		f.Role = role
	}
	if v := c.QueryParam("isActive"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			return apperr.Validation("Invalid isActive filter", map[string]string{"isActive": "must be true or false"})
		}
		f.IsActive = &active
	}

	list, err := h.svc.ListUsers(c.Request().Context(), id.OrganizationID, f, pagination.FromContext(c))
	if err != nil {
		return toHTTP(err)
	}
	return response.OK(c, list)
}

func (h *Handler) CreateUser(c echo.Context) error {
	id, err := auth.CurrentIdentity(c)
	if err != nil {
		return err
	}
	var req CreateUserRequest
	if err := validate.Bind(c, &req); err != nil {
		return err
	}
	user, err := h.svc.CreateUser(c.Request().Context(), id, req)
	if err != nil {
		return toHTTP(err)
	}
	return response.Created(c, user)
}

func (h *Handler) UpdateRole(c echo.Context) error {
	id, err := auth.CurrentIdentity(c)
	if err != nil {
		return err
	}
	userID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.Validation("Invalid user id", nil)
	}
	var req UpdateRoleRequest
	if err := validate.Bind(c, &req); err != nil {
		return err
	}
	user, err := h.svc.UpdateRole(c.Request().Context(), id, userID, req.Role)
	if err != nil {
		return toHTTP(err)
	}
	return response.OK(c, user)
}

func (h *Handler) Deactivate(c echo.Context) error {
	id, err := auth.CurrentIdentity(c)
	if err != nil {
		return err
	}
	userID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.Validation("Invalid user id", nil)
	}
	if err := h.svc.Deactivate(c.Request().Context(), id, userID); err != nil {
		return toHTTP(err)
	}
	return response.Message(c, http.StatusOK, "User deactivated")
}
