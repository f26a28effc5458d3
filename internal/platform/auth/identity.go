package auth

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/rcm/rcm/internal/platform/apperr"
)

type contextKey string

const identityKey contextKey = "auth_identity"

// Identity is the authenticated principal attached to a request.
type Identity struct {
	ID             uuid.UUID `json:"id"`
	Email          string    `json:"email"`
	Role           Role      `json:"role"`
	OrganizationID uuid.UUID `json:"organizationId"`

	// Token is the credential that authenticated the request and
	// TokenExpiresAt its natural expiry; logout revokes it for the remainder.
	Token          string    `json:"-"`
	TokenExpiresAt time.Time `json:"-"`
}

func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey).(*Identity)
	return id, ok && id != nil
}

// CurrentIdentity returns the identity of the request or a 401 error.
func CurrentIdentity(c echo.Context) (*Identity, error) {
	id, ok := IdentityFromContext(c.Request().Context())
	if !ok {
		return nil, apperr.Unauthorized("Authentication required")
	}
	return id, nil
}
