package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/rcm/rcm/internal/platform/apperr"
	"github.com/rcm/rcm/internal/platform/metrics"
)

// Rejection reasons. Each maps to a 401.
var (
	ErrNoToken        = errors.New("no token")
	ErrTokenRevoked   = errors.New("token revoked")
	ErrTokenInvalid   = errors.New("token invalid")
	ErrSessionMissing = errors.New("session missing")
	ErrUserInactive   = errors.New("user inactive")
)

var rejectionMessages = map[error]string{
	ErrNoToken:        "Authentication required",
	ErrTokenRevoked:   "Token has been revoked",
	ErrTokenInvalid:   "Invalid or expired token",
	ErrSessionMissing: "Session expired, please log in again",
	ErrUserInactive:   "Account is deactivated",
}

// Authenticator turns a presented token into an Identity.
type Authenticator struct {
	codec    *TokenCodec
	revoker  Revoker
	sessions SessionStore
	cookies  CookieConfig
	logger   zerolog.Logger
}

func NewAuthenticator(codec *TokenCodec, revoker Revoker, sessions SessionStore, cookies CookieConfig, logger zerolog.Logger) *Authenticator {
	return &Authenticator{
		codec:    codec,
		revoker:  revoker,
		sessions: sessions,
		cookies:  cookies,
		logger:   logger.With().Str("component", "auth").Logger(),
	}
}

// TokenFromRequest returns the bearer token, falling back to the access
// cookie. The Authorization header always wins.
func TokenFromRequest(c echo.Context) string {
	if h := c.Request().Header.Get(echo.HeaderAuthorization); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			if tok := strings.TrimSpace(parts[1]); tok != "" {
				return tok
			}
		}
	}
	return CookieValue(c, AccessCookieName)
}

// Authenticate checks the revocation list, then the signature, then the
// session and the account's active flag. Rejections are one of the Err*
// values above; any other error is a store failure.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, ErrNoToken
	}

	revoked, err := a.revoker.IsBlacklisted(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("revocation lookup: %w", err)
	}
	if revoked {
		return nil, ErrTokenRevoked
	}

	payload := a.codec.Verify(token)
	if payload == nil {
		return nil, ErrTokenInvalid
	}

	sess, err := a.sessions.FindActive(ctx, payload.UserID)
	if errors.Is(err, ErrSessionNotFound) {
		return nil, ErrSessionMissing
	}
	if err != nil {
		return nil, fmt.Errorf("session lookup: %w", err)
	}
	if !sess.UserActive {
		return nil, ErrUserInactive
	}

	return &Identity{
		ID:             sess.UserID,
		Email:          sess.Email,
		Role:           sess.Role,
		OrganizationID: sess.OrganizationID,
		Token:          token,
		TokenExpiresAt: payload.ExpiresAt,
	}, nil
}

// Middleware rejects unauthenticated requests with 401 and clears the auth
// cookies so the browser stops replaying a dead credential. Store outages
// produce 503 and leave the cookies alone.
func (a *Authenticator) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()

			id, err := a.Authenticate(ctx, TokenFromRequest(c))
			if err != nil {
				if msg, ok := rejectionMessages[err]; ok {
					metrics.AuthRejections.WithLabelValues(reasonLabel(err)).Inc()
					a.cookies.ClearAuthCookies(c)
					return apperr.Unauthorized(msg)
				}
				a.logger.Error().Err(err).Str("path", c.Request().URL.Path).Msg("authentication store failure")
				return apperr.Unavailable("Authentication service unavailable", err)
			}

			c.SetRequest(c.Request().WithContext(WithIdentity(ctx, id)))
			c.Set("user_id", id.ID.String())
			return next(c)
		}
	}
}

func reasonLabel(err error) string {
	return strings.ReplaceAll(err.Error(), " ", "_")
}
