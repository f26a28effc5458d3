package auth

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

const (
	AccessCookieName  = "token"
	RefreshCookieName = "refreshToken"
)

// CookieConfig controls the auth cookies. The access cookie is lax so that
// top-level navigations carry it; the refresh cookie is strict.
type CookieConfig struct {
	Secure     bool
	Domain     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// SetAuthCookies writes both cookies for a freshly issued pair.
func (cfg CookieConfig) SetAuthCookies(c echo.Context, pair *TokenPair) {
	c.SetCookie(cfg.cookie(AccessCookieName, pair.AccessToken, cfg.AccessTTL, http.SameSiteLaxMode))
	c.SetCookie(cfg.cookie(RefreshCookieName, pair.RefreshToken, cfg.RefreshTTL, http.SameSiteStrictMode))
}

// ClearAuthCookies expires both cookies on the client.
func (cfg CookieConfig) ClearAuthCookies(c echo.Context) {
	for _, name := range []string{AccessCookieName, RefreshCookieName} {
		ck := cfg.cookie(name, "", 0, http.SameSiteLaxMode)
		ck.MaxAge = -1
		ck.Expires = time.Unix(0, 0)
		if name == RefreshCookieName {
			ck.SameSite = http.SameSiteStrictMode
		}
		c.SetCookie(ck)
	}
}

func (cfg CookieConfig) cookie(name, value string, ttl time.Duration, sameSite http.SameSite) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   cfg.Domain,
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   cfg.Secure,
		SameSite: sameSite,
	}
}

// CookieValue returns the named cookie's value or "".
func CookieValue(c echo.Context, name string) string {
	ck, err := c.Cookie(name)
	if err != nil {
		return ""
	}
	return ck.Value
}
