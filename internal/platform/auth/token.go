package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenKind selects the lifetime of a signed token. Both kinds share one
// secret and one claim shape; they are told apart only by the endpoint that
// receives them.
type TokenKind int

const (
	AccessToken TokenKind = iota
	RefreshToken
)

func (k TokenKind) String() string {
	if k == RefreshToken {
		return "refresh"
	}
	return "access"
}

// Payload is the content of a token. ID, IssuedAt and ExpiresAt are filled
// in by Sign and returned by Verify.
type Payload struct {
	UserID    uuid.UUID
	Role      Role
	ID        string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type tokenClaims struct {
	jwt.RegisteredClaims
	UserID string `json:"id"`
	Role   string `json:"role,omitempty"`
}

// TokenPair is what login, registration and refresh hand back to clients.
type TokenPair struct {
	AccessToken      string    `json:"accessToken"`
	RefreshToken     string    `json:"refreshToken"`
	AccessExpiresAt  time.Time `json:"accessExpiresAt"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
}

// TokenCodec signs and verifies HS256 tokens.
type TokenCodec struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

func NewTokenCodec(secret []byte, accessTTL, refreshTTL time.Duration) *TokenCodec {
	return &TokenCodec{
		secret:     secret,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}
}

// TTL returns the configured lifetime of kind.
func (c *TokenCodec) TTL(kind TokenKind) time.Duration {
	if kind == RefreshToken {
		return c.refreshTTL
	}
	return c.accessTTL
}

// Sign produces a token for p valid for the lifetime of kind. Refresh tokens
// carry only the subject.
func (c *TokenCodec) Sign(p Payload, kind TokenKind) (string, error) {
	if p.UserID == uuid.Nil {
		return "", errors.New("sign token: missing user id")
	}
	now := c.now()
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.TTL(kind))),
		},
		UserID: p.UserID.String(),
	}
	if kind == AccessToken {
		claims.Role = string(p.Role)
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("sign %s token: %w", kind, err)
	}
	return signed, nil
}

// Verify returns the payload of a well-formed, correctly signed, unexpired
// token, or nil. Callers treat nil as invalid without inspecting why.
func (c *TokenCodec) Verify(token string) *Payload {
	if token == "" {
		return nil
	}
	claims := &tokenClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil || !parsed.Valid {
		return nil
	}

	userID, err := uuid.Parse(claims.UserID)
	if err != nil {
		return nil
	}

	p := &Payload{
		UserID: userID,
		Role:   Role(claims.Role),
		ID:     claims.ID,
	}
	if claims.IssuedAt != nil {
		p.IssuedAt = claims.IssuedAt.Time
	}
	p.ExpiresAt = claims.ExpiresAt.Time
	return p
}

// Remaining is the time left before p expires, never negative.
func (c *TokenCodec) Remaining(p *Payload) time.Duration {
	if p == nil {
		return 0
	}
	d := p.ExpiresAt.Sub(c.now())
	if d < 0 {
		return 0
	}
	return d
}

// Pair signs a fresh access/refresh pair for the user.
func (c *TokenCodec) Pair(userID uuid.UUID, role Role) (*TokenPair, error) {
	access, err := c.Sign(Payload{UserID: userID, Role: role}, AccessToken)
	if err != nil {
		return nil, err
	}
	refresh, err := c.Sign(Payload{UserID: userID}, RefreshToken)
	if err != nil {
		return nil, err
	}
	now := c.now()
	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  now.Add(c.accessTTL),
		RefreshExpiresAt: now.Add(c.refreshTTL),
	}, nil
}
