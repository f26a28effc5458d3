package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"github.com/rs/zerolog"

	"github.com/rcm/rcm/internal/platform/apperr"
	"github.com/rcm/rcm/internal/platform/auth"
	"github.com/rcm/rcm/internal/platform/cache"
	"github.com/rcm/rcm/internal/platform/db"
	"github.com/rcm/rcm/pkg/pagination"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrInvalidRefresh     = errors.New("invalid refresh token")
	ErrWrongPassword      = errors.New("current password is incorrect")
	ErrSelfDeactivation   = errors.New("cannot deactivate own account")
)

const usersResource = "users"

type Service struct {
	tx       db.Transactor
	orgs     OrganizationRepository
	users    UserRepository
	sessions auth.SessionStore
	revoker  auth.Revoker
	codec    *auth.TokenCodec
	cache    *cache.Cache
	logger   zerolog.Logger
	now      func() time.Time

	dummyOnce sync.Once
	dummyHash string
}

func NewService(
	tx db.Transactor,
	orgs OrganizationRepository,
	users UserRepository,
	sessions auth.SessionStore,
	revoker auth.Revoker,
	codec *auth.TokenCodec,
	c *cache.Cache,
	logger zerolog.Logger,
) *Service {
	return &Service{
		tx:       tx,
		orgs:     orgs,
		users:    users,
		sessions: sessions,
		revoker:  revoker,
		codec:    codec,
		cache:    c,
		logger:   logger.With().Str("component", "identity").Logger(),
		now:      time.Now,
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// -- Authentication --

// Register creates an organization with its first admin user and opens a
// session for that user.
func (s *Service) Register(ctx context.Context, req RegisterRequest, meta auth.SessionMeta) (*AuthResult, error) {
	email := normalizeEmail(req.Email)
	if _, err := s.users.GetByEmail(ctx, email); err == nil {
		return nil, ErrEmailTaken
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		return nil, err
	}

	org := &Organization{Name: strings.TrimSpace(req.OrganizationName), IsActive: true}
	user := &User{
		Email:        email,
		PasswordHash: hash,
		FirstName:    strings.TrimSpace(req.FirstName),
		LastName:     strings.TrimSpace(req.LastName),
		Role:         auth.RoleAdmin,
		IsActive:     true,
	}

	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		org.Slug, err = s.uniqueSlug(ctx, org.Name)
		if err != nil {
			return err
		}
		if err := s.orgs.Create(ctx, org); err != nil {
			return err
		}
		user.OrganizationID = org.ID
		if err := s.users.Create(ctx, user); err != nil {
			return err
		}
		_, err := s.sessions.Create(ctx, user.ID, s.codec.TTL(auth.RefreshToken), meta)
		return err
	})
	if err != nil {
		return nil, err
	}

	pair, err := s.codec.Pair(user.ID, user.Role)
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("user_id", user.ID.String()).Str("organization_id", org.ID.String()).Msg("organization registered")
	return &AuthResult{User: user, Organization: org, Tokens: pair}, nil
}

// uniqueSlug derives a URL slug from the organization name, suffixing it
// when the plain form is taken.
func (s *Service) uniqueSlug(ctx context.Context, name string) (string, error) {
	base := slug.Make(name)
	if base == "" {
		base = "org"
	}
	candidate := base
	for i := 0; i < 5; i++ {
		exists, err := s.orgs.SlugExists(ctx, candidate)
		if err != nil {
			return "", fmt.Errorf("check slug: %w", err)
		}
		if !exists {
			return candidate, nil
		}
		candidate = base + "-" + uuid.NewString()[:6]
	}
	return "", fmt.Errorf("no free slug for %q", name)
}

// Login answers every failure with ErrInvalidCredentials so that callers
// cannot tell unknown, inactive and mistyped accounts apart.
func (s *Service) Login(ctx context.Context, req LoginRequest, meta auth.SessionMeta) (*AuthResult, error) {
	user, err := s.users.GetByEmail(ctx, normalizeEmail(req.Email))
	if errors.Is(err, ErrNotFound) {
		// Spend the same bcrypt time as a real comparison.
		auth.CheckPassword(s.fakeHash(), req.Password)
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if !auth.CheckPassword(user.PasswordHash, req.Password) || !user.IsActive {
		return nil, ErrInvalidCredentials
	}

	now := s.now()
	if err := s.users.TouchLogin(ctx, user.ID, now); err != nil {
		return nil, err
	}
	user.LastLoginAt = &now

	if _, err := s.sessions.Create(ctx, user.ID, s.codec.TTL(auth.RefreshToken), meta); err != nil {
		return nil, err
	}
	org, err := s.orgs.GetByID(ctx, user.OrganizationID)
	if err != nil {
		return nil, err
	}
	pair, err := s.codec.Pair(user.ID, user.Role)
	if err != nil {
		return nil, err
	}
	return &AuthResult{User: user, Organization: org, Tokens: pair}, nil
}

func (s *Service) fakeHash() string {
	s.dummyOnce.Do(func() {
		s.dummyHash, _ = auth.HashPassword(uuid.NewString())
	})
	return s.dummyHash
}

// Refresh rotates a refresh token: the presented token is revoked for the
// rest of its lifetime and a new pair plus session is issued.
func (s *Service) Refresh(ctx context.Context, token string, meta auth.SessionMeta) (*auth.TokenPair, error) {
	if token == "" {
		return nil, ErrInvalidRefresh
	}
	revoked, err := s.revoker.IsBlacklisted(ctx, token)
	if err != nil {
		return nil, apperr.Unavailable("Authentication service unavailable", err)
	}
	if revoked {
		return nil, ErrInvalidRefresh
	}
	payload := s.codec.Verify(token)
	if payload == nil {
		return nil, ErrInvalidRefresh
	}

	user, err := s.users.GetByID(ctx, payload.UserID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidRefresh
	}
	if err != nil {
		return nil, err
	}
	if !user.IsActive {
		return nil, ErrInvalidRefresh
	}

	pair, err := s.codec.Pair(user.ID, user.Role)
	if err != nil {
		return nil, err
	}
	if _, err := s.sessions.Create(ctx, user.ID, s.codec.TTL(auth.RefreshToken), meta); err != nil {
		return nil, err
	}
	if err := s.revoker.Blacklist(ctx, token, s.codec.Remaining(payload)); err != nil {
		return nil, apperr.Unavailable("Authentication service unavailable", err)
	}
	return pair, nil
}

// Logout revokes the access token that authenticated the request and, when
// it belongs to the same user, the refresh token.
func (s *Service) Logout(ctx context.Context, id *auth.Identity, refreshToken string) error {
	ttl := s.codec.Remaining(&auth.Payload{ExpiresAt: id.TokenExpiresAt})
	if err := s.revoker.Blacklist(ctx, id.Token, ttl); err != nil {
		return apperr.Unavailable("Authentication service unavailable", err)
	}
	if refreshToken == "" {
		return nil
	}
	if p := s.codec.Verify(refreshToken); p != nil && p.UserID == id.ID {
		if err := s.revoker.Blacklist(ctx, refreshToken, s.codec.Remaining(p)); err != nil {
			return apperr.Unavailable("Authentication service unavailable", err)
		}
	}
	return nil
}

func (s *Service) Me(ctx context.Context, id *auth.Identity) (*User, *Organization, error) {
	user, err := s.users.GetByID(ctx, id.ID)
	if err != nil {
		return nil, nil, err
	}
	org, err := s.orgs.GetByID(ctx, user.OrganizationID)
	if err != nil {
		return nil, nil, err
	}
	return user, org, nil
}

// ChangePassword ends every session of the user, including the caller's.
func (s *Service) ChangePassword(ctx context.Context, id *auth.Identity, req ChangePasswordRequest) error {
	user, err := s.users.GetByID(ctx, id.ID)
	if err != nil {
		return err
	}
	if !auth.CheckPassword(user.PasswordHash, req.CurrentPassword) {
		return ErrWrongPassword
	}
	hash, err := auth.HashPassword(req.NewPassword)
	if err != nil {
		return err
	}

	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		if err := s.users.UpdatePassword(ctx, user.ID, hash); err != nil {
			return err
		}
		_, err := s.sessions.DeleteForUser(ctx, user.ID)
		return err
	})
	if err != nil {
		return err
	}

	ttl := s.codec.Remaining(&auth.Payload{ExpiresAt: id.TokenExpiresAt})
	if err := s.revoker.Blacklist(ctx, id.Token, ttl); err != nil {
		// Sessions are gone, so the token is already unusable.
		s.logger.Warn().Err(err).Str("user_id", user.ID.String()).Msg("revoke token after password change")
	}
	return nil
}

// -- User management --

func (s *Service) ListUsers(ctx context.Context, orgID uuid.UUID, f UserFilter, p pagination.Params) (*UserList, error) {
	key := cache.Key(usersResource, orgID.String(), cache.FilterKey(f.values(p)))
	return cache.Remember(ctx, s.cache, key, 0, func(ctx context.Context) (*UserList, error) {
		users, total, err := s.users.List(ctx, orgID, f, p)
		if err != nil {
			return nil, err
		}
		return &UserList{Users: users, Meta: pagination.NewMeta(p, total)}, nil
	})
}

func (s *Service) CreateUser(ctx context.Context, actor *auth.Identity, req CreateUserRequest) (*User, error) {
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		return nil, err
	}
	user := &User{
		OrganizationID: actor.OrganizationID,
		Email:          normalizeEmail(req.Email),
		PasswordHash:   hash,
		FirstName:      strings.TrimSpace(req.FirstName),
		LastName:       strings.TrimSpace(req.LastName),
		Role:           req.Role,
		IsActive:       true,
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, err
	}
	s.invalidate(ctx, actor.OrganizationID)
	return user, nil
}

func (s *Service) UpdateRole(ctx context.Context, actor *auth.Identity, userID uuid.UUID, role auth.Role) (*User, error) {
	if !role.Valid() {
		return nil, apperr.Validation("Invalid role", map[string]string{"role": "must be a valid role"})
	}
	user, err := s.users.UpdateRole(ctx, actor.OrganizationID, userID, role)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, actor.OrganizationID)
	return user, nil
}

// Deactivate disables the account and drops its sessions, which logs the
// user out everywhere on their next request.
func (s *Service) Deactivate(ctx context.Context, actor *auth.Identity, userID uuid.UUID) error {
	if actor.ID == userID {
		return ErrSelfDeactivation
	}
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		if err := s.users.SetActive(ctx, actor.OrganizationID, userID, false); err != nil {
			return err
		}
		_, err := s.sessions.DeleteForUser(ctx, userID)
		return err
	})
	if err != nil {
		return err
	}
	s.invalidate(ctx, actor.OrganizationID)
	s.logger.Info().Str("user_id", userID.String()).Str("by", actor.ID.String()).Msg("user deactivated")
	return nil
}

func (s *Service) invalidate(ctx context.Context, orgID uuid.UUID) {
	s.cache.InvalidatePattern(ctx, cache.Prefix(usersResource, orgID.String()))
}
